package installer

import (
	"reflect"
	"testing"
)

func selectedOf(rs ...*RegisteredResource) map[string]*RegisteredResource {
	out := make(map[string]*RegisteredResource, len(rs))
	for _, r := range rs {
		out[r.EntityID()] = r
	}
	return out
}

func TestDiff(t *testing.T) {
	api := testBundle("org.example.api", "test:/api.jar", "d-api", 100)
	cfg := testConfig("org.example.Service", "test:/s.cfg", "d-cfg", 100)

	apiApplied := AppliedEntry{EntityID: api.EntityID(), Type: ResourceTypeBundle, Digest: "d-api", BundleID: 5, SymbolicName: "org.example.api"}
	cfgApplied := AppliedEntry{EntityID: cfg.EntityID(), Type: ResourceTypeConfig, Digest: "d-cfg", PID: cfg.ConfigPID()}
	hostWithAPI := []BundleInfo{{ID: 5, SymbolicName: "org.example.api"}}

	tests := []struct {
		name       string
		selected   map[string]*RegisteredResource
		applied    []AppliedEntry
		host       []BundleInfo
		wantKeys   []string
		wantForget []string
	}{
		{
			name:     "new resources are installed",
			selected: selectedOf(api, cfg),
			host:     []BundleInfo{},
			wantKeys: []string{"50-bundle:org.example.api", "20-config:org.example.Service"},
		},
		{
			name:     "applied state matching yields nothing",
			selected: selectedOf(api, cfg),
			applied:  []AppliedEntry{apiApplied, cfgApplied},
			host:     hostWithAPI,
		},
		{
			name:     "changed digests are updated",
			selected: selectedOf(api, cfg),
			applied: []AppliedEntry{
				{EntityID: api.EntityID(), Type: ResourceTypeBundle, Digest: "old", BundleID: 5},
				{EntityID: cfg.EntityID(), Type: ResourceTypeConfig, Digest: "old", PID: cfg.ConfigPID()},
			},
			host:     hostWithAPI,
			wantKeys: []string{"40-bundle:org.example.api", "20-config:org.example.Service"},
		},
		{
			name:     "bundle already on host is updated in place",
			selected: selectedOf(api),
			host:     []BundleInfo{{ID: 9, SymbolicName: "org.example.api"}},
			wantKeys: []string{"40-bundle:org.example.api"},
		},
		{
			name:     "unregistered entities are removed",
			applied:  []AppliedEntry{apiApplied, cfgApplied},
			host:     hostWithAPI,
			wantKeys: []string{"30-bundle:org.example.api", "10-config:org.example.Service"},
		},
		{
			name:       "vanished bundle is forgotten and reinstalled",
			selected:   selectedOf(api),
			applied:    []AppliedEntry{apiApplied},
			host:       []BundleInfo{},
			wantKeys:   []string{"50-bundle:org.example.api"},
			wantForget: []string{"bundle:org.example.api"},
		},
		{
			name:       "vanished unregistered bundle is only forgotten",
			applied:    []AppliedEntry{apiApplied},
			host:       []BundleInfo{},
			wantForget: []string{"bundle:org.example.api"},
		},
		{
			name:     "unknown host listing does not forget",
			selected: selectedOf(api),
			applied:  []AppliedEntry{apiApplied},
			host:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := diff(tt.selected, tt.applied, tt.host)
			got := keysOf(res.Tasks)
			if len(got) == 0 && len(tt.wantKeys) == 0 {
				got = nil
			}
			if !reflect.DeepEqual(got, tt.wantKeys) {
				t.Errorf("tasks = %v, want %v", got, tt.wantKeys)
			}
			if !reflect.DeepEqual(res.Forget, tt.wantForget) {
				t.Errorf("forget = %v, want %v", res.Forget, tt.wantForget)
			}
		})
	}
}

func TestDiff_UpdateTargetsAppliedBundle(t *testing.T) {
	api := testBundle("org.example.api", "test:/api.jar", "new", 100)
	applied := []AppliedEntry{{EntityID: api.EntityID(), Type: ResourceTypeBundle, Digest: "old", BundleID: 5}}

	res := diff(selectedOf(api), applied, []BundleInfo{{ID: 5, SymbolicName: "org.example.api"}})
	if len(res.Tasks) != 1 {
		t.Fatalf("tasks = %v", res.Tasks)
	}
	if res.Tasks[0].BundleID != 5 || res.Tasks[0].Resource != api {
		t.Errorf("update task = %+v, want bundle 5 with the selected resource", res.Tasks[0])
	}
}
