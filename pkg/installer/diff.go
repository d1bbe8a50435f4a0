package installer

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// diffResult is the outcome of comparing desired and applied state.
type diffResult struct {
	// Tasks bring the host to the desired state.
	Tasks []Task

	// Forget lists applied entities that vanished from the host without the
	// installer's involvement. Their applied entries are dropped.
	Forget []string
}

// diff compares the selected resource of every entity with the applied state.
// hostBundles is nil when the host could not be listed; vanished bundles are
// then not detected and new bundles are never matched to existing ones.
func diff(selected map[string]*RegisteredResource, applied []AppliedEntry, hostBundles []BundleInfo) diffResult {
	var res diffResult

	appliedBy := make(map[string]AppliedEntry, len(applied))
	for _, e := range applied {
		appliedBy[e.EntityID] = e
	}
	var onHost sets.Set[BundleID]
	if hostBundles != nil {
		onHost = sets.New[BundleID]()
		for _, b := range hostBundles {
			onHost.Insert(b.ID)
		}
	}
	vanished := func(e AppliedEntry) bool {
		return e.Type == ResourceTypeBundle && onHost != nil && !onHost.Has(e.BundleID)
	}

	entities := make([]string, 0, len(selected))
	for id := range selected {
		entities = append(entities, id)
	}
	sort.Strings(entities)

	for _, id := range entities {
		r := selected[id]
		e, ok := appliedBy[id]
		if ok && vanished(e) {
			res.Forget = append(res.Forget, id)
			ok = false
		}
		if ok && e.Digest == r.Digest() {
			continue
		}
		switch r.Type() {
		case ResourceTypeBundle:
			switch {
			case ok:
				res.Tasks = append(res.Tasks, NewBundleUpdateTask(r, e.BundleID))
			default:
				if b, found := findBundle(hostBundles, r.Manifest().SymbolicName); found {
					res.Tasks = append(res.Tasks, NewBundleUpdateTask(r, b.ID))
				} else {
					res.Tasks = append(res.Tasks, NewBundleInstallTask(r))
				}
			}
		case ResourceTypeConfig:
			res.Tasks = append(res.Tasks, NewConfigInstallTask(r))
		}
	}

	for _, e := range applied {
		if _, ok := selected[e.EntityID]; ok {
			continue
		}
		switch e.Type {
		case ResourceTypeBundle:
			if vanished(e) {
				res.Forget = append(res.Forget, e.EntityID)
				continue
			}
			res.Tasks = append(res.Tasks, NewBundleRemoveTask(e.EntityID, e.BundleID))
		case ResourceTypeConfig:
			res.Tasks = append(res.Tasks, NewConfigRemoveTask(e.EntityID, e.PID))
		}
	}
	return res
}
