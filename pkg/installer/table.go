package installer

import (
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// resourceTable is the desired state: every registered resource, grouped by
// the owner that registered it and keyed by url.
type resourceTable struct {
	mu     sync.RWMutex
	owners map[string]map[string]*RegisteredResource
	serial uint64
}

func newResourceTable() *resourceTable {
	return &resourceTable{owners: make(map[string]map[string]*RegisteredResource)}
}

// sameRegistration reports whether b would replace a without any effect.
func sameRegistration(a, b *RegisteredResource) bool {
	return a.url == b.url && a.digest == b.digest && a.priority == b.priority
}

// putLocked stores r for owner unless an identical registration exists.
// Caller holds mu.
func (t *resourceTable) putLocked(byURL map[string]*RegisteredResource, r *RegisteredResource) bool {
	if existing, ok := byURL[r.url]; ok && sameRegistration(existing, r) {
		return false
	}
	t.serial++
	r.serial = t.serial
	byURL[r.url] = r
	return true
}

// replace makes rs the complete set of resources of owner. It reports whether
// the table changed.
func (t *resourceTable) replace(owner string, rs []*RegisteredResource) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.owners[owner]
	next := make(map[string]*RegisteredResource, len(rs))
	changed := false
	for _, r := range rs {
		if existing, ok := old[r.url]; ok && sameRegistration(existing, r) {
			next[r.url] = existing
			continue
		}
		if t.putLocked(next, r) {
			changed = true
		}
	}
	for url := range old {
		if _, ok := next[url]; !ok {
			changed = true
		}
	}
	if len(next) == 0 {
		delete(t.owners, owner)
	} else {
		t.owners[owner] = next
	}
	return changed
}

// upsert adds or replaces rs within owner's set. It reports whether the table changed.
func (t *resourceTable) upsert(owner string, rs []*RegisteredResource) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byURL, ok := t.owners[owner]
	if !ok {
		byURL = make(map[string]*RegisteredResource, len(rs))
		t.owners[owner] = byURL
	}
	changed := false
	for _, r := range rs {
		if t.putLocked(byURL, r) {
			changed = true
		}
	}
	if len(byURL) == 0 {
		delete(t.owners, owner)
	}
	return changed
}

// remove drops the resources of owner at urls. It reports whether the table changed.
func (t *resourceTable) remove(owner string, urls []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byURL, ok := t.owners[owner]
	if !ok {
		return false
	}
	changed := false
	for _, url := range urls {
		if _, ok := byURL[url]; ok {
			delete(byURL, url)
			changed = true
		}
	}
	if len(byURL) == 0 {
		delete(t.owners, owner)
	}
	return changed
}

// outranks reports whether a wins over b for the same entity: higher priority
// first, then the more recent registration.
func outranks(a, b *RegisteredResource) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.serial > b.serial
}

// selected returns the winning resource of every entity.
func (t *resourceTable) selected() map[string]*RegisteredResource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*RegisteredResource)
	for _, byURL := range t.owners {
		for _, r := range byURL {
			if cur, ok := out[r.entityID]; !ok || outranks(r, cur) {
				out[r.entityID] = r
			}
		}
	}
	return out
}

// candidates returns every resource registered for entityID, winner first.
func (t *resourceTable) candidates(entityID string) []*RegisteredResource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*RegisteredResource
	for _, byURL := range t.owners {
		for _, r := range byURL {
			if r.entityID == entityID {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return outranks(out[i], out[j]) })
	return out
}

// owned returns the resources registered by owner, sorted by url.
func (t *resourceTable) owned(owner string) []*RegisteredResource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*RegisteredResource, 0, len(t.owners[owner]))
	for _, r := range t.owners[owner] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].url < out[j].url })
	return out
}

// len returns the number of registered resources.
func (t *resourceTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, byURL := range t.owners {
		n += len(byURL)
	}
	return n
}

// bundleDigests returns the digests of every registered bundle payload.
func (t *resourceTable) bundleDigests() sets.Set[string] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := sets.New[string]()
	for _, byURL := range t.owners {
		for _, r := range byURL {
			if r.typ == ResourceTypeBundle {
				out.Insert(r.digest)
			}
		}
	}
	return out
}
