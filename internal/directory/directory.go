// Package directory tracks the augmentor workers currently connected to
// the dispatcher and publishes a lock-free, read-mostly snapshot of them
// for the hot path.
package directory

import (
	"sort"
	"sync/atomic"

	"pkt.systems/augmentd/internal/compactseq"
)

// Instance is one transport address serving an augmentor, with its
// in-flight budget. NumInFlight is mutated only on the loop goroutine;
// metric readers may observe it without synchronization.
type Instance struct {
	Addr        string
	MaxInFlight int
	NumInFlight int
}

// AugmentorInfo is the mutable record for a named augmentor. An
// AugmentorInfo with no instances must not remain in the directory.
type AugmentorInfo struct {
	Name      string
	Instances compactseq.Seq[*Instance]
}

// FindInstance returns the instance registered at addr, or nil.
func (a *AugmentorInfo) FindInstance(addr string) *Instance {
	for _, inst := range a.Instances.Values() {
		if inst.Addr == addr {
			return inst
		}
	}
	return nil
}

// PickInstance selects the instance with strictly minimum NumInFlight
// among those below their MaxInFlight, ties broken by iteration order,
// and increments its in-flight count. It returns nil when every instance
// is saturated.
func (a *AugmentorInfo) PickInstance() *Instance {
	var picked *Instance
	minInFlight := int(^uint(0) >> 1)
	for _, inst := range a.Instances.Values() {
		if inst.NumInFlight >= minInFlight {
			continue
		}
		if inst.NumInFlight >= inst.MaxInFlight {
			continue
		}
		picked = inst
		minInFlight = inst.NumInFlight
	}
	if picked != nil {
		picked.NumInFlight++
	}
	return picked
}

// Entry is one snapshot element: the augmentor name plus a reference to
// its live record. Hot-path readers only consult Name; Info is for the
// loop goroutine.
type Entry struct {
	Name string
	Info *AugmentorInfo
}

// Snapshot is an immutable, name-sorted view of the directory. Readers
// load it atomically and keep it alive simply by holding the reference;
// superseded snapshots are reclaimed by the garbage collector once the
// last reader drops them, so no reader ever observes a freed snapshot.
type Snapshot struct {
	entries []Entry
}

// Entries returns the name-sorted snapshot contents.
func (s *Snapshot) Entries() []Entry { return s.entries }

// Len returns the number of augmentors in the snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// Directory is the mutable augmentor registry. All mutation happens on
// the dispatcher loop goroutine; Snapshot may be called from any
// goroutine.
type Directory struct {
	augmentors map[string]*AugmentorInfo
	current    atomic.Pointer[Snapshot]
}

// New builds an empty directory with an empty published snapshot.
func New() *Directory {
	d := &Directory{augmentors: make(map[string]*AugmentorInfo)}
	d.current.Store(&Snapshot{})
	return d
}

// Get returns the record for name, or nil.
func (d *Directory) Get(name string) *AugmentorInfo {
	return d.augmentors[name]
}

// Upsert returns the record for name, creating it when absent. created
// reports whether a new record was made.
func (d *Directory) Upsert(name string) (info *AugmentorInfo, created bool) {
	if info = d.augmentors[name]; info != nil {
		return info, false
	}
	info = &AugmentorInfo{Name: name}
	d.augmentors[name] = info
	return info, true
}

// Removal identifies one instance dropped by RemoveInstance.
type Removal struct {
	Augmentor string
	Addr      string
}

// RemoveInstance drops any instance registered at addr. When name is
// non-empty only that augmentor is inspected. Augmentors left without
// instances are removed from the directory. The caller must republish the
// snapshot when removals is non-empty.
func (d *Directory) RemoveInstance(addr, name string) (removals []Removal) {
	var emptied []string
	for _, info := range d.augmentors {
		if name != "" && info.Name != name {
			continue
		}
		for i, inst := range info.Instances.Values() {
			if inst.Addr != addr {
				continue
			}
			_ = info.Instances.Erase(i, i+1)
			removals = append(removals, Removal{Augmentor: info.Name, Addr: addr})
			break
		}
		if info.Instances.Len() == 0 {
			emptied = append(emptied, info.Name)
		}
	}
	for _, n := range emptied {
		delete(d.augmentors, n)
	}
	return removals
}

// Each visits every augmentor record in unspecified order.
func (d *Directory) Each(fn func(*AugmentorInfo)) {
	for _, info := range d.augmentors {
		fn(info)
	}
}

// Len returns the number of registered augmentors.
func (d *Directory) Len() int { return len(d.augmentors) }

// Publish rebuilds the snapshot from the current directory contents,
// sorted by name, and stores it with release semantics.
func (d *Directory) Publish() {
	snap := &Snapshot{entries: make([]Entry, 0, len(d.augmentors))}
	for name, info := range d.augmentors {
		snap.entries = append(snap.entries, Entry{Name: name, Info: info})
	}
	sort.Slice(snap.entries, func(i, j int) bool {
		return snap.entries[i].Name < snap.entries[j].Name
	})
	d.current.Store(snap)
}

// Snapshot returns the currently published snapshot. Safe from any
// goroutine.
func (d *Directory) Snapshot() *Snapshot {
	return d.current.Load()
}
