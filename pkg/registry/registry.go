// Package registry holds the controller's chunk-hash registry: the map from
// page fingerprint to the set of base sandboxes known to hold a matching
// page, and the planner that picks one base per requested page.
package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/dedupd/pkg/fingerprint"
)

// Entry identifies one base sandbox known to hold a page matching some
// digest, at a specific offset within a specific registered region.
type Entry struct {
	ContainerID int
	MachineID   int
	RegionID    int32
	Addr        uint64
}

// Registry is the chunk-hash registry: digest -> base sandboxes. It is safe
// for concurrent use; RegisterPages calls from many workers race with
// GetBaseContainers calls from other workers' dedup flows.
type Registry struct {
	mu      sync.RWMutex
	entries map[fingerprint.Digest][]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[fingerprint.Digest][]Entry)}
}

// Register records that containerID on machineID holds a page matching
// digest at (regionID, addr). Duplicate registrations for the same
// (digest, containerID) are no-ops.
func (r *Registry) Register(digest fingerprint.Digest, containerID, machineID int, regionID int32, addr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[digest] {
		if e.ContainerID == containerID {
			return
		}
	}
	r.entries[digest] = append(r.entries[digest], Entry{
		ContainerID: containerID,
		MachineID:   machineID,
		RegionID:    regionID,
		Addr:        addr,
	})
}

// Unregister drops every digest entry belonging to containerID, used when a
// base sandbox is purged or evicted.
func (r *Registry) Unregister(containerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for digest, entries := range r.entries {
		kept := entries[:0]
		for _, e := range entries {
			if e.ContainerID != containerID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.entries, digest)
		} else {
			r.entries[digest] = kept
		}
	}
}

// Candidates returns the base sandboxes registered against digest, in
// insertion order.
func (r *Registry) Candidates(digest fingerprint.Digest) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries[digest]))
	copy(out, r.entries[digest])
	return out
}

// RefcountFunc returns a base sandbox's current reference count, so the
// planner can weigh more heavily-shared bases. Supplied by the controller's
// container table.
type RefcountFunc func(containerID int) int

// Weights are the base-choice heuristic weights: Weights[0] scales
// refcount, Weights[1] is added when the candidate lives on the requesting
// machine.
type Weights [2]float64

// DefaultWeights matches the original source's base_choice_weights default.
var DefaultWeights = Weights{1.0, 2.0}

// SelectBase scores every candidate as w0*refcount + (same machine ? w1 :
// 0) and returns the highest scorer, breaking ties by lowest container ID
// for determinism. ok is false if candidates is empty.
func SelectBase(candidates []Entry, refcount RefcountFunc, requestingMachineID int, w Weights) (Entry, bool) {
	if len(candidates) == 0 {
		return Entry{}, false
	}

	ranked := make([]Entry, len(candidates))
	copy(ranked, candidates)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].ContainerID < ranked[j].ContainerID })

	best := ranked[0]
	bestScore := score(best, refcount, requestingMachineID, w)
	for _, e := range ranked[1:] {
		s := score(e, refcount, requestingMachineID, w)
		if s > bestScore {
			best, bestScore = e, s
		}
	}
	return best, true
}

func score(e Entry, refcount RefcountFunc, requestingMachineID int, w Weights) float64 {
	s := w[0] * float64(refcount(e.ContainerID))
	if e.MachineID == requestingMachineID {
		s += w[1]
	}
	return s
}

// PlanPages runs SelectBase once per requested page over the union of
// candidates from every one of its digests and returns, for every page
// index that matched, the chosen base Entry. A page with no matching
// digest at all is omitted; callers treat that page as a cache miss and
// keep it verbatim.
func PlanPages(r *Registry, pageDigests [][]fingerprint.Digest, refcount RefcountFunc, requestingMachineID int, w Weights) map[int]Entry {
	pageBase := make(map[int]Entry, len(pageDigests))
	for i, digests := range pageDigests {
		var cands []Entry
		for _, d := range digests {
			cands = append(cands, r.Candidates(d)...)
		}
		entry, ok := SelectBase(cands, refcount, requestingMachineID, w)
		if !ok {
			continue
		}
		pageBase[i] = entry
	}
	return pageBase
}
