package world

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/loomworld/loom/engine/common"
)

// RefRange is a half-open range [Start, End) of RefIDs assigned to one peer
type RefRange struct {
	Start common.RefID
	End   common.RefID
}

// Contains returns if the RefID falls inside the range
func (r RefRange) Contains(id common.RefID) bool {
	return id >= r.Start && id < r.End
}

// Size returns the number of RefIDs in the range
func (r RefRange) Size() uint64 {
	return uint64(r.End - r.Start)
}

// IsNil returns if the range is unassigned
func (r RefRange) IsNil() bool {
	return r.Start == r.End
}

func (r RefRange) String() string {
	return fmt.Sprintf("RefRange[%d, %d)", uint64(r.Start), uint64(r.End))
}

// RefIDAllocator partitions the RefID space into disjoint per-peer ranges so
// independent peers mint collision-free IDs without per-allocation
// coordination. Only the authority holds an allocator; ranges of departed
// peers are never reissued.
type RefIDAllocator struct {
	mu        sync.Mutex
	rangeSize uint64
	next      common.RefID
	allocated map[common.PeerID]RefRange
}

// NewRefIDAllocator creates an allocator handing out ranges of rangeSize IDs.
// RefID 0 is reserved as the nil ID.
func NewRefIDAllocator(rangeSize uint64) *RefIDAllocator {
	a := &RefIDAllocator{rangeSize: rangeSize}
	a.Reset()
	return a
}

// AuthorityRange returns the authority's own fixed range, always the lowest
// reserved block of the ID space
func (a *RefIDAllocator) AuthorityRange() RefRange {
	return RefRange{Start: 1, End: common.RefID(1 + a.rangeSize)}
}

// AllocateRange slices a fresh, non-overlapping range off the unassigned
// remainder for the peer. Exhaustion of the ID space is a hard failure: the
// join must be rejected, there is nothing to retry.
func (a *RefIDAllocator) AllocateRange(peer common.PeerID) (RefRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(a.next) > math.MaxUint64-a.rangeSize {
		return RefRange{}, errors.Errorf("RefID space exhausted, cannot allocate range for %s", peer)
	}

	r := RefRange{Start: a.next, End: a.next + common.RefID(a.rangeSize)}
	a.next = r.End
	a.allocated[peer] = r
	return r, nil
}

// RangeOf returns the range allocated to the peer, if any
func (a *RefIDAllocator) RangeOf(peer common.PeerID) (RefRange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.allocated[peer]
	return r, ok
}

// Reset clears all allocations; used when a new hosting session begins
func (a *RefIDAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated = map[common.PeerID]RefRange{}
	a.next = common.RefID(1 + a.rangeSize) // authority owns [1, 1+rangeSize)
	a.allocated[common.AuthorityPeerID] = RefRange{Start: 1, End: a.next}
}
