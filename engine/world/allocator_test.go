package world

import (
	"math"
	"testing"

	"github.com/bmizerany/assert"

	"github.com/loomworld/loom/engine/common"
)

func TestRefRange(t *testing.T) {
	r := RefRange{Start: 10, End: 20}
	assert.T(t, r.Contains(10), "start is inside")
	assert.T(t, r.Contains(19), "last ID is inside")
	assert.T(t, !r.Contains(20), "end is outside")
	assert.T(t, !r.Contains(9), "below start is outside")
	assert.Equal(t, uint64(10), r.Size())
	assert.T(t, !r.IsNil(), "should not be nil")
	assert.T(t, RefRange{}.IsNil(), "zero range is nil")
}

func TestAllocatorRanges(t *testing.T) {
	a := NewRefIDAllocator(1000)

	auth := a.AuthorityRange()
	assert.Equal(t, RefRange{Start: 1, End: 1001}, auth)
	assert.T(t, !auth.Contains(common.NilRefID), "nil RefID is never allocated")

	got, ok := a.RangeOf(common.AuthorityPeerID)
	assert.T(t, ok, "authority range should be pre-allocated")
	assert.Equal(t, auth, got)

	r2, err := a.AllocateRange(common.PeerID(2))
	if err != nil {
		t.Fatal(err)
	}
	r3, err := a.AllocateRange(common.PeerID(3))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, auth.End, r2.Start)
	assert.Equal(t, r2.End, r3.Start)
	assert.Equal(t, uint64(1000), r2.Size())

	got, ok = a.RangeOf(common.PeerID(3))
	assert.T(t, ok, "should remember peer 3")
	assert.Equal(t, r3, got)

	_, ok = a.RangeOf(common.PeerID(99))
	assert.T(t, !ok, "unknown peer has no range")
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewRefIDAllocator(math.MaxUint64 / 2)
	if _, err := a.AllocateRange(common.PeerID(2)); err != nil {
		t.Fatalf("second half of the ID space should still fit: %v", err)
	}
	if _, err := a.AllocateRange(common.PeerID(3)); err == nil {
		t.Fatalf("allocation past the ID space should fail")
	}
}

func TestAllocatorReset(t *testing.T) {
	a := NewRefIDAllocator(100)
	r2, _ := a.AllocateRange(common.PeerID(2))

	a.Reset()
	if _, ok := a.RangeOf(common.PeerID(2)); ok {
		t.Fatalf("reset should drop peer allocations")
	}
	r2b, err := a.AllocateRange(common.PeerID(2))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, r2, r2b)
}
