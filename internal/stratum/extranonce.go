package stratum

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	// ExtraNonce1Size is the per-session server nonce, 4 bytes rendered
	// as 8 lowercase hex digits on the wire.
	ExtraNonce1Size = 4

	// ExtraNonce2Size is the client-rolled nonce space, fixed at 4 bytes.
	ExtraNonce2Size = 4

	// instanceIDShift positions the instance id above the per-instance
	// subscription sequence in the counter.
	instanceIDShift = 27
)

// GenerateInstanceID draws a random 32-bit process identity from the
// system CSPRNG. Every server process sharing a backend must have an
// independently random id; a failed read here is a startup-fatal error,
// since a deterministic id would void the cross-process extranonce
// uniqueness guarantee.
func GenerateInstanceID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read entropy for instance id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ExtranonceAllocator hands out session extranonce1 values that are unique
// within the process and, with high probability, across cooperating
// processes sharing one backend, without any coordination between them.
//
// The counter is a uint64 seeded with instanceID << 27, so the id sits in
// the high bits and the low 27 bits count subscriptions from zero. The
// first allocation returns the seed itself. The wire rendering keeps the
// low 32 bits: within it, bits 27..31 carry the low 5 bits of the
// instance id, separating up to 32 concurrent processes, and each process
// has 2^27 subscriptions before its slice wraps into a neighbor's. The
// full 64-bit value, recorded in the share log, carries the whole id.
type ExtranonceAllocator struct {
	instanceID uint32
	next       atomic.Uint64
}

// NewExtranonceAllocator creates an allocator seeded from the instance id.
func NewExtranonceAllocator(instanceID uint32) *ExtranonceAllocator {
	a := &ExtranonceAllocator{instanceID: instanceID}
	a.next.Store(uint64(instanceID) << instanceIDShift)
	return a
}

// InstanceID returns the process identity the allocator was seeded with.
func (a *ExtranonceAllocator) InstanceID() uint32 {
	return a.instanceID
}

// Next returns the next counter value. The fetch-and-add is the only
// synchronization point: N concurrent callers get N consecutive values
// with no repeats and no gaps.
func (a *ExtranonceAllocator) Next() uint64 {
	return a.next.Add(1) - 1
}

// NextHex allocates a value and renders it as the 8-hex-digit extranonce1
// sent to the miner (the low 32 bits of the counter).
func (a *ExtranonceAllocator) NextHex() string {
	return fmt.Sprintf("%08x", uint32(a.Next()))
}
