// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package host1x

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/sync"
)

// SyncptFlags are allocation flags.
type SyncptFlags uint32

const (
	// SyncptClientManaged marks a syncpoint whose increments are not
	// tracked by max, so the CPU may increment it at any time.
	SyncptClientManaged SyncptFlags = 1 << 0
)

// Syncpt is a hardware syncpoint: a 32-bit counter that only moves forward.
// min is the last value the counter reached, max the value it will reach
// once every submitted increment has executed.
//
// Thresholds are compared with wraparound-safe signed differences, never
// with a plain <.
type Syncpt struct {
	refs.Refs

	host *Host1x
	id   uint32

	// name and flags are protected by host.syncptMu.
	name  string
	flags SyncptFlags

	// min mirrors the low 32 bits of minExt for lock-free readers.
	min atomic.Uint32
	max atomic.Uint32

	mu sync.Mutex
	// minExt is min extended to 64 bits; it never wraps.
	// +checklocks:mu
	minExt int64
	// waiters is the interrupt waitlist, ordered by extended threshold and
	// then registration order.
	// +checklocks:mu
	waiters *btree.BTreeG[*syncptWaiter]
	// +checklocks:mu
	seq uint64
}

func newSyncpt(h *Host1x, id uint32) *Syncpt {
	return &Syncpt{
		host: h,
		id:   id,
		// Start far from zero so thresholds behind min stay positive.
		minExt:  1 << 32,
		waiters: btree.NewG(8, syncptWaiterLess),
	}
}

// AllocSyncpt allocates a free syncpoint. The caller owns the returned
// reference.
func (h *Host1x) AllocSyncpt(name string, flags SyncptFlags) (*Syncpt, error) {
	h.syncptMu.Lock()
	defer h.syncptMu.Unlock()
	id, ok := h.syncptMap.Allocate(1)
	if !ok {
		return nil, linuxerr.ENOSPC
	}
	sp := h.syncpts[id]
	sp.name = name
	sp.flags = flags
	sp.InitRefs("host1x.Syncpt")
	return sp, nil
}

// Syncpt returns syncpoint id, allocated or not. No reference is taken.
func (h *Host1x) Syncpt(id uint32) (*Syncpt, error) {
	if id >= uint32(len(h.syncpts)) {
		return nil, linuxerr.EINVAL
	}
	return h.syncpts[id], nil
}

// Allocated returns whether id is currently allocated.
func (h *Host1x) Allocated(id uint32) bool {
	h.syncptMu.Lock()
	defer h.syncptMu.Unlock()
	return id < uint32(len(h.syncpts)) && h.syncptMap.Contains(id)
}

// ID returns the syncpoint id.
func (sp *Syncpt) ID() uint32 {
	return sp.id
}

// Name returns the name given at allocation.
func (sp *Syncpt) Name() string {
	sp.host.syncptMu.Lock()
	defer sp.host.syncptMu.Unlock()
	return sp.name
}

// Get takes a reference on sp.
func (sp *Syncpt) Get() {
	sp.IncRef()
}

// Put drops a reference on sp. The syncpoint is freed when the last
// reference is dropped; its counter keeps its value.
func (sp *Syncpt) Put() {
	sp.DecRef(func() {
		h := sp.host
		h.syncptMu.Lock()
		defer h.syncptMu.Unlock()
		sp.name = ""
		sp.flags = 0
		h.syncptMap.Remove(sp.id)
	})
}

func (sp *Syncpt) clientManaged() bool {
	sp.host.syncptMu.Lock()
	defer sp.host.syncptMu.Unlock()
	return sp.flags&SyncptClientManaged != 0
}

// ReadMin returns the last value the counter reached.
func (sp *Syncpt) ReadMin() uint32 {
	return sp.min.Load()
}

// ReadMax returns the value the counter reaches once all submitted
// increments have executed.
func (sp *Syncpt) ReadMax() uint32 {
	return sp.max.Load()
}

// IncrMax promises n more increments and returns the new max.
func (sp *Syncpt) IncrMax(n uint32) uint32 {
	return sp.max.Add(n)
}

// IsIdle returns whether every promised increment has happened.
func (sp *Syncpt) IsIdle() bool {
	return int32(sp.ReadMin()-sp.ReadMax()) >= 0
}

// Expired returns whether the counter has reached threshold.
func (sp *Syncpt) Expired(threshold uint32) bool {
	return int32(sp.ReadMin()-threshold) >= 0
}

// Compare orders two thresholds by their distance from the current min. It
// returns -1 if a is reached before b, 1 if after and 0 if they are equal.
func (sp *Syncpt) Compare(a, b uint32) int {
	min := sp.ReadMin()
	da, db := int32(a-min), int32(b-min)
	switch {
	case da < db:
		return -1
	case da > db:
		return 1
	}
	return 0
}

// Incr increments the counter from the CPU. Unless the syncpoint is client
// managed, it fails with EINVAL when no increment is outstanding.
func (sp *Syncpt) Incr() error {
	if !sp.clientManaged() && sp.IsIdle() {
		return linuxerr.EINVAL
	}
	sp.incr(1)
	return nil
}

// incr advances min by n and runs the actions that became due.
func (sp *Syncpt) incr(n uint32) {
	sp.mu.Lock()
	fired := sp.advanceLocked(int64(n))
	sp.mu.Unlock()
	runActions(fired)
}

// incrTo advances min to threshold if it is behind.
func (sp *Syncpt) incrTo(threshold uint32) {
	sp.mu.Lock()
	var fired []*syncptWaiter
	if d := int32(threshold - uint32(sp.minExt)); d > 0 {
		fired = sp.advanceLocked(int64(d))
	}
	sp.mu.Unlock()
	runActions(fired)
}

// SetMinForTest moves the counter to v, forwards or backwards, as if the
// hardware register had been written.
func (sp *Syncpt) SetMinForTest(v uint32) {
	sp.mu.Lock()
	d := int64(int32(v - uint32(sp.minExt)))
	fired := sp.advanceLocked(d)
	sp.mu.Unlock()
	runActions(fired)
}

// +checklocks:sp.mu
func (sp *Syncpt) advanceLocked(d int64) []*syncptWaiter {
	sp.minExt += d
	min := uint32(sp.minExt)
	sp.min.Store(min)
	for {
		max := sp.max.Load()
		if int32(min-max) <= 0 || sp.max.CompareAndSwap(max, min) {
			break
		}
	}
	return sp.popExpiredLocked()
}

// Wait blocks until the counter reaches threshold.
//
// A zero timeout polls, returning EAGAIN if the threshold has not been
// reached; a negative timeout waits forever. On success it returns the part
// of timeout that was left. It returns ETIMEDOUT when timeout passes, and
// EINTR when ctx is cancelled.
func (sp *Syncpt) Wait(ctx context.Context, threshold uint32, timeout time.Duration) (time.Duration, error) {
	if sp.Expired(threshold) {
		return timeout, nil
	}
	if timeout == 0 {
		return 0, linuxerr.EAGAIN
	}
	syncptWaits.Increment()

	done := make(chan struct{})
	a := sp.AddAction(threshold, func() { close(done) })
	var expiry <-chan time.Time
	start := time.Now()
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expiry = t.C
	}
	select {
	case <-done:
		if timeout < 0 {
			return timeout, nil
		}
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			remaining = 1
		}
		return remaining, nil
	case <-expiry:
		a.Cancel()
		return 0, linuxerr.ETIMEDOUT
	case <-ctx.Done():
		a.Cancel()
		return 0, fence.ContextErr(ctx)
	}
}

// Fence returns a fence that signals when the counter reaches threshold.
func (sp *Syncpt) Fence(threshold uint32) *Fence {
	return &Fence{sp: sp, threshold: threshold}
}

// String implements fmt.Stringer.
func (sp *Syncpt) String() string {
	return fmt.Sprintf("syncpt %d (min %d, max %d)", sp.id, sp.ReadMin(), sp.ReadMax())
}
