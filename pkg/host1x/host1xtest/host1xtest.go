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

// Package host1xtest provides buffer objects and fixtures for tests of the
// engine and its clients.
package host1xtest

import (
	"sync/atomic"
	"testing"
	"time"

	"gvisor.dev/host1x/pkg/binary"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/sync"
)

// BO is an in-memory host1x.BO that pins into the allocation window of the
// address space.
type BO struct {
	refs.Refs

	mu sync.Mutex
	// +checklocks:mu
	data []byte

	// FailPin makes Pin fail with the given error.
	FailPin error

	pins     atomic.Int32
	released atomic.Bool
}

// NewBO returns a buffer holding words.
func NewBO(words []uint32) *BO {
	b := &BO{data: binary.WordsToBytes(nil, words)}
	b.InitRefs("host1xtest.BO")
	return b
}

// Get implements host1x.BO.Get.
func (b *BO) Get() {
	b.IncRef()
}

// Put implements host1x.BO.Put.
func (b *BO) Put() {
	b.DecRef(func() { b.released.Store(true) })
}

// Size implements host1x.BO.Size.
func (b *BO) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

// ReadAt implements host1x.BO.ReadAt.
func (b *BO) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, linuxerr.EFAULT
	}
	return copy(p, b.data[off:]), nil
}

// Pin implements host1x.BO.Pin.
func (b *BO) Pin(as *host1x.AddressSpace) (uint64, error) {
	if b.FailPin != nil {
		return 0, b.FailPin
	}
	iova, err := as.Alloc(b)
	if err != nil {
		return 0, err
	}
	b.pins.Add(1)
	return iova, nil
}

// Unpin implements host1x.BO.Unpin.
func (b *BO) Unpin(as *host1x.AddressSpace, iova uint64) {
	as.Remove(iova)
	b.pins.Add(-1)
}

// Words returns the contents of b.
func (b *BO) Words() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.BytesToWords(b.data)
}

// Pins returns the number of outstanding pins.
func (b *BO) Pins() int {
	return int(b.pins.Load())
}

// Released returns whether the last reference has been dropped.
func (b *BO) Released() bool {
	return b.released.Load()
}

// NewHost returns a host1x with small defaults suitable for tests. The
// options are adjusted by each of the opts functions.
func NewHost(t testing.TB, hw host1x.Hardware, opts ...func(*host1x.Options)) *host1x.Host1x {
	t.Helper()
	o := host1x.DefaultOptions()
	o.NumChannels = 2
	o.NumSyncpts = 16
	o.PushBufferSlots = 64
	for _, fn := range opts {
		fn(&o)
	}
	h, err := host1x.New(o, hw)
	if err != nil {
		t.Fatalf("host1x.New() = %v", err)
	}
	return h
}

// WaitFor polls cond until it returns true, failing the test after timeout.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// DoneRecorder records the completion of jobs.
type DoneRecorder struct {
	mu sync.Mutex
	// +checklocks:mu
	errs map[*host1x.Job]error
}

// Done is suitable for host1x.Job.Done.
func (r *DoneRecorder) Done(j *host1x.Job, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil {
		r.errs = make(map[*host1x.Job]error)
	}
	if _, ok := r.errs[j]; ok {
		panic("job completed twice")
	}
	r.errs[j] = err
}

// Result returns whether j has completed and its error.
func (r *DoneRecorder) Result(j *host1x.Job) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err, ok := r.errs[j]
	return ok, err
}
