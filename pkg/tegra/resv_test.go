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

package tegra

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/gem"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/resv"
)

func TestLockReservationsDedupes(t *testing.T) {
	fx := newFixture(t)
	as := fx.host.AddressSpace()
	a := fx.newObject(t, 4096)
	b := fx.newObject(t, 4096)
	ma, err := newMapping(as, a, abi.MapReadWrite)
	if err != nil {
		t.Fatalf("newMapping() = %v", err)
	}
	defer ma.Put()
	mb, err := newMapping(as, b, abi.MapReadWrite)
	if err != nil {
		t.Fatalf("newMapping() = %v", err)
	}
	defer mb.Put()

	used := []usedMapping{
		{mapping: ma, flags: abi.SubmitBufResvRead},
		{mapping: mb, flags: 0},
		{mapping: ma, flags: abi.SubmitBufResvWrite | abi.SubmitBufRelocBlocklinear},
		{mapping: ma, flags: abi.SubmitBufResvRead},
	}
	r, err := lockReservations(context.Background(), used)
	if err != nil {
		t.Fatalf("lockReservations() = %v", err)
	}
	if len(r.objs) != 1 || r.objs[0].obj != a.Resv() || !r.objs[0].write {
		t.Errorf("locked %+v, want only the first buffer as a writer", r.objs)
	}
	if !a.Resv().IsLocked() {
		t.Errorf("first buffer not locked")
	}
	if b.Resv().IsLocked() {
		t.Errorf("buffer without implicit sync was locked")
	}

	sw := fence.NewSoftware("job")
	r.attach(sw)
	r.unlock()
	r.unlock()
	if a.Resv().IsLocked() {
		t.Errorf("first buffer still locked after unlock")
	}
	if got := a.Resv().Exclusive(); got != sw {
		t.Errorf("Exclusive() = %v, want %v", got, sw)
	}
}

func TestLockReservationsReaders(t *testing.T) {
	fx := newFixture(t)
	obj := fx.newObject(t, 4096)
	m, err := newMapping(fx.host.AddressSpace(), obj, abi.MapRead)
	if err != nil {
		t.Fatalf("newMapping() = %v", err)
	}
	defer m.Put()
	used := []usedMapping{{mapping: m, flags: abi.SubmitBufResvRead}}

	var readers []*fence.Software
	for i := 0; i < 3; i++ {
		r, err := lockReservations(context.Background(), used)
		if err != nil {
			t.Fatalf("lockReservations() = %v", err)
		}
		if got := r.implicitFences(); len(got) != 0 {
			t.Errorf("reader %d waits for %v, want nothing", i, got)
		}
		sw := fence.NewSoftware("reader")
		r.attach(sw)
		r.unlock()
		readers = append(readers, sw)
	}
	if got := len(obj.Resv().Shared()); got != len(readers) {
		t.Errorf("Shared() has %d fences, want %d", got, len(readers))
	}

	// A writer waits for every pending reader.
	readers[1].Signal(nil)
	used[0].flags = abi.SubmitBufResvWrite
	r, err := lockReservations(context.Background(), used)
	if err != nil {
		t.Fatalf("lockReservations() = %v", err)
	}
	defer r.unlock()
	got := r.implicitFences()
	if len(got) != 2 || got[0] != readers[0] || got[1] != readers[2] {
		t.Errorf("writer waits for %v, want [%v %v]", got, readers[0], readers[2])
	}
}

func TestLockReservationsInterrupted(t *testing.T) {
	fx := newFixture(t)
	as := fx.host.AddressSpace()
	a := fx.newObject(t, 4096)
	b := fx.newObject(t, 4096)
	var used []usedMapping
	for _, obj := range []*gem.Object{a, b} {
		m, err := newMapping(as, obj, abi.MapReadWrite)
		if err != nil {
			t.Fatalf("newMapping() = %v", err)
		}
		defer m.Put()
		used = append(used, usedMapping{mapping: m, flags: abi.SubmitBufResvWrite})
	}

	holder := resv.Class.NewAcquireCtx()
	defer holder.Fini()
	if err := b.Resv().Lock(context.Background(), holder); err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := lockReservations(ctx, used); !linuxerr.Equals(linuxerr.EINTR, err) {
		t.Errorf("lockReservations() = %v, want EINTR", err)
	}
	if a.Resv().IsLocked() {
		t.Errorf("lockReservations() left a lock held after failing")
	}
	if !b.Resv().HeldBy(holder) {
		t.Errorf("holder lost its lock")
	}
	b.Resv().Unlock()

	r, err := lockReservations(context.Background(), used)
	if err != nil {
		t.Fatalf("lockReservations() after release = %v", err)
	}
	r.unlock()
}

func TestSplitFences(t *testing.T) {
	fx := newFixture(t)
	var sps []*host1x.Syncpt
	for i := 0; i < 2; i++ {
		sp, err := fx.host.AllocSyncpt("test", 0)
		if err != nil {
			t.Fatalf("AllocSyncpt() = %v", err)
		}
		defer sp.Put()
		sp.IncrMax(8)
		sps = append(sps, sp)
	}
	a, b := sps[0], sps[1]
	base := a.ReadMin()

	pending := fence.NewSoftware("pending")
	done := fence.NewSoftware("done")
	done.Signal(nil)
	fences := []fence.Fence{
		a.Fence(base + 3),
		nil,
		pending,
		b.Fence(b.ReadMin() + 1),
		a.Fence(base + 5),
		done,
		a.Fence(base),
		pending,
		a.Fence(base + 4),
	}
	waits, foreign := splitFences(fx.host, fences)

	wantWaits := []syncptWait{
		{id: a.ID(), threshold: base + 5},
		{id: b.ID(), threshold: b.ReadMin() + 1},
	}
	if a.ID() > b.ID() {
		wantWaits[0], wantWaits[1] = wantWaits[1], wantWaits[0]
	}
	if diff := cmp.Diff(wantWaits, waits, cmp.AllowUnexported(syncptWait{})); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
	if len(foreign) != 1 || foreign[0] != pending {
		t.Errorf("foreign = %v, want [%v]", foreign, pending)
	}
}
