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

package host1x_test

import (
	"context"
	"testing"
	"time"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/host1x/host1xtest"
)

func TestChannelPoolExhaustion(t *testing.T) {
	hw := host1x.NewManualHardware()
	h := host1xtest.NewHost(t, hw)
	pool := h.Channels()
	ctx := context.Background()

	var chs []*host1x.Channel
	for i := 0; i < pool.Size(); i++ {
		ch, err := pool.Request(ctx, false)
		if err != nil {
			t.Fatalf("Request() #%d = %v", i, err)
		}
		chs = append(chs, ch)
	}
	if got := pool.NumAllocated(); got != uint32(pool.Size()) {
		t.Errorf("NumAllocated() = %d, want %d", got, pool.Size())
	}

	start := time.Now()
	if _, err := pool.Request(ctx, false); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Fatalf("Request(nowait) on full pool = %v, want EBUSY", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Request(nowait) took %v", d)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Request(cctx, true); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Request(wait) with expiring context = %v, want ETIMEDOUT", err)
	}
	cctx, cancel = context.WithCancel(ctx)
	cancel()
	if _, err := pool.Request(cctx, true); !linuxerr.Equals(linuxerr.EINTR, err) {
		t.Errorf("Request(wait) with cancelled context = %v, want EINTR", err)
	}

	got := make(chan *host1x.Channel)
	go func() {
		ch, err := pool.Request(ctx, true)
		if err != nil {
			t.Errorf("Request(wait) = %v", err)
		}
		got <- ch
	}()
	select {
	case <-got:
		t.Fatalf("Request(wait) returned while the pool was full")
	case <-time.After(20 * time.Millisecond):
	}

	released := chs[1]
	released.Put()
	if n := hw.Stops(released); n != 1 {
		t.Errorf("released channel stopped %d times, want 1", n)
	}
	ch := <-got
	if ch == nil {
		t.Fatalf("Request(wait) returned no channel")
	}
	if ch.ID() != released.ID() {
		t.Errorf("Request(wait) got channel %d, want released channel %d", ch.ID(), released.ID())
	}
	ch.Put()
	chs[0].Put()
	if got := pool.NumAllocated(); got != 0 {
		t.Errorf("NumAllocated() after release = %d, want 0", got)
	}
}

func TestChannelSharedUntilLastPut(t *testing.T) {
	h := host1xtest.NewHost(t, host1x.NewManualHardware())
	pool := h.Channels()
	ch, err := pool.Request(context.Background(), false)
	if err != nil {
		t.Fatalf("Request() = %v", err)
	}
	ch.Get()
	ch.Put()
	if got := pool.NumAllocated(); got != 1 {
		t.Fatalf("NumAllocated() with a reference left = %d, want 1", got)
	}
	ch.Put()
	if got := pool.NumAllocated(); got != 0 {
		t.Fatalf("NumAllocated() after last Put = %d, want 0", got)
	}
}

func TestChannelReleasedByRetiredJob(t *testing.T) {
	h := host1xtest.NewHost(t, host1x.NewManualHardware())
	pool := h.Channels()
	sp, err := h.AllocSyncpt("job", 0)
	if err != nil {
		t.Fatalf("AllocSyncpt() = %v", err)
	}
	defer sp.Put()
	bo := host1xtest.NewBO(make([]uint32, 4))
	defer bo.Put()

	run := func(ch *host1x.Channel) {
		t.Helper()
		j := host1x.NewJob(ch, abi.CLASS_VIC, sp, 1)
		j.AddGather(bo, 4, 0)
		if err := j.Validate(); err != nil {
			t.Fatalf("Validate() = %v", err)
		}
		if err := j.Pin(); err != nil {
			t.Fatalf("Pin() = %v", err)
		}
		if err := ch.Submit(context.Background(), j); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
		// The queue now holds the last job and channel references.
		j.Put()
		ch.Put()
		if got := pool.NumAllocated(); got != 1 {
			t.Fatalf("NumAllocated() with a queued job = %d, want 1", got)
		}
		if err := sp.Incr(); err != nil {
			t.Fatalf("Incr() = %v", err)
		}
		host1xtest.WaitFor(t, 5*time.Second, "channel release", func() bool {
			return pool.NumAllocated() == 0
		})
	}

	ch, err := pool.Request(context.Background(), false)
	if err != nil {
		t.Fatalf("Request() = %v", err)
	}
	run(ch)

	// The released channel is usable again.
	ch, err = pool.Request(context.Background(), true)
	if err != nil {
		t.Fatalf("Request() after release = %v", err)
	}
	run(ch)
	if bo.Pins() != 0 {
		t.Errorf("gather still pinned after completion")
	}
}
