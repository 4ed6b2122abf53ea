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

package fence

import (
	"context"
	"testing"
	"time"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
)

func TestSignalOnce(t *testing.T) {
	f := NewSoftware("test")
	calls := 0
	if !f.AddCallback(func() { calls++ }) {
		t.Fatalf("AddCallback on unsignaled fence returned false")
	}
	if f.Signaled() {
		t.Fatalf("new fence is signaled")
	}
	if !f.Signal(linuxerr.ETIMEDOUT) {
		t.Fatalf("first Signal returned false")
	}
	if f.Signal(nil) {
		t.Errorf("second Signal returned true")
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if err := f.Err(); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Err() = %v, want ETIMEDOUT", err)
	}
	if f.AddCallback(func() { calls++ }) {
		t.Errorf("AddCallback on signaled fence returned true")
	}
	if calls != 1 {
		t.Errorf("callback on signaled fence ran")
	}
}

func TestWaitWakes(t *testing.T) {
	f := NewSoftware("test")
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Signal(nil)
	}()
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
}

func TestWaitContext(t *testing.T) {
	f := NewSoftware("test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Wait(ctx); !linuxerr.Equals(linuxerr.EINTR, err) {
		t.Errorf("Wait(cancelled) = %v, want EINTR", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Wait(deadline) = %v, want ETIMEDOUT", err)
	}
}

func TestWaitAll(t *testing.T) {
	a, b := NewSoftware("a"), NewSoftware("b")
	if err := WaitAll(context.Background(), 0, a, Stub()); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("WaitAll(poll) = %v, want ETIMEDOUT", err)
	}
	if err := WaitAll(context.Background(), time.Millisecond, a, b); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("WaitAll(1ms) = %v, want ETIMEDOUT", err)
	}

	a.Signal(nil)
	b.Signal(linuxerr.EIO)
	if err := WaitAll(context.Background(), -1, a, b, Stub()); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("WaitAll() = %v, want EIO", err)
	}
}

func TestUnsignaled(t *testing.T) {
	a := NewSoftware("a")
	got := Unsignaled([]Fence{Stub(), nil, a})
	if len(got) != 1 || got[0] != Fence(a) {
		t.Errorf("Unsignaled() = %v, want [%v]", got, a)
	}
}
