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

package syncfile

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/waiter"
)

func TestReadinessAndNotify(t *testing.T) {
	f := fence.NewSoftware("test")
	s := New(f)
	if got := s.Readiness(waiter.EventIn); got != 0 {
		t.Errorf("Readiness() before signal = %#x, want 0", got)
	}
	if got := s.Status(); got != 0 {
		t.Errorf("Status() before signal = %d, want 0", got)
	}

	e, ch := waiter.NewChannelEntry(nil)
	s.EventRegister(&e, waiter.EventIn)
	defer s.EventUnregister(&e)

	f.Signal(nil)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification after signal")
	}
	if got := s.Readiness(waiter.EventIn | waiter.EventOut); got != waiter.EventIn {
		t.Errorf("Readiness() = %#x, want EventIn", got)
	}
	if got := s.Status(); got != 1 {
		t.Errorf("Status() = %d, want 1", got)
	}
}

func TestStatusError(t *testing.T) {
	f := fence.NewSoftware("test")
	f.Signal(linuxerr.ETIMEDOUT)
	s := New(f)
	if got, want := s.Status(), -int32(unix.ETIMEDOUT); got != want {
		t.Errorf("Status() = %d, want %d", got, want)
	}
	if got := s.Readiness(waiter.EventIn | waiter.EventErr); got != waiter.EventIn|waiter.EventErr {
		t.Errorf("Readiness() = %#x, want EventIn|EventErr", got)
	}
}

func TestWait(t *testing.T) {
	f := fence.NewSoftware("test")
	s := New(f)
	if err := s.Wait(context.Background(), 0); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("Wait(0) = %v, want EAGAIN", err)
	}
	if err := s.Wait(context.Background(), time.Millisecond); !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("Wait(1ms) = %v, want ETIMEDOUT", err)
	}
	go f.Signal(nil)
	if err := s.Wait(context.Background(), -1); err != nil {
		t.Errorf("Wait(-1) = %v", err)
	}
}

func TestHostFD(t *testing.T) {
	f := fence.NewSoftware("test")
	s := New(f)
	defer s.Release()
	fd, err := s.HostFD()
	if err != nil {
		t.Fatalf("HostFD() = %v", err)
	}
	if again, _ := s.HostFD(); again != fd {
		t.Errorf("HostFD() returned %d then %d", fd, again)
	}

	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != unix.EAGAIN {
		t.Fatalf("Read() before signal = %v, want EAGAIN", err)
	}
	f.Signal(nil)
	if n, err := unix.Read(fd, buf[:]); err != nil || n != 8 {
		t.Fatalf("Read() after signal = %d, %v", n, err)
	}
}

func TestTable(t *testing.T) {
	var tbl Table
	a := tbl.Install(New(fence.Stub()))
	b := tbl.Install(New(fence.Stub()))
	if a != 0 || b != 1 {
		t.Fatalf("Install() = %d, %d, want 0, 1", a, b)
	}
	if err := tbl.Close(a); err != nil {
		t.Fatalf("Close(%d) = %v", a, err)
	}
	if _, err := tbl.Get(a); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Get(closed) = %v, want EBADF", err)
	}
	if err := tbl.Close(a); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Close(closed) = %v, want EBADF", err)
	}
	if c := tbl.Install(New(fence.Stub())); c != a {
		t.Errorf("Install() reused %d, want %d", c, a)
	}
	tbl.CloseAll()
	if n := tbl.Len(); n != 0 {
		t.Errorf("Len() after CloseAll = %d", n)
	}
}
