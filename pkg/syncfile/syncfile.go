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

// Package syncfile implements exportable fence handles.
//
// A File wraps a single fence and is pollable through pkg/waiter. It can also
// expose a host eventfd that becomes readable when the fence signals, so
// consumers outside the engine can wait on it like any other descriptor.
package syncfile

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/sync"
	"gvisor.dev/host1x/pkg/waiter"
)

// File is an exportable handle to a fence.
type File struct {
	fence fence.Fence
	queue waiter.Queue

	mu sync.Mutex
	// hostFD is the eventfd returned by HostFD, or -1.
	// +checklocks:mu
	hostFD int
	// +checklocks:mu
	signaled bool
	// +checklocks:mu
	released bool
}

// New returns a sync file for f.
func New(f fence.Fence) *File {
	s := &File{fence: f, hostFD: -1}
	if !f.AddCallback(s.onSignal) {
		s.onSignal()
	}
	return s
}

func (s *File) onSignal() {
	s.mu.Lock()
	s.signaled = true
	fd := s.hostFD
	s.mu.Unlock()

	if fd >= 0 {
		signalEventFD(fd)
	}
	s.queue.Notify(waiter.EventIn)
}

func signalEventFD(fd int) {
	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(fd, buf[:]); err != nil && err != unix.EAGAIN {
		log.Warningf("sync file: eventfd %d write failed: %v", fd, err)
	}
}

// Fence returns the wrapped fence.
func (s *File) Fence() fence.Fence {
	return s.fence
}

// Readiness implements waiter.Waitable.Readiness.
func (s *File) Readiness(mask waiter.EventMask) waiter.EventMask {
	if !s.fence.Signaled() {
		return 0
	}
	ready := waiter.EventIn
	if s.fence.Err() != nil {
		ready |= waiter.EventErr
	}
	return mask & ready
}

// EventRegister implements waiter.Waitable.EventRegister.
func (s *File) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	s.queue.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (s *File) EventUnregister(e *waiter.Entry) {
	s.queue.EventUnregister(e)
}

// Wait waits for the fence to signal. A negative timeout waits forever; a
// zero timeout polls and returns EAGAIN if the fence is pending.
func (s *File) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		if !s.fence.Signaled() {
			return linuxerr.EAGAIN
		}
		return s.fence.Err()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e, ch := waiter.NewChannelEntry(nil)
	s.EventRegister(&e, waiter.EventIn)
	defer s.EventUnregister(&e)
	for s.Readiness(waiter.EventIn) == 0 {
		select {
		case <-ch:
		case <-ctx.Done():
			return fence.ContextErr(ctx)
		}
	}
	return s.fence.Err()
}

// Status returns 1 if the fence signaled successfully, 0 if it is pending, or
// a negative errno if it signaled with an error.
func (s *File) Status() int32 {
	if !s.fence.Signaled() {
		return 0
	}
	if err := s.fence.Err(); err != nil {
		return int32(linuxerr.ToErrno(err))
	}
	return 1
}

// HostFD returns a host eventfd that becomes readable once the fence signals.
// The descriptor is created on first use and owned by s.
func (s *File) HostFD() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return -1, linuxerr.EBADF
	}
	if s.hostFD >= 0 {
		return s.hostFD, nil
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, linuxerr.ErrorFromUnix(err.(unix.Errno))
	}
	s.hostFD = fd
	if s.signaled {
		signalEventFD(fd)
	}
	return fd, nil
}

// Release closes the host eventfd, if any.
func (s *File) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	if s.hostFD >= 0 {
		unix.Close(s.hostFD)
		s.hostFD = -1
	}
}

// Table maps descriptors to sync files for one client.
type Table struct {
	mu sync.Mutex
	// +checklocks:mu
	files map[int32]*File
}

// Install adds s to the table and returns its descriptor, the lowest one not
// in use.
func (t *Table) Install(s *File) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.files == nil {
		t.files = make(map[int32]*File)
	}
	fd := int32(0)
	for {
		if _, ok := t.files[fd]; !ok {
			break
		}
		fd++
	}
	t.files[fd] = s
	return fd
}

// Get returns the file installed at fd.
func (t *Table) Get(fd int32) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.files[fd]
	if !ok {
		return nil, linuxerr.EBADF
	}
	return s, nil
}

// Close removes fd from the table and releases its file.
func (t *Table) Close(fd int32) error {
	t.mu.Lock()
	s, ok := t.files[fd]
	delete(t.files, fd)
	t.mu.Unlock()
	if !ok {
		return linuxerr.EBADF
	}
	s.Release()
	return nil
}

// CloseAll releases every file in the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	files := t.files
	t.files = nil
	t.mu.Unlock()
	for _, s := range files {
		s.Release()
	}
}

// Len returns the number of installed files.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
