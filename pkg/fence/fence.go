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

// Package fence provides the completion primitive shared by the engine, the
// reservation objects and sync files.
//
// A fence signals exactly once, optionally with an error. Fences backed by
// host1x syncpoints live in pkg/host1x; this package provides the interface,
// an embeddable implementation and a software fence used for primitives the
// engine cannot track in hardware.
package fence

import (
	"context"
	"time"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/sync"
)

// Fence is a one-shot completion event.
type Fence interface {
	// Signaled returns whether the fence has signaled.
	Signaled() bool

	// Wait blocks until the fence signals and returns its error. It returns
	// EINTR if ctx is cancelled and ETIMEDOUT if its deadline passes first.
	Wait(ctx context.Context) error

	// AddCallback arranges for cb to be called once the fence signals. It
	// returns false without calling cb if the fence has already signaled.
	// cb may run on any goroutine and must not block.
	AddCallback(cb func()) bool

	// Err returns the error the fence signaled with. It is only meaningful
	// once Signaled returns true.
	Err() error
}

// ContextErr converts the reason ctx finished into an errno.
func ContextErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return linuxerr.ETIMEDOUT
	}
	return linuxerr.EINTR
}

// Base implements Fence. It is meant to be embedded by fences that are
// signaled explicitly by their owner.
//
// The zero value is an unsignaled fence.
type Base struct {
	mu sync.Mutex
	// +checklocks:mu
	signaled bool
	// +checklocks:mu
	err error
	// +checklocks:mu
	callbacks []func()
}

// Signaled implements Fence.Signaled.
func (b *Base) Signaled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signaled
}

// Err implements Fence.Err.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// AddCallback implements Fence.AddCallback.
func (b *Base) AddCallback(cb func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signaled {
		return false
	}
	b.callbacks = append(b.callbacks, cb)
	return true
}

// Wait implements Fence.Wait.
func (b *Base) Wait(ctx context.Context) error {
	return WaitFence(ctx, b)
}

// Signal signals the fence with err and runs the registered callbacks. It
// returns false if the fence had already signaled, in which case err is
// dropped.
func (b *Base) Signal(err error) bool {
	b.mu.Lock()
	if b.signaled {
		b.mu.Unlock()
		return false
	}
	b.signaled = true
	b.err = err
	cbs := b.callbacks
	b.callbacks = nil
	b.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return true
}

// WaitFence implements Fence.Wait on top of Signaled and AddCallback.
func WaitFence(ctx context.Context, f Fence) error {
	if f.Signaled() {
		return f.Err()
	}
	done := make(chan struct{})
	if !f.AddCallback(func() { close(done) }) {
		return f.Err()
	}
	select {
	case <-done:
		return f.Err()
	case <-ctx.Done():
		return ContextErr(ctx)
	}
}

// Software is a fence signaled by software rather than by the engine. The
// engine treats it as foreign: it can never become a hardware wait.
type Software struct {
	Base
	name string
}

// NewSoftware returns an unsignaled software fence.
func NewSoftware(name string) *Software {
	return &Software{name: name}
}

// String implements fmt.Stringer.
func (s *Software) String() string {
	return "software:" + s.name
}

var stub = func() *Base {
	b := &Base{}
	b.Signal(nil)
	return b
}()

// Stub returns a fence that has already signaled without error.
func Stub() Fence {
	return stub
}

// WaitAll waits for every fence to signal and returns the first error any of
// them signaled with. A negative timeout waits forever, a zero timeout polls
// and returns ETIMEDOUT if any fence is pending.
func WaitAll(ctx context.Context, timeout time.Duration, fences ...Fence) error {
	if timeout == 0 {
		for _, f := range fences {
			if !f.Signaled() {
				return linuxerr.ETIMEDOUT
			}
		}
	} else if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var firstErr error
	for _, f := range fences {
		if err := f.Wait(ctx); err != nil {
			if linuxerr.Equals(linuxerr.EINTR, err) || linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
				if !f.Signaled() {
					return err
				}
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Unsignaled filters fences down to those that have not signaled yet.
func Unsignaled(fences []Fence) []Fence {
	var pending []Fence
	for _, f := range fences {
		if f != nil && !f.Signaled() {
			pending = append(pending, f)
		}
	}
	return pending
}
