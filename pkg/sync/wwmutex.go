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

package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
)

// WWClass groups wound-wait mutexes that may be acquired together. Every
// acquire context of a class draws a ticket from the class; lower tickets are
// older and win conflicts.
type WWClass struct {
	name     string
	stamp    atomic.Uint64
	backoffs atomic.Uint64
}

// NewWWClass returns a new class.
func NewWWClass(name string) *WWClass {
	return &WWClass{name: name}
}

// Name returns the class name.
func (c *WWClass) Name() string {
	return c.name
}

// Backoffs returns the number of times a LockAll on this class had to drop its
// locks and retry.
func (c *WWClass) Backoffs() uint64 {
	return c.backoffs.Load()
}

// WWAcquireCtx is a single multi-lock transaction. It must only be used by
// one goroutine at a time.
type WWAcquireCtx struct {
	class *WWClass
	stamp uint64

	// acquired is the number of mutexes held through this context. It is
	// only touched by the owning goroutine.
	acquired int

	mu sync.Mutex
	// +checklocks:mu
	wounded bool
	// woundCh is closed when wounded is set.
	// +checklocks:mu
	woundCh chan struct{}
}

// NewAcquireCtx starts a new transaction with a fresh ticket.
func (c *WWClass) NewAcquireCtx() *WWAcquireCtx {
	return &WWAcquireCtx{
		class:   c,
		stamp:   c.stamp.Add(1),
		woundCh: make(chan struct{}),
	}
}

// Stamp returns the ticket of the transaction.
func (a *WWAcquireCtx) Stamp() uint64 {
	return a.stamp
}

// Acquired returns the number of mutexes currently held by a.
func (a *WWAcquireCtx) Acquired() int {
	return a.acquired
}

// Fini ends the transaction. All mutexes must have been released.
func (a *WWAcquireCtx) Fini() {
	if a.acquired != 0 {
		panic(fmt.Sprintf("WWAcquireCtx finished with %d mutexes held", a.acquired))
	}
}

func (a *WWAcquireCtx) wound() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.wounded {
		a.wounded = true
		close(a.woundCh)
	}
}

// woundState returns whether a has been wounded and the channel that is
// closed when it is. A wound taken while a holds nothing is stale and is
// cleared.
func (a *WWAcquireCtx) woundState() (bool, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acquired == 0 && a.wounded {
		a.wounded = false
		a.woundCh = make(chan struct{})
	}
	return a.wounded, a.woundCh
}

// WWMutex is a wound-wait mutex. When two transactions conflict, the older one
// (lower ticket) wounds the younger holder, which must drop everything it
// holds at its next blocking point, while the younger one waits for the older
// one. This guarantees that some transaction always makes progress.
//
// The zero value is an unlocked mutex.
type WWMutex struct {
	mu sync.Mutex
	// +checklocks:mu
	owner *WWAcquireCtx
	// release is closed and replaced every time the mutex is unlocked.
	// +checklocks:mu
	release chan struct{}
}

// Lock acquires m on behalf of a.
//
// It returns EALREADY if a already holds m, EDEADLK if a holds other mutexes
// and has been wounded by an older transaction (the caller must release
// everything and retry starting with LockSlow on m), and EINTR if ctx is
// cancelled while waiting.
func (m *WWMutex) Lock(ctx context.Context, a *WWAcquireCtx) error {
	return m.lock(ctx, a, false)
}

// LockSlow acquires m after a backoff. The caller must hold no other mutex
// of the class; LockSlow therefore never returns EDEADLK.
func (m *WWMutex) LockSlow(ctx context.Context, a *WWAcquireCtx) error {
	if a.acquired != 0 {
		panic(fmt.Sprintf("LockSlow with %d mutexes held", a.acquired))
	}
	return m.lock(ctx, a, true)
}

func (m *WWMutex) lock(ctx context.Context, a *WWAcquireCtx, slow bool) error {
	for {
		wounded, woundCh := a.woundState()
		if wounded && !slow {
			return linuxerr.EDEADLK
		}

		m.mu.Lock()
		if m.owner == nil {
			m.owner = a
			a.acquired++
			m.mu.Unlock()
			return nil
		}
		if m.owner == a {
			m.mu.Unlock()
			return linuxerr.EALREADY
		}
		if m.owner.class != a.class {
			m.mu.Unlock()
			panic(fmt.Sprintf("WWMutex locked with class %q, held with class %q", a.class.name, m.owner.class.name))
		}
		if a.stamp < m.owner.stamp {
			m.owner.wound()
		}
		if m.release == nil {
			m.release = make(chan struct{})
		}
		release := m.release
		m.mu.Unlock()

		if slow || a.acquired == 0 {
			// Nothing held, so a wound is meaningless for this wait.
			woundCh = nil
		}
		select {
		case <-release:
		case <-woundCh:
			return linuxerr.EDEADLK
		case <-ctx.Done():
			return linuxerr.EINTR
		}
	}
}

// TryLock acquires m on behalf of a without blocking.
func (m *WWMutex) TryLock(a *WWAcquireCtx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != nil {
		return false
	}
	m.owner = a
	a.acquired++
	return true
}

// Unlock releases m. The calling transaction must hold it.
func (m *WWMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		panic("unlock of unlocked WWMutex")
	}
	m.owner.acquired--
	m.owner = nil
	if m.release != nil {
		close(m.release)
		m.release = nil
	}
}

// IsLocked returns whether m is currently held by anyone.
func (m *WWMutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != nil
}

// HeldBy returns whether m is held by a.
func (m *WWMutex) HeldBy(a *WWAcquireCtx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return a != nil && m.owner == a
}

// WWLockSet is the result of a successful LockAll.
type WWLockSet struct {
	actx *WWAcquireCtx
	held []*WWMutex
}

// Ctx returns the transaction holding the set.
func (s *WWLockSet) Ctx() *WWAcquireCtx {
	return s.actx
}

// Len returns the number of distinct mutexes held.
func (s *WWLockSet) Len() int {
	return len(s.held)
}

// Unlock releases every mutex in the set and ends the transaction.
func (s *WWLockSet) Unlock() {
	for _, m := range s.held {
		m.Unlock()
	}
	s.held = nil
	s.actx.Fini()
}

// LockAll acquires every mutex in locks, in order, using a single transaction
// of class c. Duplicate entries are acquired once.
//
// When a lock reports EDEADLK, every lock taken so far is released, the
// contended lock is taken with LockSlow and the pass restarts, skipping the
// contended entry since it is already held. Any other error releases
// everything and is returned; no lock acquired by the call remains held.
func LockAll(ctx context.Context, c *WWClass, locks []*WWMutex) (*WWLockSet, error) {
	s := &WWLockSet{actx: c.NewAcquireCtx()}
	unlockAll := func() {
		for _, m := range s.held {
			m.Unlock()
		}
		s.held = s.held[:0]
	}

retry:
	for _, m := range locks {
		err := m.Lock(ctx, s.actx)
		switch {
		case err == nil:
			s.held = append(s.held, m)
		case err == linuxerr.EALREADY:
			// Duplicate entry or the contended lock taken below.
		case err == linuxerr.EDEADLK:
			unlockAll()
			c.backoffs.Add(1)
			if err := m.LockSlow(ctx, s.actx); err != nil {
				s.actx.Fini()
				return nil, err
			}
			s.held = append(s.held, m)
			goto retry
		default:
			unlockAll()
			s.actx.Fini()
			return nil, err
		}
	}
	return s, nil
}
