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

// syncptWaiter is an entry of a syncpoint's interrupt waitlist.
type syncptWaiter struct {
	// threshold is the extended threshold; see Syncpt.extendLocked.
	threshold int64
	seq       uint64
	fn        func()
}

func syncptWaiterLess(a, b *syncptWaiter) bool {
	if a.threshold != b.threshold {
		return a.threshold < b.threshold
	}
	return a.seq < b.seq
}

// Action is a pending callback registered with AddAction.
type Action struct {
	sp *Syncpt
	w  *syncptWaiter
}

// extendLocked maps a 32-bit threshold onto the 64-bit counter. Thresholds
// up to 2^31 behind min land in the past, the rest in the future.
//
// +checklocks:sp.mu
func (sp *Syncpt) extendLocked(threshold uint32) int64 {
	return sp.minExt + int64(int32(threshold-uint32(sp.minExt)))
}

// AddAction arranges for fn to be called exactly once when the counter first
// reaches threshold. If it already has, fn is called before AddAction
// returns. fn runs on the goroutine that advances the counter and must not
// block.
func (sp *Syncpt) AddAction(threshold uint32, fn func()) *Action {
	a, pending := sp.addWaiter(threshold, fn)
	if !pending {
		fn()
	}
	return a
}

// addWaiter queues fn unless threshold has already been reached, in which
// case it returns false and fn is not called.
func (sp *Syncpt) addWaiter(threshold uint32, fn func()) (*Action, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	ext := sp.extendLocked(threshold)
	if ext <= sp.minExt {
		return &Action{sp: sp}, false
	}
	sp.seq++
	w := &syncptWaiter{threshold: ext, seq: sp.seq, fn: fn}
	sp.waiters.ReplaceOrInsert(w)
	return &Action{sp: sp, w: w}, true
}

// Cancel removes the action from the waitlist. It returns false if the
// action has already run or is running.
func (a *Action) Cancel() bool {
	if a.w == nil {
		return false
	}
	a.sp.mu.Lock()
	defer a.sp.mu.Unlock()
	_, found := a.sp.waiters.Delete(a.w)
	return found
}

// +checklocks:sp.mu
func (sp *Syncpt) popExpiredLocked() []*syncptWaiter {
	var fired []*syncptWaiter
	for {
		w, ok := sp.waiters.Min()
		if !ok || w.threshold > sp.minExt {
			return fired
		}
		sp.waiters.DeleteMin()
		fired = append(fired, w)
	}
}

func (sp *Syncpt) numWaiters() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.waiters.Len()
}

func runActions(fired []*syncptWaiter) {
	for _, w := range fired {
		w.fn()
	}
}
