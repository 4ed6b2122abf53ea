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
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/sync"
)

// quiesceTimeout bounds how long recovery waits for a stopped engine to go
// idle.
const quiesceTimeout = time.Second

var errBusy = errors.New("engine busy")

// recoveryLog limits recovery warnings when a channel keeps timing out.
var recoveryLog = log.BasicRateLimitedLogger(time.Second)

// cdma feeds a channel's push buffer and tracks the jobs in it.
//
// Jobs complete in queue order. The completion of the head is observed
// through a syncpoint action that wakes the update goroutine; a timer on the
// head triggers recovery if it runs for longer than its timeout.
type cdma struct {
	ch    *Channel
	slots uint32

	mu sync.Mutex
	// +checklocks:mu
	pb pushBuffer
	// queue holds submitted jobs, oldest first. Each holds a reference.
	// +checklocks:mu
	queue []*Job
	// spaceFreed is closed and replaced whenever push buffer slots are
	// freed.
	// +checklocks:mu
	spaceFreed chan struct{}
	// +checklocks:mu
	timer *time.Timer
	// +checklocks:mu
	running bool
	// teardown is set when the last channel reference was dropped on the
	// update goroutine. The goroutine runs it and exits.
	// +checklocks:mu
	teardown func()

	updateCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (c *cdma) init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pb.init(c.slots)
	c.queue = nil
	c.spaceFreed = make(chan struct{})
}

func (c *cdma) deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 0 {
		panic("deinit of a channel with queued jobs")
	}
	c.pb.reset()
}

func (c *cdma) start() {
	c.mu.Lock()
	c.running = true
	c.updateCh = make(chan struct{}, 1)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()
	go c.updateLoop(c.updateCh, c.stopCh, c.doneCh) // S/R-SAFE: stopped by cdma.stop.
}

// stop halts the engine and waits for the update goroutine to exit. It must
// not be called from the update goroutine; see stopFromUpdate.
func (c *cdma) stop() {
	c.mu.Lock()
	if !c.haltLocked() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	close(c.stopCh)
	<-c.doneCh
}

// stopFromUpdate halts the engine from the update goroutine. The goroutine
// runs teardown once the current update returns, then exits.
func (c *cdma) stopFromUpdate(teardown func()) {
	c.mu.Lock()
	if !c.haltLocked() {
		c.mu.Unlock()
		teardown()
		return
	}
	c.teardown = teardown
	c.mu.Unlock()
	close(c.stopCh)
}

// haltLocked stops the engine and the timeout timer. It returns false if c
// was not running.
//
// +checklocks:c.mu
func (c *cdma) haltLocked() bool {
	if !c.running {
		return false
	}
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.ch.host.hw.Stop(c.ch)
	return true
}

// kick wakes the update goroutine. It runs from syncpoint actions and never
// blocks.
func (c *cdma) kick(updateCh chan struct{}) {
	select {
	case updateCh <- struct{}{}:
	default:
	}
}

func (c *cdma) updateLoop(updateCh, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-updateCh:
			c.update()
			c.mu.Lock()
			teardown := c.teardown
			c.teardown = nil
			c.mu.Unlock()
			if teardown != nil {
				teardown()
				return
			}
		case <-stopCh:
			return
		}
	}
}

// slotsFor returns the number of push buffer slots j needs.
func slotsFor(j *Job, gated bool) uint32 {
	// SETCLASS to the job class, then the increments.
	n := 1 + j.SyncptIncrs
	if gated {
		n += 2
	}
	for _, s := range j.segments {
		switch s := s.(type) {
		case *WaitSegment:
			// Wait, then restore the class.
			n += 2
		case *GatherSegment:
			if s.gatherAddr() > 0xffffffff {
				n += 2
			} else {
				n++
			}
		}
	}
	return n
}

func (g *GatherSegment) gatherAddr() uint64 {
	return g.iova + uint64(g.Offset)
}

// submit implements Channel.Submit. The caller holds the channel submit lock.
func (c *cdma) submit(ctx context.Context, j *Job) error {
	if j.State() != JobPinned {
		log.Traceback("job %p submitted in state %v", j, j.State())
		panic("submitting a job that is not pinned")
	}
	pending := fence.Unsignaled(j.foreign)
	gated := len(pending) > 0
	slots := slotsFor(j, gated)

	if err := c.waitSpace(ctx, slots, j.Timeout); err != nil {
		return err
	}
	// c.mu is held from here on.
	if !c.running {
		c.mu.Unlock()
		return linuxerr.ENODEV
	}

	sp := j.Syncpt
	gate := uint32(0)
	if gated {
		gate = 1
	}
	j.SyncptEnd = sp.IncrMax(gate + j.SyncptIncrs)
	j.gated = gated
	j.gateThreshold = j.SyncptEnd - j.SyncptIncrs
	j.numSlots = slots

	c.pb.push(abi.OpcodeSetClass(j.Class, 0, 0), abi.OpcodeNop())
	if gated {
		c.pushWait(j.Class, sp.id, j.gateThreshold)
	}
	for _, s := range j.segments {
		switch s := s.(type) {
		case *WaitSegment:
			c.pushWait(j.Class, s.ID, s.Threshold)
		case *GatherSegment:
			addr := s.gatherAddr()
			if addr > 0xffffffff {
				c.pb.push(abi.OpcodeGatherWide(s.Words), uint32(addr))
				c.pb.push(uint32(addr>>32), abi.OpcodeNop())
			} else {
				c.pb.push(abi.OpcodeGather(s.Words), uint32(addr))
			}
		}
	}
	for i := uint32(0); i < j.SyncptIncrs; i++ {
		c.pb.push(abi.OpcodeImm(abi.UCLASS_INCR_SYNCPT, abi.ClassHostIncrSyncpt(abi.SYNCPT_COND_OP_DONE, sp.id)), abi.OpcodeNop())
	}

	j.transition(JobPinned, JobSubmitted)
	j.Get()
	c.queue = append(c.queue, j)
	if len(c.queue) == 1 {
		c.armTimerLocked()
	}
	c.ch.host.hw.Kick(c.ch, c.pb.put())
	updateCh := c.updateCh
	c.mu.Unlock()

	sp.AddAction(j.SyncptEnd, func() { c.kick(updateCh) })
	if gated {
		j.armGate(pending)
	}
	return nil
}

// pushWait pushes a wait for syncpoint id to reach threshold and switches
// back to class.
//
// +checklocks:c.mu
func (c *cdma) pushWait(class, id, threshold uint32) {
	c.pb.push(abi.OpcodeSetClass(abi.CLASS_HOST1X, abi.UCLASS_WAIT_SYNCPT, 1), abi.ClassHostWaitSyncpt(id, threshold))
	c.pb.push(abi.OpcodeSetClass(class, 0, 0), abi.OpcodeNop())
}

// waitSpace waits until the push buffer has room for slots. It returns with
// c.mu held on success and released on failure.
//
// +checklocksacquire:c.mu
func (c *cdma) waitSpace(ctx context.Context, slots uint32, timeout time.Duration) error {
	c.mu.Lock()
	if slots > c.pb.capacity() {
		c.mu.Unlock()
		return linuxerr.ENOSPC
	}
	var expired <-chan time.Time
	for c.pb.space() < slots {
		freed := c.spaceFreed
		c.mu.Unlock()
		if expired == nil {
			pushbufferStalls.Increment()
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-freed:
		case <-expired:
			return linuxerr.ETIMEDOUT
		case <-ctx.Done():
			return fence.ContextErr(ctx)
		}
		c.mu.Lock()
	}
	return nil
}

// +checklocks:c.mu
func (c *cdma) signalSpaceLocked() {
	close(c.spaceFreed)
	c.spaceFreed = make(chan struct{})
}

// armTimerLocked starts the timeout of the job at the head of the queue.
//
// +checklocks:c.mu
func (c *cdma) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.queue) == 0 || !c.running {
		return
	}
	head := c.queue[0]
	c.timer = time.AfterFunc(head.Timeout, func() { c.timedOut(head) })
}

// update retires completed jobs from the head of the queue.
func (c *cdma) update() {
	c.mu.Lock()
	var done []*Job
	for len(c.queue) > 0 {
		j := c.queue[0]
		if !j.Syncpt.Expired(j.SyncptEnd) {
			break
		}
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.pb.pop(j.numSlots)
		done = append(done, j)
	}
	if len(done) > 0 {
		c.signalSpaceLocked()
		c.armTimerLocked()
	}
	c.mu.Unlock()

	retire(done, true)
}

// retire completes jobs and drops the queue's references on them. onUpdate
// is true when called from the update goroutine.
func retire(jobs []*Job, onUpdate bool) {
	for _, j := range jobs {
		j.Unpin()
		j.complete()
		j.put(onUpdate)
	}
}

// timedOut runs when head has been at the head of the queue for longer than
// its timeout.
func (c *cdma) timedOut(head *Job) {
	c.mu.Lock()
	if !c.running || len(c.queue) == 0 || c.queue[0] != head {
		c.mu.Unlock()
		return
	}
	if head.Syncpt.Expired(head.SyncptEnd) {
		// Completed; the update goroutine has not caught up yet.
		updateCh := c.updateCh
		c.mu.Unlock()
		c.kick(updateCh)
		return
	}
	failed := c.recoverLocked(head)
	c.mu.Unlock()

	retire(failed, false)
}

// recoverLocked resets the channel after head timed out. Every queued job is
// failed with ETIMEDOUT and its syncpoint is moved to its end value, so that
// fences signal (with the error) and dependent work is not stuck behind it.
//
// +checklocks:c.mu
func (c *cdma) recoverLocked(head *Job) []*Job {
	channelTimeouts.Increment()
	hw := c.ch.host.hw
	sp := head.Syncpt
	recoveryLog.Warningf("%v: job timed out after %v waiting for syncpt %d to reach %d (at %d); failing %d queued jobs", c.ch, head.Timeout, sp.id, head.SyncptEnd, sp.ReadMin(), len(c.queue))

	hw.Stop(c.ch)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = quiesceTimeout
	if err := backoff.Retry(func() error {
		if !hw.Idle(c.ch) {
			return errBusy
		}
		return nil
	}, b); err != nil {
		log.Warningf("%v: engine did not go idle after stop: %v", c.ch, err)
	}

	failed := c.queue
	c.queue = nil
	for _, j := range failed {
		j.fail(linuxerr.ETIMEDOUT)
		j.gateFired.Store(true)
	}
	for _, j := range failed {
		j.Syncpt.incrTo(j.SyncptEnd)
	}

	c.pb.reset()
	c.signalSpaceLocked()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	hw.Restart(c.ch, 0)
	return failed
}
