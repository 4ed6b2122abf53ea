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
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"gvisor.dev/host1x/pkg/bitmap"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/sync"
)

// channelsAllocated counts channels taken from every pool, for metrics.
var channelsAllocated atomic.Int64

// ChannelList is the pool of hardware channels. Admission is controlled by a
// semaphore sized to the pool, and the bitmap records which channels are in
// use.
type ChannelList struct {
	host *Host1x
	sem  *semaphore.Weighted

	channels []*Channel

	mu sync.Mutex
	// +checklocks:mu
	allocated bitmap.Bitmap
}

func newChannelList(h *Host1x, n, slots int) *ChannelList {
	l := &ChannelList{
		host:      h,
		sem:       semaphore.NewWeighted(int64(n)),
		channels:  make([]*Channel, n),
		allocated: bitmap.New(uint32(n)),
	}
	for i := range l.channels {
		l.channels[i] = newChannel(h, l, uint32(i), uint32(slots))
	}
	return l
}

// Request takes a free channel from the pool and initializes it. If none is
// free it fails with EBUSY, or with wait set blocks until one is released.
// A blocked request returns EINTR when ctx is cancelled.
//
// The caller owns the only reference to the returned channel.
func (l *ChannelList) Request(ctx context.Context, wait bool) (*Channel, error) {
	if wait {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, fence.ContextErr(ctx)
		}
	} else if !l.sem.TryAcquire(1) {
		return nil, linuxerr.EBUSY
	}

	l.mu.Lock()
	id, ok := l.allocated.Allocate(0)
	l.mu.Unlock()
	if !ok {
		// The semaphore admits no more callers than there are channels.
		l.sem.Release(1)
		log.Traceback("channel pool: semaphore admitted a request with every channel allocated")
		return nil, linuxerr.EBUSY
	}

	ch := l.channels[id]
	if err := ch.init(); err != nil {
		l.free(id)
		return nil, err
	}
	channelsAllocated.Add(1)
	return ch, nil
}

func (l *ChannelList) free(id uint32) {
	l.mu.Lock()
	l.allocated.Remove(id)
	l.mu.Unlock()
	l.sem.Release(1)
}

// NumAllocated returns the number of channels in use.
func (l *ChannelList) NumAllocated() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocated.GetNumOnes()
}

// Size returns the number of channels in the pool.
func (l *ChannelList) Size() int {
	return len(l.channels)
}

// Channel is a hardware command channel.
type Channel struct {
	refs.Refs

	host *Host1x
	list *ChannelList
	id   uint32

	// submitLock serializes submissions. It is a semaphore so that waiting
	// for it can be interrupted.
	submitLock *semaphore.Weighted

	cdma cdma
}

func newChannel(h *Host1x, l *ChannelList, id, slots uint32) *Channel {
	ch := &Channel{
		host:       h,
		list:       l,
		id:         id,
		submitLock: semaphore.NewWeighted(1),
	}
	ch.cdma.ch = ch
	ch.cdma.slots = slots
	return ch
}

func (ch *Channel) init() error {
	ch.InitRefs("host1x.Channel")
	ch.cdma.init()
	if err := ch.host.hw.ChannelInit(ch); err != nil {
		ch.cdma.deinit()
		return err
	}
	ch.cdma.start()
	return nil
}

// ID returns the hardware id of ch.
func (ch *Channel) ID() uint32 {
	return ch.id
}

// Host returns the host1x that owns ch.
func (ch *Channel) Host() *Host1x {
	return ch.host
}

// Get takes a reference on ch.
func (ch *Channel) Get() {
	ch.IncRef()
}

// Put drops a reference on ch. When the last reference is dropped the channel
// is stopped and returned to the pool.
func (ch *Channel) Put() {
	ch.put(false)
}

// put drops a reference on ch. A job retired by the update goroutine may
// hold the last reference; the goroutine cannot wait for itself, so it
// finishes the release after the update.
func (ch *Channel) put(onUpdate bool) {
	ch.DecRef(func() {
		if onUpdate {
			ch.cdma.stopFromUpdate(ch.release)
			return
		}
		ch.cdma.stop()
		ch.release()
	})
}

func (ch *Channel) release() {
	ch.host.hw.Teardown(ch)
	ch.cdma.deinit()
	channelsAllocated.Add(-1)
	ch.list.free(ch.id)
}

// String implements fmt.Stringer.
func (ch *Channel) String() string {
	return fmt.Sprintf("channel %d", ch.id)
}

// PushBufferWord returns the word at offset of the push buffer. The engine
// may only read below the put offset passed to Kick.
func (ch *Channel) PushBufferWord(offset uint32) uint32 {
	return ch.cdma.pb.wordAt(offset)
}

// PushBufferWords returns the size of the push buffer in words, including
// the trailing RESTART slot.
func (ch *Channel) PushBufferWords() uint32 {
	return ch.cdma.pb.size()
}

// Submit queues a pinned job on the channel and kicks the engine. On success
// the channel holds a reference on j until it completes, and j.SyncptEnd is
// the value the syncpoint reaches at completion.
//
// Submit blocks, bounded by the job timeout, while the push buffer is too
// full to take the job. It returns ENOSPC if the job can never fit, and
// EINTR if ctx is cancelled while waiting.
func (ch *Channel) Submit(ctx context.Context, j *Job) error {
	if j.channel != ch {
		return linuxerr.EINVAL
	}
	if err := ch.submitLock.Acquire(ctx, 1); err != nil {
		return fence.ContextErr(ctx)
	}
	defer ch.submitLock.Release(1)
	return ch.cdma.submit(ctx, j)
}
