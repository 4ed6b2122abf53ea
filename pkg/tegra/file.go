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
	"time"

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/sync"
	"gvisor.dev/host1x/pkg/syncfile"
)

// channelContext is a channel opened by a File, with the buffers mapped for
// it.
type channelContext struct {
	id      uint32
	client  *Client
	channel *host1x.Channel

	mu sync.Mutex
	// +checklocks:mu
	mappings map[uint32]*Mapping
	// +checklocks:mu
	nextMapping uint32
}

// mapping returns the mapping with the given id with a reference held.
func (c *channelContext) mapping(id uint32) (*Mapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mappings[id]
	if ok {
		m.Get()
	}
	return m, ok
}

// File is the state of one open of a Device.
type File struct {
	dev *Device

	// gate is held by every operation in progress; Close waits for them.
	gate sync.Gate

	mu sync.Mutex
	// +checklocks:mu
	contexts map[uint32]*channelContext
	// +checklocks:mu
	nextContext uint32
	// +checklocks:mu
	buffers map[uint32]Buffer
	// +checklocks:mu
	nextHandle uint32
	// +checklocks:mu
	syncpts map[uint32]*host1x.Syncpt

	syncFiles syncfile.Table
}

// Open returns a new file of d.
func (d *Device) Open() *File {
	return &File{
		dev:         d,
		contexts:    make(map[uint32]*channelContext),
		nextContext: 1,
		buffers:     make(map[uint32]Buffer),
		nextHandle:  1,
		syncpts:     make(map[uint32]*host1x.Syncpt),
	}
}

// Device returns the device f was opened on.
func (f *File) Device() *Device {
	return f.dev
}

func (f *File) enter() error {
	if !f.gate.Enter() {
		return linuxerr.EBADF
	}
	return nil
}

// AddBuffer makes buf available to ChannelMap and returns its handle. The
// file takes over the caller's reference.
func (f *File) AddBuffer(buf Buffer) (uint32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.gate.Leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.nextHandle
	f.nextHandle++
	f.buffers[h] = buf
	return h, nil
}

// RemoveBuffer drops the handle. Existing mappings of the buffer keep it
// alive.
func (f *File) RemoveBuffer(handle uint32) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()
	f.mu.Lock()
	buf, ok := f.buffers[handle]
	delete(f.buffers, handle)
	f.mu.Unlock()
	if !ok {
		return linuxerr.ENOENT
	}
	buf.Put()
	return nil
}

// ChannelOpen opens a channel context on the engine of the given class and
// returns its id. It fails with ENODEV for an unknown class. When the engine
// needs a new channel and the pool is exhausted, it waits for one unless
// flags has ChannelOpenNoWait, in which case it fails with EBUSY.
func (f *File) ChannelOpen(ctx context.Context, class, flags uint32) (uint32, *Client, error) {
	if err := f.enter(); err != nil {
		return 0, nil, err
	}
	defer f.gate.Leave()
	if flags&^abi.ChannelOpenNoWait != 0 {
		return 0, nil, linuxerr.EINVAL
	}
	client, ok := f.dev.Client(class)
	if !ok {
		return 0, nil, linuxerr.ENODEV
	}
	ch, err := client.openChannel(ctx, flags&abi.ChannelOpenNoWait == 0)
	if err != nil {
		return 0, nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c := &channelContext{
		id:          f.nextContext,
		client:      client,
		channel:     ch,
		mappings:    make(map[uint32]*Mapping),
		nextMapping: 1,
	}
	f.nextContext++
	f.contexts[c.id] = c
	log.Debugf("tegra: opened context %d on %s (%v)", c.id, client.name, ch)
	return c.id, client, nil
}

// ChannelClose closes a channel context, dropping its mappings.
func (f *File) ChannelClose(id uint32) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()
	f.mu.Lock()
	c, ok := f.contexts[id]
	delete(f.contexts, id)
	f.mu.Unlock()
	if !ok {
		return linuxerr.EINVAL
	}
	c.close()
	return nil
}

func (c *channelContext) close() {
	c.mu.Lock()
	mappings := c.mappings
	c.mappings = nil
	c.mu.Unlock()
	for _, m := range mappings {
		m.Put()
	}
	c.client.closeChannel(c.channel)
}

// lookupContextLocked returns the context with the given id.
//
// +checklocks:f.mu
func (f *File) lookupContextLocked(id uint32) (*channelContext, error) {
	c, ok := f.contexts[id]
	if !ok {
		return nil, linuxerr.EINVAL
	}
	return c, nil
}

// ChannelMap pins the buffer with the given handle for the context and
// returns the mapping id. flags is a non-empty combination of MapRead and
// MapWrite.
func (f *File) ChannelMap(ctxID, handle, flags uint32) (uint32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.gate.Leave()
	if flags == 0 || flags&^abi.MapReadWrite != 0 {
		return 0, linuxerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookupContextLocked(ctxID)
	if err != nil {
		return 0, err
	}
	buf, ok := f.buffers[handle]
	if !ok {
		return 0, linuxerr.ENOENT
	}
	m, err := newMapping(f.dev.host.AddressSpace(), buf, flags)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m.id = c.nextMapping
	c.nextMapping++
	c.mappings[m.id] = m
	return m.id, nil
}

// ChannelUnmap removes a mapping from the context. Jobs still using it keep
// the buffer pinned until they are released.
func (f *File) ChannelUnmap(ctxID, id uint32) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookupContextLocked(ctxID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	m, ok := c.mappings[id]
	delete(c.mappings, id)
	c.mu.Unlock()
	if !ok {
		return linuxerr.EINVAL
	}
	m.Put()
	return nil
}

// SyncptAllocate allocates a syncpoint owned by the file.
func (f *File) SyncptAllocate() (uint32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.gate.Leave()
	sp, err := f.dev.host.AllocSyncpt("tegra", 0)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncpts[sp.ID()] = sp
	return sp.ID(), nil
}

// SyncptFree frees a syncpoint allocated by the file. Jobs using it keep it
// allocated until they are released.
func (f *File) SyncptFree(id uint32) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()
	f.mu.Lock()
	sp, ok := f.syncpts[id]
	delete(f.syncpts, id)
	f.mu.Unlock()
	if !ok {
		return linuxerr.EINVAL
	}
	sp.Put()
	return nil
}

// ownedSyncptLocked returns a syncpoint allocated by the file.
//
// +checklocks:f.mu
func (f *File) ownedSyncptLocked(id uint32) (*host1x.Syncpt, error) {
	sp, ok := f.syncpts[id]
	if !ok {
		return nil, linuxerr.EINVAL
	}
	return sp, nil
}

// SyncptRead returns the current value of any allocated syncpoint.
func (f *File) SyncptRead(id uint32) (uint32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.gate.Leave()
	sp, err := f.dev.host.Syncpt(id)
	if err != nil {
		return 0, err
	}
	return sp.ReadMin(), nil
}

// SyncptIncr increments a syncpoint owned by the file from the CPU.
func (f *File) SyncptIncr(id uint32) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()
	f.mu.Lock()
	sp, err := f.ownedSyncptLocked(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return sp.Incr()
}

// SyncptWait waits for any allocated syncpoint to reach threshold and
// returns its value. A zero timeout polls; a negative one waits forever.
func (f *File) SyncptWait(ctx context.Context, id, threshold uint32, timeout time.Duration) (uint32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.gate.Leave()
	sp, err := f.dev.host.Syncpt(id)
	if err != nil {
		return 0, err
	}
	_, err = sp.Wait(ctx, threshold, timeout)
	return sp.ReadMin(), err
}

// SyncFileWait waits for the sync file fd to signal and returns its status.
func (f *File) SyncFileWait(ctx context.Context, fd int32, timeout time.Duration) (int32, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.gate.Leave()
	s, err := f.syncFiles.Get(fd)
	if err != nil {
		return 0, err
	}
	err = s.Wait(ctx, timeout)
	return s.Status(), err
}

// SyncFileClose closes the sync file fd.
func (f *File) SyncFileClose(fd int32) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()
	return f.syncFiles.Close(fd)
}

// SyncFile returns the sync file fd.
func (f *File) SyncFile(fd int32) (*syncfile.File, error) {
	return f.syncFiles.Get(fd)
}

// Close waits for operations in progress and releases everything the file
// holds. Jobs already submitted run to completion.
func (f *File) Close() {
	f.gate.Close()

	f.mu.Lock()
	contexts := f.contexts
	buffers := f.buffers
	syncpts := f.syncpts
	f.contexts, f.buffers, f.syncpts = nil, nil, nil
	f.mu.Unlock()

	for _, c := range contexts {
		c.close()
	}
	for _, buf := range buffers {
		buf.Put()
	}
	for _, sp := range syncpts {
		sp.Put()
	}
	f.syncFiles.CloseAll()
}
