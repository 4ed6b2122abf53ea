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

// Package host1x implements the host1x command submission engine: syncpoints
// and their fences, the channel pool, the CDMA push buffer with its sync
// queue and timeout recovery, and the job object submitted to it.
//
// Register access is delegated to a Hardware implementation. SimHardware
// executes the command stream in software; ManualHardware never executes
// anything, so tests advance syncpoints by hand.
//
// Lock ordering:
//
//	Channel.submitLock
//	  cdma.mu
//	    Syncpt.mu
//	    AddressSpace.mu
//	Host1x.syncptMu
//	ChannelList.mu
package host1x

import (
	"fmt"
	"io"

	"gvisor.dev/host1x/pkg/bitmap"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/sync"
)

// Address space layout used for kernel-owned buffers such as gather copies.
const (
	CarveoutBase  = 0x1000_0000
	CarveoutLimit = 0x8000_0000
)

// Options configures a Host1x.
type Options struct {
	// NumChannels is the size of the channel pool.
	NumChannels int
	// NumSyncpts is the number of syncpoints, including the reserved
	// syncpoint 0.
	NumSyncpts int
	// PushBufferSlots is the number of two-word slots in each channel's push
	// buffer.
	PushBufferSlots int
}

// DefaultOptions returns the options of a Tegra186-class host1x.
func DefaultOptions() Options {
	return Options{
		NumChannels:     8,
		NumSyncpts:      64,
		PushBufferSlots: 512,
	}
}

func (o Options) validate() error {
	switch {
	case o.NumChannels <= 0:
		return fmt.Errorf("%w: no channels", linuxerr.EINVAL)
	case o.NumSyncpts < 2 || o.NumSyncpts > 256:
		return fmt.Errorf("%w: syncpoint count %d out of range [2, 256]", linuxerr.EINVAL, o.NumSyncpts)
	case o.PushBufferSlots < 16:
		return fmt.Errorf("%w: push buffer of %d slots is too small", linuxerr.EINVAL, o.PushBufferSlots)
	}
	return nil
}

// Host1x is one host1x instance.
type Host1x struct {
	opts Options
	hw   Hardware
	as   *AddressSpace

	syncpts []*Syncpt

	syncptMu sync.Mutex
	// +checklocks:syncptMu
	syncptMap bitmap.Bitmap

	channels *ChannelList
}

// New returns a host1x driven by hw.
func New(opts Options, hw Hardware) (*Host1x, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := &Host1x{
		opts:      opts,
		hw:        hw,
		as:        NewAddressSpace(CarveoutBase, CarveoutLimit),
		syncptMap: bitmap.New(uint32(opts.NumSyncpts)),
	}
	h.syncpts = make([]*Syncpt, opts.NumSyncpts)
	for i := range h.syncpts {
		h.syncpts[i] = newSyncpt(h, uint32(i))
	}
	// Syncpoint 0 is never handed out.
	h.syncptMap.Add(0)
	h.channels = newChannelList(h, opts.NumChannels, opts.PushBufferSlots)
	return h, nil
}

// Options returns the options h was created with.
func (h *Host1x) Options() Options {
	return h.opts
}

// Hardware returns the register interface of h.
func (h *Host1x) Hardware() Hardware {
	return h.hw
}

// AddressSpace returns the DMA address space shared by all channels.
func (h *Host1x) AddressSpace() *AddressSpace {
	return h.as
}

// Channels returns the channel pool.
func (h *Host1x) Channels() *ChannelList {
	return h.channels
}

// NumSyncpts returns the number of syncpoints.
func (h *Host1x) NumSyncpts() uint32 {
	return uint32(len(h.syncpts))
}

// ExtractFence returns the syncpoint and threshold behind f if f is a
// syncpoint fence of h.
func (h *Host1x) ExtractFence(f fence.Fence) (*Syncpt, uint32, bool) {
	hf, ok := f.(*Fence)
	if !ok || hf.sp.host != h {
		return nil, 0, false
	}
	return hf.sp, hf.threshold, true
}

// DumpSyncpts writes the state of every allocated syncpoint to w.
func (h *Host1x) DumpSyncpts(w io.Writer) {
	h.syncptMu.Lock()
	ids := h.syncptMap.ToSlice()
	h.syncptMu.Unlock()
	for _, id := range ids {
		if id == 0 {
			continue
		}
		sp := h.syncpts[id]
		fmt.Fprintf(w, "id %d (%s) min %d max %d waiters %d\n", id, sp.Name(), sp.ReadMin(), sp.ReadMax(), sp.numWaiters())
	}
}
