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

	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/cleanup"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/usermem"
)

// maxSubmitEntries bounds the buffer and command arrays of a submission.
const maxSubmitEntries = 1 << 16

// command is a validated submission command.
type command struct {
	typ uint32
	// Gathers.
	words  uint32
	offset uint32
	// Syncpoint waits.
	id        uint32
	threshold uint32
	// Sync file waits.
	fence fence.Fence
}

// ChannelSubmit submits a job to the channel context args.Context. On
// success the fence value, and the sync file if one was requested, are
// written to args.SyncptIncrs[0].
//
// Argument errors are reported before any reservation is locked. Once the
// job reaches the channel it runs asynchronously; its completion is observed
// through the returned fence.
func (f *File) ChannelSubmit(ctx context.Context, mem usermem.IO, args *abi.ChannelSubmit) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.gate.Leave()

	err := f.channelSubmit(ctx, mem, args)
	submits.Increment()
	if err != nil {
		submitErrors.Increment(errnoField(err))
		log.Debugf("tegra: submit on context %d failed: %v", args.Context, err)
	}
	return err
}

func (f *File) channelSubmit(ctx context.Context, mem usermem.IO, args *abi.ChannelSubmit) error {
	if args.Reserved != 0 {
		return linuxerr.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookupContextLocked(args.Context)
	if err != nil {
		return err
	}
	opts := f.dev.opts

	g, err := copyGather(ctx, mem, usermem.Addr(args.GatherDataPtr), args.GatherDataWords, opts.MaxGatherDataWords)
	if err != nil {
		return err
	}
	defer g.Put()

	used, err := processBufs(ctx, mem, c, g, args)
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() { putMappings(used) })
	defer cu.Clean()

	cmds, err := f.processCmds(ctx, mem, args, g.Len())
	if err != nil {
		return err
	}
	sp, incrs, err := f.submitSyncptLocked(args)
	if err != nil {
		return err
	}

	r, err := lockReservations(ctx, used)
	if err != nil {
		return err
	}
	defer r.unlock()

	job := host1x.NewJob(c.channel, c.client.class, sp, incrs)
	defer job.Put()
	job.Timeout = opts.timeout(args.TimeoutMs)
	job.UserData = used
	job.Release = releaseJob
	cu.Release()

	h := f.dev.host
	waits, foreign := splitFences(h, r.implicitFences())
	for _, w := range waits {
		job.AddWait(w.id, w.threshold)
	}
	for _, fe := range foreign {
		job.AddForeignFence(fe)
	}
	for _, cmd := range cmds {
		switch cmd.typ {
		case abi.SubmitCmdGatherUptr:
			job.AddGather(g, cmd.words, 4*cmd.offset)
		case abi.SubmitCmdWaitSyncpt:
			job.AddWait(cmd.id, cmd.threshold)
		case abi.SubmitCmdWaitSyncFile:
			waits, foreign := splitFences(h, []fence.Fence{cmd.fence})
			for _, w := range waits {
				job.AddWait(w.id, w.threshold)
			}
			for _, fe := range foreign {
				job.AddForeignFence(fe)
			}
		}
	}

	if err := job.Validate(); err != nil {
		return err
	}
	if err := job.Pin(); err != nil {
		return err
	}
	if err := c.channel.Submit(ctx, job); err != nil {
		return err
	}
	f.createPostfences(job, r, &args.SyncptIncrs[0])
	return nil
}

// releaseJob drops the mapping references of a job.
func releaseJob(j *host1x.Job) {
	putMappings(j.UserData.([]usedMapping))
}

func putMappings(used []usedMapping) {
	for _, u := range used {
		u.mapping.Put()
	}
}

// processBufs looks up the mappings referenced by the submission and patches
// their relocations into g. It returns the mappings with a reference held.
func processBufs(ctx context.Context, mem usermem.IO, c *channelContext, g *gatherBO, args *abi.ChannelSubmit) ([]usedMapping, error) {
	if args.NumBufs > maxSubmitEntries {
		return nil, linuxerr.E2BIG
	}
	bufs := make([]abi.SubmitBuf, args.NumBufs)
	if err := usermem.CopyObjectsIn(ctx, mem, usermem.Addr(args.BufsPtr), args.NumBufs, abi.SizeofSubmitBuf, func(i uint32) any { return &bufs[i] }); err != nil {
		return nil, err
	}

	used := make([]usedMapping, 0, len(bufs))
	for i := range bufs {
		buf := &bufs[i]
		if buf.Flags&^abi.SubmitBufFlagsMask != 0 || buf.Reserved != [2]uint32{} {
			putMappings(used)
			return nil, linuxerr.EINVAL
		}
		m, ok := c.mapping(buf.Mapping)
		if !ok {
			log.Debugf("tegra: invalid mapping %d in submit buffer %d", buf.Mapping, i)
			putMappings(used)
			return nil, linuxerr.EINVAL
		}
		if err := g.applyRelocation(m, buf); err != nil {
			m.Put()
			putMappings(used)
			return nil, err
		}
		used = append(used, usedMapping{mapping: m, flags: buf.Flags})
	}
	return used, nil
}

// processCmds copies and validates the command list of the submission.
// Gathers must cover the gather data exactly.
func (f *File) processCmds(ctx context.Context, mem usermem.IO, args *abi.ChannelSubmit, gatherWords uint32) ([]command, error) {
	if args.NumCmds > maxSubmitEntries {
		return nil, linuxerr.E2BIG
	}
	raw := make([]abi.SubmitCmd, args.NumCmds)
	if err := usermem.CopyObjectsIn(ctx, mem, usermem.Addr(args.CmdsPtr), args.NumCmds, abi.SizeofSubmitCmd, func(i uint32) any { return &raw[i] }); err != nil {
		return nil, err
	}

	maxWords := f.dev.opts.MaxGatherWords
	cmds := make([]command, 0, len(raw))
	offset := uint32(0)
	for i := range raw {
		rc := &raw[i]
		switch rc.Type {
		case abi.SubmitCmdGatherUptr:
			gc := rc.Gather()
			if gc.Reserved != [3]uint32{} || gc.Words == 0 || gc.Words > maxWords {
				return nil, linuxerr.EINVAL
			}
			if uint64(offset)+uint64(gc.Words) > uint64(gatherWords) {
				return nil, linuxerr.EINVAL
			}
			cmds = append(cmds, command{typ: rc.Type, words: gc.Words, offset: offset})
			offset += gc.Words
		case abi.SubmitCmdWaitSyncpt:
			wc := rc.WaitSyncpt()
			if wc.Reserved != [2]uint32{} {
				return nil, linuxerr.EINVAL
			}
			cmds = append(cmds, command{typ: rc.Type, id: wc.ID, threshold: wc.Threshold})
		case abi.SubmitCmdWaitSyncFile:
			fc := rc.WaitSyncFile()
			if fc.Reserved != [3]uint32{} {
				return nil, linuxerr.EINVAL
			}
			s, err := f.syncFiles.Get(fc.FD)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, command{typ: rc.Type, fence: s.Fence()})
		default:
			return nil, linuxerr.EINVAL
		}
	}
	if offset == 0 {
		log.Debugf("tegra: submit without gathers")
		return nil, linuxerr.EINVAL
	}
	if offset != gatherWords {
		return nil, linuxerr.EINVAL
	}
	return cmds, nil
}

// submitSyncptLocked validates the increment descriptors of the submission
// and returns the syncpoint and increment count of the job. Only one
// syncpoint per job is supported.
//
// +checklocks:f.mu
func (f *File) submitSyncptLocked(args *abi.ChannelSubmit) (*host1x.Syncpt, uint32, error) {
	if args.SyncptIncrs[1].NumIncrs != 0 {
		return nil, 0, linuxerr.EINVAL
	}
	incr := &args.SyncptIncrs[0]
	if incr.NumIncrs == 0 {
		return nil, 0, linuxerr.EINVAL
	}
	if incr.Flags&^abi.SubmitSyncptIncrFlagsMask != 0 || incr.Reserved != [3]uint32{} {
		return nil, 0, linuxerr.EINVAL
	}
	sp, err := f.ownedSyncptLocked(incr.SyncptID)
	if err != nil {
		return nil, 0, err
	}
	return sp, incr.NumIncrs, nil
}
