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

package cmd

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/host1x/host1xctl/cmd/util"
	"gvisor.dev/host1x/host1xctl/config"
	abi "gvisor.dev/host1x/pkg/abi/host1x"
)

// Syncpt implements subcommands.Command for the "syncpt" command.
type Syncpt struct {
	incrs   uint
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Syncpt) Name() string {
	return "syncpt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syncpt) Synopsis() string {
	return "reserve syncpoint increments with a job and wait for them"
}

// Usage implements subcommands.Command.Usage.
func (*Syncpt) Usage() string {
	return `syncpt [flags] - submits a job that increments its syncpoint, polls the fence value, then
waits for it. With --hardware=manual the increments are made from the CPU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syncpt) SetFlags(f *flag.FlagSet) {
	f.UintVar(&s.incrs, "incrs", 3, "number of increments performed by the job.")
	f.DurationVar(&s.timeout, "timeout", time.Second, "how long to wait for the final value.")
}

// Execute implements subcommands.Command.Execute.
func (s *Syncpt) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.incrs == 0 {
		util.Fatalf("--incrs must be positive")
	}
	e, err := newEngine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	c, err := e.openClient(ctx, abi.CLASS_VIC)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer c.close()

	read := abi.SyncptRead{ID: c.syncpt}
	if err := c.call(ctx, abi.IoctlSyncptRead, &read); err != nil {
		util.Fatalf("reading syncpoint %d: %v", c.syncpt, err)
	}
	util.Infof("Allocated syncpt %d at %d", c.syncpt, read.Value)

	obj, err := e.alloc.New(4096)
	if err != nil {
		util.Fatalf("allocating buffer: %v", err)
	}
	mapping, err := c.mapBuffer(ctx, obj)
	if err != nil {
		util.Fatalf("%v", err)
	}
	threshold, fd, err := c.submit(ctx, job{
		class:   abi.CLASS_VIC,
		words:   2,
		mapping: mapping,
		incrs:   uint32(s.incrs),
		waitFD:  -1,
	})
	if err != nil {
		util.Fatalf("submit: %v", err)
	}
	if err := c.closeFD(ctx, fd); err != nil {
		util.Fatalf("closing sync file %d: %v", fd, err)
	}

	poll := abi.SyncptWait{ID: c.syncpt, Threshold: threshold}
	err = c.call(ctx, abi.IoctlSyncptWait, &poll)
	util.Infof("Poll for %d: value %d, err %v", threshold, poll.Value, err)

	if conf.Hardware == config.HardwareManual {
		for i := uint(0); i < s.incrs; i++ {
			if err := c.call(ctx, abi.IoctlSyncptIncr, &abi.SyncptIncr{ID: c.syncpt}); err != nil {
				util.Fatalf("incrementing syncpoint %d: %v", c.syncpt, err)
			}
		}
	}
	wait := abi.SyncptWait{ID: c.syncpt, Threshold: threshold, TimeoutNs: int64(s.timeout)}
	if err := c.call(ctx, abi.IoctlSyncptWait, &wait); err != nil {
		util.Errorf("waiting for syncpoint %d to reach %d: %v", c.syncpt, threshold, err)
		return subcommands.ExitFailure
	}
	util.Infof("Syncpt %d reached %d (value %d)", c.syncpt, threshold, wait.Value)
	e.host.DumpSyncpts(os.Stdout)

	return subcommands.ExitSuccess
}
