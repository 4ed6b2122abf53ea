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

// Submit implements subcommands.Command for the "submit" command.
type Submit struct {
	engine  string
	words   uint
	incrs   uint
	timeout time.Duration
	wait    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Submit) Name() string {
	return "submit"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Submit) Synopsis() string {
	return "submit one job and wait for its fence"
}

// Usage implements subcommands.Command.Usage.
func (*Submit) Usage() string {
	return `submit [flags] - submits a job that relocates one buffer into its gather, then waits for the job's sync file.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Submit) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.engine, "engine", "vic", "engine to submit to: vic or nvdec.")
	f.UintVar(&s.words, "words", 4, "gather length in words, at least 2.")
	f.UintVar(&s.incrs, "incrs", 1, "syncpoint increments performed by the job.")
	f.DurationVar(&s.timeout, "job-timeout", 0, "job timeout; zero selects --timeout.")
	f.DurationVar(&s.wait, "wait", 5*time.Second, "how long to wait for the fence; negative waits forever.")
}

// Execute implements subcommands.Command.Execute.
func (s *Submit) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.words < 2 {
		util.Fatalf("--words must be at least 2, got %d", s.words)
	}
	class, err := classByName(s.engine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	e, err := newEngine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	c, err := e.openClient(ctx, class)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer c.close()

	obj, err := e.alloc.New(4096)
	if err != nil {
		util.Fatalf("allocating buffer: %v", err)
	}
	mapping, err := c.mapBuffer(ctx, obj)
	if err != nil {
		util.Fatalf("%v", err)
	}

	start := time.Now()
	value, fd, err := c.submit(ctx, job{
		class:   class,
		words:   uint32(s.words),
		mapping: mapping,
		write:   true,
		incrs:   uint32(s.incrs),
		timeout: s.timeout,
		waitFD:  -1,
	})
	if err != nil {
		util.Fatalf("submit: %v", err)
	}
	util.Infof("Submitted to syncpt %d, fence value %d, sync file %d", c.syncpt, value, fd)

	if conf.Hardware == config.HardwareManual {
		// Nothing executes the job; complete it from the CPU.
		for i := uint(0); i < s.incrs; i++ {
			if err := c.call(ctx, abi.IoctlSyncptIncr, &abi.SyncptIncr{ID: c.syncpt}); err != nil {
				util.Fatalf("incrementing syncpt %d: %v", c.syncpt, err)
			}
		}
	}

	status, err := c.wait(ctx, fd, s.wait)
	if err != nil {
		util.Fatalf("waiting for sync file %d: %v", fd, err)
	}
	util.Infof("Sync file %d status %d after %v", fd, status, time.Since(start))
	if err := c.closeFD(ctx, fd); err != nil {
		util.Fatalf("closing sync file %d: %v", fd, err)
	}
	e.host.DumpSyncpts(os.Stdout)
	if status != 1 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
