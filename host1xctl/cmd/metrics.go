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
	"gvisor.dev/host1x/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	jobs    int
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run jobs and print engine metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - submits jobs, then prints metric data in Prometheus text format to stdout.

With --hardware=manual nothing completes the jobs, so they time out and the
channel recovery counters move.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.jobs, "jobs", 8, "number of jobs to submit before exporting.")
	f.DurationVar(&m.timeout, "job-timeout", 100*time.Millisecond, "job timeout.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	e, err := newEngine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	c, err := e.openClient(ctx, abi.CLASS_VIC)
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

	for i := 0; i < m.jobs; i++ {
		_, fd, err := c.submit(ctx, job{
			class:   abi.CLASS_VIC,
			words:   4,
			mapping: mapping,
			write:   true,
			incrs:   1,
			timeout: m.timeout,
			waitFD:  -1,
		})
		if err != nil {
			util.Errorf("job %d: %v", i, err)
			continue
		}
		if _, err := c.wait(ctx, fd, -1); err != nil {
			util.Errorf("job %d: wait: %v", i, err)
		}
		if err := c.closeFD(ctx, fd); err != nil {
			util.Fatalf("closing sync file %d: %v", fd, err)
		}
	}
	// An invalid submission, to populate the error counters.
	if _, _, err := c.submit(ctx, job{class: abi.CLASS_VIC, words: 4, mapping: mapping + 1, incrs: 1, waitFD: -1}); err == nil {
		util.Fatalf("submit with a bad mapping succeeded")
	}

	written, err := metric.WritePrometheus(os.Stdout)
	if err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	util.Infof("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}
