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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/host1x/host1xctl/cmd/util"
	"gvisor.dev/host1x/host1xctl/config"
	"gvisor.dev/host1x/pkg/gem"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	engine  string
	clients int
	jobs    int
	words   uint
	rate    float64
	shared  bool
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "run concurrent clients submitting jobs"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [flags] - runs clients that each submit jobs and wait for them, then reports throughput.

With --shared every client writes the same buffer, so each job waits for the
previous writer through the buffer reservation.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.engine, "engine", "vic", "engine to submit to: vic or nvdec.")
	f.IntVar(&b.clients, "clients", 4, "number of concurrent clients.")
	f.IntVar(&b.jobs, "jobs", 100, "jobs submitted by each client.")
	f.UintVar(&b.words, "words", 16, "gather length in words, at least 2.")
	f.Float64Var(&b.rate, "rate", 0, "maximum submissions per second across clients; zero is unlimited.")
	f.BoolVar(&b.shared, "shared", false, "all clients write one shared buffer.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Hardware != config.HardwareSim {
		util.Fatalf("bench requires --hardware=%s", config.HardwareSim)
	}
	if b.clients <= 0 || b.jobs <= 0 || b.words < 2 {
		util.Fatalf("--clients and --jobs must be positive and --words at least 2")
	}
	class, err := classByName(b.engine)
	if err != nil {
		util.Fatalf("%v", err)
	}
	e, err := newEngine(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}

	limit := rate.Inf
	if b.rate > 0 {
		limit = rate.Limit(b.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var shared *gem.Object
	if b.shared {
		if shared, err = e.alloc.New(4096); err != nil {
			util.Fatalf("allocating buffer: %v", err)
		}
		defer shared.Put()
	}

	var completed, failed atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.clients; i++ {
		i := i
		g.Go(func() error {
			c, err := e.openClient(gctx, class)
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			defer c.close()

			obj := shared
			if obj != nil {
				obj.Get()
			} else if obj, err = e.alloc.New(4096); err != nil {
				return fmt.Errorf("client %d: allocating buffer: %w", i, err)
			}
			mapping, err := c.mapBuffer(gctx, obj)
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}

			for n := 0; n < b.jobs; n++ {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				_, fd, err := c.submit(gctx, job{
					class:   class,
					words:   uint32(b.words),
					mapping: mapping,
					write:   true,
					incrs:   1,
					waitFD:  -1,
				})
				if err != nil {
					return fmt.Errorf("client %d: job %d: %w", i, n, err)
				}
				status, err := c.wait(gctx, fd, -1)
				if err != nil {
					return fmt.Errorf("client %d: job %d: wait: %w", i, n, err)
				}
				if status == 1 {
					completed.Add(1)
				} else {
					failed.Add(1)
				}
				if err := c.closeFD(gctx, fd); err != nil {
					return fmt.Errorf("client %d: job %d: %w", i, n, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		util.Fatalf("bench: %v", err)
	}

	elapsed := time.Since(start)
	done := completed.Load()
	util.Infof("%d jobs completed, %d failed in %v (%.0f jobs/s)", done, failed.Load(), elapsed, float64(done)/elapsed.Seconds())
	if failed.Load() != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
