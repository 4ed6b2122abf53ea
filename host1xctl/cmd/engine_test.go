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
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/host1x/host1xctl/config"
	abi "gvisor.dev/host1x/pkg/abi/host1x"
	"gvisor.dev/host1x/pkg/errors/linuxerr"
)

func testConfig(t *testing.T, flags map[string]string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	for name, value := range flags {
		if err := fs.Set(name, value); err != nil {
			t.Fatalf("Set(%s=%s): %v", name, value, err)
		}
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestClassByName(t *testing.T) {
	for _, tc := range []struct {
		name    string
		want    uint32
		wantErr bool
	}{
		{name: "vic", want: abi.CLASS_VIC},
		{name: "nvdec", want: abi.CLASS_NVDEC},
		{name: "gr2d", wantErr: true},
	} {
		got, err := classByName(tc.name)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("classByName(%q) = %#x, %v, want %#x, error %t", tc.name, got, err, tc.want, tc.wantErr)
		}
	}
}

func newTestClient(t *testing.T, e *engine) (*client, uint32) {
	t.Helper()
	ctx := context.Background()
	c, err := e.openClient(ctx, abi.CLASS_VIC)
	if err != nil {
		t.Fatalf("openClient: %v", err)
	}
	t.Cleanup(c.close)
	obj, err := e.alloc.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mapping, err := c.mapBuffer(ctx, obj)
	if err != nil {
		t.Fatalf("mapBuffer: %v", err)
	}
	return c, mapping
}

func TestClientSubmitSim(t *testing.T) {
	ctx := context.Background()
	e, err := newEngine(testConfig(t, nil))
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	c, mapping := newTestClient(t, e)

	var last uint32
	for i := 0; i < 3; i++ {
		value, fd, err := c.submit(ctx, job{
			class:   abi.CLASS_VIC,
			words:   4,
			mapping: mapping,
			write:   true,
			incrs:   2,
			waitFD:  -1,
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if i > 0 && value != last+2 {
			t.Errorf("submit %d: fence value %d, want %d", i, value, last+2)
		}
		last = value
		status, err := c.wait(ctx, fd, 5*time.Second)
		if err != nil || status != 1 {
			t.Fatalf("wait(%d) = %d, %v, want 1, nil", fd, status, err)
		}
		if err := c.closeFD(ctx, fd); err != nil {
			t.Errorf("closeFD(%d): %v", fd, err)
		}
	}
}

func TestClientWaitsOnSyncFile(t *testing.T) {
	ctx := context.Background()
	e, err := newEngine(testConfig(t, map[string]string{"hardware": config.HardwareManual}))
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	c, mapping := newTestClient(t, e)

	first, fd, err := c.submit(ctx, job{class: abi.CLASS_VIC, words: 2, mapping: mapping, incrs: 1, waitFD: -1})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, fd2, err := c.submit(ctx, job{class: abi.CLASS_VIC, words: 2, mapping: mapping, incrs: 1, waitFD: fd})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second != first+1 {
		t.Errorf("second fence value %d, want %d", second, first+1)
	}
	if _, err := c.wait(ctx, fd2, 0); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("poll of pending sync file = %v, want EAGAIN", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.call(ctx, abi.IoctlSyncptIncr, &abi.SyncptIncr{ID: c.syncpt}); err != nil {
			t.Fatalf("SyncptIncr: %v", err)
		}
	}
	for _, fd := range []int32{fd, fd2} {
		if status, err := c.wait(ctx, fd, time.Second); err != nil || status != 1 {
			t.Errorf("wait(%d) = %d, %v, want 1, nil", fd, status, err)
		}
	}
	if err := c.closeFD(ctx, 99); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("closeFD(99) = %v, want EBADF", err)
	}
}

func TestClientsShareBuffer(t *testing.T) {
	ctx := context.Background()
	e, err := newEngine(testConfig(t, nil))
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	shared, err := e.alloc.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer shared.Put()

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			c, err := e.openClient(ctx, abi.CLASS_VIC)
			if err != nil {
				return err
			}
			defer c.close()
			shared.Get()
			mapping, err := c.mapBuffer(ctx, shared)
			if err != nil {
				return err
			}
			for n := 0; n < 5; n++ {
				_, fd, err := c.submit(ctx, job{class: abi.CLASS_VIC, words: 4, mapping: mapping, write: true, incrs: 1, waitFD: -1})
				if err != nil {
					return err
				}
				if _, err := c.wait(ctx, fd, 5*time.Second); err != nil {
					return err
				}
				if err := c.closeFD(ctx, fd); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("clients: %v", err)
	}
}
