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

	"gvisor.dev/host1x/pkg/fence"
	"gvisor.dev/host1x/pkg/sync"
)

// completion carries the result of a job to its fences.
type completion struct {
	mu sync.Mutex
	// +checklocks:mu
	err error
}

func (c *completion) set(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *completion) get() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Fence is a syncpoint fence: it is signaled once the syncpoint reaches the
// threshold. It implements fence.Fence.
type Fence struct {
	sp        *Syncpt
	threshold uint32
	// result is set for fences of a job; a job failed by channel recovery
	// signals its fences with an error.
	result *completion
}

var _ fence.Fence = (*Fence)(nil)

// Syncpt returns the syncpoint of f.
func (f *Fence) Syncpt() *Syncpt {
	return f.sp
}

// Threshold returns the value the syncpoint must reach.
func (f *Fence) Threshold() uint32 {
	return f.threshold
}

// Signaled implements fence.Fence.Signaled.
func (f *Fence) Signaled() bool {
	return f.sp.Expired(f.threshold)
}

// Wait implements fence.Fence.Wait.
func (f *Fence) Wait(ctx context.Context) error {
	if _, err := f.sp.Wait(ctx, f.threshold, -1); err != nil {
		return err
	}
	return f.Err()
}

// AddCallback implements fence.Fence.AddCallback.
func (f *Fence) AddCallback(cb func()) bool {
	_, pending := f.sp.addWaiter(f.threshold, cb)
	return pending
}

// Err implements fence.Fence.Err.
func (f *Fence) Err() error {
	return f.result.get()
}

// String implements fmt.Stringer.
func (f *Fence) String() string {
	return fmt.Sprintf("host1x:%d:%d", f.sp.id, f.threshold)
}
