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

// Package tegra implements the client-facing side of the submission engine:
// per-open files holding channel contexts, buffer mappings and syncpoints,
// and the channel submit path that turns a user command list into a host1x
// job.
//
// Lock order:
//
//	File.mu
//	  channelContext.mu
//	  resv.Object.WWMutex (in wound-wait order)
//	    Channel submit lock
//	  Client.mu
package tegra

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/host1x/pkg/errors/linuxerr"
	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/sync"
)

// Options are the submission limits of a Device.
type Options struct {
	// DefaultTimeout is the job timeout used when a submission leaves it
	// unset.
	DefaultTimeout time.Duration
	// MaxTimeout is the ceiling of the job timeout. Larger requests are
	// clamped to it.
	MaxTimeout time.Duration
	// MaxGatherDataWords bounds the gather data copied per submission.
	MaxGatherDataWords uint32
	// MaxGatherWords bounds the length of a single GATHER command.
	MaxGatherWords uint32
}

// DefaultOptions returns the default submission limits.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:     10 * time.Second,
		MaxTimeout:         10 * time.Second,
		MaxGatherDataWords: 1024,
		MaxGatherWords:     16383,
	}
}

// Validate checks that the options are consistent.
func (o Options) Validate() error {
	switch {
	case o.DefaultTimeout <= 0 || o.MaxTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", linuxerr.EINVAL)
	case o.DefaultTimeout > o.MaxTimeout:
		return fmt.Errorf("%w: default timeout %v above ceiling %v", linuxerr.EINVAL, o.DefaultTimeout, o.MaxTimeout)
	case o.MaxGatherDataWords == 0:
		return fmt.Errorf("%w: gather data limit must be positive", linuxerr.EINVAL)
	case o.MaxGatherWords == 0 || o.MaxGatherWords > 16383:
		return fmt.Errorf("%w: gather limit %d out of range", linuxerr.EINVAL, o.MaxGatherWords)
	}
	return nil
}

// timeout returns the job timeout for a submission requesting ms
// milliseconds.
func (o Options) timeout(ms uint32) time.Duration {
	if ms == 0 {
		return o.DefaultTimeout
	}
	t := time.Duration(ms) * time.Millisecond
	if t > o.MaxTimeout {
		return o.MaxTimeout
	}
	return t
}

// Device is a host1x with its registered engine clients.
type Device struct {
	host *host1x.Host1x
	opts Options

	mu sync.Mutex
	// +checklocks:mu
	clients map[uint32]*Client
}

// NewDevice returns a device submitting to host.
func NewDevice(host *host1x.Host1x, opts Options) (*Device, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Device{
		host:    host,
		opts:    opts,
		clients: make(map[uint32]*Client),
	}, nil
}

// Host returns the host1x of d.
func (d *Device) Host() *host1x.Host1x {
	return d.host
}

// Options returns the submission limits of d.
func (d *Device) Options() Options {
	return d.opts
}

// RegisterClient adds an engine of the given class. It fails with EBUSY if
// the class is already registered.
func (d *Device) RegisterClient(class uint32, name string, version uint32) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[class]; ok {
		return nil, linuxerr.EBUSY
	}
	c := &Client{
		dev:     d,
		class:   class,
		name:    name,
		version: version,
	}
	d.clients[class] = c
	log.Debugf("tegra: registered client %s (class %#x)", name, class)
	return c, nil
}

// Client returns the client registered for class.
func (d *Device) Client(class uint32) (*Client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[class]
	return c, ok
}

// Client is an engine reachable through a host1x channel. Every context
// opened on the client shares one channel.
type Client struct {
	dev     *Device
	class   uint32
	name    string
	version uint32

	mu sync.Mutex
	// +checklocks:mu
	channel *host1x.Channel
	// +checklocks:mu
	users int
}

// Class returns the host1x class of c.
func (c *Client) Class() uint32 {
	return c.class
}

// Name returns the name of c.
func (c *Client) Name() string {
	return c.name
}

// Version returns the hardware version reported to users of c.
func (c *Client) Version() uint32 {
	return c.version
}

// openChannel returns a reference on the client's channel, requesting one
// from the pool for the first user.
func (c *Client) openChannel(ctx context.Context, wait bool) (*host1x.Channel, error) {
	c.mu.Lock()
	if c.channel != nil {
		c.channel.Get()
		c.users++
		ch := c.channel
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	ch, err := c.dev.host.Channels().Request(ctx, wait)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		// Lost a race with another opener; share its channel.
		ch.Put()
		c.channel.Get()
	} else {
		c.channel = ch
	}
	c.users++
	return c.channel, nil
}

// closeChannel drops a reference taken by openChannel.
func (c *Client) closeChannel(ch *host1x.Channel) {
	c.mu.Lock()
	c.users--
	if c.users == 0 {
		c.channel = nil
	}
	c.mu.Unlock()
	ch.Put()
}
