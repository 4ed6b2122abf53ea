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

// Package config provides basic infrastructure to set configuration settings
// for host1xctl. Each setting is a field of Config backed by a flag, and may
// also be read from a TOML file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"gvisor.dev/host1x/pkg/host1x"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/tegra"
)

// Hardware models.
const (
	// HardwareSim executes command streams in a simulated engine.
	HardwareSim = "sim"
	// HardwareManual never executes anything; syncpoints are incremented
	// from the CPU.
	HardwareManual = "manual"
)

// Config holds configuration that is not part of the submission arguments.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and the TOML key.
//  3. Register a new flag in flags.go, with the same name.
//  4. Add any necessary validation into validate().
type Config struct {
	// Channels is the size of the channel pool.
	Channels int `flag:"channels" toml:"channels"`

	// Syncpts is the number of syncpoints, including the reserved one.
	Syncpts int `flag:"syncpts" toml:"syncpts"`

	// PushBufferSlots is the number of two-word slots of each channel's push
	// buffer.
	PushBufferSlots int `flag:"pushbuffer-slots" toml:"pushbuffer-slots"`

	// Timeout is the job timeout used when a submission does not set one.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`

	// MaxTimeout is the ceiling of job timeouts.
	MaxTimeout time.Duration `flag:"max-timeout" toml:"max-timeout"`

	// MaxGatherDataWords bounds the gather data of a submission.
	MaxGatherDataWords uint `flag:"max-gather-data-words" toml:"max-gather-data-words"`

	// MaxGatherWords bounds a single GATHER command.
	MaxGatherWords uint `flag:"max-gather-words" toml:"max-gather-words"`

	// MaxSharedFences bounds the reader fences of a buffer reservation.
	MaxSharedFences int `flag:"max-shared-fences" toml:"max-shared-fences"`

	// Hardware selects the engine model: sim or manual.
	Hardware string `flag:"hardware" toml:"hardware"`

	// LogFormat is the format of log lines: text or json.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref-leak-mode"`
}

func (c *Config) validate() error {
	switch {
	case c.Channels <= 0:
		return fmt.Errorf("--channels must be positive, got %d", c.Channels)
	case c.Syncpts < 2 || c.Syncpts > 256:
		return fmt.Errorf("--syncpts must be in [2, 256], got %d", c.Syncpts)
	case c.PushBufferSlots < 16:
		return fmt.Errorf("--pushbuffer-slots must be at least 16, got %d", c.PushBufferSlots)
	case c.Timeout <= 0 || c.MaxTimeout <= 0:
		return fmt.Errorf("--timeout (%v) and --max-timeout (%v) must be positive", c.Timeout, c.MaxTimeout)
	case c.Timeout > c.MaxTimeout:
		return fmt.Errorf("--timeout (%v) is above --max-timeout (%v)", c.Timeout, c.MaxTimeout)
	case c.MaxGatherDataWords == 0:
		return fmt.Errorf("--max-gather-data-words must be positive")
	case c.MaxGatherWords == 0 || c.MaxGatherWords > 16383:
		return fmt.Errorf("--max-gather-words must be in [1, 16383], got %d", c.MaxGatherWords)
	case c.MaxSharedFences <= 0:
		return fmt.Errorf("--max-shared-fences must be positive, got %d", c.MaxSharedFences)
	}
	switch c.Hardware {
	case HardwareSim, HardwareManual:
	default:
		return fmt.Errorf("invalid --hardware %q, must be %q or %q", c.Hardware, HardwareSim, HardwareManual)
	}
	return log.ValidFormat(c.LogFormat)
}

// Validate checks that c is consistent.
func (c *Config) Validate() error {
	return c.validate()
}

// EngineOptions returns the options of the host1x and of the device built on
// it.
func (c *Config) EngineOptions() (host1x.Options, tegra.Options) {
	ho := host1x.Options{
		NumChannels:     c.Channels,
		NumSyncpts:      c.Syncpts,
		PushBufferSlots: c.PushBufferSlots,
	}
	to := tegra.Options{
		DefaultTimeout:     c.Timeout,
		MaxTimeout:         c.MaxTimeout,
		MaxGatherDataWords: uint32(c.MaxGatherDataWords),
		MaxGatherWords:     uint32(c.MaxGatherWords),
	}
	return ho, to
}

// NewHardware returns the engine model selected by c.
func (c *Config) NewHardware() host1x.Hardware {
	if c.Hardware == HardwareManual {
		return host1x.NewManualHardware()
	}
	return host1x.NewSimHardware()
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
	}
}
