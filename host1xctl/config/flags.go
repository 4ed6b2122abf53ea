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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/refs"
	"gvisor.dev/host1x/pkg/resv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Engine flags.
	flagSet.Int("channels", 8, "number of hardware channels in the pool.")
	flagSet.Int("syncpts", 64, "number of syncpoints, including the reserved syncpoint 0.")
	flagSet.Int("pushbuffer-slots", 512, "number of two-word slots in each channel push buffer.")
	flagSet.String("hardware", HardwareSim, "engine model: sim executes command streams, manual leaves syncpoints to the CPU.")

	// Submission limits.
	flagSet.Duration("timeout", 10*time.Second, "job timeout used when a submission does not set one.")
	flagSet.Duration("max-timeout", 10*time.Second, "ceiling of job timeouts.")
	flagSet.Uint("max-gather-data-words", 1024, "maximum gather data words per submission.")
	flagSet.Uint("max-gather-words", 16383, "maximum words of a single GATHER command.")
	flagSet.Int("max-shared-fences", resv.DefaultMaxShared, "maximum reader fences of a buffer reservation.")

	// Debugging flags.
	flagSet.String("log-format", log.FormatText, "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// flagValue returns the typed value held by fl.
func flagValue(fl *flag.Flag) reflect.Value {
	g, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
	}
	return reflect.ValueOf(g.Get())
}

// forEachFlagField calls fn for every Config field that is backed by a flag.
func (c *Config) forEachFlagField(fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

func lookup(flagSet *flag.FlagSet, name string) *flag.Flag {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl
}

// fromFlags returns a Config holding the values of flagSet, unvalidated.
func fromFlags(flagSet *flag.FlagSet) *Config {
	conf := &Config{}
	conf.forEachFlagField(func(name string, field reflect.Value) {
		field.Set(flagValue(lookup(flagSet, name)))
	})
	return conf
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := fromFlags(flagSet)
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// NewFromFile creates a new Config from the TOML file at path. Keys missing
// from the file take their flag default, and flags set explicitly on flagSet
// take precedence over the file. Unknown keys are an error.
func NewFromFile(flagSet *flag.FlagSet, path string) (*Config, error) {
	conf := &Config{}
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)
	conf.forEachFlagField(func(name string, field reflect.Value) {
		field.Set(flagValue(lookup(defaults, name)))
	})

	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	conf.forEachFlagField(func(name string, field reflect.Value) {
		if set[name] {
			field.Set(flagValue(lookup(flagSet, name)))
		}
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags left at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	c.forEachFlagField(func(name string, field reflect.Value) {
		val := getVal(field)
		fl := lookup(flagSet, name)
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		fieldName, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || fieldName != name {
			continue
		}
		fl := lookup(flagSet, name)

		// Use flag to convert the string value to the underlying flag type,
		// using the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		obj.Field(i).Set(flagValue(fl))

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
