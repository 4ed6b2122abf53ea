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

// Package cli is the main entrypoint for host1xctl.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/host1x/host1xctl/cmd"
	"gvisor.dev/host1x/host1xctl/cmd/util"
	"gvisor.dev/host1x/host1xctl/config"
	"gvisor.dev/host1x/pkg/log"
	"gvisor.dev/host1x/pkg/refs"
)

// configFile is a TOML file with defaults for the configuration flags.
var configFile = flag.String("config", "", "TOML file with configuration; flags given on the command line override it.")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags, or from the file if there is one.
	var (
		conf *config.Config
		err  error
	)
	if *configFile != "" {
		conf, err = config.NewFromFile(flag.CommandLine, *configFile)
	} else {
		conf, err = config.NewFromFlags(flag.CommandLine)
	}
	if err != nil {
		util.Fatalf("%v", err)
	}

	// Set the ref leak mode before any reference counted object is created.
	refs.SetLeakMode(conf.ReferenceLeak)

	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(log.NewLogrusEmitter(os.Stderr, conf.LogFormat))

	log.Infof("***************************")
	log.Infof("Args: %s", os.Args)
	log.Infof("PID: %d", os.Getpid())
	log.Infof("UID: %d, GID: %d", os.Getuid(), os.Getgid())
	log.Infof("Configuration flags: %s", strings.Join(conf.ToFlags(), " "))
	conf.Log()
	log.Infof("***************************")

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	stop()

	// Check for leaks before os.Exit().
	refs.DoLeakCheck()
	log.Infof("Exiting with status: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// host1xctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Submit), "")
	cb(new(cmd.Syncpt), "")

	const debugGroup = "debug"
	cb(new(cmd.Bench), debugGroup)
	cb(new(cmd.Metrics), debugGroup)
}
