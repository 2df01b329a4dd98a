// Copyright 2016 VMware, Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/VS-ETH/scinit/lib/config"
	"github.com/VS-ETH/scinit/lib/logsink"
	"github.com/VS-ETH/scinit/lib/supervisor"
)

var (
	configPath string
	verbose    bool
)

func main() {
	// This must run before any flag parsing or logging setup: a re-exec'd
	// credential-stage helper carries its parameters in the environment,
	// not on the command line, and must never fall through to the normal
	// CLI path.
	if supervisor.IsChildReexec() {
		supervisor.RunChildStage()
		return
	}

	root := &cobra.Command{
		Use:          "scinit",
		Short:        "scinit supervises a set of container processes",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVar(&configPath, "config", "config.yml", "path to a manifest file or directory of manifest files")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.New()
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	sink := logsink.NewLogrusSink(logger)

	specs, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Error("loading configuration")
		return fmt.Errorf("loading configuration: %w", err)
	}
	if len(specs) == 0 {
		logger.Warn("configuration declares no programs")
	}

	sup, err := supervisor.NewSupervisor(specs, sink)
	if err != nil {
		logger.WithError(err).Error("setting up supervisor")
		return err
	}

	if err := sup.Run(); err != nil {
		logger.WithError(err).Error("supervisor exited with an error")
		return err
	}

	logger.Info("no programs left running, exiting")
	return nil
}
