// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd is the tpu-toolkit command line interface.
package cmd

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/logging"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tpu-toolkit",
	Short: "Automates TPU training runs end to end.",
	Long: `tpu-toolkit converts a dataset into checksummed record shards, provisions
a Cloud TPU node, runs the training process against it, and always tears the
node down before reporting the outcome.

Configuration is layered: built-in defaults, then an optional YAML config
file, then environment variables (PROJECT, ZONE, TPU_TYPE, ...), then flags.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetVerbose(verbose)
	},
}

// Execute runs the root command; it is the only entry point main calls.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal("%v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file. Environment variables and flags override it.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
}

// loadConfig resolves the layered configuration shared by all subcommands.
func loadConfig() config.Config {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(afero.NewOsFs(), cfgFile)
		if err != nil {
			logging.Fatal("Failed to load config %q: %v", cfgFile, err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	return cfg
}
