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

package cmd

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/records"
)

var (
	convertDataset   string
	convertShardSize int
	convertForce     bool
)

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringVarP(&convertDataset, "dataset", "d", "", "Path to the source dataset. Required.")
	convertCmd.Flags().IntVar(&convertShardSize, "shard-size", 0, "Records per shard. Defaults to the configured shard_size.")
	convertCmd.Flags().BoolVar(&convertForce, "force", false, "Reconvert even if a complete, fresh manifest exists.")

	_ = convertCmd.MarkFlagRequired("dataset")
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Converts a dataset into checksummed record shards without training.",
	Long: `The 'convert' command runs the record converter alone: it partitions the
dataset into framed, checksummed shards and writes a manifest that marks the
conversion complete. Re-running with the same inputs produces byte-identical
shards; corrupted shards from a crashed prior attempt are rewritten.`,
	Run:          runConvertCmd,
	SilenceUsage: true,
}

func runConvertCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cmd.Flags().Changed("shard-size") {
		cfg.ShardSize = convertShardSize
	}

	fs := afero.NewOsFs()
	converter := records.NewConverter(fs, fs, cfg.StagingDir)

	if !convertForce {
		manifest, err := converter.Existing(convertDataset)
		if err != nil {
			logging.Warn("Could not check existing shards: %v", err)
		}
		if manifest != nil {
			logging.Info("Shards for %q are complete and fresh (%d shards); use --force to reconvert.",
				convertDataset, len(manifest.Shards))
			return
		}
	}

	manifest, err := converter.Convert(convertDataset, cfg.ShardSize)
	if err != nil {
		logging.Fatal("Conversion failed: %v", err)
	}
	logging.Info("Converted %q into %d shards of up to %d records each.",
		convertDataset, len(manifest.Shards), manifest.ShardSize)
}
