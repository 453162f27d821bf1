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
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/orchestrator"
	"tpu-toolkit/pkg/records"
	"tpu-toolkit/pkg/staging"
	"tpu-toolkit/pkg/tpu"
)

var (
	jobName         string
	dataset         string
	shardSize       int
	acceleratorType string
	framework       string
	projectID       string
	zone            string
	network         string
	preemptible     bool
	reserved        bool
	outputDir       string
	stagingBucket   string
	trainerCommand  string
	maxAttempts     int
	wallClockBudget time.Duration
	stallThreshold  time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&jobName, "name", "n", "training-job", "Name of the training job; also used in node and staging names.")
	runCmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Path to the source dataset to convert and train on. Required.")
	runCmd.Flags().IntVar(&shardSize, "shard-size", 0, "Records per shard. Defaults to the configured shard_size.")
	runCmd.Flags().StringVarP(&acceleratorType, "accelerator-type", "a", "", "TPU accelerator type to request (e.g., 'v2-8', 'v3-32').")
	runCmd.Flags().StringVar(&framework, "framework", "", "TensorFlow version to provision on the node (e.g., '1.14').")
	runCmd.Flags().StringVarP(&projectID, "project", "p", "", "Google Cloud Project ID. Overrides config and PROJECT.")
	runCmd.Flags().StringVarP(&zone, "zone", "z", "", "Zone to provision the node in (e.g., 'us-central1-c').")
	runCmd.Flags().StringVar(&network, "network", "", "VPC network for the node.")
	runCmd.Flags().BoolVar(&preemptible, "preemptible", false, "Request a preemptible node.")
	runCmd.Flags().BoolVar(&reserved, "reserved", false, "Draw the node from a reservation.")
	runCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory or bucket path the trainer writes checkpoints to.")
	runCmd.Flags().StringVar(&stagingBucket, "staging-bucket", "", "GCS bucket to mirror shards into before submission. If empty, the trainer reads shards locally.")
	runCmd.Flags().StringVarP(&trainerCommand, "trainer", "t", "", "Training command to run; {dataset}, {output} and {endpoint} are expanded. Required.")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Submitting/Running retry bound. Defaults to the configured max_attempts.")
	runCmd.Flags().DurationVar(&wallClockBudget, "wall-clock-budget", 0, "Overall budget for the run; exceeding it fails the job.")
	runCmd.Flags().DurationVar(&stallThreshold, "stall-threshold", 0, "Longest tolerated gap between training progress signals.")

	_ = runCmd.MarkFlagRequired("dataset")
	_ = runCmd.MarkFlagRequired("trainer")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs one training job end to end on a freshly provisioned TPU node.",
	Long: `The 'run' command converts the dataset into checksummed record shards
(skipped when a complete, fresh manifest already exists), provisions a TPU
node, starts the training command against it, watches its heartbeat, and
always releases the node before reporting the outcome.

A stalled heartbeat or a failed node retries the Submitting/Running phase up
to --max-attempts, re-using the node when it is still usable. Interrupting
the run (SIGINT/SIGTERM) cancels the job but still tears the node down.`,
	Run:          runRunCmd,
	SilenceUsage: true,
}

func runRunCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	applyRunFlags(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration: %v", err)
	}

	cores, err := tpu.CoresFromAcceleratorType(cfg.TPUType)
	if err != nil {
		logging.Fatal("Invalid accelerator type %q: %v", cfg.TPUType, err)
	}
	logging.Debug("Accelerator %s has %d cores, CIDR prefix length /%d", cfg.TPUType, cores, tpu.CIDRPrefixLength(cores))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tpu.NewGCPProvider(ctx, cfg.Project, cfg.Zone)
	if err != nil {
		logging.Fatal("Failed to create TPU provider: %v", err)
	}

	mgrCfg := tpu.DefaultConfig()
	mgrCfg.ProvisioningTimeout = cfg.ProvisioningTimeout.Std()
	manager := tpu.NewManager(provider, mgrCfg, orchestrator.LogAlertSink{})

	fs := afero.NewOsFs()
	converter := records.NewConverter(fs, fs, cfg.StagingDir)

	var store staging.Store
	if stagingBucket != "" {
		gcs, err := staging.NewGCSStore(ctx, cfg.Project, stagingBucket, cfg.StorageLocation)
		if err != nil {
			logging.Fatal("Failed to create staging store: %v", err)
		}
		defer gcs.Close()
		store = gcs
	}

	trainer := orchestrator.NewProcessTrainer(strings.Fields(trainerCommand))
	runner := orchestrator.NewRunner(manager, converter, trainer, store, fs, orchestrator.DefaultRunnerConfig())

	job := orchestrator.JobDefinition{
		Name:      jobName,
		Dataset:   cfg.Dataset,
		ShardSize: cfg.ShardSize,
		Node: tpu.NodeSpec{
			Project:         cfg.Project,
			Zone:            cfg.Zone,
			Network:         cfg.Network,
			AcceleratorType: cfg.TPUType,
			Framework:       cfg.Framework,
			Preemptible:     cfg.PreemptibleTPU,
			Reserved:        cfg.ReservedTPU,
		},
		OutputDir:         cfg.OutputDir,
		MaxAttempts:       cfg.MaxAttempts,
		WallClockBudget:   cfg.WallClockBudget.Std(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		StallThreshold:    cfg.StallThreshold.Std(),
	}

	rec, err := runner.Run(ctx, job)
	logging.Info("Job %s: state=%s attempts=%d fault=%s teardownConfirmed=%t",
		rec.ID, rec.State, rec.Attempts, rec.FaultKind, rec.TeardownConfirmed)
	if err != nil {
		logging.Fatal("tpu-toolkit run failed: %v", err)
	}
}

// applyRunFlags layers explicitly set flags over the resolved config.
func applyRunFlags(flags *pflag.FlagSet, cfg *config.Config) {
	cfg.Dataset = dataset
	if flags.Changed("shard-size") {
		cfg.ShardSize = shardSize
	}
	if flags.Changed("accelerator-type") {
		cfg.TPUType = acceleratorType
	}
	if flags.Changed("framework") {
		cfg.Framework = framework
	}
	if flags.Changed("project") {
		cfg.Project = projectID
	}
	if flags.Changed("zone") {
		cfg.Zone = zone
	}
	if flags.Changed("network") {
		cfg.Network = network
	}
	if flags.Changed("preemptible") {
		cfg.PreemptibleTPU = preemptible
	}
	if flags.Changed("reserved") {
		cfg.ReservedTPU = reserved
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = outputDir
	}
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = maxAttempts
	}
	if flags.Changed("wall-clock-budget") {
		cfg.WallClockBudget = config.Duration(wallClockBudget)
	}
	if flags.Changed("stall-threshold") {
		cfg.StallThreshold = config.Duration(stallThreshold)
	}
}
