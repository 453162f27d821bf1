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
	"syscall"

	"github.com/spf13/cobra"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/orchestrator"
	"tpu-toolkit/pkg/tpu"
)

func init() {
	rootCmd.AddCommand(reclaimCmd)
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Deletes toolkit-managed TPU nodes that no job owns anymore.",
	Long: `The 'reclaim' command sweeps the configured project and zone for TPU
nodes carrying the toolkit's labels whose owning job is gone — typically left
behind by a crashed run — and deletes them. Every reclaimed node is reported
as a leak alert.`,
	Run:          runReclaimCmd,
	SilenceUsage: true,
}

func runReclaimCmd(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tpu.NewGCPProvider(ctx, cfg.Project, cfg.Zone)
	if err != nil {
		logging.Fatal("Failed to create TPU provider: %v", err)
	}
	manager := tpu.NewManager(provider, tpu.DefaultConfig(), orchestrator.LogAlertSink{})

	reclaimed, err := manager.Reclaim(ctx)
	if err != nil {
		logging.Fatal("Reclaim sweep failed: %v", err)
	}
	if len(reclaimed) == 0 {
		logging.Info("No orphaned nodes in %s/%s.", cfg.Project, cfg.Zone)
		return
	}
	logging.Info("Reclaimed %d orphaned node(s): %v", len(reclaimed), reclaimed)
}
