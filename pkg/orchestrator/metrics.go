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

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/tpu"
)

var (
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tpu_toolkit",
		Subsystem: "orchestrator",
		Name:      "jobs_running",
		Help:      "Number of jobs currently between acceptance and terminal outcome.",
	})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tpu_toolkit",
		Subsystem: "orchestrator",
		Name:      "jobs_completed_total",
		Help:      "Terminal job outcomes, labeled by final state.",
	}, []string{"state"})

	phaseRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tpu_toolkit",
		Subsystem: "orchestrator",
		Name:      "phase_retries_total",
		Help:      "Submitting/Running phase retries across all jobs.",
	})

	leakAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tpu_toolkit",
		Subsystem: "orchestrator",
		Name:      "leak_alerts_total",
		Help:      "Resources whose teardown could not be confirmed.",
	})
)

// LogAlertSink records leak alerts in the structured log and the leak
// counter. It is the default operator sink.
type LogAlertSink struct{}

func (LogAlertSink) LeakDetected(alert tpu.LeakAlert) {
	leakAlerts.Inc()
	logging.Error("LEAK ALERT: resource %q (owner job %q) may still be billing: %s",
		alert.ResourceID, alert.OwnerJob, alert.Reason)
}
