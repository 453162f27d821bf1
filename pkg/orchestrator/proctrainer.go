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
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/records"
	"tpu-toolkit/pkg/tpu"
)

// ProcessTrainer launches the training program as a local subprocess, the
// way a driver VM runs a TensorFlow trainer against a TPU endpoint. The
// command template may reference {dataset}, {output} and {endpoint};
// hyperparameters are appended as --key=value flags.
type ProcessTrainer struct {
	Command []string
}

// NewProcessTrainer returns a trainer for the given command template.
func NewProcessTrainer(command []string) *ProcessTrainer {
	return &ProcessTrainer{Command: command}
}

func (t *ProcessTrainer) Start(ctx context.Context, job JobDefinition, manifest *records.Manifest, node *tpu.Node) (TrainingHandle, error) {
	if len(t.Command) == 0 {
		return nil, errors.New("trainer: empty command")
	}

	args := make([]string, len(t.Command))
	expand := strings.NewReplacer(
		"{dataset}", job.Dataset,
		"{output}", job.OutputDir,
		"{endpoint}", node.Endpoint,
	)
	for i, a := range t.Command {
		args[i] = expand.Replace(a)
	}
	for _, k := range sortedKeys(job.Hyperparameters) {
		args = append(args, "--"+k+"="+job.Hyperparameters[k])
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"TPU_NAME="+node.ID,
		"TPU_ENDPOINT="+node.Endpoint,
		"DATA_DIR="+job.Dataset,
		"OUTPUT_DIR="+job.OutputDir,
	)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "trainer: opening stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "trainer: starting %q", args[0])
	}
	logging.Info("Training process started (pid %d): %s", cmd.Process.Pid, strings.Join(args, " "))

	h := &processHandle{
		cmd:        cmd,
		lastOutput: time.Now(),
		waitCh:     make(chan struct{}),
	}
	go h.scan(stdout)
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.waitCh)
	}()
	return h, nil
}

// stepRe extracts the global step from trainer log lines such as
// "loss = 2.1, step = 1200" or "step 1200".
var stepRe = regexp.MustCompile(`step[ =]+(\d+)`)

type processHandle struct {
	cmd    *exec.Cmd
	waitCh chan struct{}

	mu         sync.Mutex
	lastOutput time.Time
	step       int64
	exitErr    error

	stopOnce sync.Once
}

func (h *processHandle) scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		h.mu.Lock()
		h.lastOutput = time.Now()
		if m := stepRe.FindStringSubmatch(line); m != nil {
			if s, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				h.step = s
			}
		}
		h.mu.Unlock()
		logging.Debug("trainer: %s", line)
	}
}

func (h *processHandle) Heartbeat(ctx context.Context) (Progress, error) {
	select {
	case <-h.waitCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		p := Progress{Done: true, Step: h.step, At: h.lastOutput}
		if h.exitErr != nil {
			p.Failed = true
			p.Message = h.exitErr.Error()
		}
		return p, nil
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return Progress{Step: h.step, At: h.lastOutput}, nil
}

func (h *processHandle) Stop(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		if h.cmd.Process != nil {
			err = h.cmd.Process.Kill()
		}
	})
	if err != nil {
		return errors.Wrap(err, "trainer: killing process")
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
