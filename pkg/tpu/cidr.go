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

package tpu

import (
	"math/bits"
	"strconv"
	"strings"

	"tpu-toolkit/pkg/faults"
)

// coreRatio is the number of TPU cores served by each node IP address.
// Change only if the hardware generation changes that ratio.
const coreRatio = 4

// CoresFromAcceleratorType parses the core count out of an accelerator type
// such as "v2-8" or "v3-32".
func CoresFromAcceleratorType(acceleratorType string) (int, error) {
	parts := strings.SplitN(acceleratorType, "-", 2)
	if len(parts) != 2 {
		return 0, faults.Wrapf(faults.DataIntegrity, ErrInvalidSpec, "accelerator type %q", acceleratorType)
	}
	cores, err := strconv.Atoi(parts[1])
	if err != nil || cores <= 0 {
		return 0, faults.Wrapf(faults.DataIntegrity, ErrInvalidSpec, "accelerator type %q has no core count", acceleratorType)
	}
	return cores, nil
}

// CIDRPrefixLength returns the prefix length of the address range a node
// with the given core count needs: 33 - bit_length(max(8, cores/coreRatio)).
func CIDRPrefixLength(cores int) int {
	n := cores / coreRatio
	if n < 8 {
		n = 8
	}
	return 33 - bits.Len(uint(n))
}
