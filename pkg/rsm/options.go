// Copyright 2024 The kpt Authors
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

package rsm

import (
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Options collects the RSM's tunables, following the Options/InitDefaults/
// BindFlags shape used throughout the teacher codebase for every component
// that embeds configuration, even when (as here) the component itself has no
// main() of its own.
type Options struct {
	// ISRUpdateMaxRounds bounds RemoveReplicaFromISR's retry-on-conflict
	// loop (spec.md §4.3, §9 "Retry loop bound" open question). Zero is
	// replaced by the default of 10 in InitDefaults; a negative value leaves
	// only the very large fallback bound of maxRounds.
	ISRUpdateMaxRounds int

	// isrUpdateBackoffBase, isrUpdateBackoffFactor, isrUpdateBackoffSteps
	// parameterize the wait.Backoff used between ISR-update rounds.
	isrUpdateBackoffBase   time.Duration
	isrUpdateBackoffFactor float64
	isrUpdateBackoffSteps  int

	// sleepFunc, if set, replaces time.Sleep for the pause between ISR
	// retry rounds. Tests set this to a no-op so a simulated version
	// conflict doesn't cost wall-clock time.
	sleepFunc func(time.Duration)
}

// InitDefaults sets ISRUpdateMaxRounds to its default when it is zero, and
// always sets the backoff parameters to the module's defaults.
func (o *Options) InitDefaults() {
	if o.ISRUpdateMaxRounds == 0 {
		o.ISRUpdateMaxRounds = 10
	}
	o.isrUpdateBackoffBase = 50 * time.Millisecond
	o.isrUpdateBackoffFactor = 2.0
	o.isrUpdateBackoffSteps = 5
}

// BindFlags registers ISRUpdateMaxRounds on flags, prefixed with prefix. The
// backoff parameters have no flag.
func (o *Options) BindFlags(prefix string, flags *pflag.FlagSet) {
	flags.IntVar(&o.ISRUpdateMaxRounds, prefix+"isr-update-max-rounds", 10,
		"maximum number of CAS retry rounds RemoveReplicaFromISR will attempt per call before giving up on the remaining partitions")
}

// backoff returns the wait.Backoff used between ISR-update retry rounds.
func (o *Options) backoff() wait.Backoff {
	steps := o.isrUpdateBackoffSteps
	if steps == 0 {
		steps = 5
	}
	base := o.isrUpdateBackoffBase
	if base == 0 {
		base = 50 * time.Millisecond
	}
	factor := o.isrUpdateBackoffFactor
	if factor == 0 {
		factor = 2.0
	}
	return wait.Backoff{
		Duration: base,
		Factor:   factor,
		Steps:    steps,
	}
}

// sleep pauses between ISR retry rounds, using sleepFunc if the caller
// installed one (tests do, to stay fast).
func (o *Options) sleep(d time.Duration) {
	if o.sleepFunc != nil {
		o.sleepFunc(d)
		return
	}
	time.Sleep(d)
}

// maxRounds returns the configured round bound, or a large-but-finite
// fallback (1<<30) when ISRUpdateMaxRounds is zero or negative, so an Options
// that never went through InitDefaults still terminates eventually.
func (o *Options) maxRounds() int {
	if o.ISRUpdateMaxRounds <= 0 {
		return 1 << 30
	}
	return o.ISRUpdateMaxRounds
}
