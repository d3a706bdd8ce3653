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
	"context"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// RemoveReplicaFromISR removes broker from the in-sync-replica set of every
// partition in partitions, per spec.md §4.3. It loops, reading authoritative
// state and submitting a CAS batch each round, until the retry set is empty
// or the configured round budget (SPEC_FULL.md's resolution of the "Retry
// loop bound" open question) is spent.
//
// The returned map contains, for every partition present, a state for which
// the store has been updated so its ISR no longer contains broker — except
// when broker was the ISR's sole member, in which case the ISR is preserved
// and the leader becomes NoLeader. Partitions absent from the result either
// had no leadership in the store, failed with a non-retriable error, or
// exhausted the retry budget.
func (m *StateMachine) RemoveReplicaFromISR(ctx context.Context, broker int32, partitions []PartitionID) map[PartitionID]LeaderAndISR {
	ctx, span := tracer.Start(ctx, "StateMachine::RemoveReplicaFromISR", trace.WithAttributes())
	defer span.End()

	result := make(map[PartitionID]LeaderAndISR)
	remaining := partitions
	backoff := m.opts.backoff()

	for round := 1; len(remaining) > 0; round++ {
		if round > m.opts.maxRounds() {
			for _, p := range remaining {
				klog.Errorf("rsm: ISR removal for partition %s on broker %d exhausted %d retry rounds, giving up", p, broker, m.opts.maxRounds())
			}
			return result
		}

		found, missing, failed := ReadStates(ctx, m.store, m.ctx.Epoch(), remaining)

		for _, p := range missing {
			// Missing state for a partition marked for deletion is benign;
			// otherwise it's a failed state change (spec.md §4.3, §7 cat. 4).
			if m.deletion != nil && m.deletion.IsPartitionToBeDeleted(p) {
				continue
			}
			klog.Errorf("rsm: no leadership state found for partition %s while removing broker %d from ISR", p, broker)
		}
		for p, err := range failed {
			klog.Errorf("rsm: failed to read partition %s while removing broker %d from ISR: %v", p, broker, err)
		}

		candidates := make(map[PartitionID]LeaderAndISR)
		for p, st := range found {
			if st.ContainsBroker(broker) {
				candidates[p] = st
			} else {
				// Already excludes broker: pass through unchanged.
				result[p] = st
			}
		}

		if len(candidates) == 0 {
			return result
		}

		proposals := make([]UpdateProposal, 0, len(candidates))
		for p, st := range candidates {
			proposals = append(proposals, UpdateProposal{Partition: p, State: proposeRemoval(st, broker)})
		}

		epoch := m.ctx.Epoch()
		update := m.store.UpdateLeaderAndISR(ctx, proposals, epoch)

		for p, st := range update.Successful {
			m.ctx.SetLeadership(p, st)
			result[p] = st
		}
		for p, err := range update.Failed {
			klog.Errorf("rsm: ISR update CAS failed for partition %s: %v", p, err)
		}

		remaining = update.Retry
		if len(remaining) > 0 {
			m.opts.sleep(backoff.Step())
		}
	}

	return result
}

// proposeRemoval computes the proposed new (leader, isr) for removing broker
// from st, per spec.md §4.3 step 3.
func proposeRemoval(st LeaderAndISR, broker int32) LeaderAndISR {
	next := st
	if st.Leader == broker {
		next.Leader = NoLeader
	}
	if len(st.ISR) <= 1 {
		// The sole member exception: never produce an empty ISR.
		next.ISR = append([]int32(nil), st.ISR...)
	} else {
		filtered := make([]int32, 0, len(st.ISR)-1)
		for _, b := range st.ISR {
			if b != broker {
				filtered = append(filtered, b)
			}
		}
		next.ISR = filtered
	}
	return next
}
