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
	"sort"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Startup seeds the state table from the current assignment and cluster
// membership, then drives every live replica to Online, per spec.md §4.5.
// It is idempotent from the caller's perspective: it is meant to be called
// once on winning controller election.
func (m *StateMachine) Startup(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "StateMachine::Startup", trace.WithAttributes())
	defer span.End()

	if m.store != nil {
		if znodeEpoch, err := m.store.ControllerEpochZnodeVersion(ctx); err != nil {
			klog.Errorf("rsm: could not verify controller epoch znode version at startup: %v", err)
		} else if znodeEpoch != m.ctx.Epoch() {
			klog.Errorf("rsm: cached controller epoch %d does not match the epoch znode's %d at startup", m.ctx.Epoch(), znodeEpoch)
		}
	}

	m.mu.Lock()
	pairs := m.ctx.AllPartitionBrokerPairs()

	// Seed leadership for any partition that has at least one live replica
	// but no cached leader/ISR yet, so a fresh cluster's first
	// handle_state_changes(..., Online) call below has something to send.
	// In a full controller this is ordinarily the sibling partition state
	// machine's job; since that collaborator is out of this package's scope
	// (spec.md §1), Startup takes over this one narrow piece of it.
	seeded := make(map[PartitionID]bool)
	for _, r := range pairs {
		p := r.Partition_()
		if seeded[p] {
			continue
		}
		if _, known := m.ctx.Leadership(p); known {
			continue
		}
		online := m.ctx.OnlineReplicas(p)
		if len(online) == 0 {
			continue
		}
		assignment, _ := m.ctx.Assignment(p)
		m.ctx.SetLeadership(p, initialLeadership(assignment, online, m.ctx.Epoch()))
		seeded[p] = true
	}

	var liveReplicas []ReplicaID
	for _, r := range pairs {
		if m.ctx.IsLive(r.Broker) {
			m.setState(r, Online)
			liveReplicas = append(liveReplicas, r)
		} else {
			m.setState(r, DeletionIneligible)
		}
	}
	m.logInitialTableLocked()
	m.mu.Unlock()

	if len(liveReplicas) > 0 {
		m.HandleStateChanges(ctx, liveReplicas, Online, nil)
	}
}

// initialLeadership synthesizes a first leader/ISR for a partition that has
// live replicas but no cached leader/ISR yet: the first online replica (or,
// failing that, the preferred replica) leads, and the ISR is every online
// replica.
func initialLeadership(assignment, online []int32, epoch int32) LeaderAndISR {
	leader := NoLeader
	if len(online) > 0 {
		leader = online[0]
	} else if len(assignment) > 0 {
		leader = assignment[0]
	}
	isr := append([]int32(nil), online...)
	if len(isr) == 0 {
		isr = append([]int32(nil), assignment...)
	}
	return LeaderAndISR{Leader: leader, ISR: isr, LeaderEpoch: 0, ControllerEpoch: epoch}
}

// Shutdown clears the state table and then calls the store client's Close
// hook. It writes no leadership to the store and sends no broker requests.
func (m *StateMachine) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.state = make(map[ReplicaID]State)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Close(ctx); err != nil {
			klog.Errorf("rsm: error closing store client on shutdown: %v", err)
		}
	}
}

// logInitialTableLocked logs the whole computed initial state table as a
// single structured line (SPEC_FULL.md's supplement to spec.md §4.5's "Logs
// the initial table"). Caller must hold m.mu.
func (m *StateMachine) logInitialTableLocked() {
	type entry struct {
		replica ReplicaID
		state   State
	}
	entries := make([]entry, 0, len(m.state))
	for r, s := range m.state {
		entries = append(entries, entry{r, s})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].replica.Topic != entries[j].replica.Topic {
			return entries[i].replica.Topic < entries[j].replica.Topic
		}
		if entries[i].replica.Partition != entries[j].replica.Partition {
			return entries[i].replica.Partition < entries[j].replica.Partition
		}
		return entries[i].replica.Broker < entries[j].replica.Broker
	})
	klog.V(2).Infof("rsm: initial replica state table (%d entries): %v", len(entries), entries)
}

// ReplicasInState returns every replica of topic currently in state state,
// per spec.md §4.5.
func (m *StateMachine) ReplicasInState(topic string, state State) []ReplicaID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReplicaID
	for r, s := range m.state {
		if r.Topic == topic && s == state {
			out = append(out, r)
		}
	}
	return out
}

// AnyReplicaInState reports whether any replica of topic is in state state.
func (m *StateMachine) AnyReplicaInState(topic string, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for r, s := range m.state {
		if r.Topic == topic && s == state {
			return true
		}
	}
	return false
}

// AllReplicasForTopicAre reports whether every replica of topic presently in
// the state table is in state state. A topic with no entries at all is
// vacuously true, matching the "all" quantifier's usual reading.
func (m *StateMachine) AllReplicasForTopicAre(topic string, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for r, s := range m.state {
		if r.Topic == topic && s != state {
			return false
		}
	}
	return true
}

// ExistsReplicaInDeletionStarted reports whether any replica of topic is in
// DeletionStarted, the query the topic-deletion collaborator uses to know
// whether deletion is still in flight.
func (m *StateMachine) ExistsReplicaInDeletionStarted(topic string) bool {
	return m.AnyReplicaInState(topic, DeletionStarted)
}

// StateCounts returns the number of replicas in each state, across every
// topic. It is a pure read over the state table (SPEC_FULL.md's supplement
// to spec.md §4.5's query surface), used by cmd/rsmdemo's periodic summary.
func (m *StateMachine) StateCounts() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int)
	for _, s := range m.state {
		out[s]++
	}
	return out
}
