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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("rsm")

// StateMachine is the controller-side replica state machine: the state
// table, wired to the collaborators it needs to drive transitions and their
// side effects.
//
// Per spec.md §5, every entry point is expected to be invoked from the
// surrounding controller's single serial event loop. The mutex below guards
// the state table so that the read-only query surface (§4.5) and
// cmd/rsmdemo's status printer can also be called safely from outside that
// event loop, e.g. for diagnostics; HandleStateChanges, Startup and Shutdown
// hold it while they change the table.
type StateMachine struct {
	mu sync.Mutex

	ctx      *ControllerContext
	store    Store
	batch    BrokerRequestBatch
	deletion TopicDeletionManager
	opts     Options

	state map[ReplicaID]State
}

// NewStateMachine constructs a StateMachine over the given collaborators.
// opts.InitDefaults() is called if ISRUpdateMaxRounds is unset.
func NewStateMachine(cctx *ControllerContext, store Store, batch BrokerRequestBatch, deletion TopicDeletionManager, opts Options) *StateMachine {
	if opts.ISRUpdateMaxRounds == 0 {
		opts.InitDefaults()
	}
	return &StateMachine{
		ctx:      cctx,
		store:    store,
		batch:    batch,
		deletion: deletion,
		opts:     opts,
		state:    make(map[ReplicaID]State),
	}
}

// currentState returns the replica's state, treating an absent entry as
// NonExistent per spec.md §3.
func (m *StateMachine) currentState(r ReplicaID) State {
	if s, ok := m.state[r]; ok {
		return s
	}
	return NonExistent
}

func (m *StateMachine) setState(r ReplicaID, s State) {
	m.state[r] = s
}

func (m *StateMachine) removeState(r ReplicaID) {
	delete(m.state, r)
}

// HandleStateChanges is the RSM's single public entry point (spec.md §4.2).
// replicas may contain duplicates (logically a multiset); target is the
// common state every replica is being driven toward; callbacks carries the
// optional StopReplica response hook.
//
// Per spec.md §4.2 and §7: no error aborts the batch. Invalid transitions are
// logged and the offending replica is dropped from this call; any panic is
// recovered, wrapped with a stack trace, and logged; the broker batch is
// still flushed exactly once at the end, tagged with the controller epoch
// observed at entry.
func (m *StateMachine) HandleStateChanges(ctx context.Context, replicas []ReplicaID, target State, callbacks *Callbacks) {
	if len(replicas) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "StateMachine::HandleStateChanges", trace.WithAttributes())
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := wrapUnexpected(r)
			klog.Errorf("rsm: unexpected error handling state changes to %s: %v", target, err)
		}
	}()

	epoch := m.ctx.Epoch()
	m.batch.NewBatch()

	// Deferred so the flush also runs when an action panics; it executes
	// before the recover above.
	defer func() {
		if err := m.batch.SendToBrokers(ctx, epoch); err != nil {
			klog.Errorf("rsm: broker batch flush failed at epoch %d: %v", epoch, err)
		}
	}()

	valid := m.filterValid(replicas, target)

	switch target {
	case NewReplica:
		m.doNew(valid)
	case Online:
		m.doOnline(valid)
	case Offline:
		m.doOffline(ctx, valid)
	case DeletionStarted:
		m.doDeletionStarted(valid, callbacks)
	case DeletionIneligible:
		m.doDeletionTerminal(valid, DeletionIneligible)
	case DeletionSuccessful:
		m.doDeletionTerminal(valid, DeletionSuccessful)
	case NonExistent:
		m.doNonExistent(valid)
	default:
		klog.Errorf("rsm: handle_state_changes called with unknown target state %v", target)
	}
}

// filterValid drops replicas whose current -> target edge is illegal,
// logging each rejection, and returns the rest in their original order with
// duplicates removed (only the first occurrence of a replica is kept).
//
// Rejections are logged at two different messages depending on whether the
// replica was actually absent from the state table (and so only defaults to
// NonExistent per spec.md §3) or was present with a current state that
// simply doesn't admit this target.
func (m *StateMachine) filterValid(replicas []ReplicaID, target State) []ReplicaID {
	seen := make(map[ReplicaID]bool, len(replicas))
	out := make([]ReplicaID, 0, len(replicas))
	for _, r := range replicas {
		if seen[r] {
			continue
		}
		seen[r] = true
		current, known := m.state[r]
		if !known {
			current = NonExistent
		}
		if !valid(current, target) {
			if known {
				klog.Errorf("rsm: invalid transition for replica %s: %s -> %s", r, current, target)
			} else {
				klog.Errorf("rsm: unknown replica %s treated as NonExistent is not a valid source for -> %s", r, target)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *StateMachine) logTransition(r ReplicaID, from, to State) {
	klog.V(4).Infof("rsm: replica %s transitioned %s -> %s", r, from, to)
}

func (m *StateMachine) logFailed(r ReplicaID, to State, cause error) {
	klog.Errorf("rsm: failed state change for replica %s -> %s: %v", r, to, cause)
}

// doNew implements the "-> New" action of spec.md §4.2.
func (m *StateMachine) doNew(replicas []ReplicaID) {
	for _, r := range replicas {
		p := r.Partition_()
		current := m.currentState(r)
		lead, known := m.ctx.Leadership(p)
		if known && lead.Leader == r.Broker {
			m.logFailed(r, NewReplica, errAlreadyLeader(r))
			continue
		}
		if known {
			assignment, _ := m.ctx.Assignment(p)
			m.batch.AddLeaderAndISR([]int32{r.Broker}, p, lead, assignment, true)
		}
		m.setState(r, NewReplica)
		m.logTransition(r, current, NewReplica)
	}
}

// doOnline implements the "-> Online" action of spec.md §4.2.
func (m *StateMachine) doOnline(replicas []ReplicaID) {
	for _, r := range replicas {
		p := r.Partition_()
		current := m.currentState(r)
		if current == NewReplica {
			m.ctx.AppendToAssignment(p, r.Broker)
		} else if lead, known := m.ctx.Leadership(p); known {
			assignment, _ := m.ctx.Assignment(p)
			m.batch.AddLeaderAndISR([]int32{r.Broker}, p, lead, assignment, false)
		}
		m.setState(r, Online)
		m.logTransition(r, current, Online)
	}
}

// doOffline implements the "-> Offline" action of spec.md §4.2, including
// the ISR-removal fan-out across the replicas' owning brokers.
func (m *StateMachine) doOffline(ctx context.Context, replicas []ReplicaID) {
	byBroker := make(map[int32][]ReplicaID)
	for _, r := range replicas {
		byBroker[r.Broker] = append(byBroker[r.Broker], r)
	}

	for broker, rs := range byBroker {
		// Step 1: StopReplica(deletePartition=false) to the owning broker.
		for _, r := range rs {
			m.batch.AddStopReplica([]int32{broker}, r.Partition_(), false, nil)
		}

		// Step 2: ISR removal for every partition whose leadership is known.
		var withLeadership []PartitionID
		for _, r := range rs {
			if _, known := m.ctx.Leadership(r.Partition_()); known {
				withLeadership = append(withLeadership, r.Partition_())
			}
		}
		var updated map[PartitionID]LeaderAndISR
		if len(withLeadership) > 0 {
			updated = m.RemoveReplicaFromISR(ctx, broker, withLeadership)
			for p, newState := range updated {
				if m.deletion != nil && m.deletion.IsPartitionToBeDeleted(p) {
					continue
				}
				assignment, _ := m.ctx.Assignment(p)
				others := otherLiveReplicas(m.ctx.OnlineReplicas(p), broker)
				if len(others) > 0 {
					m.batch.AddLeaderAndISR(others, p, newState, assignment, false)
				}
			}
		}

		// Step 3: transition replicas whose ISR step succeeded (or whose
		// leadership was unknown, per the boundary behavior in spec.md §8).
		for _, r := range rs {
			p := r.Partition_()
			current := m.currentState(r)
			if _, known := m.ctx.Leadership(p); !known {
				m.setState(r, Offline)
				m.logTransition(r, current, Offline)
				continue
			}
			if _, ok := updated[p]; ok {
				m.setState(r, Offline)
				m.logTransition(r, current, Offline)
			} else {
				m.logFailed(r, Offline, errISRRemovalFailed(p))
			}
		}
	}
}

// doDeletionStarted implements the "-> DeletionStarted" action of
// spec.md §4.2.
func (m *StateMachine) doDeletionStarted(replicas []ReplicaID, callbacks *Callbacks) {
	var cb StopReplicaResponseCallback
	if callbacks != nil {
		cb = callbacks.OnStopReplicaResponse
	}
	for _, r := range replicas {
		current := m.currentState(r)
		m.setState(r, DeletionStarted)
		m.logTransition(r, current, DeletionStarted)
		m.batch.AddStopReplica([]int32{r.Broker}, r.Partition_(), true, cb)
	}
}

// doDeletionTerminal implements the "-> DeletionIneligible" and
// "-> DeletionSuccessful" actions of spec.md §4.2, both transition-only.
func (m *StateMachine) doDeletionTerminal(replicas []ReplicaID, target State) {
	for _, r := range replicas {
		current := m.currentState(r)
		m.setState(r, target)
		m.logTransition(r, current, target)
	}
}

// doNonExistent implements the "-> NonExistent" action of spec.md §4.2.
func (m *StateMachine) doNonExistent(replicas []ReplicaID) {
	for _, r := range replicas {
		current := m.currentState(r)
		m.ctx.RemoveFromAssignment(r.Partition_(), r.Broker)
		m.removeState(r)
		m.logTransition(r, current, NonExistent)
	}
}

// otherLiveReplicas returns every broker in online except broker itself.
func otherLiveReplicas(online []int32, broker int32) []int32 {
	var out []int32
	for _, b := range online {
		if b != broker {
			out = append(out, b)
		}
	}
	return out
}
