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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kptdev/replicator/internal/testutil"
	"github.com/kptdev/replicator/pkg/rsm/rsmtest"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*StateMachine, *ControllerContext, *rsmtest.FakeStore, *rsmtest.FakeBatch, *rsmtest.FakeDeletionManager) {
	t.Helper()
	cctx := NewControllerContext(1)
	store := rsmtest.NewFakeStore()
	batch := rsmtest.NewFakeBatch()
	deletion := rsmtest.NewFakeDeletionManager()
	opts := Options{ISRUpdateMaxRounds: 5}
	opts.InitDefaults()
	m := NewStateMachine(cctx, store, batch, deletion, opts)
	return m, cctx, store, batch, deletion
}

// Scenario 1 (spec.md §8): bring up a fresh cluster.
func TestStartupFreshCluster(t *testing.T) {
	m, cctx, _, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1, 2, 3})
	cctx.SetLiveBrokers([]int32{1, 2, 3})

	m.Startup(context.Background())

	for _, b := range []int32{1, 2, 3} {
		r := ReplicaID{Topic: "t", Partition: 0, Broker: b}
		testutil.AssertEqual(t, Online, m.currentState(r), "replica %s", r)
	}
	recipients := batch.LeaderAndISRRecipients(p)
	for _, b := range []int32{1, 2, 3} {
		sent := false
		for _, rs := range recipients {
			for _, got := range rs {
				if got == b {
					sent = true
				}
			}
		}
		if !sent {
			t.Fatalf("expected LeaderAndISR enqueued for broker %d", b)
		}
	}
	if batch.FlushCount() == 0 {
		t.Fatal("expected batch to be flushed")
	}
}

// Scenario 2 (spec.md §8): broker failure removes it from the ISR and
// notifies the remaining replicas.
func TestOfflineBrokerFailure(t *testing.T) {
	m, cctx, store, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1, 2, 3})
	cctx.SetLiveBrokers([]int32{1, 2, 3})
	initial := LeaderAndISR{Leader: 1, ISR: []int32{1, 2, 3}, LeaderEpoch: 5, ControllerEpoch: 1}
	cctx.SetLeadership(p, initial)
	store.SetState(p, initial)
	for _, b := range []int32{1, 2, 3} {
		m.setState(ReplicaID{Topic: "t", Partition: 0, Broker: b}, Online)
	}

	m.HandleStateChanges(context.Background(), []ReplicaID{{Topic: "t", Partition: 0, Broker: 1}}, Offline, nil)

	if got := batch.StopReplicaCount(p, false); got != 1 {
		t.Fatalf("StopReplica(delete=false) count = %d, want 1", got)
	}

	stored, ok := store.State(p)
	testutil.AssertEqual(t, true, ok)
	want := LeaderAndISR{Leader: NoLeader, ISR: []int32{2, 3}, LeaderEpoch: 5, ControllerEpoch: 1, PartitionEpoch: 1}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Fatalf("stored leadership mismatch (-want +got):\n%s", diff)
	}

	recipients := batch.LeaderAndISRRecipients(p)
	if len(recipients) == 0 {
		t.Fatal("expected a LeaderAndISR enqueued to the remaining replicas")
	}
	last := recipients[len(recipients)-1]
	testutil.AssertEqual(t, []int32{2, 3}, last)

	testutil.AssertEqual(t, Offline, m.currentState(ReplicaID{Topic: "t", Partition: 0, Broker: 1}))
}

// Scenario 3 (spec.md §8): sole-ISR corner case.
func TestOfflineSoleISRMember(t *testing.T) {
	m, cctx, store, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1})
	cctx.SetLiveBrokers([]int32{1})
	initial := LeaderAndISR{Leader: 1, ISR: []int32{1}, LeaderEpoch: 5, ControllerEpoch: 1}
	cctx.SetLeadership(p, initial)
	store.SetState(p, initial)
	m.setState(ReplicaID{Topic: "t", Partition: 0, Broker: 1}, Online)

	m.HandleStateChanges(context.Background(), []ReplicaID{{Topic: "t", Partition: 0, Broker: 1}}, Offline, nil)

	stored, ok := store.State(p)
	testutil.AssertEqual(t, true, ok)
	testutil.AssertEqual(t, NoLeader, stored.Leader)
	testutil.AssertEqual(t, []int32{1}, stored.ISR)

	if got := len(batch.LeaderAndISRRecipients(p)); got != 0 {
		t.Fatalf("expected no LeaderAndISR sent (no other live replicas), got %d calls", got)
	}
	testutil.AssertEqual(t, Offline, m.currentState(ReplicaID{Topic: "t", Partition: 0, Broker: 1}))
}

// Scenario 4 (spec.md §8): deletion happy path.
func TestDeletionHappyPath(t *testing.T) {
	m, cctx, _, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1})
	r := ReplicaID{Topic: "t", Partition: 0, Broker: 1}
	m.setState(r, Offline)

	var gotErr error
	var called bool
	cb := func(replica ReplicaID, err error) {
		called = true
		gotErr = err
		testutil.AssertEqual(t, r, replica)
	}

	m.HandleStateChanges(context.Background(), []ReplicaID{r}, DeletionStarted, &Callbacks{OnStopReplicaResponse: cb})
	testutil.AssertEqual(t, DeletionStarted, m.currentState(r))
	if got := batch.StopReplicaCount(p, true); got != 1 {
		t.Fatalf("StopReplica(delete=true) count = %d, want 1", got)
	}

	// The broker responds OK, asynchronously driving the callback.
	storedCB := batch.StopReplicaCallback(p)
	require.NotNil(t, storedCB)
	storedCB(r, nil)
	require.True(t, called)
	require.NoError(t, gotErr)

	m.HandleStateChanges(context.Background(), []ReplicaID{r}, DeletionSuccessful, nil)
	testutil.AssertEqual(t, DeletionSuccessful, m.currentState(r))

	m.HandleStateChanges(context.Background(), []ReplicaID{r}, NonExistent, nil)
	testutil.AssertEqual(t, NonExistent, m.currentState(r))
	assignment, ok := cctx.Assignment(p)
	testutil.AssertEqual(t, false, ok)
	testutil.AssertEqual(t, 0, len(assignment))
}

// Scenario 6 (spec.md §8): a fenced controller.
func TestOfflineFencedController(t *testing.T) {
	m, cctx, store, _, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1, 2})
	cctx.SetLiveBrokers([]int32{1, 2})
	cctx.SetLeadership(p, LeaderAndISR{Leader: 1, ISR: []int32{1, 2}, ControllerEpoch: 1})
	store.SetState(p, LeaderAndISR{Leader: 1, ISR: []int32{1, 2}, ControllerEpoch: 2})
	m.setState(ReplicaID{Topic: "t", Partition: 0, Broker: 1}, Online)

	result := m.RemoveReplicaFromISR(context.Background(), 1, []PartitionID{p})
	if _, ok := result[p]; ok {
		t.Fatalf("fenced partition should not appear in the ISR-update result")
	}
}

// Boundary: empty input opens no batch.
func TestHandleStateChangesEmptyInput(t *testing.T) {
	m, _, _, batch, _ := newTestMachine(t)
	m.HandleStateChanges(context.Background(), nil, Online, nil)
	if batch.FlushCount() != 0 {
		t.Fatalf("empty input should not open/flush a batch, got %d flushes", batch.FlushCount())
	}
}

// Boundary: -> New against the current leader is rejected.
func TestNewRejectsCurrentLeader(t *testing.T) {
	m, cctx, _, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1, 2})
	cctx.SetLeadership(p, LeaderAndISR{Leader: 1, ISR: []int32{1, 2}, ControllerEpoch: 1})
	r := ReplicaID{Topic: "t", Partition: 0, Broker: 1}

	m.HandleStateChanges(context.Background(), []ReplicaID{r}, NewReplica, nil)

	testutil.AssertEqual(t, NonExistent, m.currentState(r))
	if got := batch.LeaderAndISRCount(p); got != 0 {
		t.Fatalf("expected no LeaderAndISR enqueued, got %d", got)
	}
}

// Boundary: -> Offline with unknown leadership still enqueues StopReplica
// and still transitions, but never attempts an ISR update.
func TestOfflineUnknownLeadership(t *testing.T) {
	m, cctx, _, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1})
	r := ReplicaID{Topic: "t", Partition: 0, Broker: 1}
	m.setState(r, Online)

	m.HandleStateChanges(context.Background(), []ReplicaID{r}, Offline, nil)

	testutil.AssertEqual(t, Offline, m.currentState(r))
	if got := batch.StopReplicaCount(p, false); got != 1 {
		t.Fatalf("StopReplica(delete=false) count = %d, want 1", got)
	}
	if got := batch.LeaderAndISRCount(p); got != 0 {
		t.Fatalf("expected no LeaderAndISR attempted, got %d", got)
	}
}

// filterValid logs a replica present in the state table with an invalid
// current state differently from a replica absent from it entirely (which
// only defaults to NonExistent); both are still rejected and left unchanged.
func TestInvalidTransitionKnownVsUnknownReplica(t *testing.T) {
	m, cctx, _, batch, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1, 2})

	knownInvalid := ReplicaID{Topic: "t", Partition: 0, Broker: 1}
	m.setState(knownInvalid, Online) // Online -> NonExistent is illegal

	unknownInvalid := ReplicaID{Topic: "t", Partition: 0, Broker: 2} // absent -> NonExistent is illegal

	m.HandleStateChanges(context.Background(), []ReplicaID{knownInvalid, unknownInvalid}, NonExistent, nil)

	testutil.AssertEqual(t, Online, m.currentState(knownInvalid))
	testutil.AssertEqual(t, NonExistent, m.currentState(unknownInvalid))
	if got := batch.FlushCount(); got == 0 {
		t.Fatal("expected the batch to still flush even though every replica was rejected")
	}
}

// Invalid transitions are skipped, not fatal to the rest of the call.
func TestInvalidTransitionSkipped(t *testing.T) {
	m, cctx, store, _, _ := newTestMachine(t)
	p := PartitionID{Topic: "t", Partition: 0}
	cctx.SetAssignment(p, []int32{1, 2})
	cctx.SetLiveBrokers([]int32{1, 2})
	cctx.SetLeadership(p, LeaderAndISR{Leader: 1, ISR: []int32{1, 2}, ControllerEpoch: 1})
	store.SetState(p, LeaderAndISR{Leader: 1, ISR: []int32{1, 2}, ControllerEpoch: 1})

	invalid := ReplicaID{Topic: "t", Partition: 0, Broker: 1} // NonExistent -> Offline is illegal
	valid := ReplicaID{Topic: "t", Partition: 0, Broker: 2}
	m.setState(valid, Online)

	m.HandleStateChanges(context.Background(), []ReplicaID{invalid, valid}, Offline, nil)

	testutil.AssertEqual(t, NonExistent, m.currentState(invalid))
	testutil.AssertEqual(t, Offline, m.currentState(valid))
}
