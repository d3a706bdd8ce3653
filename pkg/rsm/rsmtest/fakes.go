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

// Package rsmtest provides in-memory fakes for pkg/rsm's collaborator
// interfaces (Store, BrokerRequestBatch, TopicDeletionManager), grounded in
// the mutex-protected in-memory map style porch/pkg/cache.Cache uses for its
// own state.
package rsmtest

import (
	"context"
	"sync"

	"github.com/kptdev/replicator/pkg/rsm"
)

// FakeStore is an in-memory coordination-store double. Conflicts can be
// scripted per-partition via QueueConflicts, so tests can exercise the ISR
// updater's retry loop deterministically.
type FakeStore struct {
	mu sync.Mutex

	states map[rsm.PartitionID]rsm.LeaderAndISR
	// pending conflict counts: a partition with N queued conflicts fails its
	// next N UpdateLeaderAndISR attempts with a retriable conflict before
	// succeeding.
	conflicts map[rsm.PartitionID]int

	closeCalled bool
	epochZnode  int32
	epochErr    error
}

// NewFakeStore builds an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		states:    make(map[rsm.PartitionID]rsm.LeaderAndISR),
		conflicts: make(map[rsm.PartitionID]int),
	}
}

// SetState seeds (or overwrites) a partition's stored leadership.
func (f *FakeStore) SetState(p rsm.PartitionID, state rsm.LeaderAndISR) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[p] = state
}

// State returns a partition's current stored leadership, for assertions.
func (f *FakeStore) State(p rsm.PartitionID) (rsm.LeaderAndISR, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[p]
	return s, ok
}

// QueueConflicts makes the next n UpdateLeaderAndISR attempts touching p fail
// with a retriable version conflict, after which it succeeds normally.
func (f *FakeStore) QueueConflicts(p rsm.PartitionID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts[p] = n
}

// SetControllerEpochZnodeVersion scripts the return of
// ControllerEpochZnodeVersion.
func (f *FakeStore) SetControllerEpochZnodeVersion(v int32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epochZnode = v
	f.epochErr = err
}

func (f *FakeStore) GetPartitionStatesRaw(_ context.Context, partitions []rsm.PartitionID) []rsm.PartitionStateResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]rsm.PartitionStateResponse, 0, len(partitions))
	for _, p := range partitions {
		state, ok := f.states[p]
		if !ok {
			out = append(out, rsm.PartitionStateResponse{Partition: p, Err: rsm.NewMissingError(p)})
			continue
		}
		out = append(out, rsm.PartitionStateResponse{Partition: p, State: state})
	}
	return out
}

func (f *FakeStore) UpdateLeaderAndISR(_ context.Context, proposals []rsm.UpdateProposal, _ int32) rsm.UpdateResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := rsm.UpdateResult{
		Successful: make(map[rsm.PartitionID]rsm.LeaderAndISR),
		Failed:     make(map[rsm.PartitionID]error),
	}
	for _, prop := range proposals {
		if n := f.conflicts[prop.Partition]; n > 0 {
			f.conflicts[prop.Partition] = n - 1
			result.Retry = append(result.Retry, prop.Partition)
			continue
		}
		next := prop.State
		next.PartitionEpoch++
		f.states[prop.Partition] = next
		result.Successful[prop.Partition] = next
	}
	return result
}

func (f *FakeStore) ControllerEpochZnodeVersion(_ context.Context) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epochZnode, f.epochErr
}

func (f *FakeStore) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalled = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeStore) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalled
}

// leaderAndISRRequest records one enqueued LeaderAndIsr call.
type leaderAndISRRequest struct {
	Recipients []int32
	Partition  rsm.PartitionID
	State      rsm.LeaderAndISR
	Assignment []int32
	IsNew      bool
}

// stopReplicaRequest records one enqueued StopReplica call.
type stopReplicaRequest struct {
	Recipients      []int32
	Partition       rsm.PartitionID
	DeletePartition bool
	Callback        rsm.StopReplicaResponseCallback
}

// FakeBatch is an in-memory BrokerRequestBatch double that records every
// enqueued request across the lifetime of the fake (not just the current
// batch), so tests can assert on everything a call to HandleStateChanges
// produced.
type FakeBatch struct {
	mu sync.Mutex

	leaderAndISR []leaderAndISRRequest
	stopReplica  []stopReplicaRequest
	flushes      []int32
	sendErr      error
}

// NewFakeBatch builds an empty FakeBatch.
func NewFakeBatch() *FakeBatch {
	return &FakeBatch{}
}

func (b *FakeBatch) NewBatch() {
	// Requests accumulate across the fake's lifetime for test assertions;
	// NewBatch only needs to exist to satisfy the interface.
}

func (b *FakeBatch) AddLeaderAndISR(recipients []int32, partition rsm.PartitionID, state rsm.LeaderAndISR, assignment []int32, isNew bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaderAndISR = append(b.leaderAndISR, leaderAndISRRequest{
		Recipients: append([]int32(nil), recipients...),
		Partition:  partition,
		State:      state,
		Assignment: append([]int32(nil), assignment...),
		IsNew:      isNew,
	})
}

func (b *FakeBatch) AddStopReplica(recipients []int32, partition rsm.PartitionID, deletePartition bool, callback rsm.StopReplicaResponseCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopReplica = append(b.stopReplica, stopReplicaRequest{
		Recipients:      append([]int32(nil), recipients...),
		Partition:       partition,
		DeletePartition: deletePartition,
		Callback:        callback,
	})
}

func (b *FakeBatch) SendToBrokers(_ context.Context, controllerEpoch int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes = append(b.flushes, controllerEpoch)
	return b.sendErr
}

// SetSendError makes every subsequent SendToBrokers call return err.
func (b *FakeBatch) SetSendError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// FlushCount returns how many times SendToBrokers was called.
func (b *FakeBatch) FlushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flushes)
}

// LeaderAndISRRecipients returns the recipients of every AddLeaderAndISR
// call made for the given partition, in call order.
func (b *FakeBatch) LeaderAndISRRecipients(p rsm.PartitionID) [][]int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]int32
	for _, r := range b.leaderAndISR {
		if r.Partition == p {
			out = append(out, r.Recipients)
		}
	}
	return out
}

// LeaderAndISRCount returns how many AddLeaderAndISR calls were made for p.
func (b *FakeBatch) LeaderAndISRCount(p rsm.PartitionID) int {
	return len(b.LeaderAndISRRecipients(p))
}

// StopReplicaCount returns how many AddStopReplica calls were made for p with
// the given deletePartition flag.
func (b *FakeBatch) StopReplicaCount(p rsm.PartitionID, deletePartition bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.stopReplica {
		if r.Partition == p && r.DeletePartition == deletePartition {
			n++
		}
	}
	return n
}

// StopReplicaCallback returns the callback attached to the most recent
// AddStopReplica call made for p, if any.
func (b *FakeBatch) StopReplicaCallback(p rsm.PartitionID) rsm.StopReplicaResponseCallback {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cb rsm.StopReplicaResponseCallback
	for _, r := range b.stopReplica {
		if r.Partition == p {
			cb = r.Callback
		}
	}
	return cb
}

// FakeDeletionManager is an in-memory TopicDeletionManager double.
type FakeDeletionManager struct {
	mu      sync.Mutex
	deleted map[string]bool
}

// NewFakeDeletionManager builds a FakeDeletionManager with no topics marked
// for deletion.
func NewFakeDeletionManager() *FakeDeletionManager {
	return &FakeDeletionManager{deleted: make(map[string]bool)}
}

// MarkForDeletion marks every partition of topic as being deleted.
func (d *FakeDeletionManager) MarkForDeletion(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted[topic] = true
}

func (d *FakeDeletionManager) IsPartitionToBeDeleted(p rsm.PartitionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted[p.Topic]
}
