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

	"github.com/kptdev/replicator/internal/testutil"
	"github.com/kptdev/replicator/pkg/rsm/rsmtest"
)

func TestReadStatesClassification(t *testing.T) {
	store := rsmtest.NewFakeStore()

	okPartition := PartitionID{Topic: "t", Partition: 0}
	missingPartition := PartitionID{Topic: "t", Partition: 1}
	fencedPartition := PartitionID{Topic: "t", Partition: 2}

	store.SetState(okPartition, LeaderAndISR{Leader: 1, ISR: []int32{1, 2}, ControllerEpoch: 5})
	store.SetState(fencedPartition, LeaderAndISR{Leader: 1, ISR: []int32{1}, ControllerEpoch: 9})

	found, missing, failed := ReadStates(context.Background(), store, 5, []PartitionID{okPartition, missingPartition, fencedPartition})

	testutil.AssertEqual(t, 1, len(found))
	if _, ok := found[okPartition]; !ok {
		t.Fatalf("expected %s to be found", okPartition)
	}

	testutil.AssertEqual(t, []PartitionID{missingPartition}, missing)

	if _, ok := failed[fencedPartition]; !ok {
		t.Fatalf("expected %s to be classified as failed (fenced)", fencedPartition)
	}
	if !IsFenced(failed[fencedPartition]) {
		t.Fatalf("expected fenced partition's error to satisfy IsFenced, got %v", failed[fencedPartition])
	}
}

func TestReadStatesEmptyInput(t *testing.T) {
	store := rsmtest.NewFakeStore()
	found, missing, failed := ReadStates(context.Background(), store, 0, nil)
	testutil.AssertEqual(t, 0, len(found))
	testutil.AssertEqual(t, 0, len(missing))
	testutil.AssertEqual(t, 0, len(failed))
}

func TestReadStatesChunksAcrossManyPartitions(t *testing.T) {
	store := rsmtest.NewFakeStore()
	var partitions []PartitionID
	for i := int32(0); i < readChunkSize*3+7; i++ {
		p := PartitionID{Topic: "big", Partition: i}
		store.SetState(p, LeaderAndISR{Leader: 1, ISR: []int32{1}, ControllerEpoch: 0})
		partitions = append(partitions, p)
	}

	found, missing, failed := ReadStates(context.Background(), store, 0, partitions)

	testutil.AssertEqual(t, len(partitions), len(found))
	testutil.AssertEqual(t, 0, len(missing))
	testutil.AssertEqual(t, 0, len(failed))
}

// panickingStore is a Store whose GetPartitionStatesRaw panics, the literal
// Go realization of spec.md §4.4's "bulk fetch itself throws" rule.
type panickingStore struct{}

func (panickingStore) GetPartitionStatesRaw(context.Context, []PartitionID) []PartitionStateResponse {
	panic("simulated store failure")
}

func (panickingStore) UpdateLeaderAndISR(context.Context, []UpdateProposal, int32) UpdateResult {
	return UpdateResult{}
}

func (panickingStore) ControllerEpochZnodeVersion(context.Context) (int32, error) {
	return 0, nil
}

func (panickingStore) Close(context.Context) error { return nil }

func TestReadStatesStorePanicClassifiesAllAsFailed(t *testing.T) {
	partitions := []PartitionID{
		{Topic: "t", Partition: 0},
		{Topic: "t", Partition: 1},
	}

	found, missing, failed := ReadStates(context.Background(), panickingStore{}, 0, partitions)

	testutil.AssertEqual(t, 0, len(found))
	testutil.AssertEqual(t, 0, len(missing))
	testutil.AssertEqual(t, len(partitions), len(failed))
	for _, p := range partitions {
		if _, ok := failed[p]; !ok {
			t.Fatalf("expected %s to be classified as failed after a store panic", p)
		}
	}
}

func TestChunkPartitions(t *testing.T) {
	partitions := make([]PartitionID, 5)
	for i := range partitions {
		partitions[i] = PartitionID{Topic: "t", Partition: int32(i)}
	}

	chunks := chunkPartitions(partitions, 2)
	testutil.AssertEqual(t, 3, len(chunks))
	testutil.AssertEqual(t, 2, len(chunks[0]))
	testutil.AssertEqual(t, 2, len(chunks[1]))
	testutil.AssertEqual(t, 1, len(chunks[2]))
}
