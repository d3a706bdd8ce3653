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

import "context"

// BrokerRequestBatch is the broker-request dispatcher collaborator described
// in spec.md §6. The RSM is its exclusive writer for the duration of one
// handle_state_changes call (spec.md §5): it opens a new batch, enqueues
// requests, and flushes exactly once.
type BrokerRequestBatch interface {
	// NewBatch resets the batch, discarding anything previously enqueued but
	// not yet flushed.
	NewBatch()

	// AddLeaderAndISR enqueues a LeaderAndIsr request to each recipient
	// broker for the given partition. isNew marks the replica as newly
	// created on that broker (the New-state flag of spec.md §4.2).
	AddLeaderAndISR(recipients []int32, partition PartitionID, state LeaderAndISR, assignment []int32, isNew bool)

	// AddStopReplica enqueues a StopReplica request to the owning broker.
	// callback, if non-nil, is delivered when the broker responds.
	AddStopReplica(recipients []int32, partition PartitionID, deletePartition bool, callback StopReplicaResponseCallback)

	// SendToBrokers flushes the accumulated batch, tagged with
	// controllerEpoch. Flush errors are logged and swallowed by the caller
	// (spec.md §7 category 6); SendToBrokers itself may still return an
	// error for the caller's own logging.
	SendToBrokers(ctx context.Context, controllerEpoch int32) error
}
