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

// PartitionStateResponse is one entry of the bulk read described in
// spec.md §6 ("get_partition_states_raw"): either a decoded leadership tuple,
// or an error classifying why it could not be produced.
type PartitionStateResponse struct {
	Partition PartitionID
	State     LeaderAndISR
	Err       error // apierrors-classified: IsMissing / IsFenced / other
}

// UpdateProposal is one partition's proposed new leader/ISR, submitted as
// part of a compare-and-swap batch.
type UpdateProposal struct {
	Partition PartitionID
	State     LeaderAndISR
}

// UpdateResult partitions a CAS batch's outcome into three buckets, per
// spec.md §4.3 step 4.
type UpdateResult struct {
	Successful map[PartitionID]LeaderAndISR
	Retry      []PartitionID
	Failed     map[PartitionID]error
}

// Store is the coordination-store client contract the RSM consumes
// (spec.md §6). The real implementation talks to a strongly-consistent,
// versioned metadata store; the RSM only ever sees this interface.
type Store interface {
	// GetPartitionStatesRaw bulk-fetches the per-partition leadership znode
	// for each input partition, classifying each as found/missing/failed per
	// spec.md §4.4's rules. If the bulk fetch itself fails, every partition's
	// response carries that same error.
	GetPartitionStatesRaw(ctx context.Context, partitions []PartitionID) []PartitionStateResponse

	// UpdateLeaderAndISR submits a CAS batch tagged with controllerEpoch and
	// returns the three-way partition of outcomes described in spec.md §4.3.
	UpdateLeaderAndISR(ctx context.Context, proposals []UpdateProposal, controllerEpoch int32) UpdateResult

	// ControllerEpochZnodeVersion returns the epoch most recently written by
	// the election mechanism, for Startup's sanity check (SPEC_FULL.md §6
	// expansion). Advisory only: a failure here is logged, not fatal.
	ControllerEpochZnodeVersion(ctx context.Context) (int32, error)

	// Close releases any resources (e.g. watches) the store client opened on
	// the RSM's behalf. Invoked from Shutdown.
	Close(ctx context.Context) error
}
