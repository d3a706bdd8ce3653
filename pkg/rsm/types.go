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

// Package rsm implements the controller-side replica state machine for a
// partitioned, replicated log system: it tracks the lifecycle state of every
// (topic, partition, broker) replica, validates transitions between states,
// and drives the side effects (broker requests, coordination-store updates)
// those transitions require.
package rsm

import "fmt"

// PartitionID identifies one partition of one topic. It is used as a map key
// throughout the package the same way types.NamespacedName is used as a map
// key in Kubernetes controllers: a small comparable struct, not a formatted
// string.
type PartitionID struct {
	Topic     string
	Partition int32
}

func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// ReplicaID identifies a single replica: one partition hosted on one broker.
type ReplicaID struct {
	Topic     string
	Partition int32
	Broker    int32
}

func (r ReplicaID) String() string {
	return fmt.Sprintf("[Topic=%s,Partition=%d,Broker=%d]", r.Topic, r.Partition, r.Broker)
}

// Partition_ returns the PartitionID this replica belongs to.
func (r ReplicaID) Partition_() PartitionID {
	return PartitionID{Topic: r.Topic, Partition: r.Partition}
}

// State is one of the seven legal lifecycle states a replica can be in.
type State int

const (
	// NonExistent means no such replica is known. It is also the implicit
	// state of any replica absent from the state table.
	NonExistent State = iota
	// NewReplica means the controller has announced the replica during a
	// reassignment; it is not yet counted in the partition's assignment.
	NewReplica
	// Online means the replica is part of the partition's assignment and
	// expected to be serving as leader or follower.
	Online
	// Offline means the hosting broker is down, or the replica has been
	// removed from the in-sync-replica set.
	Offline
	// DeletionStarted means a delete-replica command has been issued.
	DeletionStarted
	// DeletionSuccessful means the broker acknowledged deletion with no error.
	DeletionSuccessful
	// DeletionIneligible means the broker reported a failure to delete, or
	// deletion was attempted against an unreachable replica.
	DeletionIneligible
)

func (s State) String() string {
	switch s {
	case NonExistent:
		return "NonExistent"
	case NewReplica:
		return "New"
	case Online:
		return "Online"
	case Offline:
		return "Offline"
	case DeletionStarted:
		return "DeletionStarted"
	case DeletionSuccessful:
		return "DeletionSuccessful"
	case DeletionIneligible:
		return "DeletionIneligible"
	default:
		return fmt.Sprintf("UnknownState(%d)", int(s))
	}
}

// NoLeader is the sentinel broker id meaning a partition currently has no
// assigned leader.
const NoLeader int32 = -1

// LeaderAndISR is the authoritative per-partition leader/ISR tuple, cached by
// the controller and mirrored (via compare-and-swap) in the coordination
// store.
type LeaderAndISR struct {
	Leader          int32
	ISR             []int32
	LeaderEpoch     int32
	ControllerEpoch int32
	PartitionEpoch  int32
}

// ContainsBroker reports whether broker is a member of the ISR.
func (l LeaderAndISR) ContainsBroker(broker int32) bool {
	for _, b := range l.ISR {
		if b == broker {
			return true
		}
	}
	return false
}

// Callbacks bundles the optional hooks a caller can attach to a
// handle_state_changes invocation. Presently there is exactly one, matching
// spec.md §4.2.
type Callbacks struct {
	// OnStopReplicaResponse, if set, is attached to every
	// StopReplica(deletePartition=true) request this call enqueues (the
	// -> DeletionStarted action) so the broker-batch collaborator can deliver the
	// broker's response back onto the controller's event loop.
	OnStopReplicaResponse StopReplicaResponseCallback
}

// StopReplicaResponseCallback is invoked asynchronously, outside the scope of
// this package, when a broker responds to a StopReplica request. Per
// spec.md §5.3, the RSM itself never calls this directly; it only threads it
// through to the broker-request batch collaborator.
type StopReplicaResponseCallback func(replica ReplicaID, err error)
