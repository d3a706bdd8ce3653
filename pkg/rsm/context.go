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

import "sync"

// ControllerContext is the shared state the surrounding controller exposes to
// the RSM, per spec.md §3. The RSM borrows this; it never owns it, and it is
// passed explicitly rather than stashed behind a package-level global (see
// the "Cyclic / back references" design note).
//
// Per §5, every field here is accessed only from the controller's serial
// event-loop thread; the mutex exists solely so ControllerContext can also be
// read from outside that loop without coordinating with it, and is not
// load-bearing for the RSM's own correctness.
type ControllerContext struct {
	mu sync.Mutex

	// assignment maps a partition to the ordered list of brokers hosting its
	// replicas. Order matters: index 0 is the preferred leader.
	assignment map[PartitionID][]int32

	// leadership is the cached authoritative per-partition leader/ISR the
	// controller last observed or wrote.
	leadership map[PartitionID]LeaderAndISR

	// epoch is the controller's fencing token for all writes to the store.
	epoch int32

	// liveBrokers is the current cluster membership.
	liveBrokers map[int32]bool
}

// NewControllerContext builds an empty context at the given controller epoch.
func NewControllerContext(epoch int32) *ControllerContext {
	return &ControllerContext{
		assignment:  make(map[PartitionID][]int32),
		leadership:  make(map[PartitionID]LeaderAndISR),
		epoch:       epoch,
		liveBrokers: make(map[int32]bool),
	}
}

// Epoch returns the current controller epoch.
func (c *ControllerContext) Epoch() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// SetAssignment replaces the assignment for a partition wholesale. A nil or
// empty list removes the partition from the assignment map.
func (c *ControllerContext) SetAssignment(p PartitionID, brokers []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(brokers) == 0 {
		delete(c.assignment, p)
		return
	}
	cp := make([]int32, len(brokers))
	copy(cp, brokers)
	c.assignment[p] = cp
}

// Assignment returns a copy of the current broker list for a partition.
func (c *ControllerContext) Assignment(p PartitionID) ([]int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	brokers, ok := c.assignment[p]
	if !ok {
		return nil, false
	}
	cp := make([]int32, len(brokers))
	copy(cp, brokers)
	return cp, true
}

// AppendToAssignment appends broker to the partition's assignment if it is
// not already present. This is the commit point the New -> Online transition
// relies on (spec.md §4.2).
func (c *ControllerContext) AppendToAssignment(p PartitionID, broker int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.assignment[p] {
		if b == broker {
			return
		}
	}
	c.assignment[p] = append(c.assignment[p], broker)
}

// RemoveFromAssignment removes broker from the partition's assignment.
func (c *ControllerContext) RemoveFromAssignment(p PartitionID, broker int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	brokers := c.assignment[p]
	out := brokers[:0]
	for _, b := range brokers {
		if b != broker {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		delete(c.assignment, p)
	} else {
		c.assignment[p] = out
	}
}

// Leadership returns the cached leader/ISR for a partition, if known.
func (c *ControllerContext) Leadership(p PartitionID) (LeaderAndISR, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leadership[p]
	return l, ok
}

// SetLeadership updates the cached leader/ISR for a partition.
func (c *ControllerContext) SetLeadership(p PartitionID, l LeaderAndISR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadership[p] = l
}

// LiveBrokers returns the set of ids the controller considers live.
func (c *ControllerContext) LiveBrokers() map[int32]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int32]bool, len(c.liveBrokers))
	for b, v := range c.liveBrokers {
		out[b] = v
	}
	return out
}

// SetLiveBrokers replaces the live-broker set wholesale.
func (c *ControllerContext) SetLiveBrokers(brokers []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveBrokers = make(map[int32]bool, len(brokers))
	for _, b := range brokers {
		c.liveBrokers[b] = true
	}
}

// IsLive reports whether broker is currently live.
func (c *ControllerContext) IsLive(broker int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveBrokers[broker]
}

// OnlineReplicas returns every broker live and present in the partition's
// assignment — i.e. a replica the controller believes is serving.
func (c *ControllerContext) OnlineReplicas(p PartitionID) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int32
	for _, b := range c.assignment[p] {
		if c.liveBrokers[b] {
			out = append(out, b)
		}
	}
	return out
}

// AllPartitionBrokerPairs returns every (partition, broker) pair currently in
// the assignment, used by Startup to seed the state table.
func (c *ControllerContext) AllPartitionBrokerPairs() []ReplicaID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ReplicaID
	for p, brokers := range c.assignment {
		for _, b := range brokers {
			out = append(out, ReplicaID{Topic: p.Topic, Partition: p.Partition, Broker: b})
		}
	}
	return out
}
