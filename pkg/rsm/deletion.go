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

// TopicDeletionManager is the external topic-deletion collaborator
// (spec.md §6). The RSM only ever asks it whether a partition is currently
// marked for deletion; the manager's own state-transition callbacks are a
// separate interface not defined here.
type TopicDeletionManager interface {
	IsPartitionToBeDeleted(partition PartitionID) bool
}
