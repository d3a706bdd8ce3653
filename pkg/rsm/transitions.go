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

// validPreviousStates is the compile-time-known edge set of spec.md §3,
// keyed by target state. It is a static table rather than a method on each
// state so the set a target accepts is visible in one place, per the
// "Variant dispatch" design note.
var validPreviousStates = map[State]map[State]bool{
	NewReplica: {
		NonExistent: true,
	},
	Online: {
		NewReplica:         true,
		Online:             true,
		Offline:            true,
		DeletionIneligible: true,
	},
	Offline: {
		NewReplica:         true,
		Online:             true,
		Offline:            true,
		DeletionIneligible: true,
	},
	DeletionStarted: {
		Offline: true,
	},
	DeletionSuccessful: {
		DeletionStarted: true,
	},
	DeletionIneligible: {
		DeletionStarted: true,
	},
	NonExistent: {
		DeletionSuccessful: true,
	},
}

// valid reports whether current -> target is a legal edge. A replica absent
// from the state table is treated as NonExistent, per spec.md §3.
func valid(current, target State) bool {
	allowed, ok := validPreviousStates[target]
	if !ok {
		return false
	}
	return allowed[current]
}
