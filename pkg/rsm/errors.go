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
	"fmt"

	goerrors "github.com/go-errors/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// partitionResource is the synthetic GroupResource used to build
// apimachinery StatusErrors for partition znodes. It has no bearing on any
// real API group; apierrors' constructors simply require one, and the
// coordination store's "retry-on-version-conflict" / "no such znode"
// contract is structurally identical to a Kubernetes resourceVersion
// conflict, so reusing apierrors here is a natural fit rather than a stretch.
var partitionResource = schema.GroupResource{Group: "rsm", Resource: "partitionleadership"}

// NewFencedError builds the error the coordination-store client returns when
// a read reveals a controller epoch higher than ours (spec.md §4.4, §7
// category 2).
func NewFencedError(partition PartitionID, ourEpoch, observedEpoch int32) error {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Reason: metav1.StatusReasonForbidden,
		Message: fmt.Sprintf(
			"fenced controller: partition %s znode controller_epoch=%d > our epoch=%d",
			partition, observedEpoch, ourEpoch),
	}}
}

// IsFenced reports whether err is the fenced-controller error produced by
// NewFencedError.
func IsFenced(err error) bool {
	return apierrors.IsForbidden(err)
}

// NewConflictError builds the error the store returns on a CAS version
// conflict (spec.md §4.3, §7 category 3).
func NewConflictError(partition PartitionID, msg string) error {
	return apierrors.NewConflict(partitionResource, partition.String(), fmt.Errorf("%s", msg))
}

// IsConflict reports whether err is a CAS version conflict.
func IsConflict(err error) bool {
	return apierrors.IsConflict(err)
}

// NewMissingError builds the error read_states classifies as "missing"
// (no-node / empty-payload), per spec.md §4.4.
func NewMissingError(partition PartitionID) error {
	return apierrors.NewNotFound(partitionResource, partition.String())
}

// IsMissing reports whether err is a missing-znode error.
func IsMissing(err error) bool {
	return apierrors.IsNotFound(err)
}

func errAlreadyLeader(r ReplicaID) error {
	return fmt.Errorf("broker %d is already the leader for partition %s", r.Broker, r.Partition_())
}

func errNoResponse(p PartitionID) error {
	return fmt.Errorf("store returned no response for partition %s", p)
}

func errISRRemovalFailed(p PartitionID) error {
	return fmt.Errorf("ISR removal did not succeed for partition %s", p)
}

// wrapUnexpected wraps an unexpected error caught at the outer boundary of
// handle_state_changes with a stack trace, per spec.md §7 category 7.
func wrapUnexpected(v interface{}) error {
	if err, ok := v.(error); ok {
		return goerrors.Wrap(err, 1)
	}
	return goerrors.Errorf("unexpected panic in handle_state_changes: %v", v)
}
