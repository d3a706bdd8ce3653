// Copyright 2019 Google LLC
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

// Package testutil provides small assertion helpers shared by pkg/rsm's tests.
package testutil

import (
	"fmt"
	"os"
	"testing"

	goerrors "github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
)

// AssertNoError fails the test if err is non-nil. If err carries a go-errors
// stack trace it is printed to stderr before failing, so a panic recovered at
// the handle_state_changes boundary is still diagnosable from test output.
func AssertNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	if !assert.NoError(t, err, msgAndArgs...) {
		if e, ok := err.(*goerrors.Error); ok {
			fmt.Fprint(os.Stderr, e.ErrorStack())
		}
		t.FailNow()
	}
}

// AssertEqual fails the test if expected and actual are not equal.
func AssertEqual(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	if !assert.Equal(t, expected, actual, msgAndArgs...) {
		t.FailNow()
	}
}
