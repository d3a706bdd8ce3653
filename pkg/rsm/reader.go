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

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// readChunkSize bounds how many partitions go into a single bulk
// GetPartitionStatesRaw call. Real coordination-store clients (and the
// znode batches they translate to) have their own practical request-size
// ceilings; chunking and fanning the chunks out concurrently, bounded by
// readMaxConcurrency, keeps one call to ReadStates from becoming a single
// enormous synchronous round trip when a topic has many partitions.
const (
	readChunkSize      = 200
	readMaxConcurrency = 4
)

// readResult is the classification of one chunk's store responses, per
// spec.md §4.4.
type readResult struct {
	found   map[PartitionID]LeaderAndISR
	missing []PartitionID
	failed  map[PartitionID]error
}

// ReadStates bulk-fetches and classifies the authoritative leadership znode
// for each input partition, per spec.md §4.4's rules. ourEpoch is the
// fencing check threshold: a znode reporting a higher controller_epoch is
// classified as failed with a fenced-controller error.
func ReadStates(ctx context.Context, store Store, ourEpoch int32, partitions []PartitionID) (found map[PartitionID]LeaderAndISR, missing []PartitionID, failed map[PartitionID]error) {
	ctx, span := tracer.Start(ctx, "ReadStates", trace.WithAttributes())
	defer span.End()

	found = make(map[PartitionID]LeaderAndISR)
	failed = make(map[PartitionID]error)
	if len(partitions) == 0 {
		return found, nil, failed
	}

	chunks := chunkPartitions(partitions, readChunkSize)
	results := make([]readResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readMaxConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			results[i] = classifyChunk(gctx, store, ourEpoch, chunk)
			return nil
		})
	}
	// Errors are carried per-partition in readResult.failed, not through the
	// group's error return; every goroutine above returns nil, so g.Wait()
	// returns nil and this check is only defensive.
	if err := g.Wait(); err != nil {
		klog.Errorf("rsm: ReadStates fan-out interrupted: %v", err)
	}

	for _, res := range results {
		for p, s := range res.found {
			found[p] = s
		}
		missing = append(missing, res.missing...)
		for p, err := range res.failed {
			failed[p] = err
		}
	}
	return found, missing, failed
}

// classifyChunk fetches and classifies one chunk. A store implementation that
// panics is the Go realization of spec.md §4.4's "bulk fetch itself throws"
// rule; recover here converts that into every partition in the chunk landing
// in failed, matching "all inputs go to failed with the same error" rather
// than crashing the controller process.
func classifyChunk(ctx context.Context, store Store, ourEpoch int32, partitions []PartitionID) (res readResult) {
	res = readResult{
		found:  make(map[PartitionID]LeaderAndISR),
		failed: make(map[PartitionID]error),
	}

	defer func() {
		if r := recover(); r != nil {
			err := wrapUnexpected(r)
			klog.Errorf("rsm: store panicked during bulk partition-state read: %v", err)
			res.found = make(map[PartitionID]LeaderAndISR)
			res.missing = nil
			res.failed = make(map[PartitionID]error, len(partitions))
			for _, p := range partitions {
				res.failed[p] = err
			}
		}
	}()

	responses := store.GetPartitionStatesRaw(ctx, partitions)
	byPartition := make(map[PartitionID]PartitionStateResponse, len(responses))
	for _, r := range responses {
		byPartition[r.Partition] = r
	}

	for _, p := range partitions {
		resp, ok := byPartition[p]
		if !ok {
			// The store didn't return a response for this partition at all;
			// treat the same as a store I/O error on read (spec.md §7
			// category 5).
			res.failed[p] = errNoResponse(p)
			continue
		}
		classifyOne(p, resp, ourEpoch, &res)
	}
	return res
}

// classifyOne applies spec.md §4.4's classification rules. Whether a missing
// partition is ultimately benign (because its topic is being deleted) is not
// decided here — that distinction belongs to the caller that interprets the
// "missing" list (the ISR updater, per spec.md §4.3), not to the read itself.
func classifyOne(p PartitionID, resp PartitionStateResponse, ourEpoch int32, res *readResult) {
	switch {
	case resp.Err == nil:
		if resp.State.ControllerEpoch > ourEpoch {
			res.failed[p] = NewFencedError(p, ourEpoch, resp.State.ControllerEpoch)
			return
		}
		res.found[p] = resp.State

	case IsMissing(resp.Err):
		res.missing = append(res.missing, p)

	default:
		res.failed[p] = resp.Err
	}
}

func chunkPartitions(partitions []PartitionID, size int) [][]PartitionID {
	var chunks [][]PartitionID
	for i := 0; i < len(partitions); i += size {
		end := i + size
		if end > len(partitions) {
			end = len(partitions)
		}
		chunks = append(chunks, partitions[i:end])
	}
	return chunks
}
