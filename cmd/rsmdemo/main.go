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

// Command rsmdemo drives pkg/rsm's StateMachine against an in-memory Store,
// BrokerRequestBatch, and TopicDeletionManager, to exercise Options/BindFlags
// wiring and print a periodic summary of the replica state table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/kptdev/replicator/pkg/rsm"
	"github.com/kptdev/replicator/pkg/rsm/rsmtest"
)

var (
	topic         = pflag.String("topic", "demo-topic", "name of the single demo topic to simulate")
	partitions    = pflag.Int("partitions", 3, "number of partitions the demo topic has")
	replication   = pflag.Int("replication-factor", 3, "number of brokers each partition is assigned to")
	brokers       = pflag.Int("brokers", 4, "number of brokers in the simulated cluster")
	summaryPeriod = pflag.Duration("summary-period", 5*time.Second, "how often to print the state-table summary")
	opts          rsm.Options
)

func main() {
	klog.InitFlags(nil)
	opts.BindFlags("rsm-", pflag.CommandLine)
	pflag.Parse()
	opts.InitDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rsmdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cctx := rsm.NewControllerContext(1)
	store := rsmtest.NewFakeStore()
	batch := rsmtest.NewFakeBatch()
	deletion := rsmtest.NewFakeDeletionManager()

	liveBrokers := make([]int32, *brokers)
	for i := range liveBrokers {
		liveBrokers[i] = int32(i + 1)
	}
	cctx.SetLiveBrokers(liveBrokers)

	for p := 0; p < *partitions; p++ {
		assignment := make([]int32, 0, *replication)
		for r := 0; r < *replication; r++ {
			assignment = append(assignment, liveBrokers[(p+r)%len(liveBrokers)])
		}
		cctx.SetAssignment(rsm.PartitionID{Topic: *topic, Partition: int32(p)}, assignment)
	}

	m := rsm.NewStateMachine(cctx, store, batch, deletion, opts)
	m.Startup(ctx)
	defer m.Shutdown(ctx)

	ticker := time.NewTicker(*summaryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Infof("rsmdemo: shutting down")
			return nil
		case <-ticker.C:
			printSummary(m)
		}
	}
}

func printSummary(m *rsm.StateMachine) {
	counts := m.StateCounts()
	states := make([]rsm.State, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	for _, s := range states {
		klog.Infof("rsmdemo: %s=%d", s, counts[s])
	}
}
