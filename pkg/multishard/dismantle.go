// Copyright 2022 Matrix Origin
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

package multishard

import (
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// dismantleBuffer splits a merged leftover stream back into per-shard
// runs so saved readers can replay them on the next page.
//
// The merged stream is a sequence of runs, each a partition-start plus
// the fragments that followed it.  Walking newest to oldest, every run
// routes to the shard owning its partition token.  Fragments at the very
// front with no preceding partition-start belong to the partition the
// previous page left open, described by cs; they route to that
// partition's shard, and cs itself is replayed ahead of them so the run
// opens properly.
//
// accepts reports whether a shard can take fragments back; runs routed
// to a shard that cannot are dropped and counted.  Every input fragment
// is either kept or discarded, never both.
func dismantleBuffer(
	buf *mutation.Buffer,
	cs *mutation.CompactionState,
	sharder shard.Sharder,
	accepts func(shardID uint32) bool,
	counters *perfcounter.CounterSet,
) map[uint32]*mutation.Buffer {
	out := make(map[uint32]*mutation.Buffer)

	route := func(shardID uint32, run []mutation.Fragment, partitions int64) {
		var frags, bytes int64
		for _, f := range run {
			frags++
			bytes += f.MemSize()
		}
		if !accepts(shardID) {
			counters.Dismantle.FragmentsDiscarded.Add(frags)
			counters.Dismantle.PartitionsDiscarded.Add(partitions)
			counters.Dismantle.BytesDiscarded.Add(bytes)
			return
		}
		counters.Dismantle.FragmentsKept.Add(frags)
		counters.Dismantle.PartitionsKept.Add(partitions)
		counters.Dismantle.BytesKept.Add(bytes)
		b, ok := out[shardID]
		if !ok {
			b = mutation.NewBuffer()
			out[shardID] = b
		}
		// Runs are discovered newest first, so each prepend lands the
		// older run ahead of the younger ones.
		b.PushFront(mutation.NewBuffer(run...))
	}

	if buf != nil && !buf.Empty() {
		frags := buf.Fragments()
		end := len(frags)
		for i := len(frags) - 1; i >= 0; i-- {
			if !frags[i].IsPartitionStart() {
				continue
			}
			route(sharder.ShardOf(frags[i].PKey.Token), frags[i:end], 1)
			end = i
		}
		if end > 0 {
			// Headless tail: continuation of the partition the previous
			// page stopped inside.
			if cs.Empty() {
				panic("BUG: leftover fragments precede any partition start")
			}
			route(sharder.ShardOf(cs.Key().Token), frags[:end], 0)
		}
	}

	if !cs.Empty() {
		// The reopened partition header goes ahead of its tail.
		run := make([]mutation.Fragment, 0, 3)
		run = append(run, *cs.PartitionStart)
		if cs.StaticRow != nil {
			run = append(run, *cs.StaticRow)
		}
		if cs.PendingTombstone != nil {
			run = append(run, *cs.PendingTombstone)
		}
		route(sharder.ShardOf(cs.Key().Token), run, 1)
	}

	return out
}
