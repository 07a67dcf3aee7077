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
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

func pkAt(token uint64, key string) mutation.PartitionKey {
	return mutation.PartitionKey{Key: []byte(key), Token: shard.Token(token)}
}

func psFrag(token uint64, key string) mutation.Fragment {
	return mutation.NewPartitionStart(pkAt(token, key), 0)
}

func rowFrag(ck, val string) mutation.Fragment {
	return mutation.NewClusteringRow([]byte(ck), []byte(val))
}

func staticFrag(val string) mutation.Fragment {
	return mutation.NewStaticRow([]byte(val))
}

func rtcFrag(ck string, tombstone int64) mutation.Fragment {
	return mutation.NewRangeTombstoneChange([]byte(ck), tombstone)
}

// fragSig renders a fragment run compactly for order assertions.
func fragSig(frags []mutation.Fragment) []string {
	out := make([]string, 0, len(frags))
	for _, f := range frags {
		switch f.Kind {
		case mutation.FragmentPartitionStart:
			out = append(out, fmt.Sprintf("ps:%d", uint64(f.PKey.Token)))
		case mutation.FragmentStaticRow:
			out = append(out, "sr")
		case mutation.FragmentClusteringRow:
			out = append(out, "cr:"+string(f.CKey))
		case mutation.FragmentRangeTombstoneChange:
			out = append(out, "rtc:"+string(f.CKey))
		}
	}
	return out
}

func acceptAll(uint32) bool { return true }

func TestDismantleRoutesRunsByToken(t *testing.T) {
	sharder := shard.NewHashSharder(2)
	counters := &perfcounter.CounterSet{}
	buf := mutation.NewBuffer(
		psFrag(10, "a"), rowFrag("a1", "v"), rowFrag("a2", "v"),
		psFrag(11, "b"), rowFrag("b1", "v"),
		psFrag(20, "c"), rtcFrag("c1", 7),
	)
	totalBytes := buf.Bytes()

	out := dismantleBuffer(buf, nil, sharder, acceptAll, counters)

	require.Len(t, out, 2)
	assert.Equal(t, []string{"ps:10", "cr:a1", "cr:a2", "ps:20", "rtc:c1"},
		fragSig(out[0].Fragments()))
	assert.Equal(t, []string{"ps:11", "cr:b1"}, fragSig(out[1].Fragments()))

	assert.Equal(t, int64(7), counters.Dismantle.FragmentsKept.Load())
	assert.Equal(t, int64(3), counters.Dismantle.PartitionsKept.Load())
	assert.Equal(t, totalBytes, counters.Dismantle.BytesKept.Load())
	assert.Zero(t, counters.Dismantle.FragmentsDiscarded.Load())
	assert.Zero(t, counters.Dismantle.PartitionsDiscarded.Load())
	assert.Zero(t, counters.Dismantle.BytesDiscarded.Load())
}

func TestDismantleDiscardsOrphanedRuns(t *testing.T) {
	sharder := shard.NewHashSharder(2)
	counters := &perfcounter.CounterSet{}
	buf := mutation.NewBuffer(
		psFrag(10, "a"), rowFrag("a1", "v"),
		psFrag(11, "b"), rowFrag("b1", "v"), rowFrag("b2", "v"),
	)

	out := dismantleBuffer(buf, nil, sharder, func(shardID uint32) bool {
		return shardID == 0
	}, counters)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"ps:10", "cr:a1"}, fragSig(out[0].Fragments()))
	assert.Equal(t, int64(2), counters.Dismantle.FragmentsKept.Load())
	assert.Equal(t, int64(3), counters.Dismantle.FragmentsDiscarded.Load())
	assert.Equal(t, int64(1), counters.Dismantle.PartitionsKept.Load())
	assert.Equal(t, int64(1), counters.Dismantle.PartitionsDiscarded.Load())
}

func TestDismantleTailJoinsOpenPartition(t *testing.T) {
	sharder := shard.NewHashSharder(2)
	counters := &perfcounter.CounterSet{}

	ps := psFrag(10, "a")
	sr := staticFrag("sv")
	rtc := rtcFrag("a2", 5)
	cs := &mutation.CompactionState{
		PartitionStart:   &ps,
		StaticRow:        &sr,
		PendingTombstone: &rtc,
	}
	// The page stopped inside partition a: a3/a4 follow the carried
	// state, then a fully buffered partition c.
	buf := mutation.NewBuffer(
		rowFrag("a3", "v"), rowFrag("a4", "v"),
		psFrag(20, "c"), rowFrag("c1", "v"),
	)

	out := dismantleBuffer(buf, cs, sharder, acceptAll, counters)

	require.Len(t, out, 1)
	assert.Equal(t,
		[]string{"ps:10", "sr", "rtc:a2", "cr:a3", "cr:a4", "ps:20", "cr:c1"},
		fragSig(out[0].Fragments()))
	assert.Equal(t, int64(7), counters.Dismantle.FragmentsKept.Load())
	assert.Equal(t, int64(2), counters.Dismantle.PartitionsKept.Load())
}

func TestDismantleCompactionStateOnly(t *testing.T) {
	sharder := shard.NewHashSharder(4)
	counters := &perfcounter.CounterSet{}

	ps := psFrag(7, "open")
	sr := staticFrag("sv")
	cs := &mutation.CompactionState{PartitionStart: &ps, StaticRow: &sr}

	out := dismantleBuffer(mutation.NewBuffer(), cs, sharder, acceptAll, counters)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"ps:7", "sr"}, fragSig(out[3].Fragments()))
	assert.Equal(t, int64(2), counters.Dismantle.FragmentsKept.Load())
	assert.Equal(t, int64(1), counters.Dismantle.PartitionsKept.Load())
}

func TestDismantleDiscardedCompactionState(t *testing.T) {
	sharder := shard.NewHashSharder(2)
	counters := &perfcounter.CounterSet{}

	ps := psFrag(10, "open")
	cs := &mutation.CompactionState{PartitionStart: &ps}

	out := dismantleBuffer(mutation.NewBuffer(rowFrag("a1", "v")), cs, sharder,
		func(uint32) bool { return false }, counters)

	assert.Empty(t, out)
	assert.Zero(t, counters.Dismantle.FragmentsKept.Load())
	assert.Equal(t, int64(2), counters.Dismantle.FragmentsDiscarded.Load())
	assert.Equal(t, int64(1), counters.Dismantle.PartitionsDiscarded.Load())
}

func TestDismantleHeadlessTailWithoutStatePanics(t *testing.T) {
	sharder := shard.NewHashSharder(2)
	counters := &perfcounter.CounterSet{}
	buf := mutation.NewBuffer(rowFrag("a1", "v"), psFrag(10, "a"))

	assert.Panics(t, func() {
		dismantleBuffer(buf, nil, sharder, acceptAll, counters)
	})
}

// Every fragment is kept or discarded, never both, never neither.
func TestDismantleExactness(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 100; iter++ {
		shards := uint32(rng.Intn(4) + 1)
		sharder := shard.NewHashSharder(shards)
		counters := &perfcounter.CounterSet{}

		buf := mutation.NewBuffer()
		var cs *mutation.CompactionState
		partitions := int64(0)

		if rng.Intn(2) == 1 {
			ps := psFrag(uint64(rng.Intn(1000)), "open")
			cs = &mutation.CompactionState{PartitionStart: &ps}
			if rng.Intn(2) == 1 {
				sr := staticFrag("sv")
				cs.StaticRow = &sr
			}
			partitions++
			for i := 0; i < rng.Intn(4); i++ {
				buf.PushBack(rowFrag(fmt.Sprintf("t%d", i), "v"))
			}
		}
		for r := 0; r < rng.Intn(6); r++ {
			buf.PushBack(psFrag(uint64(rng.Intn(1000)), fmt.Sprintf("p%d", r)))
			partitions++
			for i := 0; i < rng.Intn(5); i++ {
				buf.PushBack(rowFrag(fmt.Sprintf("r%d-%d", r, i), "v"))
			}
		}

		totalFrags := int64(buf.Len()) + cs.FragmentCount()
		totalBytes := buf.Bytes() + cs.MemSize()
		keepParity := uint32(rng.Intn(2))

		dismantleBuffer(buf, cs, sharder, func(shardID uint32) bool {
			return shardID%2 == keepParity
		}, counters)

		assert.Equal(t, totalFrags,
			counters.Dismantle.FragmentsKept.Load()+counters.Dismantle.FragmentsDiscarded.Load(),
			"iteration %d: fragments", iter)
		assert.Equal(t, totalBytes,
			counters.Dismantle.BytesKept.Load()+counters.Dismantle.BytesDiscarded.Load(),
			"iteration %d: bytes", iter)
		assert.Equal(t, partitions,
			counters.Dismantle.PartitionsKept.Load()+counters.Dismantle.PartitionsDiscarded.Load(),
			"iteration %d: partitions", iter)
	}
}
