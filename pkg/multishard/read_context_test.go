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
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/config"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
	"github.com/matrixorigin/shardquery/pkg/querier"
	"github.com/matrixorigin/shardquery/pkg/reader"
	"github.com/matrixorigin/shardquery/pkg/storage"
)

var testSchema = mutation.Schema{ID: 1, Name: "t"}

func newTestEngine(t *testing.T, shards uint32, opts ...func(*config.Config)) *Engine {
	t.Helper()
	cfg := &config.Config{ShardCount: shards, Engine: "mem"}
	cfg.SetDefaults()
	for _, opt := range opts {
		opt(cfg)
	}
	store, err := storage.Open(cfg)
	require.NoError(t, err)
	e, err := NewEngine(cfg, store, &perfcounter.CounterSet{})
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
		require.NoError(t, store.Close())
	})
	return e
}

func seedRows(t *testing.T, e *Engine, token uint64, key string, rows ...string) {
	t.Helper()
	mut := mutation.PartitionMutation{Key: pkAt(token, key)}
	for _, r := range rows {
		mut.Rows = append(mut.Rows, mutation.Row{Key: []byte(r), Value: []byte("v-" + r)})
	}
	require.NoError(t, e.store.Apply(context.Background(), testSchema, mut))
}

func testRequest(qid uuid.UUID, firstPage bool) *Request {
	return &Request{
		QueryID:       qid,
		Schema:        testSchema,
		Ranges:        []mutation.Range{mutation.FullRange()},
		FirstPage:     firstPage,
		MaxRows:       1000,
		MaxPartitions: 1000,
	}
}

func TestReaderLifecycleAcrossPages(t *testing.T) {
	e := newTestEngine(t, 1)
	seedRows(t, e, 3, "a", "r1", "r2")
	ctx := context.Background()
	qid := uuid.New()

	rc := newReadContext(e, testRequest(qid, true))
	r, err := rc.CreateReader(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, stateInUse, rc.slots[0].state)
	assert.Equal(t, 1, e.sems[0].ActiveCount())
	assert.Equal(t, int64(1), e.counters.Admission.PermitsIssued.Load())

	rc.DestroyReader(ctx, 0, r, mutation.NewBuffer())
	assert.Equal(t, stateSaving, rc.slots[0].state)
	assert.Equal(t, 1, e.sems[0].InactiveCount())
	assert.Equal(t, 1, e.sems[0].ActiveCount(), "parking keeps the permit")

	rc.SaveReaders(ctx, mutation.NewBuffer(), nil)
	assert.Equal(t, 1, e.cache.Len())
	assert.Equal(t, stateAbsent, rc.slots[0].state)
	rc.Stop(ctx)
	assert.Equal(t, 1, e.sems[0].InactiveCount(), "stop must not tear down saved continuations")

	rc2 := newReadContext(e, testRequest(qid, false))
	require.NoError(t, rc2.LookupReaders(ctx))
	assert.Equal(t, stateRecovered, rc2.slots[0].state)
	assert.Zero(t, e.cache.Len())

	r2, err := rc2.CreateReader(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, stateInUse, rc2.slots[0].state)
	assert.Equal(t, int64(1), e.counters.Admission.PermitsIssued.Load(),
		"reclaiming must not admit a second read")
	assert.Zero(t, e.sems[0].InactiveCount())

	rc2.DestroyReader(ctx, 0, r2, mutation.NewBuffer())
	rc2.Stop(ctx)
	assert.Zero(t, e.sems[0].ActiveCount())
	assert.Zero(t, e.sems[0].InactiveCount())
	assert.Zero(t, e.counters.Query.FailedReaderStops.Load())
}

func TestLookupSkipsFirstPageAndSentinel(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	rc := newReadContext(e, testRequest(uuid.New(), true))
	require.NoError(t, rc.LookupReaders(ctx))
	rc = newReadContext(e, testRequest(uuid.Nil, false))
	require.NoError(t, rc.LookupReaders(ctx))

	assert.Zero(t, e.counters.Cache.Lookups.Load())
}

func TestCreateReaderFromSavingStateIsFatal(t *testing.T) {
	e := newTestEngine(t, 1)
	rc := newReadContext(e, testRequest(uuid.New(), true))
	rc.slots[0] = readerSlot{state: stateSaving, parts: &remoteParts{}}

	_, err := rc.CreateReader(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, qerr.IsQErrCode(err, qerr.ErrReaderSlotState))
	assert.True(t, qerr.IsFatal(err))
}

func TestCreateReaderPermitMismatchIsFatal(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()
	pA, err := e.sems[0].AcquirePermit(ctx, testSchema, "a")
	require.NoError(t, err)
	pB, err := e.sems[0].AcquirePermit(ctx, testSchema, "b")
	require.NoError(t, err)
	h := e.sems[0].RegisterInactive(reader.NewEmptyReader(), pA)

	rc := newReadContext(e, testRequest(uuid.New(), false))
	rc.slots[0] = readerSlot{
		state: stateRecovered,
		parts: &remoteParts{permit: pB, handle: h},
	}

	_, err = rc.CreateReader(ctx, 0)
	require.Error(t, err)
	assert.True(t, qerr.IsQErrCode(err, qerr.ErrPermitMismatch))
	assert.True(t, qerr.IsFatal(err))

	pB.Release()
	assert.Zero(t, e.sems[0].ActiveCount(), "the foreign permit was released with its reader")
}

func TestLookupSemaphoreMismatchIsFatal(t *testing.T) {
	e := newTestEngine(t, 2)
	ctx := context.Background()
	qid := uuid.New()
	rc := newReadContext(e, testRequest(qid, false))

	// A continuation keyed to shard 0 but admitted on shard 1 cannot
	// have come from this engine's save path.
	p, err := e.sems[1].AcquirePermit(ctx, testSchema, "forged")
	require.NoError(t, err)
	h := e.sems[1].RegisterInactive(reader.NewEmptyReader(), p)
	e.cache.Insert(ctx, querier.Key{QueryID: qid, Shard: 0}, &querier.Querier{
		Handle: h,
		Sem:    e.sems[1],
		Permit: p,
		Schema: testSchema,
		Range:  rc.idRange,
		Slice:  mutation.Slice{},
	})

	err = rc.LookupReaders(ctx)
	require.Error(t, err)
	assert.True(t, qerr.IsQErrCode(err, qerr.ErrSemaphoreMismatch))
	assert.True(t, qerr.IsFatal(err))
	assert.Zero(t, e.cache.Len(), "the bad continuation is destroyed, not re-parked")
	assert.Zero(t, e.sems[1].InactiveCount())
	assert.Zero(t, e.sems[1].ActiveCount())
}

func TestDestroyReaderOutsideInUseCloses(t *testing.T) {
	e := newTestEngine(t, 1)
	rc := newReadContext(e, testRequest(uuid.New(), true))
	stub := newScriptedInner(mutation.FullRange(), 1)

	rc.DestroyReader(context.Background(), 0, stub, mutation.NewBuffer())

	assert.True(t, stub.closed, "the orphaned reader must not leak")
	assert.Equal(t, stateAbsent, rc.slots[0].state)
	assert.Zero(t, e.sems[0].InactiveCount())
}

func TestSaveSplicesUnconsumedAndDismantled(t *testing.T) {
	e := newTestEngine(t, 1)
	seedRows(t, e, 9, "z", "r1")
	ctx := context.Background()
	qid := uuid.New()

	rc := newReadContext(e, testRequest(qid, true))
	r, err := rc.CreateReader(ctx, 0)
	require.NoError(t, err)

	// The merge had pulled one row of partition m without surfacing it.
	unconsumed := mutation.NewBuffer(rowFrag("m2", "v"))
	unconsumedBytes := unconsumed.Bytes()
	rc.DestroyReader(ctx, 0, r, unconsumed)

	// The page ended inside partition m with only its start consumed.
	ps := psFrag(5, "m")
	cs := &mutation.CompactionState{PartitionStart: &ps}
	rc.SaveReaders(ctx, mutation.NewBuffer(), cs)

	assert.Equal(t, int64(2), e.counters.Query.UnpoppedFragments.Load())
	assert.Equal(t, unconsumedBytes+ps.MemSize(), e.counters.Query.UnpoppedBytes.Load())
	require.Equal(t, 1, e.cache.Len())

	// The resumed stream must replay the open partition ahead of
	// everything else: start first, then the unsurfaced row.
	rc2 := newReadContext(e, testRequest(qid, false))
	require.NoError(t, rc2.LookupReaders(ctx))
	r2, err := rc2.CreateReader(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, r2.FillBuffer(ctx))
	assert.Equal(t, []string{"ps:5", "cr:m2"}, fragSig(r2.Buffer().Fragments()))

	rc2.DestroyReader(ctx, 0, r2, mutation.NewBuffer())
	rc2.Stop(ctx)
	assert.Zero(t, e.sems[0].ActiveCount())
}

func TestSaveReinstatesUntouchedContinuation(t *testing.T) {
	e := newTestEngine(t, 1)
	seedRows(t, e, 3, "a", "r1")
	ctx := context.Background()
	qid := uuid.New()

	rc := newReadContext(e, testRequest(qid, true))
	r, err := rc.CreateReader(ctx, 0)
	require.NoError(t, err)
	rc.DestroyReader(ctx, 0, r, mutation.NewBuffer())
	rc.SaveReaders(ctx, mutation.NewBuffer(), nil)
	reclaims := e.counters.Admission.InactiveReclaims.Load()

	// The next page recovers the continuation but never promotes it;
	// its save must reinstate the parked reader as-is.
	rc2 := newReadContext(e, testRequest(qid, false))
	require.NoError(t, rc2.LookupReaders(ctx))
	require.Equal(t, stateRecovered, rc2.slots[0].state)
	rc2.SaveReaders(ctx, mutation.NewBuffer(), nil)

	assert.Equal(t, 1, e.cache.Len())
	assert.Equal(t, 1, e.sems[0].InactiveCount())
	assert.Equal(t, reclaims, e.counters.Admission.InactiveReclaims.Load(),
		"an untouched continuation is reinstated without churning the reader")

	rc3 := newReadContext(e, testRequest(qid, false))
	require.NoError(t, rc3.LookupReaders(ctx))
	rc3.Stop(ctx)
	assert.Zero(t, e.sems[0].ActiveCount())
	assert.Zero(t, e.sems[0].InactiveCount())
}

func TestSaveDropsEvictedContinuation(t *testing.T) {
	e := newTestEngine(t, 1, func(c *config.Config) { c.MaxInactiveReads = 1 })
	seedRows(t, e, 3, "a", "r1")
	ctx := context.Background()
	qid := uuid.New()

	rc := newReadContext(e, testRequest(qid, true))
	r, err := rc.CreateReader(ctx, 0)
	require.NoError(t, err)
	rc.DestroyReader(ctx, 0, r, mutation.NewBuffer())
	require.Equal(t, stateSaving, rc.slots[0].state)

	// Another parked reader overflows the capacity-1 inactive list and
	// evicts the page's reader out from under the pending save.
	pX, err := e.sems[0].AcquirePermit(ctx, testSchema, "other")
	require.NoError(t, err)
	hX := e.sems[0].RegisterInactive(reader.NewEmptyReader(), pX)
	assert.Equal(t, int64(1), e.counters.Admission.InactiveEvicted.Load())

	rc.SaveReaders(ctx, mutation.NewBuffer(), nil)
	assert.Equal(t, int64(1), e.counters.Query.FailedReaderSaves.Load())
	assert.Zero(t, e.cache.Len(), "an evicted reader leaves no continuation")
	rc.Stop(ctx)

	if r, p, ok := e.sems[0].Reclaim(hX); ok {
		require.NoError(t, r.Close(ctx))
		p.Release()
	}
	assert.Zero(t, e.sems[0].ActiveCount())
}

func TestSaveSentinelQueryIsNoop(t *testing.T) {
	e := newTestEngine(t, 1)
	seedRows(t, e, 3, "a", "r1")
	ctx := context.Background()

	rc := newReadContext(e, testRequest(uuid.Nil, true))
	r, err := rc.CreateReader(ctx, 0)
	require.NoError(t, err)
	rc.DestroyReader(ctx, 0, r, mutation.NewBuffer())

	rc.SaveReaders(ctx, mutation.NewBuffer(), nil)
	assert.Zero(t, e.cache.Len())
	assert.Zero(t, e.counters.Query.FailedReaderSaves.Load())

	rc.Stop(ctx)
	assert.Zero(t, e.sems[0].ActiveCount())
	assert.Zero(t, e.sems[0].InactiveCount())
}

func TestStopCountsFailingClose(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()
	p, err := e.sems[0].AcquirePermit(ctx, testSchema, "x")
	require.NoError(t, err)

	rc := newReadContext(e, testRequest(uuid.New(), true))
	rc.slots[0] = readerSlot{state: stateInUse, parts: &remoteParts{permit: p}}
	rc.DestroyReader(ctx, 0, &failingCloseReader{}, mutation.NewBuffer())

	rc.Stop(ctx)
	assert.Equal(t, int64(1), e.counters.Query.FailedReaderStops.Load())
	assert.Zero(t, e.sems[0].ActiveCount(), "the permit is released even when close fails")
	assert.Zero(t, e.sems[0].InactiveCount())
}

type failingCloseReader struct {
	reader.EmptyReader
}

func (r *failingCloseReader) Close(ctx context.Context) error {
	return qerr.NewStorageIO(ctx, "close failed")
}
