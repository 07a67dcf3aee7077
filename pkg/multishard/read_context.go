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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/logutil"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/querier"
	"github.com/matrixorigin/shardquery/pkg/reader"
)

// ReadContext coordinates one page's per-shard readers.  It is owned
// exclusively by that page: lookup before the page runs, create/destroy
// while it runs, then save or stop after it.  Slot state is touched
// only by tasks running on the owning shard's executor; the coordinator
// itself holds no locks.
//
// ReadContext is the lifecycle policy of the page's combining reader.
type ReadContext struct {
	e *Engine

	queryID   uuid.UUID
	schema    mutation.Schema
	ranges    []mutation.Range
	slice     mutation.Slice
	idRange   mutation.Range
	firstPage bool

	slots []readerSlot
}

var _ reader.LifecyclePolicy = (*ReadContext)(nil)

func newReadContext(e *Engine, req *Request) *ReadContext {
	return &ReadContext{
		e:         e,
		queryID:   req.QueryID,
		schema:    req.Schema,
		ranges:    req.Ranges,
		slice:     req.Slice,
		idRange:   req.identityRange(),
		firstPage: req.FirstPage,
		slots:     make([]readerSlot, e.exec.ShardCount()),
	}
}

// openingRange is where a fresh shard reader starts.  With multiple
// ranges the sequencer forwards it through the rest.
func (rc *ReadContext) openingRange() mutation.Range {
	return rc.ranges[0]
}

// LookupReaders recovers the previous page's parked readers, one
// concurrent cache lookup per shard.  Shards that miss stay absent and
// will open fresh readers on demand.  A continuation admitted under a
// different shard's semaphore cannot have come from this query's save
// path; that is a fatal wiring bug, not a miss.
func (rc *ReadContext) LookupReaders(ctx context.Context) error {
	if rc.queryID == uuid.Nil || rc.firstPage {
		return nil
	}
	errs := rc.e.exec.RunOnAll(ctx, func(ctx context.Context, shardID uint32) error {
		key := querier.Key{QueryID: rc.queryID, Shard: shardID}
		q, ok := rc.e.cache.Lookup(ctx, key, rc.schema, rc.idRange, rc.slice)
		if !ok {
			return nil
		}
		if q.Sem != rc.e.sems[shardID] {
			q.Destroy(ctx)
			return qerr.NewSemaphoreMismatch(ctx, shardID)
		}
		rc.slots[shardID] = readerSlot{
			state: stateRecovered,
			parts: &remoteParts{permit: q.Permit, handle: q.Handle},
		}
		return nil
	})
	return firstError(errs)
}

// CreateReader admits and opens this shard's reader on the shard's own
// executor and hands back a foreign wrapper whose stream operations hop
// there too.
func (rc *ReadContext) CreateReader(ctx context.Context, shardID uint32) (reader.FragmentReader, error) {
	var created reader.FragmentReader
	err := rc.e.exec.RunOn(ctx, shardID, func(ctx context.Context) error {
		r, err := rc.createOnShard(ctx, shardID)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reader.NewForeignReader(shardID, rc.e.exec, created), nil
}

func (rc *ReadContext) createOnShard(ctx context.Context, shardID uint32) (reader.FragmentReader, error) {
	slot := &rc.slots[shardID]

	if slot.state == stateSaving {
		return nil, qerr.NewReaderSlotState(ctx, shardID, slot.state.String())
	}

	if slot.state == stateRecovered {
		r, p, ok := rc.e.sems[shardID].Reclaim(slot.parts.handle)
		slot.parts.handle = nil
		if ok {
			if p != slot.parts.permit {
				_ = r.Close(ctx)
				p.Release()
				return nil, qerr.NewPermitMismatch(ctx, shardID)
			}
			p.SetMaxResultSize(rc.e.maxResultSize)
			slot.state = stateInUse
			return r, nil
		}
		// Evicted while parked.  The eviction released its permit, so
		// this shard starts over with a fresh one.
		logutil.Debug("parked reader evicted before use, reopening",
			zap.String("query", rc.queryID.String()),
			zap.Uint32("shard", shardID))
		slot.parts.permit = nil
	}

	reused := slot.parts != nil && slot.parts.permit != nil
	p, err := rc.obtainPermit(ctx, slot, shardID)
	if err != nil {
		return nil, err
	}
	r, err := rc.e.store.Source(shardID).OpenReader(ctx, rc.schema, p, rc.openingRange(), rc.slice)
	if err != nil {
		if !reused {
			p.Release()
			slot.parts.permit = nil
			if slot.state == stateAbsent {
				slot.parts = nil
			}
		}
		return nil, err
	}
	slot.state = stateInUse
	return r, nil
}

// obtainPermit reuses the slot's permit when one is present, otherwise
// admits a new read with the shard's semaphore.  A held permit stamped
// by another shard's semaphore is a fatal wiring bug.
func (rc *ReadContext) obtainPermit(ctx context.Context, slot *readerSlot, shardID uint32) (*reader.Permit, error) {
	if slot.parts != nil && slot.parts.permit != nil {
		p := slot.parts.permit
		if p.Semaphore() != rc.e.sems[shardID] {
			return nil, qerr.NewPermitMismatch(ctx, shardID)
		}
		p.SetMaxResultSize(rc.e.maxResultSize)
		return p, nil
	}
	p, err := rc.e.sems[shardID].AcquirePermit(ctx, rc.schema, rc.queryID.String())
	if err != nil {
		return nil, err
	}
	p.SetMaxResultSize(rc.e.maxResultSize)
	if slot.parts == nil {
		slot.parts = &remoteParts{}
	}
	slot.parts.permit = p
	return p, nil
}

// DestroyReader pauses an in-use reader: the reader parks in the
// shard's semaphore and the slot keeps its handle plus the fragments
// the merge had taken but not surfaced.  SaveReaders decides later
// whether the parked reader becomes a continuation or is dropped.
// Destroying a slot in any other state is ignored with a warning; the
// orphaned reader is closed so nothing leaks.
func (rc *ReadContext) DestroyReader(ctx context.Context, shardID uint32, r reader.FragmentReader, unconsumed *mutation.Buffer) {
	_ = rc.e.exec.RunOn(ctx, shardID, func(ctx context.Context) error {
		slot := &rc.slots[shardID]
		if slot.state != stateInUse {
			logutil.Warn("destroying reader outside in-use state, ignoring",
				zap.String("query", rc.queryID.String()),
				zap.Uint32("shard", shardID),
				zap.String("state", slot.state.String()))
			_ = r.Close(ctx)
			return nil
		}
		inner := r
		if fr, ok := r.(*reader.ForeignReader); ok {
			inner = fr.Release()
		}
		slot.parts.handle = rc.e.sems[shardID].RegisterInactive(inner, slot.parts.permit)
		slot.parts.unconsumed = unconsumed
		slot.state = stateSaving
		return nil
	})
}

// SaveReaders turns still-open readers into continuations for the next
// page.  The page's leftover combined buffer and the open partition's
// compaction state are dismantled into per-shard runs first; each
// saving shard then splices its runs back into its reader ahead of
// whatever the stream would produce next, and the reconstituted reader
// is parked in the cache under the query id.  Shards save concurrently
// and fail independently: a shard whose parked reader was evicted in
// the meantime loses its continuation and is counted, never escalated.
func (rc *ReadContext) SaveReaders(ctx context.Context, leftover *mutation.Buffer, cs *mutation.CompactionState) {
	if rc.queryID == uuid.Nil {
		return
	}

	dismantled := dismantleBuffer(leftover, cs, rc.e.sharder, func(shardID uint32) bool {
		return int(shardID) < len(rc.slots) && rc.slots[shardID].state == stateSaving
	}, rc.e.counters)
	for shardID, buf := range dismantled {
		rc.slots[shardID].dismantled = buf
	}

	errs := rc.e.exec.RunOnAll(ctx, func(ctx context.Context, shardID uint32) error {
		rc.saveOnShard(ctx, shardID)
		return nil
	})
	for shardID, err := range errs {
		if err != nil {
			rc.e.counters.Query.FailedReaderSaves.Add(1)
			logutil.Warn("could not dispatch reader save",
				zap.Int("shard", shardID), zap.Error(err))
		}
	}
}

func (rc *ReadContext) saveOnShard(ctx context.Context, shardID uint32) {
	slot := &rc.slots[shardID]
	switch slot.state {
	case stateAbsent, stateInUse:
		return

	case stateRecovered:
		// Never promoted this page: the parked reader is untouched, so
		// its continuation is simply reinstated.
		rc.insertContinuation(ctx, shardID, slot.parts.handle, slot.parts.permit)

	case stateSaving:
		parts := slot.parts
		r, p, ok := rc.e.sems[shardID].Reclaim(parts.handle)
		if !ok {
			rc.e.counters.Query.FailedReaderSaves.Add(1)
			logutil.Warn("parked reader evicted before save, dropping continuation",
				zap.String("query", rc.queryID.String()),
				zap.Uint32("shard", shardID))
			break
		}
		if p != parts.permit {
			rc.e.counters.Query.FailedReaderSaves.Add(1)
			logutil.Error("parked reader returned a foreign permit, dropping continuation",
				zap.String("query", rc.queryID.String()),
				zap.Uint32("shard", shardID))
			_ = r.Close(ctx)
			p.Release()
			parts.permit.Release()
			break
		}

		var frags, bytes int64
		if parts.unconsumed != nil && !parts.unconsumed.Empty() {
			frags += int64(parts.unconsumed.Len())
			bytes += parts.unconsumed.Bytes()
			r.Prepend(parts.unconsumed)
		}
		if slot.dismantled != nil && !slot.dismantled.Empty() {
			frags += int64(slot.dismantled.Len())
			bytes += slot.dismantled.Bytes()
			r.Prepend(slot.dismantled)
		}
		rc.e.counters.Query.UnpoppedFragments.Add(frags)
		rc.e.counters.Query.UnpoppedBytes.Add(bytes)

		rc.insertContinuation(ctx, shardID, rc.e.sems[shardID].RegisterInactive(r, p), p)
	}

	slot.state = stateAbsent
	slot.parts = nil
	slot.dismantled = nil
}

func (rc *ReadContext) insertContinuation(ctx context.Context, shardID uint32, h *reader.InactiveHandle, p *reader.Permit) {
	rc.e.cache.Insert(ctx, querier.Key{QueryID: rc.queryID, Shard: shardID}, &querier.Querier{
		Handle: h,
		Sem:    rc.e.sems[shardID],
		Permit: p,
		Schema: rc.schema,
		Range:  rc.idRange,
		Slice:  rc.slice,
	})
}

// Stop releases whatever the page still holds, on every shard in
// parallel.  It never fails the caller: per-shard errors are swallowed
// and counted.  Slots already saved or never populated are no-ops, so
// stopping after a save only cleans up what the save dropped.
func (rc *ReadContext) Stop(ctx context.Context) {
	errs := rc.e.exec.RunOnAll(ctx, func(ctx context.Context, shardID uint32) error {
		rc.stopOnShard(ctx, shardID)
		return nil
	})
	for shardID, err := range errs {
		if err != nil {
			rc.e.counters.Query.FailedReaderStops.Add(1)
			logutil.Warn("could not dispatch reader stop",
				zap.Int("shard", shardID), zap.Error(err))
		}
	}
}

func (rc *ReadContext) stopOnShard(ctx context.Context, shardID uint32) {
	slot := &rc.slots[shardID]
	if slot.state == stateAbsent {
		slot.dismantled = nil
		return
	}
	if slot.state == stateInUse {
		// The reader itself is owned by the page's combining reader,
		// which is closed before the coordinator stops; all that is
		// left to do here is let go of the admission slot.
		logutil.Warn("stopping a shard reader still in use",
			zap.String("query", rc.queryID.String()),
			zap.Uint32("shard", shardID))
	}
	parts := slot.parts
	if parts.handle != nil {
		if r, p, ok := rc.e.sems[shardID].Reclaim(parts.handle); ok {
			if err := r.Close(ctx); err != nil {
				rc.e.counters.Query.FailedReaderStops.Add(1)
				logutil.Warn("failed to stop shard reader",
					zap.String("query", rc.queryID.String()),
					zap.Uint32("shard", shardID),
					zap.Error(err))
			}
			p.Release()
		}
	}
	if parts.permit != nil {
		parts.permit.Release()
	}
	slot.state = stateAbsent
	slot.parts = nil
	slot.dismantled = nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
