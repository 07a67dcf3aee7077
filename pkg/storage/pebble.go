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

package storage

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/logutil"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/reader"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// PebbleStore persists the dataset in one pebble instance.  Keys embed
// the owning shard so each shard's slice is a contiguous keyspan and a
// shard reader is a plain bounded iterator.
type PebbleStore struct {
	db      *pebble.DB
	sharder shard.Sharder
}

func OpenPebbleStore(dir string, sharder shard.Sharder) (*PebbleStore, error) {
	opts := &pebble.Options{
		Logger: logutil.GetLogger("pebble").Sugar(),
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, qerr.NewStorageIO(context.Background(), "open pebble at %s: %v", dir, err)
	}
	return &PebbleStore{db: db, sharder: sharder}, nil
}

func (s *PebbleStore) Source(shardID uint32) Source {
	return &PebbleSource{store: s, shardID: shardID}
}

func (s *PebbleStore) Sharder() shard.Sharder {
	return s.sharder
}

func (s *PebbleStore) Apply(ctx context.Context, schema mutation.Schema, mut mutation.PartitionMutation) error {
	if len(mut.Key.Key) == 0 {
		return qerr.NewInvalidInput(ctx, "empty partition key")
	}
	shardID := s.sharder.ShardOf(mut.Key.Token)
	prefix := encodePartitionPrefix(schema.ID, shardID, mut.Key)

	b := s.db.NewBatch()
	defer func() {
		_ = b.Close()
	}()
	var err error
	set := func(key, value []byte) {
		if err == nil {
			err = b.Set(key, value, nil)
		}
	}
	set(partitionStartKey(prefix), encodeTombstone(mut.Tombstone))
	if mut.HasStaticRow {
		set(staticRowKey(prefix), mut.StaticRow)
	}
	for _, row := range mut.Rows {
		set(clusteredKey(prefix, row.Key, subRow), row.Value)
	}
	for _, rtc := range mut.RangeTombstones {
		set(clusteredKey(prefix, rtc.Bound, subRangeTombstone), encodeTombstone(rtc.Tombstone))
	}
	if err == nil {
		err = b.Commit(pebble.Sync)
	}
	if err != nil {
		return qerr.NewStorageIO(ctx, "apply to %s: %v", mut.Key, err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return qerr.NewStorageIO(context.Background(), "close pebble: %v", err)
	}
	return nil
}

// PebbleSource opens iterator backed readers over one shard's keyspan.
type PebbleSource struct {
	store   *PebbleStore
	shardID uint32
}

func (s *PebbleSource) OpenReader(ctx context.Context, schema mutation.Schema, permit *reader.Permit,
	rng mutation.Range, slice mutation.Slice) (reader.FragmentReader, error) {
	if rng.Empty() {
		return reader.NewEmptyReader(), nil
	}
	lower, upper := keyBounds(schema.ID, s.shardID, rng)
	iter := s.store.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	return &pebbleReader{
		iter:     iter,
		schemaID: schema.ID,
		shardID:  s.shardID,
		permit:   permit,
	}, nil
}

// pebbleReader streams fragments off a bounded iterator.  The iterator
// always rests on the first key not yet buffered, so a reader survives
// across pages simply by keeping its iterator open.
type pebbleReader struct {
	reader.Base
	iter     *pebble.Iterator
	schemaID uint64
	shardID  uint32
	permit   *reader.Permit
	started  bool
	closed   bool
	// partition of the most recently buffered fragment
	lastPartition *mutation.PartitionKey
}

func (r *pebbleReader) FillBuffer(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	if !r.Buffer().Empty() || r.EndOfStream() {
		return nil
	}
	budget := fillBudget(r.permit)
	var valid bool
	if !r.started {
		r.started = true
		valid = r.iter.First()
	} else {
		valid = r.iter.Valid()
	}
	for valid {
		f, err := r.decodeCurrent(ctx)
		if err != nil {
			return err
		}
		r.Buffer().PushBack(f)
		valid = r.iter.Next()
		if r.Buffer().Bytes() >= budget {
			break
		}
	}
	if !valid {
		if err := r.iter.Error(); err != nil {
			return qerr.NewStorageIO(ctx, "shard %d iterator: %v", r.shardID, err)
		}
		r.MarkEndOfStream()
	}
	return nil
}

func (r *pebbleReader) decodeCurrent(ctx context.Context) (mutation.Fragment, error) {
	dk, err := decodeFragmentKey(r.iter.Key())
	if err != nil {
		return mutation.Fragment{}, err
	}
	value := append([]byte{}, r.iter.Value()...)
	switch dk.marker {
	case markerPartitionStart:
		ts, err := decodeTombstone(value)
		if err != nil {
			return mutation.Fragment{}, err
		}
		pk := mutation.PartitionKey{Key: append([]byte{}, dk.pkey...), Token: dk.token}
		r.lastPartition = &pk
		return mutation.NewPartitionStart(pk, ts), nil
	case markerStaticRow:
		return mutation.NewStaticRow(value), nil
	case markerClustered:
		ck := mutation.ClusteringKey(append([]byte{}, dk.ckey...))
		if dk.sub == subRangeTombstone {
			ts, err := decodeTombstone(value)
			if err != nil {
				return mutation.Fragment{}, err
			}
			return mutation.NewRangeTombstoneChange(ck, ts), nil
		}
		return mutation.NewClusteringRow(ck, value), nil
	}
	return mutation.Fragment{}, qerr.NewStorageIO(ctx, "unknown key marker %d", dk.marker)
}

func (r *pebbleReader) NextPartition(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	buf := r.Buffer()
	if !buf.Empty() && buf.Front().IsPartitionStart() {
		return nil
	}
	for !buf.Empty() && !buf.Front().IsPartitionStart() {
		buf.PopFront()
	}
	if !buf.Empty() || r.EndOfStream() {
		return nil
	}
	if !r.started || r.lastPartition == nil {
		return nil
	}
	// remaining fragments of the skipped partition are still ahead in
	// the iterator
	prefix := encodePartitionPrefix(r.schemaID, r.shardID, *r.lastPartition)
	if !r.iter.SeekGE(append(prefix, 0xff)) {
		if err := r.iter.Error(); err != nil {
			return qerr.NewStorageIO(ctx, "shard %d iterator: %v", r.shardID, err)
		}
		r.MarkEndOfStream()
	}
	return nil
}

func (r *pebbleReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	r.DetachBuffer()
	r.lastPartition = nil
	if rng.Empty() {
		r.started = true
		r.MarkEndOfStream()
		return nil
	}
	lower, upper := keyBounds(r.schemaID, r.shardID, rng)
	r.iter.SetBounds(lower, upper)
	r.started = false
	r.ResetEndOfStream()
	return nil
}

func (r *pebbleReader) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.iter.Close(); err != nil {
		return qerr.NewStorageIO(ctx, "close shard %d reader: %v", r.shardID, err)
	}
	return nil
}
