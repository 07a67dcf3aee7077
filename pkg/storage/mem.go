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
	"sync"

	"github.com/google/btree"
	"golang.org/x/exp/slices"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/reader"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

const (
	btreeDegree       = 32
	defaultFillBudget = 128 << 10
)

// MemStore keeps the dataset in per-shard btrees.  The default engine;
// also the fixture store of most tests.
type MemStore struct {
	sharder shard.Sharder
	shards  []*MemSource
}

func NewMemStore(sharder shard.Sharder) *MemStore {
	shards := make([]*MemSource, sharder.ShardCount())
	for i := range shards {
		shards[i] = &MemSource{
			shardID: uint32(i),
			tables:  make(map[uint64]*btree.BTree),
		}
	}
	return &MemStore{sharder: sharder, shards: shards}
}

func (s *MemStore) Source(shardID uint32) Source {
	return s.shards[shardID]
}

func (s *MemStore) Sharder() shard.Sharder {
	return s.sharder
}

func (s *MemStore) Apply(ctx context.Context, schema mutation.Schema, mut mutation.PartitionMutation) error {
	if len(mut.Key.Key) == 0 {
		return qerr.NewInvalidInput(ctx, "empty partition key")
	}
	shardID := s.sharder.ShardOf(mut.Key.Token)
	s.shards[shardID].apply(schema, mut)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

// MemSource is one shard's slice of a MemStore: a btree of partitions
// per table, ordered by (token, partition key).
type MemSource struct {
	shardID uint32
	mu      sync.RWMutex
	tables  map[uint64]*btree.BTree
}

type memPartition struct {
	key       mutation.PartitionKey
	tombstone int64
	static    []byte
	hasStatic bool
	rows      *btree.BTree
	rtcs      []mutation.RangeTombstone
}

func (p *memPartition) Less(than btree.Item) bool {
	return p.key.Compare(than.(*memPartition).key) < 0
}

type memRow struct {
	row mutation.Row
}

func (r *memRow) Less(than btree.Item) bool {
	return r.row.Key.Compare(than.(*memRow).row.Key) < 0
}

func (s *MemSource) apply(schema mutation.Schema, mut mutation.PartitionMutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.tables[schema.ID]
	if !ok {
		tree = btree.New(btreeDegree)
		s.tables[schema.ID] = tree
	}
	var p *memPartition
	if it := tree.Get(&memPartition{key: mut.Key}); it != nil {
		p = it.(*memPartition)
	} else {
		p = &memPartition{key: mut.Key, rows: btree.New(btreeDegree)}
		tree.ReplaceOrInsert(p)
	}
	if mut.Tombstone > p.tombstone {
		p.tombstone = mut.Tombstone
	}
	if mut.HasStaticRow {
		p.static, p.hasStatic = mut.StaticRow, true
	}
	for _, row := range mut.Rows {
		p.rows.ReplaceOrInsert(&memRow{row: row})
	}
	if len(mut.RangeTombstones) > 0 {
		p.rtcs = append(p.rtcs, mut.RangeTombstones...)
		slices.SortFunc(p.rtcs, func(a, b mutation.RangeTombstone) bool {
			return a.Bound.Compare(b.Bound) < 0
		})
	}
}

func (s *MemSource) OpenReader(ctx context.Context, schema mutation.Schema, permit *reader.Permit,
	rng mutation.Range, slice mutation.Slice) (reader.FragmentReader, error) {
	if rng.Empty() {
		return reader.NewEmptyReader(), nil
	}
	return &memReader{
		src:      s,
		schemaID: schema.ID,
		permit:   permit,
		rng:      rng,
		next:     mutation.PartitionKey{Token: rng.Start},
	}, nil
}

func fillBudget(p *reader.Permit) int64 {
	if p != nil {
		if n := p.MaxResultSize(); n > 0 {
			return n
		}
	}
	return defaultFillBudget
}

// memReader emits whole partitions per fill, resuming at the partition
// after the last emitted one.  Emptying its buffer therefore always
// leaves it at a partition boundary.
type memReader struct {
	reader.Base
	src      *MemSource
	schemaID uint64
	permit   *reader.Permit
	rng      mutation.Range
	next     mutation.PartitionKey
	closed   bool
}

func (r *memReader) FillBuffer(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	if !r.Buffer().Empty() || r.EndOfStream() {
		return nil
	}
	budget := fillBudget(r.permit)
	r.src.mu.RLock()
	defer r.src.mu.RUnlock()
	tree, ok := r.src.tables[r.schemaID]
	if !ok {
		r.MarkEndOfStream()
		return nil
	}
	exhausted := true
	tree.AscendGreaterOrEqual(&memPartition{key: r.next}, func(it btree.Item) bool {
		p := it.(*memPartition)
		if p.key.Token > r.rng.End {
			return false
		}
		r.emitPartition(p)
		r.next = successorKey(p.key)
		if r.Buffer().Bytes() >= budget {
			exhausted = false
			return false
		}
		return true
	})
	if exhausted {
		r.MarkEndOfStream()
	}
	return nil
}

func (r *memReader) emitPartition(p *memPartition) {
	buf := r.Buffer()
	buf.PushBack(mutation.NewPartitionStart(p.key, p.tombstone))
	if p.hasStatic {
		buf.PushBack(mutation.NewStaticRow(p.static))
	}
	i := 0
	p.rows.Ascend(func(it btree.Item) bool {
		row := it.(*memRow).row
		for i < len(p.rtcs) && p.rtcs[i].Bound.Compare(row.Key) <= 0 {
			buf.PushBack(mutation.NewRangeTombstoneChange(p.rtcs[i].Bound, p.rtcs[i].Tombstone))
			i++
		}
		buf.PushBack(mutation.NewClusteringRow(row.Key, row.Value))
		return true
	})
	for ; i < len(p.rtcs); i++ {
		buf.PushBack(mutation.NewRangeTombstoneChange(p.rtcs[i].Bound, p.rtcs[i].Tombstone))
	}
}

// successorKey is the smallest partition key ordered after k.
func successorKey(k mutation.PartitionKey) mutation.PartitionKey {
	succ := make([]byte, len(k.Key)+1)
	copy(succ, k.Key)
	return mutation.PartitionKey{Key: succ, Token: k.Token}
}

func (r *memReader) NextPartition(ctx context.Context) error {
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
	return nil
}

func (r *memReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	r.rng = rng
	r.next = mutation.PartitionKey{Token: rng.Start}
	r.DetachBuffer()
	r.ResetEndOfStream()
	return nil
}

func (r *memReader) Close(ctx context.Context) error {
	r.closed = true
	return nil
}
