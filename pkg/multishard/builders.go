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
)

// ReconcilableResult is the mutation-level page representation: every
// consumed partition as a mergeable mutation, tombstones included.
// Replicas reconcile pages by merging mutations with the same key.
type ReconcilableResult struct {
	Partitions []mutation.PartitionMutation
}

func (r *ReconcilableResult) RowCount() uint64 {
	var n uint64
	for i := range r.Partitions {
		n += uint64(len(r.Partitions[i].Rows))
	}
	return n
}

// mutationResultBuilder accumulates a ReconcilableResult.  It preserves
// the stream with full fidelity; nothing is filtered.
type mutationResultBuilder struct {
	result ReconcilableResult
	open   bool
}

var _ ResultBuilder = (*mutationResultBuilder)(nil)

func newMutationResultBuilder() *mutationResultBuilder {
	return &mutationResultBuilder{}
}

func (b *mutationResultBuilder) current() *mutation.PartitionMutation {
	if !b.open {
		panic("BUG: consuming into a closed partition")
	}
	return &b.result.Partitions[len(b.result.Partitions)-1]
}

func (b *mutationResultBuilder) ConsumeNewPartition(pk mutation.PartitionKey) error {
	b.result.Partitions = append(b.result.Partitions, mutation.PartitionMutation{Key: pk})
	b.open = true
	return nil
}

func (b *mutationResultBuilder) ConsumePartitionTombstone(tombstone int64) error {
	b.current().Tombstone = tombstone
	return nil
}

func (b *mutationResultBuilder) ConsumeStatic(value []byte) error {
	m := b.current()
	m.StaticRow = value
	m.HasStaticRow = true
	return nil
}

func (b *mutationResultBuilder) ConsumeRow(ck mutation.ClusteringKey, value []byte) error {
	m := b.current()
	m.Rows = append(m.Rows, mutation.Row{Key: ck, Value: value})
	return nil
}

func (b *mutationResultBuilder) ConsumeRangeTombstoneChange(ck mutation.ClusteringKey, tombstone int64) error {
	m := b.current()
	m.RangeTombstones = append(m.RangeTombstones, mutation.RangeTombstone{Bound: ck, Tombstone: tombstone})
	return nil
}

func (b *mutationResultBuilder) ConsumeEndOfPartition() error {
	b.open = false
	return nil
}

func (b *mutationResultBuilder) ConsumeEndOfStream() error {
	return nil
}

func (b *mutationResultBuilder) Result() *ReconcilableResult {
	return &b.result
}

// PartitionRows is one partition of a client-facing result.
type PartitionRows struct {
	Key       mutation.PartitionKey
	Static    []byte
	HasStatic bool
	Rows      []mutation.Row
}

// ResultSet is the client-facing page representation: rows grouped by
// partition.  Range tombstones are merge metadata and are elided;
// partitions that contributed neither rows nor a static row are too.
type ResultSet struct {
	Partitions []PartitionRows
	Rows       uint64
}

// rowResultBuilder accumulates a ResultSet.
type rowResultBuilder struct {
	result  ResultSet
	current PartitionRows
	open    bool
}

var _ ResultBuilder = (*rowResultBuilder)(nil)

func newRowResultBuilder() *rowResultBuilder {
	return &rowResultBuilder{}
}

func (b *rowResultBuilder) ConsumeNewPartition(pk mutation.PartitionKey) error {
	b.current = PartitionRows{Key: pk}
	b.open = true
	return nil
}

func (b *rowResultBuilder) ConsumePartitionTombstone(tombstone int64) error {
	return nil
}

func (b *rowResultBuilder) ConsumeStatic(value []byte) error {
	if !b.open {
		panic("BUG: consuming into a closed partition")
	}
	b.current.Static = value
	b.current.HasStatic = true
	return nil
}

func (b *rowResultBuilder) ConsumeRow(ck mutation.ClusteringKey, value []byte) error {
	if !b.open {
		panic("BUG: consuming into a closed partition")
	}
	b.current.Rows = append(b.current.Rows, mutation.Row{Key: ck, Value: value})
	b.result.Rows++
	return nil
}

func (b *rowResultBuilder) ConsumeRangeTombstoneChange(ck mutation.ClusteringKey, tombstone int64) error {
	return nil
}

func (b *rowResultBuilder) ConsumeEndOfPartition() error {
	if b.open && (b.current.HasStatic || len(b.current.Rows) > 0) {
		b.result.Partitions = append(b.result.Partitions, b.current)
	}
	b.current = PartitionRows{}
	b.open = false
	return nil
}

func (b *rowResultBuilder) ConsumeEndOfStream() error {
	return nil
}

func (b *rowResultBuilder) Result() *ResultSet {
	return &b.result
}
