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

package mutation

// Row is one materialized clustering row.
type Row struct {
	Key   ClusteringKey
	Value []byte
}

// RangeTombstone is a materialized range tombstone change.
type RangeTombstone struct {
	Bound     ClusteringKey
	Tombstone int64
}

// PartitionMutation is the reconcilable, per-partition representation of
// a read result: everything a replica needs to merge the partition.
type PartitionMutation struct {
	Key             PartitionKey
	Tombstone       int64
	StaticRow       []byte
	HasStaticRow    bool
	Rows            []Row
	RangeTombstones []RangeTombstone
}

func (m *PartitionMutation) RowCount() uint64 {
	n := uint64(len(m.Rows))
	if m.HasStaticRow {
		n++
	}
	return n
}
