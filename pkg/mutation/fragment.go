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

import "fmt"

// FragmentKind discriminates the units of a fragment stream.  A stream
// is a sequence of partitions: each opens with a PartitionStart, followed
// by an optional StaticRow, then ClusteringRows and RangeTombstoneChanges
// in clustering order.  There is no explicit partition-end fragment; a
// partition closes at the next PartitionStart or at end of stream.
type FragmentKind uint8

const (
	FragmentPartitionStart FragmentKind = iota + 1
	FragmentStaticRow
	FragmentClusteringRow
	FragmentRangeTombstoneChange
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentPartitionStart:
		return "partition-start"
	case FragmentStaticRow:
		return "static-row"
	case FragmentClusteringRow:
		return "clustering-row"
	case FragmentRangeTombstoneChange:
		return "range-tombstone-change"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// fragmentOverhead approximates the fixed in-memory cost of a Fragment.
const fragmentOverhead = 48

// Fragment is one unit of a mutation stream.  Field use per kind:
//
//	PartitionStart:       PKey, Tombstone (partition deletion time, 0 live)
//	StaticRow:            Value
//	ClusteringRow:        CKey, Value
//	RangeTombstoneChange: CKey (bound), Tombstone (0 closes the open one)
type Fragment struct {
	Kind      FragmentKind
	PKey      PartitionKey
	CKey      ClusteringKey
	Value     []byte
	Tombstone int64
}

func NewPartitionStart(pk PartitionKey, tombstone int64) Fragment {
	return Fragment{Kind: FragmentPartitionStart, PKey: pk, Tombstone: tombstone}
}

func NewStaticRow(value []byte) Fragment {
	return Fragment{Kind: FragmentStaticRow, Value: value}
}

func NewClusteringRow(ck ClusteringKey, value []byte) Fragment {
	return Fragment{Kind: FragmentClusteringRow, CKey: ck, Value: value}
}

func NewRangeTombstoneChange(ck ClusteringKey, tombstone int64) Fragment {
	return Fragment{Kind: FragmentRangeTombstoneChange, CKey: ck, Tombstone: tombstone}
}

func (f Fragment) IsPartitionStart() bool {
	return f.Kind == FragmentPartitionStart
}

// MemSize is the accounting size of the fragment, charged against
// reader permits and reported by dismantle statistics.
func (f Fragment) MemSize() int64 {
	return fragmentOverhead + int64(len(f.PKey.Key)) + int64(len(f.CKey)) + int64(len(f.Value))
}

func (f Fragment) String() string {
	switch f.Kind {
	case FragmentPartitionStart:
		return fmt.Sprintf("ps(%s)", f.PKey)
	case FragmentStaticRow:
		return fmt.Sprintf("sr(%d bytes)", len(f.Value))
	case FragmentClusteringRow:
		return fmt.Sprintf("cr(%q)", []byte(f.CKey))
	case FragmentRangeTombstoneChange:
		return fmt.Sprintf("rtc(%q@%d)", []byte(f.CKey), f.Tombstone)
	}
	return "fragment(?)"
}
