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

// CompactionState is the still-open partition record at a page boundary:
// the partition the page stopped inside, with whatever opening fragments
// were consumed from the stream but not yet closed.  The next page must
// resume this partition exactly where it left off.
type CompactionState struct {
	// PartitionStart of the open partition.  nil means no partition was
	// open when the page ended.
	PartitionStart *Fragment
	// StaticRow already consumed for the open partition, if any.
	StaticRow *Fragment
	// PendingTombstone is a range tombstone change opened but not yet
	// closed when the page ended, if any.
	PendingTombstone *Fragment
}

func (cs *CompactionState) Empty() bool {
	return cs == nil || cs.PartitionStart == nil
}

// Key of the open partition.  Only valid when not Empty.
func (cs *CompactionState) Key() PartitionKey {
	return cs.PartitionStart.PKey
}

func (cs *CompactionState) MemSize() int64 {
	if cs == nil {
		return 0
	}
	var sz int64
	if cs.PartitionStart != nil {
		sz += cs.PartitionStart.MemSize()
	}
	if cs.StaticRow != nil {
		sz += cs.StaticRow.MemSize()
	}
	if cs.PendingTombstone != nil {
		sz += cs.PendingTombstone.MemSize()
	}
	return sz
}

// FragmentCount of the carried fragments.
func (cs *CompactionState) FragmentCount() int64 {
	if cs == nil {
		return 0
	}
	var n int64
	if cs.PartitionStart != nil {
		n++
	}
	if cs.StaticRow != nil {
		n++
	}
	if cs.PendingTombstone != nil {
		n++
	}
	return n
}
