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

// Buffer is an ordered run of fragments with byte accounting.  Oldest
// fragment first.  The zero value is an empty buffer.
type Buffer struct {
	frags []Fragment
	bytes int64
}

func NewBuffer(frags ...Fragment) *Buffer {
	b := &Buffer{}
	for _, f := range frags {
		b.PushBack(f)
	}
	return b
}

func (b *Buffer) Len() int {
	return len(b.frags)
}

func (b *Buffer) Empty() bool {
	return len(b.frags) == 0
}

func (b *Buffer) Bytes() int64 {
	return b.bytes
}

// Fragments exposes the underlying run.  Callers must not mutate it.
func (b *Buffer) Fragments() []Fragment {
	return b.frags
}

func (b *Buffer) Front() Fragment {
	return b.frags[0]
}

func (b *Buffer) Back() Fragment {
	return b.frags[len(b.frags)-1]
}

func (b *Buffer) PushBack(f Fragment) {
	b.frags = append(b.frags, f)
	b.bytes += f.MemSize()
}

func (b *Buffer) PopFront() Fragment {
	f := b.frags[0]
	b.frags = b.frags[1:]
	b.bytes -= f.MemSize()
	return f
}

// PushFront splices other ahead of the buffered run, preserving other's
// internal order.  Used to reconstitute a reader from saved fragments.
func (b *Buffer) PushFront(other *Buffer) {
	if other == nil || other.Empty() {
		return
	}
	merged := make([]Fragment, 0, len(other.frags)+len(b.frags))
	merged = append(merged, other.frags...)
	merged = append(merged, b.frags...)
	b.frags = merged
	b.bytes += other.bytes
}

// Detach hands the buffered run to the caller, leaving b empty.
func (b *Buffer) Detach() *Buffer {
	d := &Buffer{frags: b.frags, bytes: b.bytes}
	b.frags = nil
	b.bytes = 0
	return d
}

// Append moves all fragments of other to the back of b, leaving other
// empty.
func (b *Buffer) Append(other *Buffer) {
	if other == nil || other.Empty() {
		return
	}
	b.frags = append(b.frags, other.frags...)
	b.bytes += other.bytes
	other.frags = nil
	other.bytes = 0
}
