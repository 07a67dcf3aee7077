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

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/reader"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// multiRangeReader sequences one inner reader through an ordered list
// of disjoint ascending token ranges, presenting them as a single
// stream.  The inner reader starts positioned in the first range and is
// fast-forwarded to the next one each time it exhausts the current one.
//
// A fill moves exactly one inner fill's worth of fragments, and the
// inner buffer is cleared by every forward, so a single buffer never
// mixes fragments of two ranges.
//
// The reader is single-pass: repositioning it from outside fails
// immediately.
type multiRangeReader struct {
	reader.Base
	inner  reader.FragmentReader
	ranges []mutation.Range
	// index of the range the stream is currently inside, advanced by
	// the tokens of passing partition starts; a resumed stream replays
	// fragments from wherever the previous page stopped, and their
	// tokens say which range that was
	idx    int
	closed bool
}

func newMultiRangeReader(inner reader.FragmentReader, ranges []mutation.Range) *multiRangeReader {
	return &multiRangeReader{inner: inner, ranges: ranges}
}

func (r *multiRangeReader) FillBuffer(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	for r.Buffer().Empty() && !r.EndOfStream() {
		if !r.inner.Buffer().Empty() {
			r.moveFromInner()
			continue
		}
		if r.inner.EndOfStream() {
			if r.idx+1 >= len(r.ranges) {
				r.MarkEndOfStream()
				return nil
			}
			r.idx++
			if err := r.inner.FastForwardTo(ctx, r.ranges[r.idx]); err != nil {
				return err
			}
			continue
		}
		if err := r.inner.FillBuffer(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *multiRangeReader) moveFromInner() {
	buf := r.inner.DetachBuffer()
	for _, f := range buf.Fragments() {
		if f.IsPartitionStart() {
			r.trackRange(f.PKey.Token)
		}
	}
	r.Buffer().Append(buf)
}

func (r *multiRangeReader) trackRange(t shard.Token) {
	if r.ranges[r.idx].Contains(t) {
		return
	}
	for i := r.idx + 1; i < len(r.ranges); i++ {
		if r.ranges[i].Contains(t) {
			r.idx = i
			return
		}
	}
	// A token before the current range comes from a shard stream that
	// was rebuilt from scratch and is replaying already-sequenced
	// ranges; it must not move the sequence backward.
}

// NextPartition clears buffered fragments up to the next partition
// boundary.  The inner reader gets involved only once the buffer is
// empty; until then the boundary may still be sitting in it.
func (r *multiRangeReader) NextPartition(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	buf := r.Buffer()
	for !buf.Empty() && !buf.Front().IsPartitionStart() {
		buf.PopFront()
	}
	if buf.Empty() && !r.EndOfStream() {
		return r.inner.NextPartition(ctx)
	}
	return nil
}

func (r *multiRangeReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	return qerr.NewFastForwardUnsupported(ctx)
}

func (r *multiRangeReader) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.inner.Close(ctx)
}
