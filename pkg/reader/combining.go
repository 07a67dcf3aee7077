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

package reader

import (
	"context"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/mutation"
)

// LifecyclePolicy creates and retires the per-shard readers a
// CombiningReader merges.  DestroyReader is a pause, not a teardown:
// the policy keeps the reader and its unconsumed fragments so a later
// page can resume the stream where this one left it.
type LifecyclePolicy interface {
	CreateReader(ctx context.Context, shardID uint32) (FragmentReader, error)
	DestroyReader(ctx context.Context, shardID uint32, r FragmentReader, unconsumed *mutation.Buffer)
}

type combinedStream struct {
	shardID uint32
	reader  FragmentReader
	drained bool
}

// CombiningReader merges per-shard fragment streams into one stream
// ordered by (token, partition key).  Streams hand over whole
// partitions: each stream stays selected from its partition start until
// the next partition start surfaces in its buffer.  Shards own disjoint
// partition sets, so draining whole partitions in ascending boundary
// order yields a globally sorted stream.
//
// Readers are created lazily through the LifecyclePolicy on the first
// fill and handed back through it on Close.
type CombiningReader struct {
	Base
	policy  LifecyclePolicy
	streams []combinedStream
	current int
	forward bool
	pending *mutation.Range
	created bool
	closed  bool
}

// NewCombiningReader builds a reader merging one stream per shard in
// [0, shardCount).  When forward is false FastForwardTo is rejected;
// single-range reads never reposition.
func NewCombiningReader(policy LifecyclePolicy, shardCount uint32, forward bool) *CombiningReader {
	streams := make([]combinedStream, shardCount)
	for i := range streams {
		streams[i].shardID = uint32(i)
	}
	return &CombiningReader{
		policy:  policy,
		streams: streams,
		current: -1,
		forward: forward,
	}
}

func (r *CombiningReader) FillBuffer(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	if !r.created {
		if err := r.createStreams(ctx); err != nil {
			return err
		}
	}
	for r.buf.Empty() && !r.eos {
		if r.current < 0 {
			if err := r.selectStream(ctx); err != nil {
				return err
			}
			continue
		}
		if err := r.drainCurrent(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *CombiningReader) createStreams(ctx context.Context) error {
	for i := range r.streams {
		s := &r.streams[i]
		if s.reader != nil {
			continue
		}
		rd, err := r.policy.CreateReader(ctx, s.shardID)
		if err != nil {
			return err
		}
		if r.pending != nil {
			if err := rd.FastForwardTo(ctx, *r.pending); err != nil {
				r.policy.DestroyReader(ctx, s.shardID, rd, rd.DetachBuffer())
				return err
			}
		}
		s.reader = rd
	}
	r.created = true
	return nil
}

// selectStream primes every live stream to a partition boundary, picks
// the one whose boundary sorts lowest and moves that partition start
// into the output buffer.  With every stream drained the merged stream
// ends.
func (r *CombiningReader) selectStream(ctx context.Context) error {
	best := -1
	var bestKey mutation.PartitionKey
	for i := range r.streams {
		s := &r.streams[i]
		if s.drained {
			continue
		}
		for s.reader.Buffer().Empty() && !s.reader.EndOfStream() {
			if err := s.reader.FillBuffer(ctx); err != nil {
				return err
			}
		}
		if s.reader.Buffer().Empty() {
			s.drained = true
			continue
		}
		front := s.reader.Buffer().Front()
		if !front.IsPartitionStart() {
			panic("BUG: shard stream selected off a partition boundary")
		}
		if best < 0 {
			best, bestKey = i, front.PKey
			continue
		}
		switch front.PKey.Compare(bestKey) {
		case -1:
			best, bestKey = i, front.PKey
		case 0:
			panic("BUG: partition owned by two shards")
		}
	}
	if best < 0 {
		r.eos = true
		return nil
	}
	ps := r.streams[best].reader.Buffer().PopFront()
	r.buf.PushBack(ps)
	r.current = best
	return nil
}

// drainCurrent moves buffered fragments of the selected stream into the
// output buffer, stopping at the stream's next partition start.  The
// boundary fragment stays in the stream so selection sees it.
func (r *CombiningReader) drainCurrent(ctx context.Context) error {
	s := &r.streams[r.current]
	for {
		if s.reader.Buffer().Empty() {
			if s.reader.EndOfStream() {
				s.drained = true
				r.current = -1
				return nil
			}
			if err := s.reader.FillBuffer(ctx); err != nil {
				return err
			}
			continue
		}
		moved := false
		for !s.reader.Buffer().Empty() {
			if s.reader.Buffer().Front().IsPartitionStart() {
				r.current = -1
				return nil
			}
			r.buf.PushBack(s.reader.Buffer().PopFront())
			moved = true
		}
		if moved {
			return nil
		}
	}
}

// NextPartition drops the unread remainder of the partition at the
// front of the buffer.  If the buffer already starts at a partition
// boundary there is nothing mid-flight and the call is a no-op.
func (r *CombiningReader) NextPartition(ctx context.Context) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	if !r.buf.Empty() {
		if r.buf.Front().IsPartitionStart() {
			return nil
		}
		for !r.buf.Empty() && !r.buf.Front().IsPartitionStart() {
			r.buf.PopFront()
		}
		if !r.buf.Empty() {
			return nil
		}
	}
	if r.eos || r.current < 0 {
		return nil
	}
	s := &r.streams[r.current]
	r.current = -1
	return s.reader.NextPartition(ctx)
}

// FastForwardTo repositions every stream at the start of rng.  Streams
// created after the call start there directly.
func (r *CombiningReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	if r.closed {
		return qerr.NewReaderClosed(ctx)
	}
	if !r.forward {
		return qerr.NewFastForwardUnsupported(ctx)
	}
	pending := rng
	r.pending = &pending
	r.buf = mutation.Buffer{}
	r.current = -1
	r.eos = false
	for i := range r.streams {
		s := &r.streams[i]
		if s.reader == nil {
			continue
		}
		s.drained = false
		if err := s.reader.FastForwardTo(ctx, rng); err != nil {
			return err
		}
	}
	return nil
}

// Close hands every created stream back to the lifecycle policy
// together with the fragments it buffered but never surfaced.  The
// merged output buffer stays with the caller.
func (r *CombiningReader) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.current = -1
	for i := range r.streams {
		s := &r.streams[i]
		if s.reader == nil {
			continue
		}
		rd := s.reader
		s.reader = nil
		r.policy.DestroyReader(ctx, s.shardID, rd, rd.DetachBuffer())
	}
	return nil
}
