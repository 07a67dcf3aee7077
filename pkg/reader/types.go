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

// Package reader provides the resumable fragment reader abstraction of
// the read path, the admission control that bounds concurrent reads, and
// the combining reader that merges per-shard streams into one.
package reader

import (
	"context"

	"github.com/matrixorigin/shardquery/pkg/mutation"
)

// FragmentReader is a resumable cursor producing an ordered fragment
// stream for one schema, partition range and slice.
//
// A reader separates production from consumption: FillBuffer pulls from
// the source until at least one fragment is buffered or the stream ends,
// and consumers drain Buffer directly.  Detached buffers can be spliced
// back with Prepend to reconstitute a reader around fragments another
// reader produced.
type FragmentReader interface {
	// FillBuffer reads from the source until the buffer is non-empty or
	// the stream is exhausted.  A no-op if the buffer already holds
	// fragments.
	FillBuffer(ctx context.Context) error

	// Buffer returns the buffered, not yet consumed fragments.
	Buffer() *mutation.Buffer

	// DetachBuffer hands the buffered fragments to the caller, leaving
	// the reader's buffer empty.
	DetachBuffer() *mutation.Buffer

	// Prepend splices fragments ahead of the buffered ones.  The spliced
	// fragments replay before anything the source produces next.
	Prepend(buf *mutation.Buffer)

	// EndOfStream reports whether the source is exhausted.  Buffered
	// fragments may still remain to consume.
	EndOfStream() bool

	// NextPartition skips the rest of the current partition.
	NextPartition(ctx context.Context) error

	// FastForwardTo repositions the reader to a new partition range.
	// Readers that are single-pass by construction fail immediately.
	FastForwardTo(ctx context.Context, r mutation.Range) error

	// Close releases the reader's resources.
	Close(ctx context.Context) error
}

// Base implements the buffer half of FragmentReader; reader
// implementations embed it and produce into Buffer.
type Base struct {
	buf mutation.Buffer
	eos bool
}

func (b *Base) Buffer() *mutation.Buffer {
	return &b.buf
}

func (b *Base) DetachBuffer() *mutation.Buffer {
	return b.buf.Detach()
}

func (b *Base) Prepend(buf *mutation.Buffer) {
	b.buf.PushFront(buf)
}

func (b *Base) EndOfStream() bool {
	return b.eos
}

// MarkEndOfStream records that the source produced its last fragment.
func (b *Base) MarkEndOfStream() {
	b.eos = true
}

// ResetEndOfStream reopens the stream after a reposition.
func (b *Base) ResetEndOfStream() {
	b.eos = false
}

// EmptyReader produces nothing.  Stands in when a read targets no data.
type EmptyReader struct {
	Base
}

func NewEmptyReader() *EmptyReader {
	r := &EmptyReader{}
	r.eos = true
	return r
}

func (r *EmptyReader) FillBuffer(ctx context.Context) error {
	return nil
}

func (r *EmptyReader) NextPartition(ctx context.Context) error {
	return nil
}

func (r *EmptyReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	return nil
}

func (r *EmptyReader) Close(ctx context.Context) error {
	return nil
}
