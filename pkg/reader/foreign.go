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

	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// ForeignReader wraps a reader owned by another shard.  Source
// operations (fill, skip, reposition, close) hop to the owning shard's
// executor; buffer operations act on fragments the source already moved
// out and stay on the caller.  A foreign reader is move-only: either it
// is Released back to code running on the owning shard, or Closed,
// which routes the teardown there.
type ForeignReader struct {
	owner uint32
	exec  *shard.ExecutorPool
	inner FragmentReader
}

func NewForeignReader(owner uint32, exec *shard.ExecutorPool, inner FragmentReader) *ForeignReader {
	return &ForeignReader{owner: owner, exec: exec, inner: inner}
}

// Owner returns the shard whose memory domain holds the inner reader.
func (r *ForeignReader) Owner() uint32 {
	return r.owner
}

// Release detaches and returns the inner reader.  The caller takes over
// ownership and must only operate on it from the owning shard.
func (r *ForeignReader) Release() FragmentReader {
	inner := r.inner
	r.inner = nil
	return inner
}

func (r *ForeignReader) FillBuffer(ctx context.Context) error {
	return r.exec.RunOn(ctx, r.owner, func(ctx context.Context) error {
		return r.inner.FillBuffer(ctx)
	})
}

func (r *ForeignReader) Buffer() *mutation.Buffer {
	return r.inner.Buffer()
}

func (r *ForeignReader) DetachBuffer() *mutation.Buffer {
	return r.inner.DetachBuffer()
}

func (r *ForeignReader) Prepend(buf *mutation.Buffer) {
	r.inner.Prepend(buf)
}

func (r *ForeignReader) EndOfStream() bool {
	return r.inner.EndOfStream()
}

func (r *ForeignReader) NextPartition(ctx context.Context) error {
	return r.exec.RunOn(ctx, r.owner, func(ctx context.Context) error {
		return r.inner.NextPartition(ctx)
	})
}

func (r *ForeignReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	return r.exec.RunOn(ctx, r.owner, func(ctx context.Context) error {
		return r.inner.FastForwardTo(ctx, rng)
	})
}

func (r *ForeignReader) Close(ctx context.Context) error {
	if r.inner == nil {
		return nil
	}
	inner := r.Release()
	return r.exec.RunOn(ctx, r.owner, func(ctx context.Context) error {
		return inner.Close(ctx)
	})
}
