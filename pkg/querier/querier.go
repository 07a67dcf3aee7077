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

// Package querier caches paused per-shard query continuations between
// pages.  A continuation names an inactive reader registered with its
// shard's read semaphore; the next page of the same query reclaims it
// and resumes the stream where the previous page stopped.
package querier

import (
	"context"

	"github.com/google/uuid"

	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/reader"
)

// Key identifies one shard's continuation of one query.
type Key struct {
	QueryID uuid.UUID
	Shard   uint32
}

// Querier is a paused continuation: a handle to the inactive reader,
// the permit that admitted it, and the identity the next page must
// match to be allowed to resume it.
type Querier struct {
	Handle *reader.InactiveHandle
	Sem    *reader.ReadSemaphore
	Permit *reader.Permit
	Schema mutation.Schema
	Range  mutation.Range
	Slice  mutation.Slice
}

// Matches reports whether a page with the given identity may resume
// this continuation.
func (q *Querier) Matches(schema mutation.Schema, rng mutation.Range, slice mutation.Slice) bool {
	return q.Schema.Equal(schema) && q.Range.Equal(rng) && q.Slice.Equal(slice)
}

// Destroy closes the paused reader and releases its permit.  If the
// semaphore evicted the reader already there is nothing left to close;
// releasing the permit twice is harmless.
func (q *Querier) Destroy(ctx context.Context) {
	if r, _, ok := q.Sem.Reclaim(q.Handle); ok {
		_ = r.Close(ctx)
	}
	if q.Permit != nil {
		q.Permit.Release()
	}
}
