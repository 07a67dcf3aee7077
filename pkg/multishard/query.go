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
)

// DoQuery runs one page of a paginated query through the given result
// builder: look up saved readers, read one bounded page, save the
// readers back if the page was cut short, and always stop the
// coordinator afterward.  An error captured during the page surfaces
// only once cleanup has run.
func (e *Engine) DoQuery(ctx context.Context, req *Request, builder ResultBuilder) (*PageInfo, error) {
	e.counters.Query.Total.Add(1)

	if err := validateRanges(ctx, req.Ranges); err != nil {
		e.counters.Query.Failed.Add(1)
		return nil, err
	}
	if req.MaxRows == 0 || req.MaxPartitions == 0 {
		// Nothing was asked for; no reader is touched.
		return &PageInfo{}, nil
	}

	pageCtx := ctx
	if e.readTimeout > 0 {
		var cancel context.CancelFunc
		pageCtx, cancel = context.WithTimeout(ctx, e.readTimeout)
		defer cancel()
	}

	rc := newReadContext(e, req)
	info, err := e.runPage(ctx, pageCtx, rc, req, builder)
	rc.Stop(ctx)
	if err != nil {
		e.counters.Query.Failed.Add(1)
		return nil, err
	}
	return info, nil
}

// runPage is the fallible middle of DoQuery; the caller owns cleanup.
// The page itself runs under pageCtx, which may carry the read
// deadline.  Saving runs under the caller's context instead: a page cut
// short by that very deadline must still get its readers parked.
func (e *Engine) runPage(ctx, pageCtx context.Context, rc *ReadContext, req *Request, builder ResultBuilder) (*PageInfo, error) {
	if err := rc.LookupReaders(pageCtx); err != nil {
		return nil, err
	}
	out, err := rc.ReadPage(pageCtx, builder, req.MaxRows, req.MaxPartitions)
	if err != nil {
		return nil, err
	}
	if out.shortRead {
		e.counters.Query.ShortReads.Add(1)
		rc.SaveReaders(ctx, out.leftover, out.compaction)
	}
	return &PageInfo{
		Rows:           out.rows,
		Partitions:     out.partitions,
		ShortRead:      out.shortRead,
		LastPartition:  out.lastPKey,
		LastClustering: out.lastCKey,
	}, nil
}

// QueryRows runs one page and returns the client-facing representation.
func (e *Engine) QueryRows(ctx context.Context, req *Request) (*ResultSet, *PageInfo, error) {
	b := newRowResultBuilder()
	info, err := e.DoQuery(ctx, req, b)
	if err != nil {
		return nil, nil, err
	}
	return b.Result(), info, nil
}

// QueryMutations runs one page and returns the reconcilable,
// tombstone-preserving representation.
func (e *Engine) QueryMutations(ctx context.Context, req *Request) (*ReconcilableResult, *PageInfo, error) {
	b := newMutationResultBuilder()
	info, err := e.DoQuery(ctx, req, b)
	if err != nil {
		return nil, nil, err
	}
	return b.Result(), info, nil
}

func validateRanges(ctx context.Context, ranges []mutation.Range) error {
	if len(ranges) == 0 {
		return qerr.NewEmptyRange(ctx, "query has no ranges")
	}
	for i, r := range ranges {
		if r.Empty() {
			return qerr.NewEmptyRange(ctx, r.String())
		}
		if i > 0 && r.Start <= ranges[i-1].End {
			return qerr.NewInvalidInput(ctx,
				"ranges must be ascending and disjoint, got %s after %s", r, ranges[i-1])
		}
	}
	return nil
}
