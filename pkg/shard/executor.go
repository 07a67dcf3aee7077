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

package shard

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/logutil"
)

// ExecutorPool runs closures on their owning shard.  One single-worker
// pool per shard keeps each shard internally single-threaded; parallelism
// exists only across shards.
type ExecutorPool struct {
	pools []*ants.Pool
}

func NewExecutorPool(shards uint32) (*ExecutorPool, error) {
	e := &ExecutorPool{
		pools: make([]*ants.Pool, shards),
	}
	for i := range e.pools {
		pool, err := ants.NewPool(1, ants.WithPanicHandler(func(v interface{}) {
			logutil.Error("shard worker panic",
				zap.Any("recover", v))
		}))
		if err != nil {
			e.Close()
			return nil, qerr.ConvertGoError(context.TODO(), err)
		}
		e.pools[i] = pool
	}
	return e, nil
}

func (e *ExecutorPool) ShardCount() uint32 {
	return uint32(len(e.pools))
}

// RunOn executes fn on the owning shard and waits for it.  The wait is
// unconditional: a shard task owns slot memory exclusively while it runs,
// so the caller must not proceed until it finished even if ctx expired.
func (e *ExecutorPool) RunOn(ctx context.Context, shard uint32, fn func(context.Context) error) error {
	if int(shard) >= len(e.pools) {
		return qerr.NewShardNotFound(ctx, shard)
	}
	done := make(chan error, 1)
	err := e.pools[shard].Submit(func() {
		defer func() {
			if v := recover(); v != nil {
				done <- qerr.ConvertPanicError(ctx, v)
			}
		}()
		done <- fn(ctx)
	})
	if err != nil {
		return qerr.ConvertGoError(ctx, err)
	}
	return <-done
}

// RunOnAll executes fn once per shard, concurrently, and returns the
// per-shard results.  No shard's failure interrupts another's run.
func (e *ExecutorPool) RunOnAll(ctx context.Context, fn func(context.Context, uint32) error) []error {
	errs := make([]error, len(e.pools))
	var wg sync.WaitGroup
	for i := range e.pools {
		shard := uint32(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[shard] = e.RunOn(ctx, shard, func(ctx context.Context) error {
				return fn(ctx, shard)
			})
		}()
	}
	wg.Wait()
	return errs
}

func (e *ExecutorPool) Close() {
	for _, p := range e.pools {
		if p != nil {
			p.Release()
		}
	}
}
