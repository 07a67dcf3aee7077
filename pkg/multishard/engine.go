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
	"time"

	"github.com/matrixorigin/shardquery/pkg/config"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
	"github.com/matrixorigin/shardquery/pkg/querier"
	"github.com/matrixorigin/shardquery/pkg/reader"
	"github.com/matrixorigin/shardquery/pkg/shard"
	"github.com/matrixorigin/shardquery/pkg/storage"
)

// Engine executes paginated queries against a sharded store.  One
// engine serves many queries concurrently; per-page state lives in
// ReadContexts and, between pages, in the continuation cache.  The
// engine owns the shard executors, the per-shard admission semaphores
// and the cache; the store belongs to the caller.
type Engine struct {
	store    storage.Store
	sharder  shard.Sharder
	exec     *shard.ExecutorPool
	cache    *querier.Cache
	sems     []*reader.ReadSemaphore
	counters *perfcounter.CounterSet

	maxResultSize int64
	readTimeout   time.Duration
}

func NewEngine(cfg *config.Config, store storage.Store, counters *perfcounter.CounterSet) (*Engine, error) {
	exec, err := shard.NewExecutorPool(cfg.ShardCount)
	if err != nil {
		return nil, err
	}
	sems := make([]*reader.ReadSemaphore, cfg.ShardCount)
	for i := range sems {
		sems[i] = reader.NewReadSemaphore("user", uint32(i),
			cfg.MaxConcurrentReads, cfg.MaxInactiveReads, counters)
	}
	return &Engine{
		store:         store,
		sharder:       store.Sharder(),
		exec:          exec,
		cache:         querier.NewCache(cfg.CacheTTL.Duration, cfg.CacheCapacity, counters),
		sems:          sems,
		counters:      counters,
		maxResultSize: cfg.MaxMemoryPerRead,
		readTimeout:   cfg.ReadTimeout.Duration,
	}, nil
}

func (e *Engine) Counters() *perfcounter.CounterSet {
	return e.counters
}

// Close drains the continuation cache, closing every parked reader, and
// shuts the shard executors down.  In-flight queries must have finished.
func (e *Engine) Close() {
	e.cache.Close()
	e.exec.Close()
}
