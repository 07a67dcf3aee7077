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

package querier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/shardquery/pkg/logutil"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
)

type cacheEntry struct {
	key      Key
	q        *Querier
	deadline time.Time
	older    *cacheEntry
	newer    *cacheEntry
}

// Cache holds continuations between pages.  Entries are single use: a
// hit removes the entry and hands the continuation to the caller.
// Entries expire after the TTL and the oldest are evicted beyond the
// capacity; both paths close the paused reader.
type Cache struct {
	ttl      time.Duration
	capacity int
	counters *perfcounter.CounterSet

	mu struct {
		sync.Mutex
		entries map[Key]*cacheEntry
		oldest  *cacheEntry
		newest  *cacheEntry
	}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewCache(ttl time.Duration, capacity int, counters *perfcounter.CounterSet) *Cache {
	c := &Cache{
		ttl:      ttl,
		capacity: capacity,
		counters: counters,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.mu.entries = make(map[Key]*cacheEntry)
	go c.sweepLoop()
	return c
}

func (c *Cache) sweepInterval() time.Duration {
	iv := c.ttl / 4
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

func (c *Cache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.removeExpired(now)
		case <-c.stop:
			return
		}
	}
}

// Insert parks a continuation.  An entry already under the key is
// replaced and its reader closed.
func (c *Cache) Insert(ctx context.Context, key Key, q *Querier) {
	e := &cacheEntry{key: key, q: q, deadline: time.Now().Add(c.ttl)}

	c.mu.Lock()
	var displaced []*cacheEntry
	if old, ok := c.mu.entries[key]; ok {
		c.unlinkLocked(old)
		displaced = append(displaced, old)
	}
	c.mu.entries[key] = e
	c.linkNewestLocked(e)
	for c.capacity > 0 && len(c.mu.entries) > c.capacity {
		oldest := c.mu.oldest
		c.unlinkLocked(oldest)
		delete(c.mu.entries, oldest.key)
		displaced = append(displaced, oldest)
	}
	c.mu.Unlock()

	for _, old := range displaced {
		c.counters.Cache.Evictions.Add(1)
		old.q.Destroy(ctx)
	}
}

// Lookup takes the continuation under key if its identity matches.  A
// mismatching continuation cannot be resumed; it is dropped and the
// lookup misses.
func (c *Cache) Lookup(ctx context.Context, key Key,
	schema mutation.Schema, rng mutation.Range, slice mutation.Slice) (*Querier, bool) {
	c.counters.Cache.Lookups.Add(1)

	c.mu.Lock()
	e, ok := c.mu.entries[key]
	if ok {
		c.unlinkLocked(e)
		delete(c.mu.entries, key)
	}
	c.mu.Unlock()

	if !ok {
		c.counters.Cache.Misses.Add(1)
		return nil, false
	}
	if !e.q.Matches(schema, rng, slice) {
		logutil.Warn("dropping cached continuation with mismatching identity",
			zap.String("query", e.key.QueryID.String()),
			zap.Uint32("shard", e.key.Shard))
		c.counters.Cache.Drops.Add(1)
		c.counters.Cache.Misses.Add(1)
		e.q.Destroy(ctx)
		return nil, false
	}
	c.counters.Cache.Hits.Add(1)
	return e.q, true
}

func (c *Cache) removeExpired(now time.Time) {
	c.mu.Lock()
	var expired []*cacheEntry
	for e := c.mu.oldest; e != nil; {
		next := e.newer
		if e.deadline.Before(now) {
			c.unlinkLocked(e)
			delete(c.mu.entries, e.key)
			expired = append(expired, e)
		}
		e = next
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.counters.Cache.Evictions.Add(1)
		e.q.Destroy(context.Background())
	}
}

// Len reports the parked continuations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mu.entries)
}

// Close stops the sweeper and drops every parked continuation.
// Idempotent.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done

	c.mu.Lock()
	entries := c.mu.entries
	c.mu.entries = make(map[Key]*cacheEntry)
	c.mu.oldest, c.mu.newest = nil, nil
	c.mu.Unlock()

	for _, e := range entries {
		e.q.Destroy(context.Background())
	}
}

// linkNewestLocked appends e at the newest end.
func (c *Cache) linkNewestLocked(e *cacheEntry) {
	e.older = c.mu.newest
	e.newer = nil
	if c.mu.newest != nil {
		c.mu.newest.newer = e
	}
	c.mu.newest = e
	if c.mu.oldest == nil {
		c.mu.oldest = e
	}
}

func (c *Cache) unlinkLocked(e *cacheEntry) {
	if e.older != nil {
		e.older.newer = e.newer
	} else if c.mu.oldest == e {
		c.mu.oldest = e.newer
	}
	if e.newer != nil {
		e.newer.older = e.older
	} else if c.mu.newest == e {
		c.mu.newest = e.older
	}
	e.older, e.newer = nil, nil
}
