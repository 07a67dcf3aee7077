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
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/logutil"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/perfcounter"
)

// Permit is the accounting token of one admitted read.  It occupies one
// concurrency slot of its semaphore until released and carries the
// memory budget the read may buffer.  Permits follow their reader across
// pages: a recovered reader reuses its original permit so accounting
// stays continuous.
type Permit struct {
	sem  *ReadSemaphore
	desc string

	mu struct {
		sync.Mutex
		maxResultSize int64
		released      bool
	}
}

// Semaphore returns the admission domain this permit belongs to.
func (p *Permit) Semaphore() *ReadSemaphore {
	return p.sem
}

func (p *Permit) Description() string {
	return p.desc
}

// SetMaxResultSize re-stamps the memory budget.  Called when a permit is
// reused on a later page whose limits may differ.
func (p *Permit) SetMaxResultSize(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.maxResultSize = n
}

func (p *Permit) MaxResultSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.maxResultSize
}

// Release frees the permit's concurrency slot.  Idempotent.
func (p *Permit) Release() {
	p.mu.Lock()
	if p.mu.released {
		p.mu.Unlock()
		return
	}
	p.mu.released = true
	p.mu.Unlock()
	p.sem.release()
}

// InactiveHandle names a paused reader registered with its semaphore.
// The handle stays valid until the reader is reclaimed or evicted.
type InactiveHandle struct {
	sem *ReadSemaphore
	id  uint64
}

type inactiveEntry struct {
	id     uint64
	reader FragmentReader
	permit *Permit
	elem   *list.Element
}

// ReadSemaphore bounds the concurrent reads of one shard.  Admitted
// reads hold a permit; paused readers register as inactive and are
// evicted oldest-first when a new read cannot be admitted otherwise.
type ReadSemaphore struct {
	name        string
	shardID     uint32
	maxCount    int
	maxInactive int
	counters    *perfcounter.CounterSet

	mu struct {
		sync.Mutex
		active   int
		nextID   uint64
		inactive map[uint64]*inactiveEntry
		lru      *list.List // of *inactiveEntry, oldest at front
		waiters  *list.List // of chan struct{}
	}
}

func NewReadSemaphore(name string, shardID uint32, maxCount, maxInactive int, counters *perfcounter.CounterSet) *ReadSemaphore {
	s := &ReadSemaphore{
		name:        name,
		shardID:     shardID,
		maxCount:    maxCount,
		maxInactive: maxInactive,
		counters:    counters,
	}
	s.mu.inactive = make(map[uint64]*inactiveEntry)
	s.mu.lru = list.New()
	s.mu.waiters = list.New()
	return s
}

func (s *ReadSemaphore) Name() string {
	return s.name
}

func (s *ReadSemaphore) ShardID() uint32 {
	return s.shardID
}

func (s *ReadSemaphore) String() string {
	return fmt.Sprintf("%s/shard-%d", s.name, s.shardID)
}

// AcquirePermit admits one read, blocking until a concurrency slot is
// free.  Blocked acquisitions first evict inactive readers, oldest
// first; only then do they wait for a release.
func (s *ReadSemaphore) AcquirePermit(ctx context.Context, schema mutation.Schema, desc string) (*Permit, error) {
	waited := false
	for {
		s.mu.Lock()
		if s.mu.active < s.maxCount {
			s.mu.active++
			s.mu.Unlock()
			s.counters.Admission.PermitsIssued.Add(1)
			p := &Permit{sem: s, desc: desc}
			return p, nil
		}
		if e := s.mu.lru.Front(); e != nil {
			entry := e.Value.(*inactiveEntry)
			s.removeLocked(entry)
			s.mu.Unlock()
			// the evicted reader's permit release frees a slot; retry
			s.finishEviction(entry)
			continue
		}
		ch := make(chan struct{}, 1)
		elem := s.mu.waiters.PushBack(ch)
		s.mu.Unlock()

		if !waited {
			waited = true
			s.counters.Admission.PermitWaits.Add(1)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			s.mu.Lock()
			s.mu.waiters.Remove(elem)
			s.mu.Unlock()
			// a racing release may have signaled after ctx fired
			select {
			case <-ch:
				s.release()
			default:
			}
			return nil, qerr.ConvertGoError(ctx, ctx.Err())
		}
	}
}

// release returns one concurrency slot and hands it to a waiter if any.
func (s *ReadSemaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.active--
	if e := s.mu.waiters.Front(); e != nil {
		s.mu.waiters.Remove(e)
		// hand the slot over without dropping active, the waiter owns it
		s.mu.active++
		e.Value.(chan struct{}) <- struct{}{}
	}
}

// RegisterInactive parks a paused reader so it can be reclaimed later or
// evicted under pressure.  The reader's permit stays attached and is
// released if the reader is evicted.
func (s *ReadSemaphore) RegisterInactive(r FragmentReader, p *Permit) *InactiveHandle {
	s.mu.Lock()
	s.mu.nextID++
	entry := &inactiveEntry{id: s.mu.nextID, reader: r, permit: p}
	entry.elem = s.mu.lru.PushBack(entry)
	s.mu.inactive[entry.id] = entry
	var overflow *inactiveEntry
	if s.maxInactive > 0 && len(s.mu.inactive) > s.maxInactive {
		overflow = s.mu.lru.Front().Value.(*inactiveEntry)
		s.removeLocked(overflow)
	}
	s.mu.Unlock()

	s.counters.Admission.InactiveReads.Add(1)
	if overflow != nil {
		s.finishEviction(overflow)
	}
	return &InactiveHandle{sem: s, id: entry.id}
}

// Reclaim returns the reader a handle refers to, or false if it was
// evicted in the meantime.
func (s *ReadSemaphore) Reclaim(h *InactiveHandle) (FragmentReader, *Permit, bool) {
	if h == nil || h.sem != s {
		return nil, nil, false
	}
	s.mu.Lock()
	entry, ok := s.mu.inactive[h.id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, false
	}
	delete(s.mu.inactive, h.id)
	s.mu.lru.Remove(entry.elem)
	s.mu.Unlock()

	s.counters.Admission.InactiveReads.Add(-1)
	s.counters.Admission.InactiveReclaims.Add(1)
	return entry.reader, entry.permit, true
}

// removeLocked unlinks one inactive entry; any handle to it is dead
// from this point on.  Called with mu held.
func (s *ReadSemaphore) removeLocked(entry *inactiveEntry) {
	delete(s.mu.inactive, entry.id)
	s.mu.lru.Remove(entry.elem)
}

// finishEviction closes the evicted reader and releases its permit.
// Called without mu held.  Closing an inactive reader is safe, it has
// no in-flight operation by definition.
func (s *ReadSemaphore) finishEviction(entry *inactiveEntry) {
	s.counters.Admission.InactiveReads.Add(-1)
	s.counters.Admission.InactiveEvicted.Add(1)
	if err := entry.reader.Close(context.Background()); err != nil {
		logutil.Warn("closing evicted reader failed",
			zap.String("semaphore", s.String()),
			zap.Error(err))
	}
	if entry.permit != nil {
		entry.permit.Release()
	}
}

// InactiveCount reports the currently registered inactive readers.
func (s *ReadSemaphore) InactiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mu.inactive)
}

// ActiveCount reports the held concurrency slots.
func (s *ReadSemaphore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.active
}
