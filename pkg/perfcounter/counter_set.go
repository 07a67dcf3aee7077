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

package perfcounter

import (
	"sync/atomic"
)

// CounterSet is the set of multishard read counters.  One instance is
// owned by the surrounding service and shared by reference with every
// query; its lifetime is independent of any single query.
type CounterSet struct {
	Query     QueryCounterSet
	Dismantle DismantleCounterSet
	Cache     CacheCounterSet
	Admission AdmissionCounterSet
}

type QueryCounterSet struct {
	Total      atomic.Int64 // queries driven end to end
	Failed     atomic.Int64 // queries failed with a fatal error
	ShortReads atomic.Int64 // pages cut short by a limit or timeout

	FailedReaderSaves atomic.Int64 // per-shard saves that did not complete
	FailedReaderStops atomic.Int64 // per-shard stops that errored (swallowed)

	UnpoppedFragments atomic.Int64 // fragments spliced back into saved readers
	UnpoppedBytes     atomic.Int64 // bytes spliced back into saved readers
}

type DismantleCounterSet struct {
	FragmentsKept       atomic.Int64
	FragmentsDiscarded  atomic.Int64
	PartitionsKept      atomic.Int64
	PartitionsDiscarded atomic.Int64
	BytesKept           atomic.Int64
	BytesDiscarded      atomic.Int64
}

type CacheCounterSet struct {
	Lookups   atomic.Int64
	Hits      atomic.Int64
	Misses    atomic.Int64
	Drops     atomic.Int64 // entries dropped on key match but metadata mismatch
	Evictions atomic.Int64
}

type AdmissionCounterSet struct {
	PermitsIssued    atomic.Int64
	PermitWaits      atomic.Int64 // acquisitions that had to block
	InactiveReads    atomic.Int64 // currently registered inactive reads
	InactiveEvicted  atomic.Int64
	InactiveReclaims atomic.Int64
}

func (c *CounterSet) Reset() {
	// Query
	c.Query.Total.Store(0)
	c.Query.Failed.Store(0)
	c.Query.ShortReads.Store(0)
	c.Query.FailedReaderSaves.Store(0)
	c.Query.FailedReaderStops.Store(0)
	c.Query.UnpoppedFragments.Store(0)
	c.Query.UnpoppedBytes.Store(0)

	// Dismantle
	c.Dismantle.FragmentsKept.Store(0)
	c.Dismantle.FragmentsDiscarded.Store(0)
	c.Dismantle.PartitionsKept.Store(0)
	c.Dismantle.PartitionsDiscarded.Store(0)
	c.Dismantle.BytesKept.Store(0)
	c.Dismantle.BytesDiscarded.Store(0)

	// Cache
	c.Cache.Lookups.Store(0)
	c.Cache.Hits.Store(0)
	c.Cache.Misses.Store(0)
	c.Cache.Drops.Store(0)
	c.Cache.Evictions.Store(0)

	// Admission
	c.Admission.PermitsIssued.Store(0)
	c.Admission.PermitWaits.Store(0)
	c.Admission.InactiveReads.Store(0)
	c.Admission.InactiveEvicted.Store(0)
	c.Admission.InactiveReclaims.Store(0)
}
