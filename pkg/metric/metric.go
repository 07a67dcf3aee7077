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

// Package metric exposes the read path counters to prometheus.  The
// counters themselves are plain atomics; this package renders them as
// const metrics at scrape time, so the hot path never touches a
// prometheus type.
package metric

import (
	"net/http"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matrixorigin/shardquery/pkg/perfcounter"
)

const namespace = "shardquery"

type counterRef struct {
	desc  *prom.Desc
	typ   prom.ValueType
	value *atomic.Int64
}

// CounterSetCollector implements prom.Collector over a CounterSet.
type CounterSetCollector struct {
	refs []counterRef
}

var _ prom.Collector = (*CounterSetCollector)(nil)

func NewCounterSetCollector(c *perfcounter.CounterSet) *CounterSetCollector {
	col := &CounterSetCollector{}
	add := func(subsystem, name, help string, typ prom.ValueType, v *atomic.Int64) {
		col.refs = append(col.refs, counterRef{
			desc:  prom.NewDesc(prom.BuildFQName(namespace, subsystem, name), help, nil, nil),
			typ:   typ,
			value: v,
		})
	}

	add("query", "total", "Queries driven end to end.",
		prom.CounterValue, &c.Query.Total)
	add("query", "failed_total", "Queries failed with an error.",
		prom.CounterValue, &c.Query.Failed)
	add("query", "short_reads_total", "Pages cut short by a limit or timeout.",
		prom.CounterValue, &c.Query.ShortReads)
	add("query", "failed_reader_saves_total", "Per-shard reader saves that did not complete.",
		prom.CounterValue, &c.Query.FailedReaderSaves)
	add("query", "failed_reader_stops_total", "Per-shard reader stops that errored.",
		prom.CounterValue, &c.Query.FailedReaderStops)
	add("query", "unpopped_fragments_total", "Fragments spliced back into saved readers.",
		prom.CounterValue, &c.Query.UnpoppedFragments)
	add("query", "unpopped_bytes_total", "Bytes spliced back into saved readers.",
		prom.CounterValue, &c.Query.UnpoppedBytes)

	add("dismantle", "fragments_kept_total", "Fragments routed back to a saving shard.",
		prom.CounterValue, &c.Dismantle.FragmentsKept)
	add("dismantle", "fragments_discarded_total", "Fragments whose shard kept no reader.",
		prom.CounterValue, &c.Dismantle.FragmentsDiscarded)
	add("dismantle", "partitions_kept_total", "Partition runs routed back to a saving shard.",
		prom.CounterValue, &c.Dismantle.PartitionsKept)
	add("dismantle", "partitions_discarded_total", "Partition runs whose shard kept no reader.",
		prom.CounterValue, &c.Dismantle.PartitionsDiscarded)
	add("dismantle", "bytes_kept_total", "Bytes routed back to a saving shard.",
		prom.CounterValue, &c.Dismantle.BytesKept)
	add("dismantle", "bytes_discarded_total", "Bytes whose shard kept no reader.",
		prom.CounterValue, &c.Dismantle.BytesDiscarded)

	add("cache", "lookups_total", "Continuation cache lookups.",
		prom.CounterValue, &c.Cache.Lookups)
	add("cache", "hits_total", "Continuation cache hits.",
		prom.CounterValue, &c.Cache.Hits)
	add("cache", "misses_total", "Continuation cache misses.",
		prom.CounterValue, &c.Cache.Misses)
	add("cache", "drops_total", "Continuations dropped on identity mismatch.",
		prom.CounterValue, &c.Cache.Drops)
	add("cache", "evictions_total", "Continuations evicted by capacity, TTL or replacement.",
		prom.CounterValue, &c.Cache.Evictions)

	add("admission", "permits_issued_total", "Read permits issued.",
		prom.CounterValue, &c.Admission.PermitsIssued)
	add("admission", "permit_waits_total", "Permit acquisitions that had to block.",
		prom.CounterValue, &c.Admission.PermitWaits)
	add("admission", "inactive_reads", "Currently parked inactive readers.",
		prom.GaugeValue, &c.Admission.InactiveReads)
	add("admission", "inactive_evicted_total", "Parked readers evicted under pressure.",
		prom.CounterValue, &c.Admission.InactiveEvicted)
	add("admission", "inactive_reclaims_total", "Parked readers reclaimed for a next page.",
		prom.CounterValue, &c.Admission.InactiveReclaims)

	return col
}

func (c *CounterSetCollector) Describe(ch chan<- *prom.Desc) {
	for i := range c.refs {
		ch <- c.refs[i].desc
	}
}

func (c *CounterSetCollector) Collect(ch chan<- prom.Metric) {
	for i := range c.refs {
		ch <- prom.MustNewConstMetric(c.refs[i].desc, c.refs[i].typ,
			float64(c.refs[i].value.Load()))
	}
}

// Handler returns a scrape endpoint over its own registry: engine
// counters plus the standard go runtime and process collectors.
func Handler(c *perfcounter.CounterSet) http.Handler {
	reg := prom.NewRegistry()
	reg.MustRegister(
		NewCounterSetCollector(c),
		prom.NewGoCollector(),
		prom.NewProcessCollector(prom.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
