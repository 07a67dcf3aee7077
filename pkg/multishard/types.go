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

// Package multishard coordinates paginated queries across shards.  One
// page admits per-shard readers, merges their streams into a globally
// ordered one, consumes it up to the page limits, then either saves the
// readers for the next page or stops them.
package multishard

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/reader"
)

// readerState tracks one shard's reader slot across a page.
//
//	absent    --lookup hit-->  recovered
//	absent    --create----->   inUse
//	recovered --create----->   inUse
//	inUse     --destroy---->   saving
//	saving    --save------->   absent
//	any       --stop------->   absent
//
// Creating from saving is a bug in the caller and fails fatally;
// destroying from anything but inUse is ignored with a warning.
type readerState uint8

const (
	stateAbsent readerState = iota
	stateRecovered
	stateInUse
	stateSaving
)

func (s readerState) String() string {
	switch s {
	case stateAbsent:
		return "absent"
	case stateRecovered:
		return "recovered"
	case stateInUse:
		return "in-use"
	case stateSaving:
		return "saving"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// remoteParts is what a slot retains of its reader while the reader
// itself is parked in the shard's semaphore.
type remoteParts struct {
	permit *reader.Permit
	handle *reader.InactiveHandle
	// fragments the merge took off the stream but never surfaced,
	// detached at destroy time
	unconsumed *mutation.Buffer
}

// readerSlot is one shard's lifecycle state.  Only tasks running on the
// owning shard's executor touch it while a page is in flight.  parts is
// non-nil exactly when state is not absent.
type readerSlot struct {
	state readerState
	parts *remoteParts
	// fragments belonging to this shard that another shard's stream
	// produced into the page, routed back by dismantling; replayed
	// first on resume
	dismantled *mutation.Buffer
}

// ResultBuilder consumes the merged fragment stream of a page.  Calls
// arrive in stream order: NewPartition opens a partition, the remaining
// callbacks fill it, EndOfPartition closes it.  EndOfStream fires only
// when the stream genuinely ended, not when a page limit cut it short.
type ResultBuilder interface {
	ConsumeNewPartition(pk mutation.PartitionKey) error
	ConsumePartitionTombstone(tombstone int64) error
	ConsumeStatic(value []byte) error
	ConsumeRow(ck mutation.ClusteringKey, value []byte) error
	ConsumeRangeTombstoneChange(ck mutation.ClusteringKey, tombstone int64) error
	ConsumeEndOfPartition() error
	ConsumeEndOfStream() error
}

// Request is one page of a paginated query.  Pages of the same query
// carry the same QueryID, Schema, Ranges and Slice; the limits may vary
// per page.  A Nil QueryID means the query is not resumable: nothing is
// looked up and nothing is saved.
type Request struct {
	QueryID uuid.UUID
	Schema  mutation.Schema
	Ranges  []mutation.Range
	Slice   mutation.Slice

	// FirstPage skips the cache lookup; there is nothing to resume yet.
	FirstPage bool

	MaxRows       uint64
	MaxPartitions uint64
}

// identityRange is the token span the request covers; resuming pages
// must present the same span.
func (r *Request) identityRange() mutation.Range {
	if len(r.Ranges) == 0 {
		return mutation.Range{Start: 1, End: 0}
	}
	return mutation.Range{
		Start: r.Ranges[0].Start,
		End:   r.Ranges[len(r.Ranges)-1].End,
	}
}

// PageInfo describes how a page ended, independent of the builder that
// accumulated its content.
type PageInfo struct {
	Rows       uint64
	Partitions uint64
	// ShortRead is set when limits or an interruption ended the page
	// while the stream still had data; the readers were saved and the
	// query should request another page.
	ShortRead bool
	// LastPartition and LastClustering position the page's end within
	// the stream.
	LastPartition  *mutation.PartitionKey
	LastClustering mutation.ClusteringKey
}
