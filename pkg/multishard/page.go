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
	"github.com/matrixorigin/shardquery/pkg/reader"
)

// pageOutcome is what a page run leaves behind besides the content the
// builder accumulated: how far it got, and the material the save path
// needs to resume the stream next page.
type pageOutcome struct {
	rows       uint64
	partitions uint64
	shortRead  bool

	leftover   *mutation.Buffer
	compaction *mutation.CompactionState
	lastPKey   *mutation.PartitionKey
	lastCKey   mutation.ClusteringKey
}

// ReadPage builds the page's reader stack over the coordinator and
// consumes one bounded page off it.  The stack is the combining reader
// over all shards, wrapped in the range sequencer when the query spans
// more than one range.  Whatever the consumer pulled off the stream but
// did not use is detached before the stack is closed; the per-shard
// stream buffers travel back through DestroyReader instead.  If
// consumption fails the stack is still closed before the error
// propagates.
func (rc *ReadContext) ReadPage(ctx context.Context, builder ResultBuilder, maxRows, maxPartitions uint64) (*pageOutcome, error) {
	forward := len(rc.ranges) > 1
	combining := reader.NewCombiningReader(rc, rc.e.exec.ShardCount(), forward)
	var src reader.FragmentReader = combining
	if forward {
		src = newMultiRangeReader(combining, rc.ranges)
	}

	out := &pageOutcome{}
	reason, err := rc.consumePage(ctx, src, builder, maxRows, maxPartitions, out)
	if err != nil {
		_ = src.Close(ctx)
		return nil, err
	}

	// Sequencer leftovers are older than the combining reader's own.
	out.leftover = src.DetachBuffer()
	if forward {
		out.leftover.Append(combining.DetachBuffer())
	}
	if err := src.Close(ctx); err != nil {
		return nil, err
	}

	out.shortRead = reason != qerr.GetOkExpectedEOS()
	return out, nil
}

// consumePage feeds the builder from src until the stream ends, a page
// limit is hit, or the deadline expires.  Interruption is a page
// boundary, not a failure: the page keeps what it consumed and the
// stream state stays intact for saving.  Returns which of the expected
// conditions ended the page.
func (rc *ReadContext) consumePage(ctx context.Context, src reader.FragmentReader, builder ResultBuilder,
	maxRows, maxPartitions uint64, out *pageOutcome) (*qerr.Error, error) {

	var (
		bytes       int64
		inPartition bool
		cs          mutation.CompactionState
	)

	finishPartition := func() error {
		if !inPartition {
			return nil
		}
		inPartition = false
		return builder.ConsumeEndOfPartition()
	}

	var reason *qerr.Error
	for reason == nil {
		if out.rows >= maxRows || bytes >= rc.e.maxResultSize {
			reason = qerr.GetOkExpectedPageLimit()
			break
		}
		if ctx.Err() != nil {
			reason = qerr.GetOkExpectedPageLimit()
			break
		}

		buf := src.Buffer()
		if buf.Empty() {
			if src.EndOfStream() {
				reason = qerr.GetOkExpectedEOS()
				break
			}
			if err := src.FillBuffer(ctx); err != nil {
				if interrupted(err) {
					reason = qerr.GetOkExpectedPageLimit()
					break
				}
				return nil, err
			}
			continue
		}

		f := buf.Front()
		if f.IsPartitionStart() {
			if err := finishPartition(); err != nil {
				return nil, err
			}
			if out.partitions >= maxPartitions {
				reason = qerr.GetOkExpectedPageLimit()
				break
			}
			buf.PopFront()
			bytes += f.MemSize()
			out.partitions++
			inPartition = true
			ps := f
			cs = mutation.CompactionState{PartitionStart: &ps}
			out.lastPKey = &ps.PKey
			out.lastCKey = nil
			if err := builder.ConsumeNewPartition(f.PKey); err != nil {
				return nil, err
			}
			if f.Tombstone != 0 {
				if err := builder.ConsumePartitionTombstone(f.Tombstone); err != nil {
					return nil, err
				}
			}
			continue
		}

		buf.PopFront()
		bytes += f.MemSize()
		switch f.Kind {
		case mutation.FragmentStaticRow:
			sr := f
			cs.StaticRow = &sr
			if err := builder.ConsumeStatic(f.Value); err != nil {
				return nil, err
			}
		case mutation.FragmentClusteringRow:
			out.rows++
			out.lastCKey = f.CKey
			if err := builder.ConsumeRow(f.CKey, f.Value); err != nil {
				return nil, err
			}
		case mutation.FragmentRangeTombstoneChange:
			if f.Tombstone != 0 {
				rtc := f
				cs.PendingTombstone = &rtc
			} else {
				cs.PendingTombstone = nil
			}
			out.lastCKey = f.CKey
			if err := builder.ConsumeRangeTombstoneChange(f.CKey, f.Tombstone); err != nil {
				return nil, err
			}
		default:
			panic("BUG: unknown fragment kind in page stream")
		}
	}

	if reason == qerr.GetOkExpectedEOS() {
		if err := finishPartition(); err != nil {
			return nil, err
		}
		if err := builder.ConsumeEndOfStream(); err != nil {
			return nil, err
		}
		return reason, nil
	}

	// The page stopped inside a partition: remember how far it was
	// built so the next page reopens it exactly here.
	if inPartition {
		snapshot := cs
		out.compaction = &snapshot
	}
	if err := finishPartition(); err != nil {
		return nil, err
	}
	return reason, nil
}

func interrupted(err error) bool {
	return qerr.IsQErrCode(err, qerr.ErrReadTimeout) ||
		qerr.IsQErrCode(err, qerr.ErrQueryInterrupted)
}
