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
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// scriptedReader replays a fixed fragment sequence, fillSize fragments
// per fill.
type scriptedReader struct {
	Base
	pending  []mutation.Fragment
	fillSize int
	closed   bool
	forwards []mutation.Range
}

func newScriptedReader(fillSize int, frags ...mutation.Fragment) *scriptedReader {
	r := &scriptedReader{pending: frags, fillSize: fillSize}
	if len(frags) == 0 {
		r.eos = true
	}
	return r
}

func (r *scriptedReader) FillBuffer(ctx context.Context) error {
	if !r.buf.Empty() || r.eos {
		return nil
	}
	n := r.fillSize
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n && len(r.pending) > 0; i++ {
		r.buf.PushBack(r.pending[0])
		r.pending = r.pending[1:]
	}
	if len(r.pending) == 0 {
		r.eos = true
	}
	return nil
}

func (r *scriptedReader) NextPartition(ctx context.Context) error {
	for !r.buf.Empty() && !r.buf.Front().IsPartitionStart() {
		r.buf.PopFront()
	}
	if !r.buf.Empty() {
		return nil
	}
	for len(r.pending) > 0 && !r.pending[0].IsPartitionStart() {
		r.pending = r.pending[1:]
	}
	if len(r.pending) == 0 {
		r.eos = true
	}
	return nil
}

func (r *scriptedReader) FastForwardTo(ctx context.Context, rng mutation.Range) error {
	r.forwards = append(r.forwards, rng)
	remaining := append(r.buf.Detach().Fragments(), r.pending...)
	keep := false
	var kept []mutation.Fragment
	for _, f := range remaining {
		if f.IsPartitionStart() {
			keep = rng.Contains(f.PKey.Token)
		}
		if keep {
			kept = append(kept, f)
		}
	}
	r.pending = kept
	r.eos = len(kept) == 0
	return nil
}

func (r *scriptedReader) Close(ctx context.Context) error {
	r.closed = true
	return nil
}

type fakePolicy struct {
	readers   map[uint32]*scriptedReader
	createErr map[uint32]error
	created   []uint32
	destroyed map[uint32]*mutation.Buffer
}

func newFakePolicy(readers map[uint32]*scriptedReader) *fakePolicy {
	return &fakePolicy{
		readers:   readers,
		destroyed: make(map[uint32]*mutation.Buffer),
	}
}

func (p *fakePolicy) CreateReader(ctx context.Context, shardID uint32) (FragmentReader, error) {
	if err := p.createErr[shardID]; err != nil {
		return nil, err
	}
	p.created = append(p.created, shardID)
	if r, ok := p.readers[shardID]; ok {
		return r, nil
	}
	return NewEmptyReader(), nil
}

func (p *fakePolicy) DestroyReader(ctx context.Context, shardID uint32, r FragmentReader, unconsumed *mutation.Buffer) {
	p.destroyed[shardID] = unconsumed
}

func pkeyAt(token uint64, key string) mutation.PartitionKey {
	return mutation.PartitionKey{Key: []byte(key), Token: shard.Token(token)}
}

func partitionFrags(token uint64, key string, rows ...string) []mutation.Fragment {
	frags := []mutation.Fragment{mutation.NewPartitionStart(pkeyAt(token, key), 0)}
	for _, r := range rows {
		frags = append(frags, mutation.NewClusteringRow([]byte(r), []byte("v")))
	}
	return frags
}

func concat(runs ...[]mutation.Fragment) []mutation.Fragment {
	var all []mutation.Fragment
	for _, run := range runs {
		all = append(all, run...)
	}
	return all
}

// drainSignature consumes the full stream and renders it as one line,
// e.g. "ps:10[a] cr:a1 ps:20[b]".
func drainSignature(t *testing.T, r FragmentReader) string {
	t.Helper()
	out := ""
	for {
		if r.Buffer().Empty() {
			if r.EndOfStream() {
				break
			}
			require.NoError(t, r.FillBuffer(context.Background()))
			if r.Buffer().Empty() && r.EndOfStream() {
				break
			}
			continue
		}
		f := r.Buffer().PopFront()
		if out != "" {
			out += " "
		}
		switch f.Kind {
		case mutation.FragmentPartitionStart:
			out += fmt.Sprintf("ps:%d[%s]", uint64(f.PKey.Token), f.PKey.Key)
		case mutation.FragmentClusteringRow:
			out += fmt.Sprintf("cr:%s", []byte(f.CKey))
		default:
			out += f.Kind.String()
		}
	}
	return out
}

func TestCombiningMergesAcrossShards(t *testing.T) {
	for _, fillSize := range []int{1, 16} {
		t.Run(fmt.Sprintf("fillSize=%d", fillSize), func(t *testing.T) {
			policy := newFakePolicy(map[uint32]*scriptedReader{
				0: newScriptedReader(fillSize, concat(
					partitionFrags(10, "a", "a1", "a2"),
					partitionFrags(40, "d", "d1"),
				)...),
				1: newScriptedReader(fillSize, partitionFrags(20, "b", "b1")...),
				2: newScriptedReader(fillSize, concat(
					partitionFrags(30, "c"),
					partitionFrags(50, "e", "e1"),
				)...),
			})
			r := NewCombiningReader(policy, 3, false)

			sig := drainSignature(t, r)
			assert.Equal(t,
				"ps:10[a] cr:a1 cr:a2 ps:20[b] cr:b1 ps:30[c] ps:40[d] cr:d1 ps:50[e] cr:e1",
				sig)
			assert.NoError(t, r.Close(context.Background()))
		})
	}
}

func TestCombiningCreatesStreamsLazily(t *testing.T) {
	policy := newFakePolicy(map[uint32]*scriptedReader{
		0: newScriptedReader(4, partitionFrags(10, "a", "a1")...),
	})
	r := NewCombiningReader(policy, 2, false)
	assert.Empty(t, policy.created, "no streams before the first fill")

	require.NoError(t, r.FillBuffer(context.Background()))
	assert.ElementsMatch(t, []uint32{0, 1}, policy.created)
	assert.NoError(t, r.Close(context.Background()))
}

func TestCombiningCreateFailurePropagates(t *testing.T) {
	boom := qerr.NewInternal(context.Background(), "create failed")
	policy := newFakePolicy(map[uint32]*scriptedReader{
		0: newScriptedReader(4, partitionFrags(10, "a")...),
	})
	policy.createErr = map[uint32]error{1: boom}
	r := NewCombiningReader(policy, 2, false)

	err := r.FillBuffer(context.Background())
	require.Error(t, err)
	assert.True(t, qerr.IsQErrCode(err, qerr.ErrInternal))
	assert.NoError(t, r.Close(context.Background()))
}

func TestCombiningCloseHandsBackUnconsumed(t *testing.T) {
	s0 := newScriptedReader(16, partitionFrags(10, "a", "a1", "a2", "a3")...)
	s1 := newScriptedReader(16, partitionFrags(20, "b", "b1")...)
	policy := newFakePolicy(map[uint32]*scriptedReader{0: s0, 1: s1})
	r := NewCombiningReader(policy, 2, false)

	// first fill surfaces only shard 0's partition start; the rest stays
	// buffered inside the streams
	require.NoError(t, r.FillBuffer(context.Background()))
	f := r.Buffer().PopFront()
	assert.True(t, f.IsPartitionStart())
	assert.EqualValues(t, 10, f.PKey.Token)

	require.NoError(t, r.Close(context.Background()))
	require.Contains(t, policy.destroyed, uint32(0))
	require.Contains(t, policy.destroyed, uint32(1))
	assert.Equal(t, 3, policy.destroyed[0].Len(), "shard 0 rows never surfaced")
	assert.Equal(t, 2, policy.destroyed[1].Len(), "shard 1 partition never surfaced")

	err := r.FillBuffer(context.Background())
	assert.True(t, qerr.IsQErrCode(err, qerr.ErrReaderClosed))
}

func TestCombiningNextPartition(t *testing.T) {
	for _, fillSize := range []int{1, 16} {
		t.Run(fmt.Sprintf("fillSize=%d", fillSize), func(t *testing.T) {
			policy := newFakePolicy(map[uint32]*scriptedReader{
				0: newScriptedReader(fillSize, concat(
					partitionFrags(10, "a", "a1", "a2"),
					partitionFrags(20, "b", "b1"),
				)...),
			})
			r := NewCombiningReader(policy, 1, false)

			require.NoError(t, r.FillBuffer(context.Background()))
			assert.True(t, r.Buffer().PopFront().IsPartitionStart())
			require.NoError(t, r.FillBuffer(context.Background()))
			row := r.Buffer().PopFront()
			assert.Equal(t, mutation.FragmentClusteringRow, row.Kind)

			// skip the rest of partition a
			require.NoError(t, r.NextPartition(context.Background()))
			require.NoError(t, r.FillBuffer(context.Background()))
			next := r.Buffer().Front()
			require.True(t, next.IsPartitionStart())
			assert.EqualValues(t, 20, next.PKey.Token)
			assert.NoError(t, r.Close(context.Background()))
		})
	}
}

func TestCombiningFastForward(t *testing.T) {
	frags := concat(
		partitionFrags(10, "a", "a1"),
		partitionFrags(60, "d", "d1"),
	)
	s0 := newScriptedReader(16, frags...)
	s1 := newScriptedReader(16, concat(
		partitionFrags(20, "b"),
		partitionFrags(70, "e"),
	)...)
	policy := newFakePolicy(map[uint32]*scriptedReader{0: s0, 1: s1})
	r := NewCombiningReader(policy, 2, true)

	require.NoError(t, r.FillBuffer(context.Background()))
	first := r.Buffer().PopFront()
	assert.EqualValues(t, 10, first.PKey.Token)

	require.NoError(t, r.FastForwardTo(context.Background(), mutation.Range{Start: 50, End: 100}))
	sig := drainSignature(t, r)
	assert.Equal(t, "ps:60[d] cr:d1 ps:70[e]", sig)
	assert.Equal(t, []mutation.Range{{Start: 50, End: 100}}, s0.forwards)
	assert.Equal(t, []mutation.Range{{Start: 50, End: 100}}, s1.forwards)
	assert.NoError(t, r.Close(context.Background()))
}

func TestCombiningFastForwardBeforeFirstFill(t *testing.T) {
	s0 := newScriptedReader(16, concat(
		partitionFrags(10, "a"),
		partitionFrags(60, "d"),
	)...)
	policy := newFakePolicy(map[uint32]*scriptedReader{0: s0})
	r := NewCombiningReader(policy, 1, true)

	// streams do not exist yet; they must start in the forwarded range
	require.NoError(t, r.FastForwardTo(context.Background(), mutation.Range{Start: 50, End: 100}))
	sig := drainSignature(t, r)
	assert.Equal(t, "ps:60[d]", sig)
	assert.Equal(t, []mutation.Range{{Start: 50, End: 100}}, s0.forwards)
	assert.NoError(t, r.Close(context.Background()))
}

func TestCombiningFastForwardDisabled(t *testing.T) {
	policy := newFakePolicy(nil)
	r := NewCombiningReader(policy, 1, false)

	err := r.FastForwardTo(context.Background(), mutation.FullRange())
	require.Error(t, err)
	assert.True(t, qerr.IsQErrCode(err, qerr.ErrFastForwardUnsupported))
	assert.NoError(t, r.Close(context.Background()))
}

func TestCombiningDuplicatePartitionPanics(t *testing.T) {
	policy := newFakePolicy(map[uint32]*scriptedReader{
		0: newScriptedReader(4, partitionFrags(10, "a")...),
		1: newScriptedReader(4, partitionFrags(10, "a")...),
	})
	r := NewCombiningReader(policy, 2, false)

	assert.Panics(t, func() {
		_ = r.FillBuffer(context.Background())
	})
}
