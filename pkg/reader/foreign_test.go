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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/shardquery/pkg/shard"
)

func TestForeignReaderRoutesSourceOps(t *testing.T) {
	pool, err := shard.NewExecutorPool(2)
	require.NoError(t, err)
	defer pool.Close()

	inner := newScriptedReader(16, partitionFrags(10, "a", "a1")...)
	fr := NewForeignReader(1, pool, inner)
	assert.EqualValues(t, 1, fr.Owner())

	require.NoError(t, fr.FillBuffer(context.Background()))
	assert.Equal(t, 2, fr.Buffer().Len())
	f := fr.Buffer().PopFront()
	assert.True(t, f.IsPartitionStart())

	require.NoError(t, fr.NextPartition(context.Background()))
	assert.True(t, fr.Buffer().Empty())
	assert.True(t, fr.EndOfStream())

	require.NoError(t, fr.Close(context.Background()))
	assert.True(t, inner.closed)
}

func TestForeignReaderRelease(t *testing.T) {
	pool, err := shard.NewExecutorPool(1)
	require.NoError(t, err)
	defer pool.Close()

	inner := newScriptedReader(4, partitionFrags(10, "a")...)
	fr := NewForeignReader(0, pool, inner)

	got := fr.Release()
	assert.Same(t, inner, got)

	// the wrapper gave up ownership, closing it must not touch inner
	require.NoError(t, fr.Close(context.Background()))
	assert.False(t, inner.closed)
}
