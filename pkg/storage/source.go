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

// Package storage provides the mutation sources the read path pulls
// from.  A Store holds one logical dataset partitioned across shards;
// each shard's Source opens resumable fragment readers over the
// partitions that shard owns.
package storage

import (
	"context"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/config"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/reader"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// Source opens readers over one shard's slice of the dataset.
type Source interface {
	// OpenReader positions a fragment reader at the first partition of
	// rng.  The permit bounds how many bytes a single fill may buffer.
	OpenReader(ctx context.Context, schema mutation.Schema, permit *reader.Permit,
		rng mutation.Range, slice mutation.Slice) (reader.FragmentReader, error)
}

// Store is a sharded dataset.  Writes route to the owning shard by
// token; reads go through the per-shard sources.
type Store interface {
	Source(shardID uint32) Source
	Sharder() shard.Sharder
	Apply(ctx context.Context, schema mutation.Schema, mut mutation.PartitionMutation) error
	Close() error
}

// Open builds the store the configuration names.
func Open(cfg *config.Config) (Store, error) {
	sharder := shard.NewHashSharder(cfg.ShardCount)
	switch cfg.Engine {
	case "mem":
		return NewMemStore(sharder), nil
	case "pebble":
		return OpenPebbleStore(cfg.DataDir, sharder)
	}
	return nil, qerr.NewBadConfig(context.Background(), "unknown engine %s", cfg.Engine)
}
