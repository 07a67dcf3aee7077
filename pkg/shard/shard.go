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

// Package shard maps partitions to shards and dispatches shard-affine
// work.  A shard is an independent execution and memory domain owning a
// disjoint subset of partitions; cross-shard calls are the only
// concurrency boundary of the read path.
package shard

import (
	"encoding/binary"
	"hash/crc32"
)

// Token positions a partition on the ring.  Tokens order partitions
// globally; each shard owns the tokens t with t % shardCount == shard.
type Token uint64

// MinToken and MaxToken bound the ring.
const (
	MinToken Token = 0
	MaxToken Token = ^Token(0)
)

// TokenOf derives the ring position of a partition key.
func TokenOf(key []byte) Token {
	h := crc32.Checksum(key, crcTable)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h)
	// spread the 32 bit checksum over the full ring
	return Token(uint64(h)<<32 | uint64(crc32.Checksum(b[:], crcTable)))
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Sharder routes a token to its owning shard.
type Sharder interface {
	ShardOf(t Token) uint32
	ShardCount() uint32
}

// HashSharder owns tokens by modulo.  Deterministic, stateless.
type HashSharder struct {
	shards uint32
}

func NewHashSharder(shards uint32) *HashSharder {
	if shards == 0 {
		panic("BUG: sharder with zero shards")
	}
	return &HashSharder{shards: shards}
}

func (s *HashSharder) ShardOf(t Token) uint32 {
	return uint32(uint64(t) % uint64(s.shards))
}

func (s *HashSharder) ShardCount() uint32 {
	return s.shards
}
