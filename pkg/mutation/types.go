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

// Package mutation holds the data model of the multishard read path: the
// fragment stream a reader produces, the buffers that carry it across
// page boundaries, and the partition/clustering keys that order it.
package mutation

import (
	"bytes"
	"fmt"

	"github.com/matrixorigin/shardquery/pkg/shard"
)

// Schema identifies the table a read targets.  Lookup and cache
// validation compare schemas by ID only.
type Schema struct {
	ID   uint64
	Name string
}

func (s Schema) Equal(o Schema) bool {
	return s.ID == o.ID
}

func (s Schema) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.ID)
}

// PartitionKey addresses one partition.  Token is derived from Key once
// at construction and routes the partition to its owning shard.
type PartitionKey struct {
	Key   []byte
	Token shard.Token
}

func NewPartitionKey(key []byte) PartitionKey {
	return PartitionKey{Key: key, Token: shard.TokenOf(key)}
}

// Compare orders partition keys by ring position, then by raw key.
func (k PartitionKey) Compare(o PartitionKey) int {
	if k.Token != o.Token {
		if k.Token < o.Token {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.Key, o.Key)
}

func (k PartitionKey) Equal(o PartitionKey) bool {
	return k.Compare(o) == 0
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("pk(%q@%d)", k.Key, k.Token)
}

// ClusteringKey orders rows inside one partition.
type ClusteringKey []byte

func (k ClusteringKey) Compare(o ClusteringKey) int {
	return bytes.Compare(k, o)
}

// Range is a contiguous span of the token ring, inclusive on both ends.
type Range struct {
	Start shard.Token
	End   shard.Token
}

// FullRange covers the whole ring.
func FullRange() Range {
	return Range{Start: shard.MinToken, End: shard.MaxToken}
}

func (r Range) Contains(t shard.Token) bool {
	return t >= r.Start && t <= r.End
}

func (r Range) Empty() bool {
	return r.End < r.Start
}

func (r Range) Equal(o Range) bool {
	return r.Start == o.Start && r.End == o.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Slice filters the columns a read materializes.  An empty column list
// selects everything.
type Slice struct {
	Columns []string
}

func (s Slice) Equal(o Slice) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return true
}
