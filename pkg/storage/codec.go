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

package storage

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/mutation"
	"github.com/matrixorigin/shardquery/pkg/shard"
)

// Key layout, ordered so a raw byte scan walks fragments in stream
// order:
//
//	[schema u64][shard u32][token u64][pkey esc][marker][ckey esc][sub]
//
// pkey and ckey use an order preserving escape: 0x00 inside the value
// becomes 0x00 0xff, and 0x00 0x01 terminates it.  The ckey part is
// present only under markerClustered; the sub byte orders a range
// tombstone change before the row sharing its bound.
const (
	markerPartitionStart byte = 0x01
	markerStaticRow      byte = 0x02
	markerClustered      byte = 0x03

	subRangeTombstone byte = 0x00
	subRow            byte = 0x01
)

const fixedPrefixLen = 8 + 4 + 8

func appendEscaped(dst, v []byte) []byte {
	for {
		i := bytes.IndexByte(v, 0x00)
		if i < 0 {
			break
		}
		dst = append(dst, v[:i]...)
		dst = append(dst, 0x00, 0xff)
		v = v[i+1:]
	}
	dst = append(dst, v...)
	return append(dst, 0x00, 0x01)
}

// consumeEscaped splits one escaped value off the front of b.
func consumeEscaped(b []byte) (value, rest []byte, err error) {
	for i := 0; i+1 < len(b); {
		j := bytes.IndexByte(b[i:], 0x00)
		if j < 0 || i+j+1 >= len(b) {
			break
		}
		switch b[i+j+1] {
		case 0x01:
			value = append(value, b[i:i+j]...)
			return value, b[i+j+2:], nil
		case 0xff:
			value = append(value, b[i:i+j]...)
			value = append(value, 0x00)
			i += j + 2
		default:
			return nil, nil, qerr.NewStorageIO(context.Background(), "malformed escaped key")
		}
	}
	return nil, nil, qerr.NewStorageIO(context.Background(), "unterminated escaped key")
}

func appendKeyPrefix(dst []byte, schemaID uint64, shardID uint32, t shard.Token) []byte {
	var b [fixedPrefixLen]byte
	binary.BigEndian.PutUint64(b[0:8], schemaID)
	binary.BigEndian.PutUint32(b[8:12], shardID)
	binary.BigEndian.PutUint64(b[12:20], uint64(t))
	return append(dst, b[:]...)
}

// encodePartitionPrefix is the common prefix of every fragment key of
// one partition.
func encodePartitionPrefix(schemaID uint64, shardID uint32, pk mutation.PartitionKey) []byte {
	key := appendKeyPrefix(make([]byte, 0, fixedPrefixLen+len(pk.Key)+3), schemaID, shardID, pk.Token)
	return appendEscaped(key, pk.Key)
}

func partitionStartKey(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), markerPartitionStart)
}

func staticRowKey(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), markerStaticRow)
}

func clusteredKey(prefix []byte, ck mutation.ClusteringKey, sub byte) []byte {
	key := append(append([]byte{}, prefix...), markerClustered)
	key = appendEscaped(key, ck)
	return append(key, sub)
}

type decodedKey struct {
	schemaID uint64
	shardID  uint32
	token    shard.Token
	pkey     []byte
	marker   byte
	ckey     []byte
	sub      byte
}

func decodeFragmentKey(key []byte) (decodedKey, error) {
	var dk decodedKey
	if len(key) < fixedPrefixLen+1 {
		return dk, qerr.NewStorageIO(context.Background(), "fragment key too short")
	}
	dk.schemaID = binary.BigEndian.Uint64(key[0:8])
	dk.shardID = binary.BigEndian.Uint32(key[8:12])
	dk.token = shard.Token(binary.BigEndian.Uint64(key[12:20]))
	pkey, rest, err := consumeEscaped(key[fixedPrefixLen:])
	if err != nil {
		return dk, err
	}
	if len(rest) == 0 {
		return dk, qerr.NewStorageIO(context.Background(), "fragment key missing marker")
	}
	dk.pkey, dk.marker = pkey, rest[0]
	switch dk.marker {
	case markerPartitionStart, markerStaticRow:
		return dk, nil
	case markerClustered:
		ckey, tail, err := consumeEscaped(rest[1:])
		if err != nil {
			return dk, err
		}
		if len(tail) != 1 {
			return dk, qerr.NewStorageIO(context.Background(), "clustered key missing sub byte")
		}
		dk.ckey, dk.sub = ckey, tail[0]
		return dk, nil
	}
	return dk, qerr.NewStorageIO(context.Background(), "unknown key marker %d", dk.marker)
}

// keyBounds builds the [lower, upper) iteration window of one shard's
// slice of rng.
func keyBounds(schemaID uint64, shardID uint32, rng mutation.Range) (lower, upper []byte) {
	lower = appendKeyPrefix(nil, schemaID, shardID, rng.Start)
	switch {
	case rng.End < shard.MaxToken:
		upper = appendKeyPrefix(nil, schemaID, shardID, rng.End+1)
	case shardID < ^uint32(0):
		upper = appendKeyPrefix(nil, schemaID, shardID+1, shard.MinToken)
	default:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], schemaID+1)
		upper = b[:]
	}
	return lower, upper
}

func encodeTombstone(ts int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts))
	return b[:]
}

func decodeTombstone(v []byte) (int64, error) {
	if len(v) != 8 {
		return 0, qerr.NewStorageIO(context.Background(), "tombstone value of %d bytes", len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}
