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
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4"

	"github.com/matrixorigin/shardquery/pkg/common/qerr"
	"github.com/matrixorigin/shardquery/pkg/mutation"
)

// EncodedResult is the wire form of a ResultSet: an lz4 frame over a
// length-prefixed binary layout.
type EncodedResult struct {
	Payload []byte
	RawSize int64
	Rows    uint64
}

type resultEncoder struct {
	w   io.Writer
	n   int64
	err error
}

func (e *resultEncoder) writeUint32(v uint32) {
	if e.err != nil {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, e.err = e.w.Write(b[:])
	e.n += 4
}

func (e *resultEncoder) writeBytes(p []byte) {
	e.writeUint32(uint32(len(p)))
	if e.err != nil || len(p) == 0 {
		return
	}
	_, e.err = e.w.Write(p)
	e.n += int64(len(p))
}

func (e *resultEncoder) writeBool(v bool) {
	if e.err != nil {
		return
	}
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, e.err = e.w.Write(b)
	e.n++
}

// Encode compresses the result set for the wire.
func (rs *ResultSet) Encode() (*EncodedResult, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	enc := &resultEncoder{w: zw}

	enc.writeUint32(uint32(len(rs.Partitions)))
	for i := range rs.Partitions {
		p := &rs.Partitions[i]
		enc.writeBytes(p.Key.Key)
		enc.writeBool(p.HasStatic)
		if p.HasStatic {
			enc.writeBytes(p.Static)
		}
		enc.writeUint32(uint32(len(p.Rows)))
		for _, row := range p.Rows {
			enc.writeBytes(row.Key)
			enc.writeBytes(row.Value)
		}
	}
	if enc.err == nil {
		enc.err = zw.Close()
	}
	if enc.err != nil {
		return nil, qerr.NewInternal(context.Background(), "encode result: %v", enc.err)
	}
	return &EncodedResult{
		Payload: buf.Bytes(),
		RawSize: enc.n,
		Rows:    rs.Rows,
	}, nil
}

type resultDecoder struct {
	r   io.Reader
	err error
}

func (d *resultDecoder) readUint32() uint32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, d.err = io.ReadFull(d.r, b[:]); d.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (d *resultDecoder) readBytes() []byte {
	n := d.readUint32()
	if d.err != nil || n == 0 {
		return nil
	}
	p := make([]byte, n)
	if _, d.err = io.ReadFull(d.r, p); d.err != nil {
		return nil
	}
	return p
}

func (d *resultDecoder) readBool() bool {
	if d.err != nil {
		return false
	}
	var b [1]byte
	if _, d.err = io.ReadFull(d.r, b[:]); d.err != nil {
		return false
	}
	return b[0] != 0
}

// DecodeResult reverses Encode.
func DecodeResult(payload []byte) (*ResultSet, error) {
	dec := &resultDecoder{r: lz4.NewReader(bytes.NewReader(payload))}
	rs := &ResultSet{}

	partitions := dec.readUint32()
	for i := uint32(0); i < partitions && dec.err == nil; i++ {
		p := PartitionRows{
			Key: mutation.NewPartitionKey(dec.readBytes()),
		}
		p.HasStatic = dec.readBool()
		if p.HasStatic {
			p.Static = dec.readBytes()
		}
		rows := dec.readUint32()
		for j := uint32(0); j < rows && dec.err == nil; j++ {
			p.Rows = append(p.Rows, mutation.Row{
				Key:   dec.readBytes(),
				Value: dec.readBytes(),
			})
		}
		rs.Partitions = append(rs.Partitions, p)
		rs.Rows += uint64(rows)
	}
	if dec.err != nil {
		return nil, qerr.NewInternal(context.Background(), "decode result: %v", dec.err)
	}
	return rs, nil
}
