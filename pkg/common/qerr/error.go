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

package qerr

import (
	"context"
	"fmt"
	"io"
)

const (
	// 0 - 99 is OK.  They do not carry info and are special handled
	// using a static instance, no alloc.
	Ok uint16 = 0
	// OkExpectedEOS signals natural end of a fragment stream.
	OkExpectedEOS uint16 = 1
	// OkExpectedPageLimit signals the page row/partition limit was hit.
	OkExpectedPageLimit uint16 = 2

	OkMax uint16 = 99

	// Group 1: internal errors
	ErrStart            uint16 = 20100
	ErrInternal         uint16 = 20101
	ErrNYI              uint16 = 20102
	ErrOOM              uint16 = 20103
	ErrQueryInterrupted uint16 = 20104
	ErrNotSupported     uint16 = 20105

	// Group 2: invalid input
	ErrBadConfig    uint16 = 20200
	ErrInvalidInput uint16 = 20201
	ErrInvalidState uint16 = 20202
	ErrEmptyRange   uint16 = 20203
	ErrNoSuchTable  uint16 = 20204

	// Group 3: read path
	// ErrReadTimeout the read deadline expired while waiting on a
	// collaborator (cache lookup, admission, storage io).
	ErrReadTimeout uint16 = 20300
	// ErrReaderClosed an operation was issued against a closed reader.
	ErrReaderClosed uint16 = 20301
	// ErrReaderSlotState a reader was created while its shard slot was in
	// a state that can never legally produce one.
	ErrReaderSlotState uint16 = 20302
	// ErrPermitMismatch a reclaimed reader carries a different permit than
	// the one the caller obtained for it.
	ErrPermitMismatch uint16 = 20303
	// ErrSemaphoreMismatch a recovered reader belongs to a different
	// admission domain than the query is accounted against.
	ErrSemaphoreMismatch uint16 = 20304
	// ErrFastForwardUnsupported the reader is single-pass and cannot be
	// repositioned.
	ErrFastForwardUnsupported uint16 = 20305
	// ErrReaderEvicted a suspended reader was evicted before it could be
	// reclaimed.
	ErrReaderEvicted uint16 = 20306

	// Group 4: storage
	ErrStorageIO     uint16 = 20400
	ErrShardNotFound uint16 = 20401

	// ErrEnd, the max value of the error code space.
	ErrEnd uint16 = 65535
)

type errorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]errorMsgItem{
	// OK codes not in this table.  They should never leak to a client.

	// Group 1: internal errors
	ErrStart:            {"internal error: error code start"},
	ErrInternal:         {"internal error: %s"},
	ErrNYI:              {"%s is not yet implemented"},
	ErrOOM:              {"error: out of memory"},
	ErrQueryInterrupted: {"query interrupted"},
	ErrNotSupported:     {"not supported: %s"},

	// Group 2: invalid input
	ErrBadConfig:    {"invalid configuration: %s"},
	ErrInvalidInput: {"invalid input: %s"},
	ErrInvalidState: {"invalid state %s"},
	ErrEmptyRange:   {"empty partition range %s"},
	ErrNoSuchTable:  {"no such table %s"},

	// Group 3: read path
	ErrReadTimeout:            {"read timed out: %s"},
	ErrReaderClosed:           {"reader is closed"},
	ErrReaderSlotState:        {"reader slot for shard %d is in state %s, cannot create a reader"},
	ErrPermitMismatch:         {"reclaimed reader permit does not match the obtained permit on shard %d"},
	ErrSemaphoreMismatch:      {"reader on shard %d belongs to a different admission domain"},
	ErrFastForwardUnsupported: {"this reader does not support fast forwarding"},
	ErrReaderEvicted:          {"suspended reader for shard %d was evicted"},

	// Group 4: storage
	ErrStorageIO:     {"storage io error: %s"},
	ErrShardNotFound: {"shard %d not found"},

	// Group End: max value of the error code space.
	ErrEnd: {"internal error: end of error code"},
}

func newError(ctx context.Context, code uint16, args ...any) *Error {
	var err *Error
	item, has := errorMsgRefer[code]
	if !has {
		panic(NewInternal(ctx, "missing error code: %d", code))
	}
	if len(args) == 0 {
		err = &Error{
			code:    code,
			message: item.errorMsgOrFormat,
		}
	} else {
		err = &Error{
			code:    code,
			message: fmt.Sprintf(item.errorMsgOrFormat, args...),
		}
	}
	return err
}

type Error struct {
	code    uint16
	message string
	detail  string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Detail() string {
	return e.detail
}

func (e *Error) Display() string {
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) WithDetail(detail string) *Error {
	e.detail = detail
	return e
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

// Fatal reports whether the error indicates a logic bug that must abort
// the whole read instead of being absorbed at a shard boundary.
func (e *Error) Fatal() bool {
	switch e.code {
	case ErrInternal, ErrReaderSlotState, ErrPermitMismatch, ErrSemaphoreMismatch:
		return true
	}
	return false
}

// IsQErrCode tests an error against one of the codes above.  nil matches Ok.
func IsQErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	qe, ok := e.(*Error)
	if !ok {
		return false
	}
	return qe.code == rc
}

// IsFatal reports whether err is a fatal error.  Non -Error values are
// conservatively treated as fatal, they escaped a conversion boundary.
func IsFatal(e error) bool {
	if e == nil {
		return false
	}
	if qe, ok := e.(*Error); ok {
		return qe.Fatal()
	}
	return true
}

// ConvertPanicError converts a recovered panic value to an internal error.
func ConvertPanicError(ctx context.Context, v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ctx, ErrInternal, fmt.Sprintf("panic %v: %+v", v, callers(3)))
}

// ConvertGoError converts a plain go error into a qerr error.
// Note here we must return error, because a nil error is not the same
// as a nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	// nil is nil
	if err == nil {
		return err
	}

	// already converted, return as is
	if _, ok := err.(*Error); ok {
		return err
	}

	switch err {
	case context.DeadlineExceeded:
		return NewReadTimeout(ctx, "deadline exceeded")
	case context.Canceled:
		return NewQueryInterrupted(ctx)
	case io.EOF, io.ErrUnexpectedEOF:
		// if io.EOF reaches here, we believe it is not expected.
		return NewInternal(ctx, "unexpected eof: %v", err)
	}

	return NewInternal(ctx, "convert go error: %v", err)
}

// Special handling of OK codes.  They are not errors but signal different
// success conditions inside tight consumption loops, so we cannot afford
// to allocate an Error, let alone construct a call stack.  Callers test
// with either
//
//	   if err == GetOkExpectedEOS()
//	or if qerr.IsQErrCode(err, qerr.OkExpectedEOS)
var errOkExpectedEOS = Error{OkExpectedEOS, "ExpectedEOS", ""}
var errOkExpectedPageLimit = Error{OkExpectedPageLimit, "ExpectedPageLimit", ""}

func GetOkExpectedEOS() *Error {
	return &errOkExpectedEOS
}

func GetOkExpectedPageLimit() *Error {
	return &errOkExpectedPageLimit
}

func NewInternal(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewNYI(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNYI, xmsg)
}

func NewOOM(ctx context.Context) *Error {
	return newError(ctx, ErrOOM)
}

func NewQueryInterrupted(ctx context.Context) *Error {
	return newError(ctx, ErrQueryInterrupted)
}

func NewNotSupported(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNotSupported, xmsg)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadConfig, xmsg)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewEmptyRange(ctx context.Context, r string) *Error {
	return newError(ctx, ErrEmptyRange, r)
}

func NewNoSuchTable(ctx context.Context, tbl string) *Error {
	return newError(ctx, ErrNoSuchTable, tbl)
}

func NewReadTimeout(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrReadTimeout, xmsg)
}

func NewReaderClosed(ctx context.Context) *Error {
	return newError(ctx, ErrReaderClosed)
}

func NewReaderSlotState(ctx context.Context, shard uint32, state string) *Error {
	return newError(ctx, ErrReaderSlotState, shard, state)
}

func NewPermitMismatch(ctx context.Context, shard uint32) *Error {
	return newError(ctx, ErrPermitMismatch, shard)
}

func NewSemaphoreMismatch(ctx context.Context, shard uint32) *Error {
	return newError(ctx, ErrSemaphoreMismatch, shard)
}

func NewFastForwardUnsupported(ctx context.Context) *Error {
	return newError(ctx, ErrFastForwardUnsupported)
}

func NewReaderEvicted(ctx context.Context, shard uint32) *Error {
	return newError(ctx, ErrReaderEvicted, shard)
}

func NewStorageIO(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrStorageIO, xmsg)
}

func NewShardNotFound(ctx context.Context, shard uint32) *Error {
	return newError(ctx, ErrShardNotFound, shard)
}
