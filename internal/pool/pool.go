package pool

import (
	"bytes"
	"sync"
)

// ---------------------------------------------------------------
// Buffer pools
//
// Every record costs two buffers: the encoded request body and the
// response body read back from the store. On a long stream that is
// millions of short-lived allocations, so both are recycled here.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - encoded request payloads
	//   - 4KB initial capacity covers typical documents
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// ResponsePool:
	//   - response bodies; store answers are small JSON objects
	ResponsePool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 1024))
		},
	}
)

// MaxBufferCap is the largest buffer returned to a pool.
// Bigger ones (one huge document) are left to the GC.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBody returns an empty buffer from BodyPool.
func GetBody() *bytes.Buffer {
	buf := BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBody returns buf to BodyPool unless it grew past MaxBufferCap.
func PutBody(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// GetResponse returns an empty buffer from ResponsePool.
func GetResponse() *bytes.Buffer {
	buf := ResponsePool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutResponse returns buf to ResponsePool unless it grew past MaxBufferCap.
func PutResponse(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		ResponsePool.Put(buf)
	}
}
