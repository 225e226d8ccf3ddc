// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ring wraps a bounded circular buffer for capturing subprocess
// stdout/stderr without unbounded growth, used by the subprocess runner (C6)
// and the worker pool (C7) when mirroring a child's output into logs.
package ring

import (
	"sync"

	"github.com/armon/circbuf"
)

// Buffer is a single-writer/single-reader bounded log buffer. The writer is
// the IPC/stdio reader goroutine; the reader is the finalizer that attaches
// captured output to an error or trace record.
type Buffer struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

// New creates a Buffer capped at size bytes. When full, the oldest bytes are
// discarded to make room for new writes (circbuf's standard behavior).
func New(size int64) (*Buffer, error) {
	b, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{buf: b}, nil
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns a snapshot of the buffered content.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TotalWritten returns the cumulative byte count ever written, which may
// exceed the buffer's capacity once wraparound has occurred.
func (b *Buffer) TotalWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.TotalWritten()
}
