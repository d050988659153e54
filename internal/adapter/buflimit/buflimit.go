// Package buflimit provides the bounded-capture writer every adapter uses
// to enforce maxBufferBytes (§4.4), shared so ssh/container/pod don't each
// reimplement the local adapter's overflow-kill pattern.
package buflimit

import (
	"bytes"
	"errors"
	"sync"
)

// ErrOverflow is returned by Write once a Writer's limit has been exceeded.
var ErrOverflow = errors.New("buflimit: buffer limit exceeded")

// Writer accumulates up to limit bytes; once exceeded, Write starts failing
// and onOverflow fires exactly once, giving the caller a chance to
// terminate the underlying process (§8: "maxBufferBytes exceeded on
// stdout: process terminated, BufferOverflowError raised"). limit <= 0
// disables the cap.
type Writer struct {
	mu         sync.Mutex
	limit      int64
	buf        bytes.Buffer
	overflowed bool
	onOverflow func()
}

// New constructs a Writer capped at limit bytes, invoking onOverflow
// (asynchronously, at most once) when the cap is first exceeded.
func New(limit int64, onOverflow func()) *Writer {
	return &Writer{limit: limit, onOverflow: onOverflow}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.overflowed {
		return 0, ErrOverflow
	}
	if w.limit > 0 && int64(w.buf.Len())+int64(len(p)) > w.limit {
		w.overflowed = true
		if w.onOverflow != nil {
			go w.onOverflow()
		}
		return 0, ErrOverflow
	}
	return w.buf.Write(p)
}

// Overflowed reports whether the cap was ever exceeded.
func (w *Writer) Overflowed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overflowed
}

// Bytes returns a copy of the bytes captured so far.
func (w *Writer) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}
