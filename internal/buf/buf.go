// Package buf implements the buffer and allocator shapes the hot paths
// share: zero-copy views over caller-owned memory, a window buffer that
// appends into a caller-provided slab, a chunked send queue, and a
// newline-delimited line buffer.
package buf

import "unicode/utf8"

// Window appends bytes into a caller-provided slab and tracks a cursor,
// so hot paths (canonical JSON, state-tree node serialization) reuse one
// scratch slab instead of allocating per call.
type Window struct {
	b []byte
}

// NewWindow wraps an existing slice as a window buffer. The slice's current
// length is treated as already-written content; writes append after it.
func NewWindow(slab []byte) *Window {
	return &Window{b: slab}
}

// Len returns the number of bytes written so far.
func (w *Window) Len() int { return len(w.b) }

// Written returns the bytes written so far. The returned slice aliases the
// window's backing array and is invalidated by further writes.
func (w *Window) Written() []byte { return w.b }

// Reset empties the window without releasing its backing array.
func (w *Window) Reset() { w.b = w.b[:0] }

// WriteByte appends a single byte.
func (w *Window) WriteByte(c byte) { w.b = append(w.b, c) }

// WriteString appends s.
func (w *Window) WriteString(s string) { w.b = append(w.b, s...) }

// Write appends p, satisfying io.Writer.
func (w *Window) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// WriteRune appends the UTF-8 encoding of r.
func (w *Window) WriteRune(r rune) {
	var tmp [utf8.UTFMax]byte
	n := utf8.EncodeRune(tmp[:], r)
	w.b = append(w.b, tmp[:n]...)
}

// ConstBuffer is an immutable view over a byte range, analogous to the
// source's const_buffer.
type ConstBuffer struct {
	Data []byte
}

// MutableBuffer is a writable view over a byte range, analogous to the
// source's mutable_buffer.
type MutableBuffer struct {
	Data []byte
}

// Chunk is one length-tagged piece of a RawBuf send queue.
type Chunk struct {
	Data []byte
}

// RawBuf is a FIFO queue of length-tagged chunks, shaped for socket
// send-queues. No other package in this module uses it.
type RawBuf struct {
	chunks []Chunk
}

// Push enqueues a chunk. The slice is retained, not copied.
func (r *RawBuf) Push(data []byte) {
	r.chunks = append(r.chunks, Chunk{Data: data})
}

// Pop removes and returns the oldest chunk, or ok=false if empty.
func (r *RawBuf) Pop() (Chunk, bool) {
	if len(r.chunks) == 0 {
		return Chunk{}, false
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, true
}

// Len reports the number of queued chunks.
func (r *RawBuf) Len() int { return len(r.chunks) }

// Bytes reports the total number of bytes queued across all chunks.
func (r *RawBuf) Bytes() int {
	n := 0
	for _, c := range r.chunks {
		n += len(c.Data)
	}
	return n
}

// LineBuf accumulates bytes and yields complete '\n'-delimited lines, for
// line-oriented protocol input. No other package in this module uses it.
type LineBuf struct {
	pending []byte
}

// Feed appends data and returns any newly completed lines (without their
// trailing '\n').
func (l *LineBuf) Feed(data []byte) [][]byte {
	l.pending = append(l.pending, data...)
	var lines [][]byte
	for {
		i := indexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, l.pending[:i])
		lines = append(lines, line)
		l.pending = l.pending[i+1:]
	}
	return lines
}

// Pending returns bytes accumulated since the last complete line.
func (l *LineBuf) Pending() []byte { return l.pending }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
