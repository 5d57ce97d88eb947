// Package chunkbuf accumulates the encoded fragments of one recording session.
package chunkbuf

import (
	"bytes"
	"io"
	"sync"
)

// Buffer is an ordered, append-only sequence of chunks. It is safe for
// concurrent use.
type Buffer struct {
	mu     sync.RWMutex
	chunks [][]byte
	size   int64
}

func New() *Buffer {
	return &Buffer{}
}

// Append adds chunk to the end of the buffer and takes ownership of it.
// Empty chunks carry nothing and are dropped; Append reports whether the
// chunk was kept.
func (b *Buffer) Append(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk))
	return true
}

// Reset drops every chunk.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Size is the total number of bytes held.
func (b *Buffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Chunks returns the current chunks in delivery order. The returned slice is
// a copy; the chunks themselves must not be modified.
func (b *Buffer) Chunks() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Reader returns a reader over the concatenation of the chunks held at call time.
func (b *Buffer) Reader() io.Reader {
	chunks := b.Chunks()
	readers := make([]io.Reader, len(chunks))
	for i, c := range chunks {
		readers[i] = bytes.NewReader(c)
	}
	return io.MultiReader(readers...)
}

// WriteTo writes the concatenation of the chunks to w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, c := range b.Chunks() {
		m, err := w.Write(c)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
