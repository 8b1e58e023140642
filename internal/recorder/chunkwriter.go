package recorder

import (
	"io"
	"sync"
)

var _ io.WriteCloser = (*ChunkWriter)(nil)

// ChunkWriter cuts the muxer output into fixed size chunks and delivers them
// in order. The remainder is flushed and the channel closed on Close.
type ChunkWriter struct {
	size   int
	out    chan []byte
	m      sync.Mutex
	buf    []byte
	total  int64
	count  int
	closed bool
}

func NewChunkWriter(size, queue int) *ChunkWriter {
	if size <= 0 {
		size = 64 * 1024
	}
	return &ChunkWriter{
		size: size,
		out:  make(chan []byte, queue),
		buf:  make([]byte, 0, size),
	}
}

func (w *ChunkWriter) Chunks() <-chan []byte {
	return w.out
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}

	n := len(p)
	for len(p) > 0 {
		free := w.size - len(w.buf)
		if free > len(p) {
			free = len(p)
		}
		w.buf = append(w.buf, p[:free]...)
		p = p[free:]
		if len(w.buf) == w.size {
			w.emit()
		}
	}
	w.total += int64(n)
	return n, nil
}

// Locked
func (w *ChunkWriter) emit() {
	if len(w.buf) == 0 {
		return
	}
	w.out <- w.buf
	w.count++
	w.buf = make([]byte, 0, w.size)
}

func (w *ChunkWriter) Close() error {
	w.m.Lock()
	defer w.m.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.emit()
	close(w.out)
	return nil
}

// Written returns the number of bytes and chunks delivered so far.
func (w *ChunkWriter) Written() (int64, int) {
	w.m.Lock()
	defer w.m.Unlock()
	return w.total, w.count
}
