// Package sink provides the destinations a poll run writes its CSV rows to.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sink is closed")

// httpWriteTimeout bounds a single row write to a streaming response, so a
// stalled client ends the run instead of blocking it forever.
const httpWriteTimeout = 10 * time.Second

// HTTP streams rows to an HTTP response, flushing each row to the client.
type HTTP struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu                 sync.Mutex
	closed             bool
	wroteHeader        bool
	deadlinesSupported bool
}

// NewHTTP wraps w. Headers must be set before the first write.
func NewHTTP(w http.ResponseWriter) *HTTP {
	return &HTTP{
		w:                  w,
		rc:                 http.NewResponseController(w),
		deadlinesSupported: true,
	}
}

// Write writes p to the response under a write deadline.
func (h *HTTP) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	h.extendDeadline()
	h.wroteHeader = true
	return h.w.Write(p)
}

// Open sends the response header and flushes it, unless a row was already
// written. It lets the client see the download start before the first tick.
func (h *HTTP) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.wroteHeader {
		return nil
	}
	h.wroteHeader = true
	h.extendDeadline()
	h.w.WriteHeader(http.StatusOK)
	if err := h.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (h *HTTP) extendDeadline() {
	if !h.deadlinesSupported {
		return
	}
	if err := h.rc.SetWriteDeadline(time.Now().Add(httpWriteTimeout)); err != nil {
		// deadline not supported by underlying connection, continue without
		h.deadlinesSupported = false
	}
}

// Flush pushes buffered bytes to the client. Response writers that cannot
// flush are tolerated.
func (h *HTTP) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if err := h.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close marks the sink closed. The response itself ends when the handler
// returns.
func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Writer streams rows to an io.Writer through a buffer, such as stdout or a
// file. Closing a Writer closes the underlying writer when it is an
// io.Closer.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	dst    io.Writer
	closed bool
}

// NewWriter wraps w. Close does not close os.Stdout or os.Stderr.
func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(w), dst: w}
}

// NewFile creates (or truncates) the file at path and returns a sink
// writing to it.
func NewFile(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return NewWriter(f), nil
}

// Write buffers p.
func (s *Writer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.buf.Write(p)
}

// Flush writes buffered bytes to the underlying writer.
func (s *Writer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.buf.Flush()
}

// Close flushes and closes the sink. Only the first call has an effect.
func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.buf.Flush()
	if c, ok := s.dst.(io.Closer); ok && s.dst != os.Stdout && s.dst != os.Stderr {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
