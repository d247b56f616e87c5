// Package sse sets up the response headers and flush discipline the
// Response Transformer (§4.J) needs to stream Server-Sent Events back to
// the host. The line-by-line event bytes themselves are written straight
// to the wrapped http.ResponseWriter by format.TransformSSEStream, which
// already speaks the upstream's exact SSE framing — this type only owns
// what an io.Writer can't express: the SSE headers and the flush call
// after each forwarded chunk.
package sse

import (
	"fmt"
	"net/http"
)

// Writer wraps an http.ResponseWriter for SSE streaming.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w, failing if the underlying ResponseWriter can't flush
// (required for a streaming response to reach the host incrementally).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &Writer{
		w:       w,
		flusher: flusher,
	}, nil
}

// SetHeaders sets the SSE response headers, including the nginx-specific
// buffering opt-out the upstream's own SSE responses rely on.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// Flush flushes any buffered data to the client.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
