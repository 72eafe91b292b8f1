package api

import (
	"encoding/json"
	"net/http"
	"sync"
)

// sseResponder adapts an http.ResponseWriter to registry.Responder: it
// splices provider byte chunks onto the SSE stream and applies the
// backpressure the concurrency model requires (spec §5) by writing
// synchronously — the next chunk isn't read off the peer connection
// until this Write returns.
type sseResponder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	done chan struct{}
	once sync.Once
}

func newSSEResponder(w http.ResponseWriter) *sseResponder {
	fl, _ := w.(http.Flusher)
	return &sseResponder{w: w, flusher: fl, done: make(chan struct{})}
}

// WriteChunk relays one chunk of provider-emitted bytes as an SSE event.
func (r *sseResponder) WriteChunk(b []byte) error {
	if _, err := r.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if _, err := r.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	return nil
}

// Terminate ends the stream. A nil err just closes out the response (the
// "zero-length body on normal completion" case, spec §6); a non-nil err
// writes a terminating SSE error event first.
func (r *sseResponder) Terminate(err error) {
	r.once.Do(func() {
		if err != nil {
			msg, _ := json.Marshal(map[string]string{"error": err.Error()})
			r.w.Write([]byte("data: "))
			r.w.Write(msg)
			r.w.Write([]byte("\n\n"))
			if r.flusher != nil {
				r.flusher.Flush()
			}
		}
		close(r.done)
	})
}
