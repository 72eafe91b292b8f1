package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/symmetry-network/hub/internal/dispatch"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
)

type fakeConn struct {
	sent chan []byte
}

func (c *fakeConn) Send(data []byte) error {
	c.sent <- data
	return nil
}
func (c *fakeConn) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	s := New(Config{Addr: "127.0.0.1:0", AllowedOrigins: []string{"*"}}, st, registry.New())
	return s, st
}

func TestHandleChatCompletions_NoProviderAvailable(t *testing.T) {
	s, _ := newTestServer(t)

	body := strings.NewReader(`{"sessionRequest":{"modelName":"llama3"},"data":{"messages":[]}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.handleChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (SSE headers are sent before provider selection)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No peers available") {
		t.Errorf("body = %q, want an SSE error event mentioning no peers available", rec.Body.String())
	}
}

func TestHandleChatCompletions_DispatchesInferenceFrame(t *testing.T) {
	s, st := newTestServer(t)
	st.UpsertPeer(&store.Peer{Key: "provider-1", DiscoveryKey: "disc-1", ModelName: "llama3", MaxConnections: 4})

	conn := &fakeConn{sent: make(chan []byte, 1)}
	s.registry.Attach("provider-1", conn)

	body := strings.NewReader(`{"sessionRequest":{"modelName":"llama3"},"data":{"messages":[{"role":"user","content":"hi"}]}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleChatCompletions(rec, req)
		close(done)
	}()

	select {
	case raw := <-conn.sent:
		f, err := dispatch.Decode(raw)
		if err != nil {
			t.Fatalf("Decode() error: %v", err)
		}
		if f.Key != dispatch.KeyInference {
			t.Fatalf("frame key = %s, want inference", f.Key)
		}
		var p dispatch.InferencePayload
		if err := f.DataAs(&p); err != nil {
			t.Fatalf("DataAs() error: %v", err)
		}
		if p.Key != "provider-1" {
			t.Errorf("inference token = %s, want the provider's own key", p.Key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the inference frame dispatch")
	}

	resp, ok := s.registry.ReleaseResponder("provider-1")
	if !ok {
		t.Fatal("expected a pending responder to be parked for provider-1")
	}
	resp.Terminate(nil)
	<-done
}

func TestHandleChatCompletions_RateLimited(t *testing.T) {
	s, st := newTestServer(t)
	s.maxHTTPRequests = 2

	for i := 0; i < 2; i++ {
		st.TouchIPMessage("203.0.113.9", 60)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()

	s.handleChatCompletions(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}
