package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeGateway emulates the payment provider REST API.
type FakeGateway struct {
	Server *httptest.Server

	mu          sync.Mutex
	seq         int
	failStatus  int
	failNext    int
	statuses    map[string]string
	initialized []map[string]any
	authHeaders []string
}

func NewFakeGateway(t *testing.T) *FakeGateway {
	t.Helper()

	g := &FakeGateway{statuses: map[string]string{}}
	g.Server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.Server.Close)
	return g
}

func (g *FakeGateway) URL() string {
	return g.Server.URL
}

// FailWith makes initialize calls answer with status; 0 restores success.
func (g *FakeGateway) FailWith(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStatus = status
}

// FailNext makes the next n initialize calls answer 503.
func (g *FakeGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// SetStatus sets what GET /payments/{id} reports for id.
func (g *FakeGateway) SetStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id] = status
}

// Initialized returns the decoded bodies of accepted initialize calls.
func (g *FakeGateway) Initialized() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.initialized...)
}

// LastID returns the id of the most recently created payment.
func (g *FakeGateway) LastID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("gw_pay_%d", g.seq)
}

func (g *FakeGateway) AuthHeaders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.authHeaders...)
}

func (g *FakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authHeaders = append(g.authHeaders, r.Header.Get("Authorization"))
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/payments/initialize":
		if g.failNext > 0 {
			g.failNext--
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		if g.failStatus != 0 {
			w.WriteHeader(g.failStatus)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.seq++
		id := fmt.Sprintf("gw_pay_%d", g.seq)
		g.initialized = append(g.initialized, body)
		g.statuses[id] = "pending"
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":          id,
			"checkoutUrl": g.Server.URL + "/checkout/" + id,
		})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/payments/"):
		id := strings.TrimPrefix(r.URL.Path, "/payments/")
		status, ok := g.statuses[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": status})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
