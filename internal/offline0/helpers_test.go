package offline0

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	mobileUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148 Safari/604.1"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36"
)

// testOrigin is an origin server that can be taken offline. Offline
// requests have their connection dropped without a response.
type testOrigin struct {
	*httptest.Server
	mux     *http.ServeMux
	offline atomic.Bool

	mu   sync.Mutex
	hits map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{mux: http.NewServeMux(), hits: map[string]int{}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.offline.Load() {
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("hijack unsupported")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.RequestURI()]++
		o.mu.Unlock()
		o.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) Hits(methodAndURI string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[methodAndURI]
}

// text registers a fixed 200 response for pattern.
func (o *testOrigin) text(pattern, contentType, body string) {
	o.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	})
}

// hang registers a handler that never answers, so callers hit their
// timeout.
func (o *testOrigin) hang(pattern string) {
	o.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
}

// testConfig builds an in-memory config for origin. extra is appended as
// further top-level YAML sections.
func testConfig(t *testing.T, origin string, extra ...string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(`
server:
  origin: ` + origin + `
storage:
  provider: memory
timeouts:
  document: 2s
  script: 2s
  image: 2s
  api: 2s
  default: 2s
  syncPing: 300ms
` + strings.Join(extra, "\n")))
	require.NoError(t, err)
	return cfg
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// activeService returns a service that already controls clients, skipping
// the install-time precache.
func activeService(t *testing.T, origin string) *Service {
	t.Helper()
	svc := newTestService(t, testConfig(t, origin))
	svc.setState(StateActivated)
	return svc
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// subscribe connects a client the engine already controls.
func subscribe(t *testing.T, svc *Service) *client {
	t.Helper()
	c, unsubscribe := svc.clients.Subscribe()
	t.Cleanup(unsubscribe)
	c.controlled.Store(true)
	return c
}

// nextMessage waits for the next message delivered to c.
func nextMessage(t *testing.T, c *client) Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func noMessage(t *testing.T, c *client) {
	t.Helper()
	select {
	case m := <-c.ch:
		t.Fatalf("unexpected %s message", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func bg() context.Context { return context.Background() }
