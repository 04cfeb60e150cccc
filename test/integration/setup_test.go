// Package integration contains end-to-end tests that exercise the full
// stack: HTTP upgrade, connection pumps, broker, and protocol codec.
package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/test/testhelpers"
)

// testConfig returns a configuration suitable for integration tests: default
// origins plus a rate limit that never interferes with message floods.
func testConfig() *server.Config {
	cfg := server.NewConfig()
	cfg.RateLimit.Burst = 1_000_000
	cfg.RateLimit.RefillInterval = time.Second
	return cfg
}

// startTestServer configures the server package, starts a fresh broker, and
// serves the full route stack from an httptest server. It returns the
// WebSocket URL and the HTTP base URL.
func startTestServer(t *testing.T, cfg *server.Config) (string, string) {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	server.StartBroker()
	t.Cleanup(func() { _ = server.ShutdownBroker(2 * time.Second) })

	ts := testhelpers.CreateTestServer(server.SetupRoutes())
	t.Cleanup(ts.Close)

	return testhelpers.WebSocketURL(t, ts.URL), ts.URL
}

// newDialerWithOrigin builds a dialer presenting the given Origin header.
func newDialerWithOrigin(origin string) *originDialer {
	return &originDialer{origin: origin}
}

type originDialer struct {
	origin string
}

func (d *originDialer) Dial(wsURL string, headers http.Header) (*websocket.Conn, *http.Response, error) {
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Origin", d.origin)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(wsURL, headers)
}
