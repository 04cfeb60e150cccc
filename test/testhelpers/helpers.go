// Package testhelpers provides shared utilities for the ChatRelay
// integration tests: spinning up test servers, dialing WebSocket clients,
// and asserting on the envelopes they receive.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

// TestOrigin is the origin header test clients present; it is part of the
// default allowed-origins configuration.
const TestOrigin = "http://localhost:8080"

var codec = protocol.NewCodec(0)

// CreateTestServer creates a running test HTTP server for the given handler.
// The caller must close it.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// WebSocketURL rewrites an httptest server URL into its ws:// equivalent.
func WebSocketURL(t *testing.T, serverURL string) string {
	t.Helper()
	if !strings.HasPrefix(serverURL, "http") {
		t.Fatalf("unexpected test server URL %q", serverURL)
	}
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials the WebSocket endpoint with an allowed origin.
func ConnectWebSocket(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("failed to connect to %s: %v", wsURL, err)
	}
	return conn
}

// SendEnvelope writes one envelope as a text frame.
func SendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, codec.Encode(env)); err != nil {
		t.Fatalf("failed to send %v envelope: %v", env.Kind, err)
	}
}

// SendJoin registers the connection under username.
func SendJoin(t *testing.T, conn *websocket.Conn, username string) {
	t.Helper()
	SendEnvelope(t, conn, protocol.Join(username))
}

// SendChat sends a chat message.
func SendChat(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	SendEnvelope(t, conn, protocol.Chat("", text))
}

// SendRaw writes arbitrary bytes as a text frame, for malformed-input tests.
func SendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to send raw frame: %v", err)
	}
}

// ReadEnvelope reads and decodes the next frame, failing the test after the
// timeout.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}

	env, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("server sent an undecodable frame %q: %v", data, err)
	}
	return env
}

// ExpectRoster reads the next frame and asserts it is a roster with exactly
// the given usernames in order.
func ExpectRoster(t *testing.T, conn *websocket.Conn, users ...string) {
	t.Helper()

	env := ReadEnvelope(t, conn, 2*time.Second)
	if env.Kind != protocol.KindRoster {
		t.Fatalf("expected roster, got %v envelope", env.Kind)
	}
	if len(env.Users) != len(users) {
		t.Fatalf("expected roster %v, got %v", users, env.Users)
	}
	for i := range users {
		if env.Users[i] != users[i] {
			t.Fatalf("expected roster %v, got %v", users, env.Users)
		}
	}
}

// ExpectChat reads the next frame and asserts it is a chat from the given
// sender with the given text.
func ExpectChat(t *testing.T, conn *websocket.Conn, from, text string) {
	t.Helper()

	env := ReadEnvelope(t, conn, 2*time.Second)
	if env.Kind != protocol.KindChat {
		t.Fatalf("expected chat, got %v envelope", env.Kind)
	}
	if env.From != from || env.Text != text {
		t.Fatalf("expected chat from %q with text %q, got from %q text %q",
			from, text, env.From, env.Text)
	}
}

// ExpectClosed asserts the server closes the connection within the timeout.
func ExpectClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed within the timeout")
		}
		return
	}
}

// ExpectNoEnvelope asserts no frame arrives within the window.
func ExpectNoEnvelope(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %q", data)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// DecodeJSONBody decodes an HTTP response body into v.
func DecodeJSONBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}
