// Package server exposes HTTP handlers, including the WebSocket upgrade,
// health check, broker statistics, and the built-in test page.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/unrolled/render"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

var rnd = render.New()

// WebSocketHandler upgrades the HTTP connection, wraps it in a Client, and
// hands the connection over to the broker. The broker will not consider the
// client part of the chat until its join envelope arrives.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(conn, GetBroker(), r.RemoteAddr)
	client.Start(pumpGroup())
}

// HealthHandler reports that the service is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	_ = rnd.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "chatrelay",
	})
}

// StatsHandler reports the current connection count and roster, answered by
// the broker through its event loop so the snapshot is consistent.
func StatsHandler(w http.ResponseWriter, _ *http.Request) {
	_ = rnd.JSON(w, http.StatusOK, GetBroker().Stats())
}

// TestPageHandler serves a minimal HTML page speaking the join/chat/roster
// protocol, useful for poking at the broker from a browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(testPageHTML)); err != nil {
		slog.Error("writing test page", "err", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>ChatRelay</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #roster { color: #555; margin: 10px 0; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:disabled { background-color: #aaa; }
    </style>
</head>
<body>
    <h1>ChatRelay</h1>
    <div>
        <input type="text" id="username" placeholder="Username...">
        <button id="joinButton" onclick="join()">Join</button>
    </div>
    <div id="roster">Online: &mdash;</div>
    <div id="messages"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendChat()" disabled>Send</button>
    </div>

    <script>
        let ws = null;

        function addLine(text) {
            const div = document.createElement('div');
            div.textContent = text;
            const messages = document.getElementById('messages');
            messages.appendChild(div);
            messages.scrollTop = messages.scrollHeight;
        }

        function join() {
            const username = document.getElementById('username').value.trim();
            if (!username) return;

            ws = new WebSocket('ws://' + location.host + '/ws');
            ws.onopen = function() {
                ws.send(JSON.stringify({type: 'join', username: username}));
                document.getElementById('messageInput').disabled = false;
                document.getElementById('sendButton').disabled = false;
                document.getElementById('joinButton').disabled = true;
            };
            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                if (msg.type === 'roster') {
                    document.getElementById('roster').textContent = 'Online: ' + msg.users.join(', ');
                } else if (msg.type === 'chat') {
                    addLine(msg.from + ': ' + msg.text);
                }
            };
            ws.onclose = function() {
                addLine('-- disconnected --');
                document.getElementById('messageInput').disabled = true;
                document.getElementById('sendButton').disabled = true;
                document.getElementById('joinButton').disabled = false;
            };
        }

        function sendChat() {
            const input = document.getElementById('messageInput');
            const text = input.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'chat', text: text}));
                input.value = '';
            }
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') sendChat();
        });
    </script>
</body>
</html>`
