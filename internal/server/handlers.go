// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// RootHandler upgrades WebSocket requests on any path and answers plain
// HTTP requests with the health text.
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.WebSocketHandler(w, r)
		return
	}
	s.HealthHandler(w, r)
}

// WebSocketHandler upgrades the request and runs the relay session for the
// new client on the request goroutine until the client goes away.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg, s.logger)
	if err := s.relay.Serve(client); err != nil {
		if errors.Is(err, ErrRelayClosed) {
			s.logger.Info("rejected connection during shutdown", "addr", r.RemoteAddr)
			return
		}
		s.logger.Warn("session ended with error", "client", client.ID(), "addr", r.RemoteAddr, "error", err)
	}
}

// HealthHandler reports that the relay is up and how many clients it holds.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "filter relay is running (%d connections)", s.registry.Len())
}

// TestPageHandler serves an HTML page that connects to the relay, sends
// filter messages and shows what other clients broadcast.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn("error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Filter Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Filter Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="number" id="filterId" placeholder="Band id" value="0" disabled>
        <input type="number" id="filterFrequency" placeholder="Frequency (Hz)" value="1000" disabled>
        <input type="number" id="filterGain" placeholder="Gain (dB)" value="0" step="0.5" disabled>
        <input type="number" id="filterQ" placeholder="Q" value="0.71" step="0.01" disabled>
        <button id="sendFilterButton" onclick="sendFilter()" disabled>Send filter</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px;">
        <input type="text" id="rawInput" placeholder="Raw payload (sent as-is)" disabled>
        <button id="sendRawButton" onclick="sendRaw()" disabled>Send raw</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const rawInput = document.getElementById('rawInput');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            for (const id of ['filterId', 'filterFrequency', 'filterGain', 'filterQ', 'sendFilterButton', 'rawInput', 'sendRawButton']) {
                document.getElementById(id).disabled = !connected;
            }
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/');
            ws.onopen = function() { addMessage('Connected to relay'); updateStatus(true); };
            ws.onmessage = function(event) { addMessage('recv ' + event.data, 'green'); };
            ws.onclose = function() { addMessage('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { addMessage('Connection error'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(payload) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(payload);
                addMessage('sent ' + payload, 'blue');
            }
        }

        function numberOf(id) {
            return Number(document.getElementById(id).value);
        }

        // Same shape the mixer UI sends for one equalizer band.
        function sendFilter() {
            send(JSON.stringify({
                id: numberOf('filterId'),
                frequency: numberOf('filterFrequency'),
                gain: numberOf('filterGain'),
                q: numberOf('filterQ')
            }));
        }

        function sendRaw() {
            if (rawInput.value) {
                send(rawInput.value);
                rawInput.value = '';
            }
        }

        rawInput.addEventListener('keypress', function(e) { if (e.key === 'Enter') sendRaw(); });
    </script>
</body>
</html>`
