// Copyright 2025 VoiceLearn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelearn/mgmtd/internal/events"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard may be served from any origin on the LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsPeer adapts one WebSocket connection to the events.Peer interface.
// Writes are serialized; the broadcaster and the ping responder share the
// connection.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) Send(e events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteJSON(e)
}

func (p *wsPeer) Close() error { return p.conn.Close() }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}
	peer := &wsPeer{conn: conn}
	total := s.events.Add(peer)
	s.log.Infof("websocket connected, %d total", total)

	s.sendGreeting(peer)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			_ = peer.Send(events.Envelope{
				Type:      events.TypePong,
				Data:      map[string]any{"timestamp": unixSeconds(s.clock.Now())},
				Timestamp: s.isoNow(),
			})
		}
	}

	remaining := s.events.Remove(peer)
	_ = conn.Close()
	s.log.Infof("websocket disconnected, %d remaining", remaining)
}

// sendGreeting delivers the initial state snapshot to a new subscriber.
func (s *Server) sendGreeting(peer *wsPeer) {
	var totalLogs, online int
	if s.tele != nil {
		totalLogs = s.tele.Stats().TotalLogsReceived
		for _, c := range s.tele.Clients() {
			if c.Status == "online" {
				online++
			}
		}
	}
	err := peer.Send(events.Envelope{
		Type: events.TypeConnected,
		Data: map[string]any{
			"server_time": s.isoNow(),
			"stats": map[string]any{
				"total_logs":     totalLogs,
				"online_clients": online,
			},
		},
		Timestamp: s.isoNow(),
	})
	if err != nil {
		s.log.Debugf("websocket greeting: %v", err)
	}
}
