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

// Package events fans out typed state-change events to WebSocket dashboard
// subscribers. Producers never block on a slow peer; a peer whose send fails
// is dropped before the next broadcast.
package events

import (
	"sync"
	"time"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/logs"
)

// Event types understood by the dashboard.
const (
	TypeLog            = "log"
	TypeMetrics        = "metrics"
	TypeClientUpdate   = "client_update"
	TypeServiceUpdate  = "service_update"
	TypeServerAdded    = "server_added"
	TypeServerDeleted  = "server_deleted"
	TypeLogsCleared    = "logs_cleared"
	TypeIdleTransition = "idle_transition"
	TypeConnected      = "connected"
	TypePong           = "pong"
)

// Envelope is the wire shape of every broadcast message.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Peer is one connected subscriber. The WebSocket connection satisfies this
// through a small adapter in the HTTP frontend; tests inject stubs.
type Peer interface {
	Send(e Envelope) error
	Close() error
}

// Sink is the producer-side interface the other subsystems publish through.
type Sink interface {
	Broadcast(eventType string, data any)
}

type Broadcaster struct {
	log   logs.StructuredLogger
	clock clock.Clock

	mu    sync.Mutex
	peers map[Peer]struct{}
}

func NewBroadcaster(log logs.StructuredLogger, c clock.Clock) *Broadcaster {
	return &Broadcaster{
		log:   log,
		clock: c,
		peers: make(map[Peer]struct{}),
	}
}

// Add registers a subscriber and returns the new peer count.
func (b *Broadcaster) Add(p Peer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[p] = struct{}{}
	return len(b.peers)
}

// Remove unregisters a subscriber and returns the remaining peer count.
func (b *Broadcaster) Remove(p Peer) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, p)
	return len(b.peers)
}

func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Broadcast delivers one event to every peer. Peers whose send fails are
// removed from the set. Delivery is at-most-once; there is no backlog.
func (b *Broadcaster) Broadcast(eventType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.peers) == 0 {
		return
	}

	env := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: b.clock.Now().UTC().Format(time.RFC3339),
	}

	var dead []Peer
	for p := range b.peers {
		if err := p.Send(env); err != nil {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		delete(b.peers, p)
		_ = p.Close()
		b.log.Debugf("dropped subscriber after failed send: %d remaining", len(b.peers))
	}
}

// CloseAll disconnects every peer, used at shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.peers {
		_ = p.Close()
		delete(b.peers, p)
	}
}
