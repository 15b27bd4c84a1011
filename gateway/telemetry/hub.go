// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry broadcasts live gateway events to registered
// subscribers. The hub is transport-agnostic: anything implementing
// SubscriberTransport can receive events, and a dead transport is pruned
// on the first failed send. Broadcasting never blocks dispatch.
package telemetry

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"modelgate/platform/shared/logger"
)

// EventType identifies a telemetry event family.
type EventType string

const (
	EventLiveRequest     EventType = "live_request"
	EventLiveResponse    EventType = "live_response"
	EventLiveError       EventType = "live_error"
	EventPolicyViolation EventType = "policy_violation"
	EventCostAlert       EventType = "cost_alert"
	EventAlert           EventType = "alert"
	EventHeartbeat       EventType = "heartbeat"
)

// previewLimit caps content previews carried in events.
const previewLimit = 200

// DefaultHeartbeatInterval is how often the hub emits heartbeat events.
const DefaultHeartbeatInterval = 30 * time.Second

// Event is one telemetry message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Principal string                 `json:"principal,omitempty"`
	Team      string                 `json:"team,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SubscriberTransport delivers events to one subscriber.
// Send returning an error marks the subscriber dead.
type SubscriberTransport interface {
	Send(event Event) error
	Close() error
}

// subscriber pairs a transport with its identity metadata.
type subscriber struct {
	transport SubscriberTransport
	principal string
	team      string
}

// Stats summarizes the hub's current subscriber population.
type Stats struct {
	TotalConnections  int            `json:"total_connections"`
	UniqueUsers       int            `json:"unique_users"`
	ConnectionsByTeam map[string]int `json:"connections_by_team"`
}

// Hub is the telemetry broadcast registry.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	log         *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.New("telemetry")
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		log:         log,
	}
}

// Subscribe registers a transport and returns its connection handle.
func (h *Hub) Subscribe(transport SubscriberTransport, principal, team string) string {
	id := uuid.NewString()

	h.mu.Lock()
	h.subscribers[id] = &subscriber{
		transport: transport,
		principal: principal,
		team:      team,
	}
	total := len(h.subscribers)
	h.mu.Unlock()

	h.log.Info(principal, "", "telemetry subscriber connected", map[string]interface{}{
		"connection_id": id,
		"team":          team,
		"total":         total,
	})
	return id
}

// Unsubscribe removes a subscriber and closes its transport.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		_ = sub.transport.Close()
	}
}

// Broadcast sends an event to every subscriber whose filters match,
// pruning any whose transport fails. A subscriber with no team or
// principal filter sees everything; an event without a team or
// principal tag matches every filter.
func (h *Hub) Broadcast(event Event) {
	h.send(event, func(s *subscriber) bool {
		if s.team != "" && event.Team != "" && s.team != event.Team {
			return false
		}
		if s.principal != "" && event.Principal != "" && s.principal != event.Principal {
			return false
		}
		return true
	})
}

// BroadcastToTeam sends an event only to subscribers of the given team.
func (h *Hub) BroadcastToTeam(team string, event Event) {
	h.send(event, func(s *subscriber) bool { return s.team == team })
}

func (h *Hub) send(event Event, match func(*subscriber) bool) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make(map[string]*subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		if match(sub) {
			targets[id] = sub
		}
	}
	h.mu.RUnlock()

	var dead []string
	for id, sub := range targets {
		if err := sub.transport.Send(event); err != nil {
			dead = append(dead, id)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, id := range dead {
			if sub, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				_ = sub.transport.Close()
			}
		}
		h.mu.Unlock()
		h.log.Debug("", "", "pruned dead telemetry subscribers", map[string]interface{}{
			"count": len(dead),
		})
	}
}

// Stats reports the current subscriber population.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make(map[string]bool)
	byTeam := make(map[string]int)
	for _, sub := range h.subscribers {
		if sub.principal != "" {
			users[sub.principal] = true
		}
		if sub.team != "" {
			byTeam[sub.team]++
		}
	}

	return Stats{
		TotalConnections:  len(h.subscribers),
		UniqueUsers:       len(users),
		ConnectionsByTeam: byTeam,
	}
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// StartHeartbeat emits heartbeat events with hub stats until ctx ends.
func (h *Hub) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := h.Stats()
				h.Broadcast(Event{
					Type: EventHeartbeat,
					Data: map[string]interface{}{
						"total_connections":   stats.TotalConnections,
						"unique_users":        stats.UniqueUsers,
						"connections_by_team": stats.ConnectionsByTeam,
					},
				})
			}
		}
	}()
}

// Preview truncates content for inclusion in telemetry events. The cut
// backs up to a rune boundary so the preview is always valid UTF-8.
func Preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}
