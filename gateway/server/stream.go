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

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"modelgate/platform/gateway/metrics"
	"modelgate/platform/gateway/telemetry"
)

// streamBuffer is how many events a slow subscriber may lag before
// being dropped.
const streamBuffer = 64

// sseTransport delivers hub events over a buffered channel drained by
// the HTTP handler. A full buffer fails the send, which prunes the
// subscriber.
type sseTransport struct {
	ch     chan telemetry.Event
	closed chan struct{}
}

func newSSETransport() *sseTransport {
	return &sseTransport{
		ch:     make(chan telemetry.Event, streamBuffer),
		closed: make(chan struct{}),
	}
}

// Send queues an event without blocking the hub.
func (t *sseTransport) Send(event telemetry.Event) error {
	select {
	case <-t.closed:
		return fmt.Errorf("subscriber closed")
	case t.ch <- event:
		return nil
	default:
		return fmt.Errorf("subscriber buffer full")
	}
}

// Close detaches the transport.
func (t *sseTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

// handleTelemetryStream serves the live event feed as server-sent
// events. Subscribers see their own team's traffic plus global events.
func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := identityFrom(r.Context())
	transport := newSSETransport()
	subID := s.deps.Hub.Subscribe(transport, "", id.Team)
	defer s.deps.Hub.Unsubscribe(subID)

	metrics.TelemetrySubscribers.Set(float64(s.deps.Hub.Count()))
	defer func() {
		metrics.TelemetrySubscribers.Set(float64(s.deps.Hub.Count() - 1))
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"subscriber_id\":%q}\n\n", subID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-transport.closed:
			return
		case event := <-transport.ch:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
