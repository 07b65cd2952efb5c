// Copyright 2025 Tom Barlow
//
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

package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// HeartbeatInterval is the default idle period before a heartbeat frame is
// sent on an otherwise silent WebSocket connection.
const HeartbeatInterval = 30 * time.Second

// ssePollInterval is the SSE presentation layer's fixed poll cadence.
const ssePollInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the wire shape pushed to both WebSocket and SSE clients.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ServeWebSocket upgrades the connection and forwards every Store event for
// runID until the client disconnects or the store purges the run.
func (s *Store) ServeWebSocket(w http.ResponseWriter, r *http.Request, runID string, logger *slog.Logger) error {
	events, err := s.Subscribe(runID)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading websocket: %w", err)
	}
	defer func() {
		s.Unsubscribe(runID, events)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(2 * HeartbeatInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * HeartbeatInterval))
		return nil
	})

	// Honour client-initiated pings/closes on a background reader; its only
	// job is to notice disconnects, so the write loop below unblocks.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return nil
		case ev, ok := <-events:
			if !ok {
				writeWSFrame(conn, frame{Type: "closed"})
				return nil
			}
			if err := writeWSFrame(conn, toFrame(ev)); err != nil {
				if logger != nil {
					logger.Debug("websocket write failed", slog.String("run_id", runID), slog.Any("error", err))
				}
				return nil
			}
			heartbeat.Reset(HeartbeatInterval)
		case <-heartbeat.C:
			if err := writeWSFrame(conn, frame{Type: "heartbeat"}); err != nil {
				return nil
			}
		}
	}
}

func writeWSFrame(conn *websocket.Conn, f frame) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func toFrame(ev Event) frame {
	if ev.Type == "crash_report" {
		return frame{Type: "crash_report", Data: ev.Crash}
	}
	return frame{Type: "stats_update", Data: ev.Stats}
}

// ServeSSE streams the current stats snapshot plus any newly appended
// crashes on a fixed poll cadence, framed as `data: <json>\n\n`, until the
// client disconnects.
func (s *Store) ServeSSE(w http.ResponseWriter, r *http.Request, runID string) error {
	if _, err := s.ReadStats(runID); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by response writer")
	}

	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()

	var watermark time.Time

	emit := func() error {
		stats, err := s.ReadStats(runID)
		if err != nil {
			return err
		}
		if err := writeSSEFrame(w, frame{Type: "stats_update", Data: stats}); err != nil {
			return err
		}

		crashes, err := s.ReadCrashes(runID)
		if err != nil {
			return err
		}
		for _, c := range crashes {
			if !c.Timestamp.After(watermark) {
				continue
			}
			if err := writeSSEFrame(w, frame{Type: "crash_report", Data: c}); err != nil {
				return err
			}
		}
		if len(crashes) > 0 {
			watermark = crashes[len(crashes)-1].Timestamp
		}

		flusher.Flush()
		return nil
	}

	if err := emit(); err != nil {
		return err
	}

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-ticker.C:
			if err := emit(); err != nil {
				return nil
			}
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
