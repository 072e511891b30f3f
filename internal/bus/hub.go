// Copyright (c) 2026 John Earle
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

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// session is one websocket connection of one partner.
type session struct {
	partnerID int64
	conn      *websocket.Conn
	send      chan []byte
}

// Hub tracks live sessions by partner.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[*session]struct{}
	secret   []byte
	upgrader websocket.Upgrader
}

// NewHub creates a hub. Sessions authenticate with an HS256 token signed
// with secret whose subject is the partner id.
func NewHub(secret string) *Hub {
	return &Hub{
		sessions: make(map[int64]map[*session]struct{}),
		secret:   []byte(secret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// IssueToken returns a session token for partnerID.
func (h *Hub) IssueToken(partnerID int64, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(partnerID, 10),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

func (h *Hub) partnerFromToken(token string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("invalid bus token: %w", err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid bus token subject")
	}
	return id, nil
}

// Broadcast queues ev for every session of its partner. Slow sessions
// drop events rather than block the publisher.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal bus event failed", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[ev.PartnerID] {
		select {
		case s.send <- data:
		default:
			slog.Debug("bus session buffer full, dropping event", "partner_id", ev.PartnerID)
		}
	}
}

// Sessions returns the number of live sessions of a partner.
func (h *Hub) Sessions(partnerID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[partnerID])
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	if h.sessions[s.partnerID] == nil {
		h.sessions[s.partnerID] = make(map[*session]struct{})
	}
	h.sessions[s.partnerID][s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.partnerID]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			close(s.send)
		}
		if len(set) == 0 {
			delete(h.sessions, s.partnerID)
		}
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades GET /bus?token=... to a websocket session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	partnerID, err := h.partnerFromToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("bus upgrade failed", "error", err)
		return
	}
	s := &session{partnerID: partnerID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(s)
	slog.Debug("bus session opened", "partner_id", partnerID)

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client frames and detects closed connections.
func (h *Hub) readPump(s *session) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
