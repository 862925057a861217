package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// DASHBOARD HUB (READ-ONLY STATE BROADCAST)
// ============================================================================

// EngineSnapshot is the wire shape pushed to dashboard clients. It is a
// pure read model; nothing a client sends can reach the engine.
type EngineSnapshot struct {
	Type          string         `json:"type"` // "snapshot"
	Symbol        string         `json:"symbol"`
	Price         float64        `json:"price"`
	Balance       float64        `json:"balance"`
	RealizedToday float64        `json:"realized_today"`
	Halted        bool           `json:"halted"`
	Positions     []PositionView `json:"positions"`
	Timestamp     int64          `json:"timestamp"`
}

// Hub maintains the set of dashboard clients and fans snapshots out to
// them. Late joiners get the latest snapshot on connect.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	upgrader  websocket.Upgrader

	latestMu sync.RWMutex
	latest   *EngineSnapshot
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local dashboard, any origin
			},
		},
	}
}

// HandleWebSocket manages one dashboard connection lifecycle.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	h.register(conn)

	h.latestMu.RLock()
	if h.latest != nil {
		conn.WriteJSON(h.latest)
	}
	h.latestMu.RUnlock()

	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	const (
		writeWait      = 10 * time.Second
		pongWait       = 60 * time.Second
		pingPeriod     = (pongWait * 9) / 10
		maxMessageSize = 512
	)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()

	// Inbound messages are ignored; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[conn] = true
	log.Printf("Dashboard client connected. Total clients: %d", len(h.clients))
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		log.Printf("Dashboard client disconnected. Total clients: %d", len(h.clients))
	}
}

// Publish records the snapshot and broadcasts it to every client.
func (h *Hub) Publish(snap EngineSnapshot) {
	snap.Type = "snapshot"
	snap.Timestamp = time.Now().UnixMilli()

	h.latestMu.Lock()
	h.latest = &snap
	h.latestMu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("Broadcast marshal error: %v", err)
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Latest returns the last published snapshot, or nil before the first tick.
func (h *Hub) Latest() *EngineSnapshot {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	return h.latest
}
