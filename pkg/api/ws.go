// Copyright (C) 2025, NaatiPrep Pty Ltd. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/naatiprep/adserve/pkg/events"
	"github.com/naatiprep/adserve/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub fans analytics events out to connected websocket consumers.
type hub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
	closed bool
	log    log.Logger
}

func newHub(logger log.Logger) *hub {
	return &hub{
		conns: make(map[*websocket.Conn]bool),
		log:   logger,
	}
}

// run drains the event stream and broadcasts each event as JSON. Returns
// when the stream closes.
func (h *hub) run(stream <-chan *events.Event) {
	for ev := range stream {
		h.broadcast(ev)
	}
}

func (h *hub) broadcast(ev *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug("websocket write failed, dropping consumer", "error", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *hub) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[conn] = true
	h.mu.Unlock()

	// Reader loop exists only to observe the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				delete(h.conns, conn)
				h.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}
