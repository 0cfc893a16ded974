package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"omnex-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are pushed to every connected websocket client.
var streamTopics = []events.Event{
	events.EventOrderSubmitted,
	events.EventOrderAccepted,
	events.EventOrderRejected,
	events.EventOrderFilled,
	events.EventOrderUpdate,
	events.EventHealthAlert,
	events.EventReconDrift,
	events.EventStuckAllocation,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// One multi-topic subscription; the bus drops messages for us if the
	// client cannot keep up.
	stream, unsub := s.Bus.Subscribe(256, streamTopics...)
	defer unsub()

	for msg := range stream {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
