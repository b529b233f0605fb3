package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qualys/intelengine/internal/eventbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// streamEvents pushes bus events to a websocket client. ?topics= takes a
// comma separated list of topics or "prefix.*" patterns; the default is
// every topic.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	topics := []string{eventbus.TopicAll}
	if v := r.URL.Query().Get("topics"); v != "" {
		topics = topics[:0]
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	merged := make(chan eventbus.Event, 64)
	var wg sync.WaitGroup
	subs := make([]eventbus.Subscription, 0, len(topics))
	for _, t := range topics {
		sub, events := s.bus.Subscribe(t)
		subs = append(subs, sub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				merged <- ev
			}
		}()
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}
		// Drain so the fan-in goroutines can exit.
		go func() {
			for range merged {
			}
		}()
		wg.Wait()
		close(merged)
	}()

	s.logger.Info("event stream client connected", "topics", topics, "remote", r.RemoteAddr)

	// The client only sends control frames; reading keeps pong handling
	// alive and notices the close.
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-merged:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Warn("failed to write websocket event", "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
