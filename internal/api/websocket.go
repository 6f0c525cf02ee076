package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"botcore/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are the bus topics mirrored to websocket clients.
var streamTopics = []events.Topic{
	events.TopicUnitStarted,
	events.TopicUnitStopped,
	events.TopicUnitError,
	events.TopicTradeOpened,
	events.TopicTradeClosed,
	events.TopicSignal,
}

// websocket streams the authenticated user's bot events. Messages for other
// users are filtered out before writing.
func (s *Server) websocket(c *gin.Context) {
	userID := CurrentUserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	merged := make(chan events.Message, 100)
	for _, topic := range streamTopics {
		ch, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(ch <-chan events.Message) {
			for msg := range ch {
				select {
				case merged <- msg:
				default:
				}
			}
		}(ch)
	}

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-merged:
			if msg.UserID != userID {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
