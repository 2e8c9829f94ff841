package events

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsFrame is the envelope written to client sockets.
type wsFrame struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// WSSink wraps a client websocket connection. gorilla conns allow one
// concurrent writer, hence the mutex.
type WSSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSink(conn *websocket.Conn) *WSSink { return &WSSink{conn: conn} }

func (s *WSSink) Deliver(topic string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(wsFrame{Topic: topic, Event: ev})
}

func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
