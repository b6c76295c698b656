package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// WSConn adapts a gorilla websocket connection to Conn and keeps it alive
// with periodic pings
type WSConn struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps conn and starts its keepalive loop
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w := &WSConn{conn: conn, done: make(chan struct{})}
	go w.keepalive()
	return w
}

func (w *WSConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// WriteMessage sends one text frame
func (w *WSConn) WriteMessage(msg []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, msg)
}

// ReadMessage blocks for the next data frame
func (w *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

// Close sends a close frame and releases the connection
func (w *WSConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = w.conn.Close()
	})
	return err
}
