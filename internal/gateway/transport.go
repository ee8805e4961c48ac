package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport serializes writes to one gorilla connection.
type wsTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(frame []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) ping(timeout time.Duration) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// closeWith sends a close frame with code and reason, then closes the socket.
func (t *wsTransport) closeWith(code int, reason string, timeout time.Duration) {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		_ = t.conn.Close()
	})
}

func (t *wsTransport) Close() error {
	t.closeWith(websocket.CloseNormalClosure, "", time.Second)
	return nil
}
