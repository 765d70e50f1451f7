package server

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// Transport is a message oriented, bidirectional connection to one client.
// WriteMessage is never called concurrently; Close may be called at any time.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WSTransport adapts a websocket connection to Transport using text frames.
type WSTransport struct {
	conn *websocket.Conn
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))

	return &WSTransport{conn: conn}
}

// ReadMessage blocks for the next text frame. Any inbound frame extends the
// read deadline, so a client answering pings stays connected.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *WSTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Close() error {
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return t.conn.Close()
}

func isExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure)
}
