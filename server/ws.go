package server

import (
	"bytes"
	"context"

	"nhooyr.io/websocket"
)

// replacementChar is substituted for invalid UTF-8, since browsers fail the connection on an invalid text frame.
var replacementChar = []byte("\uFFFD")

// wsTransport sends chunks as WebSocket text messages.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, b []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, bytes.ToValidUTF8(b, replacementChar))
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusGoingAway, "")
}
