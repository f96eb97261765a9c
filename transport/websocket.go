/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package transport

import (
	"bytes"
	"crypto/tls"
	"io"

	"github.com/gorilla/websocket"
	"github.com/xmppcore/xmppd/transport/compress"
)

// WSConn is the subset of *websocket.Conn the transport relies on,
// narrowed so tests can substitute a fake.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type webSocketTransport struct {
	conn WSConn
	buf  bytes.Buffer
}

// NewWebSocketTransport wraps an upgraded gorilla/websocket connection as
// a Transport (spec component K). Framing is handled by the caller: each
// WriteMessage/ReadMessage carries one XML fragment, matching RFC 7395.
func NewWebSocketTransport(conn WSConn) Transport {
	return &webSocketTransport{conn: conn}
}

func (w *webSocketTransport) Type() Type { return WebSocket }

func (w *webSocketTransport) Read(p []byte) (int, error) {
	if w.buf.Len() == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); ok {
				return 0, io.EOF
			}
			return 0, err
		}
		w.buf.Write(data)
	}
	return w.buf.Read(p)
}

func (w *webSocketTransport) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *webSocketTransport) WriteString(s string) error {
	_, err := w.Write([]byte(s))
	return err
}

func (w *webSocketTransport) Close() error { return w.conn.Close() }

// StartTLS is a no-op: WebSocket TLS termination happens at the HTTP
// layer, per spec §4.K.
func (w *webSocketTransport) StartTLS(cfg *tls.Config, asClient bool) {}

// EnableCompression is a no-op: per-message deflate is negotiated at the
// WebSocket handshake, not mid-stream like XEP-0138.
func (w *webSocketTransport) EnableCompression(level compress.Level) {}

func (w *webSocketTransport) ChannelBindingBytes(mechanism string) []byte { return nil }
