// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/evoluhq/evolu-go/pkg/log"
)

// WebSocketTransport sends and receives protocol messages as binary
// WebSocket frames.
type WebSocketTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket is a Factory that dials descriptor as a WebSocket URL and
// pumps every binary frame it receives into onReceive until the
// connection closes.
func DialWebSocket(descriptor string, onReceive ReceiveFunc) (Transport, error) {
	if _, err := url.Parse(descriptor); err != nil {
		return nil, fmt.Errorf("transport: invalid websocket url %q: %w", descriptor, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(descriptor, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", descriptor, err)
	}

	return WrapConn(conn, descriptor, onReceive), nil
}

// WrapConn adapts an already-established *websocket.Conn — e.g. one a
// relay obtained by upgrading an inbound HTTP request — into a
// Transport, wiring its read pump to onReceive the same way DialWebSocket
// does for outbound connections.
func WrapConn(conn *websocket.Conn, descriptor string, onReceive ReceiveFunc) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn}
	go t.readPump(descriptor, onReceive)
	return t
}

func (t *WebSocketTransport) readPump(descriptor string, onReceive ReceiveFunc) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			log.Infof("transport: websocket %q closed: %v", descriptor, err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if onReceive != nil {
			onReceive(descriptor, data)
		}
	}
}

// Send writes data as a single binary WebSocket frame.
func (t *WebSocketTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the underlying connection. Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
