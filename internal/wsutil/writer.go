// Package wsutil wraps gorilla websocket connections for concurrent writers.
package wsutil

import (
	"sync"

	"github.com/gorilla/websocket"
)

// ThreadSafeWriter serializes WriteJSON calls on one connection. Gorilla
// connections support a single concurrent writer only.
type ThreadSafeWriter struct {
	*websocket.Conn
	sync.Mutex
}

func NewThreadSafeWriter(conn *websocket.Conn) *ThreadSafeWriter {
	return &ThreadSafeWriter{Conn: conn}
}

func (t *ThreadSafeWriter) WriteJSON(val any) error {
	t.Lock()
	defer t.Unlock()

	return t.Conn.WriteJSON(val)
}
