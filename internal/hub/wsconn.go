// ABOUTME: Websocket-backed session sink with serialized writes
// ABOUTME: Close sends a close control frame carrying the reason before teardown

package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsSink adapts a websocket connection to the session.Sink interface.
// writeMu protects concurrent writes; reads stay on the handler goroutine.
type wsSink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (w *wsSink) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSink) Close(reason string) error {
	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	w.conn.WriteMessage(websocket.CloseMessage, msg)
	w.writeMu.Unlock()

	return w.conn.Close()
}
