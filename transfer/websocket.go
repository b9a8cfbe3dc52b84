package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// wsTransport carries one JSON encoded Message per text frame.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// Upgrade accepts a websocket connection on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := defaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot upgrade connection: %w", err)
	}
	return NewWebSocket(conn), nil
}

// DialWebSocket connects to a websocket endpoint such as ws://host/rpc.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

func (ws *wsTransport) WriteMessage(ctx context.Context, m *Message) error {
	deadline := time.Now().Add(ws.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.conn.SetWriteDeadline(deadline)
	if err := ws.conn.WriteJSON(m); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// ReadMessage blocks until a frame arrives. Watches idle for arbitrary
// periods, so no read deadline is set; ctx is honoured by closing the
// connection.
func (ws *wsTransport) ReadMessage(ctx context.Context) (*Message, error) {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	var m Message
	if err := ws.conn.ReadJSON(&m); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrTransportClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &m, nil
}

func (ws *wsTransport) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = ws.conn.Close()
	})
	return err
}
