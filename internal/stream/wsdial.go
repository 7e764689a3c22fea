package stream

import (
	"context"

	"nhooyr.io/websocket"
)

// wsFrameConn adapts *websocket.Conn to FrameConn, using the same
// nhooyr.io websocket package a Tradernet market-status client would.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (w *wsFrameConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsFrameConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsFrameConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// Dial opens a websocket to wsURL, appending token as a query parameter.
// This is the default DialerFunc passed to New when no broker needs a
// more exotic handshake (e.g. an auth frame sent post-connect).
func Dial(ctx context.Context, wsURL, token string) (FrameConn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		return nil, err
	}
	return &wsFrameConn{conn: conn}, nil
}
