package syncengine

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocketDialer dials real WebSocket connections.
type WebSocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps the size of one inbound frame. Zero keeps the library default.
	ReadLimit int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			var ce websocket.CloseError
			reason := ""
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			return nil, &CloseError{Code: CloseCode(code), Reason: reason}
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code CloseCode, reason string) error {
	err := t.conn.Close(websocket.StatusCode(code), reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}
