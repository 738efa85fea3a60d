package syncengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// echoServer accepts one socket, answers pings and echoes anything else
// until it receives a frame of type "bye", which closes with code 4009.
func echoServer(t *testing.T, auth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case auth <- r.Header.Get("Authorization"):
		default:
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			f, err := DecodeFrame(data)
			if err != nil {
				continue
			}
			switch f := f.(type) {
			case Ping:
				out, _ := EncodeFrame(Pong{ID: f.ID})
				_ = c.Write(ctx, websocket.MessageText, out)
			case Custom:
				if f.Type == "bye" {
					_ = c.Close(websocket.StatusCode(CloseSessionReplaced), "replaced")
					return
				}
				_ = c.Write(ctx, websocket.MessageText, data)
			default:
				_ = c.Write(ctx, websocket.MessageText, data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	auth := make(chan string, 1)
	srv := echoServer(t, auth)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &WebSocketDialer{ReadLimit: 1 << 16}
	tr, err := d.Dial(ctx, wsURL(srv), http.Header{"Authorization": []string{"Bearer tok"}})
	require.NoError(t, err)
	defer tr.Close(CloseNormal, "")
	require.Equal(t, "Bearer tok", <-auth)

	out, err := EncodeFrame(Ping{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, tr.Write(ctx, out))
	data, err := tr.Read(ctx)
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, Pong{ID: "p1"}, f)
}

func TestWebSocketTransportReportsCloseCode(t *testing.T) {
	srv := echoServer(t, make(chan string, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := (&WebSocketDialer{}).Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer tr.Close(CloseNormal, "")

	out, err := EncodeFrame(Custom{Type: "bye"})
	require.NoError(t, err)
	require.NoError(t, tr.Write(ctx, out))

	_, err = tr.Read(ctx)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CloseSessionReplaced, ce.Code)
	require.Equal(t, "replaced", ce.Reason)
}

func TestConnectionOverWebSocket(t *testing.T) {
	srv := echoServer(t, make(chan string, 1))
	cfg := testConfig()
	cfg.URL = wsURL(srv)

	conn, err := NewConnection(cfg, WithTokenSource(StaticToken("tok")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	got := make(chan Envelope, 1)
	chans := NewChannels(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	// The server echoes the subscribe frame too; only the notification matters here.
	_, err = chans.Subscribe(ctx, "game:1", func(env Envelope) {
		if env.Type == TypeNotification {
			got <- env
		}
	})
	require.NoError(t, err)

	require.NoError(t, conn.Send(ctx, Notification{Channel: "game:1", ID: "n1"}))
	select {
	case env := <-got:
		require.Equal(t, "n1", env.ID)
	case <-ctx.Done():
		t.Fatal("echoed notification not delivered")
	}
}

func TestConnectionDisconnectSendsNormalClosure(t *testing.T) {
	status := make(chan websocket.StatusCode, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				status <- websocket.CloseStatus(err)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.URL = wsURL(srv)
	conn, err := NewConnection(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.Disconnect())
	require.Equal(t, StateDisconnected, conn.State())

	select {
	case code := <-status:
		require.Equal(t, websocket.StatusNormalClosure, code)
	case <-ctx.Done():
		t.Fatal("server never observed the close")
	}
}
