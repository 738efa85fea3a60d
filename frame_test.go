package syncengine

import (
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameVariants(t *testing.T) {
	tests := []struct {
		raw  string
		want Frame
	}{
		{`{"type":"ping","id":"p1","timestamp":10}`, Ping{ID: "p1", Timestamp: 10}},
		{`{"type":"pong","id":"p1"}`, Pong{ID: "p1"}},
		{`{"type":"subscribe","channel":"game:1"}`, Subscribe{Channel: "game:1"}},
		{`{"type":"unsubscribe","channel":"game:1"}`, Unsubscribe{Channel: "game:1"}},
		{`{"type":"notification","channel":"game:1","data":{"score":3}}`, Notification{Channel: "game:1", Data: json.RawMessage(`{"score":3}`)}},
		{`{"type":"data","channel":"feed","data":[1,2]}`, Data{Channel: "feed", Data: json.RawMessage(`[1,2]`)}},
		{`{"type":"error","channel":"game:1","data":"denied"}`, ErrorFrame{Channel: "game:1", Data: json.RawMessage(`"denied"`)}},
		{`{"type":"move","channel":"game:1","id":"m1"}`, Custom{Type: "move", Channel: "game:1", ID: "m1"}},
	}
	for _, tt := range tests {
		t.Run(tt.want.Envelope().Type, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	require.Error(t, err)

	_, err = DecodeFrame([]byte(`{"channel":"game:1"}`))
	require.ErrorIs(t, err, errMissingType)
}

func TestEncodeFrameOmitsEmptyFields(t *testing.T) {
	data, err := EncodeFrame(Subscribe{Channel: "lobby"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"subscribe","channel":"lobby"}`, string(data))

	data, err = EncodeFrame(Custom{Type: "move", Channel: "game:1", Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"move","channel":"game:1","data":{"x":1}}`, string(data))
}
