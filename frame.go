package syncengine

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Envelope is the wire format for every frame, in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Frame types with a fixed meaning. Anything else decodes to Custom.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeNotification = "notification"
	TypeData         = "data"
	TypeError        = "error"
)

// Frame is a closed set of frame variants. Only types in this package
// implement it; dispatch code switches over all of them.
type Frame interface {
	Envelope() Envelope
	isFrame()
}

type Ping struct {
	ID        string
	Timestamp int64
}

type Pong struct {
	ID        string
	Timestamp int64
}

type Subscribe struct {
	Channel string
}

type Unsubscribe struct {
	Channel string
}

// Notification is a server push for a channel.
type Notification struct {
	Channel   string
	Data      json.RawMessage
	ID        string
	Timestamp int64
}

// Data is a server data push for a channel.
type Data struct {
	Channel   string
	Data      json.RawMessage
	ID        string
	Timestamp int64
}

// ErrorFrame is a server-reported error scoped to a channel.
type ErrorFrame struct {
	Channel   string
	Data      json.RawMessage
	ID        string
	Timestamp int64
}

// Custom carries any frame type not listed above.
type Custom struct {
	Type      string
	Channel   string
	Data      json.RawMessage
	ID        string
	Timestamp int64
}

func (f Ping) Envelope() Envelope {
	return Envelope{Type: TypePing, ID: f.ID, Timestamp: f.Timestamp}
}

func (f Pong) Envelope() Envelope {
	return Envelope{Type: TypePong, ID: f.ID, Timestamp: f.Timestamp}
}

func (f Subscribe) Envelope() Envelope {
	return Envelope{Type: TypeSubscribe, Channel: f.Channel}
}

func (f Unsubscribe) Envelope() Envelope {
	return Envelope{Type: TypeUnsubscribe, Channel: f.Channel}
}

func (f Notification) Envelope() Envelope {
	return Envelope{Type: TypeNotification, Channel: f.Channel, Data: f.Data, ID: f.ID, Timestamp: f.Timestamp}
}

func (f Data) Envelope() Envelope {
	return Envelope{Type: TypeData, Channel: f.Channel, Data: f.Data, ID: f.ID, Timestamp: f.Timestamp}
}

func (f ErrorFrame) Envelope() Envelope {
	return Envelope{Type: TypeError, Channel: f.Channel, Data: f.Data, ID: f.ID, Timestamp: f.Timestamp}
}

func (f Custom) Envelope() Envelope {
	return Envelope{Type: f.Type, Channel: f.Channel, Data: f.Data, ID: f.ID, Timestamp: f.Timestamp}
}

func (Ping) isFrame()         {}
func (Pong) isFrame()         {}
func (Subscribe) isFrame()    {}
func (Unsubscribe) isFrame()  {}
func (Notification) isFrame() {}
func (Data) isFrame()         {}
func (ErrorFrame) isFrame()   {}
func (Custom) isFrame()       {}

var errMissingType = errors.New("frame has no type")

// FrameFromEnvelope converts a decoded envelope into its variant.
func FrameFromEnvelope(env Envelope) (Frame, error) {
	switch env.Type {
	case "":
		return nil, errMissingType
	case TypePing:
		return Ping{ID: env.ID, Timestamp: env.Timestamp}, nil
	case TypePong:
		return Pong{ID: env.ID, Timestamp: env.Timestamp}, nil
	case TypeSubscribe:
		return Subscribe{Channel: env.Channel}, nil
	case TypeUnsubscribe:
		return Unsubscribe{Channel: env.Channel}, nil
	case TypeNotification:
		return Notification{Channel: env.Channel, Data: env.Data, ID: env.ID, Timestamp: env.Timestamp}, nil
	case TypeData:
		return Data{Channel: env.Channel, Data: env.Data, ID: env.ID, Timestamp: env.Timestamp}, nil
	case TypeError:
		return ErrorFrame{Channel: env.Channel, Data: env.Data, ID: env.ID, Timestamp: env.Timestamp}, nil
	default:
		return Custom{Type: env.Type, Channel: env.Channel, Data: env.Data, ID: env.ID, Timestamp: env.Timestamp}, nil
	}
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	f, err := FrameFromEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// EncodeFrame serializes a frame into its wire envelope.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f.Envelope())
}
