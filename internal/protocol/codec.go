package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

var (
	ErrMissingID   = errors.New("message has no id")
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed wraps every decode failure that leaves the stream usable.
	ErrMalformed = errors.New("malformed message")
)

type wireMessage struct {
	ID      string          `json:"id"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec encodes envelopes as JSON objects tagged with their payload type.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg *Message) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads exactly one envelope from r. r should hold a single message
// (a websocket frame, a data channel message); stream transports use FrameCodec.
func (c *Codec) Decode(r io.Reader) (*Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return c.DecodeFromBytes(data)
}

func (c *Codec) EncodeToBytes(msg *Message) ([]byte, error) {
	if msg == nil || msg.Payload == nil {
		return nil, fmt.Errorf("encoding message: %w", ErrUnknownType)
	}
	if msg.ID == "" {
		return nil, ErrMissingID
	}
	if _, ok := payloadTypes[msg.Payload.Type()]; !ok {
		return nil, fmt.Errorf("encoding %q: %w", msg.Payload.Type(), ErrUnknownType)
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msg.Payload.Type(), err)
	}

	return json.Marshal(wireMessage{
		ID:      msg.ID,
		ReplyTo: msg.ReplyTo,
		Type:    msg.Payload.Type(),
		Payload: payload,
	})
}

func (c *Codec) DecodeFromBytes(data []byte) (*Message, error) {
	var wire wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrMalformed, err)
	}
	if wire.ID == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrMissingID)
	}

	payload, ok := NewPayload(wire.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q: %w", ErrMalformed, wire.Type, ErrUnknownType)
	}
	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, wire.Type, err)
		}
	}

	return &Message{
		ID:      wire.ID,
		ReplyTo: wire.ReplyTo,
		Payload: payload,
	}, nil
}
