package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameCodec carries envelopes over byte streams: a big-endian uint32 length
// followed by the envelope encoded as a protobuf Struct.
type FrameCodec struct {
	codec *Codec
}

func NewFrameCodec() *FrameCodec {
	return &FrameCodec{codec: NewCodec()}
}

func (f *FrameCodec) WriteFrame(w io.Writer, msg *Message) error {
	raw, err := f.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("building frame: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("building frame: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	_, err = w.Write(frame)
	return err
}

func (f *FrameCodec) ReadFrame(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: frame: %w", ErrMalformed, err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, fmt.Errorf("unmarshalling frame: %w", err)
	}

	return f.codec.DecodeFromBytes(raw)
}
