package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCodecCanAcceptRequest(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	req := &Message{
		ID: "req-1",
		Payload: &CanAcceptRequest{
			SenderName: "Dean's iPhone",
			Files: []FileMeta{
				{Name: "IMG_0001.HEIC", Type: "public.heic"},
				{Name: "notes", IsDirectory: true},
			},
			TotalBytes: 4096,
		},
	}
	if err := codec.Encode(&buf, req); err != nil {
		t.Fatalf("Encode CanAcceptRequest failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode CanAcceptRequest failed: %v", err)
	}

	payload, ok := decoded.Payload.(*CanAcceptRequest)
	if !ok {
		t.Fatalf("Expected *CanAcceptRequest, got %T", decoded.Payload)
	}
	if decoded.ID != "req-1" || decoded.ReplyTo != "" {
		t.Errorf("Envelope mismatch: id=%q replyTo=%q", decoded.ID, decoded.ReplyTo)
	}
	if len(payload.Files) != 2 || !payload.Files[1].IsDirectory {
		t.Errorf("Files mismatch: %+v", payload.Files)
	}
	if payload.TotalBytes != 4096 {
		t.Errorf("Expected 4096 bytes, got %d", payload.TotalBytes)
	}
}

func TestCodecReplyCarriesReplyTo(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Message{
		ID:      "res-1",
		ReplyTo: "req-1",
		Payload: &CanAcceptResponse{Accepted: true},
	})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}
	if !strings.Contains(string(data), `"type":"canAcceptResponse"`) {
		t.Errorf("Expected discriminator in %s", data)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}
	if !decoded.IsReply() || decoded.ReplyTo != "req-1" {
		t.Errorf("Expected reply to req-1, got %q", decoded.ReplyTo)
	}
	if res, ok := decoded.Payload.(*CanAcceptResponse); !ok || !res.Accepted {
		t.Errorf("Expected accepted response, got %#v", decoded.Payload)
	}
}

func TestCodecBrowserMessage(t *testing.T) {
	codec := NewCodec()

	raw := `{"id":"b1","type":"connect","payload":{"name":"Firefox on Linux"}}`
	decoded, err := codec.DecodeFromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	connect, ok := decoded.Payload.(*Connect)
	if !ok {
		t.Fatalf("Expected *Connect, got %T", decoded.Payload)
	}
	if connect.Name != "Firefox on Linux" {
		t.Errorf("Expected name 'Firefox on Linux', got %q", connect.Name)
	}
}

func TestCodecEmptyPayload(t *testing.T) {
	codec := NewCodec()

	for _, raw := range []string{
		`{"id":"p1","type":"ping"}`,
		`{"id":"p1","type":"ping","payload":null}`,
		`{"id":"p1","type":"ping","payload":{}}`,
	} {
		decoded, err := codec.DecodeFromBytes([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeFromBytes(%s) failed: %v", raw, err)
		}
		if _, ok := decoded.Payload.(*Ping); !ok {
			t.Errorf("Expected *Ping, got %T", decoded.Payload)
		}
	}
}

func TestCodecRejectsUnknownType(t *testing.T) {
	codec := NewCodec()

	_, err := codec.DecodeFromBytes([]byte(`{"id":"x","type":"System.Object"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
}

func TestCodecRejectsMissingID(t *testing.T) {
	codec := NewCodec()

	if _, err := codec.DecodeFromBytes([]byte(`{"type":"ping"}`)); !errors.Is(err, ErrMissingID) {
		t.Errorf("Decode: expected ErrMissingID, got %v", err)
	}
	if _, err := codec.EncodeToBytes(&Message{Payload: &Ping{}}); !errors.Is(err, ErrMissingID) {
		t.Errorf("Encode: expected ErrMissingID, got %v", err)
	}
}

func TestCodecMalformedJSON(t *testing.T) {
	codec := NewCodec()

	if _, err := codec.DecodeFromBytes([]byte(`{"id":`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for truncated JSON, got %v", err)
	}
	if _, err := codec.DecodeFromBytes([]byte(`{"id":"a","type":"fileReadyRequest","payload":{"size":"big"}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for mistyped payload field, got %v", err)
	}
}

func TestFrameCodecRoundTrip(t *testing.T) {
	frames := NewFrameCodec()
	var buf bytes.Buffer

	msgs := []*Message{
		{ID: "f1", Payload: &FileReadyRequest{Name: "report.pdf", URL: "https://proxy/content/t/report.pdf", Size: 1048576}},
		{ID: "f2", ReplyTo: "f1", Payload: &FileReadyResponse{Received: true}},
		{ID: "f3", Payload: &Error{Code: ErrInvalidMsg, Message: "bad"}},
	}
	for _, msg := range msgs {
		if err := frames.WriteFrame(&buf, msg); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	first, err := frames.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	ready, ok := first.Payload.(*FileReadyRequest)
	if !ok {
		t.Fatalf("Expected *FileReadyRequest, got %T", first.Payload)
	}
	if ready.Size != 1048576 || ready.Name != "report.pdf" {
		t.Errorf("FileReadyRequest mismatch: %+v", ready)
	}

	second, err := frames.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if second.ReplyTo != "f1" {
		t.Errorf("Expected replyTo f1, got %q", second.ReplyTo)
	}

	third, err := frames.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if e, ok := third.Payload.(*Error); !ok || e.Code != ErrInvalidMsg {
		t.Errorf("Expected INVALID_MESSAGE error, got %#v", third.Payload)
	}
}

func TestFrameCodecRejectsOversizedFrame(t *testing.T) {
	frames := NewFrameCodec()
	buf := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := frames.ReadFrame(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected string
	}{
		{ErrInvalidMsg, "INVALID_MESSAGE"},
		{ErrNotConnected, "NOT_CONNECTED"},
		{ErrInternal, "INTERNAL_ERROR"},
		{ErrUnknown, "UNKNOWN"},
		{ErrorCode(0xFFFE), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.code.String(); got != tt.expected {
			t.Errorf("%v.String() = %s, want %s", tt.code, got, tt.expected)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		expected string
		msgType  MessageType
	}{
		{"canAcceptRequest", MsgCanAcceptRequest},
		{"connect", MsgConnect},
		{"fileReadyResponse", MsgFileReadyResponse},
		{"unknown", MessageType("System.Object")},
	}

	for _, tt := range tests {
		if got := tt.msgType.String(); got != tt.expected {
			t.Errorf("%q.String() = %s, want %s", string(tt.msgType), got, tt.expected)
		}
	}
}
