package protocol

// Message is the envelope exchanged with bridged peers. ReplyTo is empty for
// unsolicited messages and equals the ID of the answered message otherwise.
type Message struct {
	ID      string
	ReplyTo string
	Payload Payload
}

// Type returns the payload discriminator, or "" for an empty envelope.
func (m *Message) Type() MessageType {
	if m == nil || m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

// IsReply reports whether the message answers a correlated request.
func (m *Message) IsReply() bool {
	return m != nil && m.ReplyTo != ""
}

// Payload is implemented by the closed set of variants in this file.
type Payload interface {
	Type() MessageType
}

// payloadTypes maps every discriminator to a constructor of its variant.
// Decoding never resolves types by reflection; unknown tags are rejected.
var payloadTypes = map[MessageType]func() Payload{
	MsgCanAcceptRequest:  func() Payload { return &CanAcceptRequest{} },
	MsgCanAcceptResponse: func() Payload { return &CanAcceptResponse{} },
	MsgConnect:           func() Payload { return &Connect{} },
	MsgConnected:         func() Payload { return &Connected{} },
	MsgError:             func() Payload { return &Error{} },
	MsgFileReadyRequest:  func() Payload { return &FileReadyRequest{} },
	MsgFileReadyResponse: func() Payload { return &FileReadyResponse{} },
	MsgPing:              func() Payload { return &Ping{} },
	MsgPong:              func() Payload { return &Pong{} },
}

// NewPayload returns an empty payload for t.
func NewPayload(t MessageType) (Payload, bool) {
	fn, ok := payloadTypes[t]
	if !ok {
		return nil, false
	}
	return fn(), true
}

type CanAcceptRequest struct {
	SenderName  string     `json:"senderName"`
	SenderModel string     `json:"senderModel,omitempty"`
	SenderID    string     `json:"senderId,omitempty"`
	Files       []FileMeta `json:"files"`
	TotalBytes  int64      `json:"totalBytes,omitempty"`
}

func (CanAcceptRequest) Type() MessageType { return MsgCanAcceptRequest }

type CanAcceptResponse struct {
	Accepted bool `json:"accepted"`
}

func (CanAcceptResponse) Type() MessageType { return MsgCanAcceptResponse }

// Connect is the first message a bridged peer sends.
type Connect struct {
	Name string `json:"name"`
}

func (Connect) Type() MessageType { return MsgConnect }

// Connected confirms registration and carries the assigned id.
type Connected struct {
	ID string `json:"id"`
}

func (Connected) Type() MessageType { return MsgConnected }

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (Error) Type() MessageType { return MsgError }

type FileMeta struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	IsDirectory bool   `json:"isDirectory,omitempty"`
}

type FileReadyRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

func (FileReadyRequest) Type() MessageType { return MsgFileReadyRequest }

type FileReadyResponse struct {
	Received bool `json:"received"`
}

func (FileReadyResponse) Type() MessageType { return MsgFileReadyResponse }

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }
