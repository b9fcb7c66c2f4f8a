package protocol

// MaxFrameSize bounds a single encoded envelope on stream transports.
const MaxFrameSize = 1 << 20

// MessageType is the discriminator carried in every envelope's "type" field.
type MessageType string

const (
	MsgCanAcceptRequest  MessageType = "canAcceptRequest"
	MsgCanAcceptResponse MessageType = "canAcceptResponse"
	MsgConnect           MessageType = "connect"
	MsgConnected         MessageType = "connected"
	MsgError             MessageType = "error"
	MsgFileReadyRequest  MessageType = "fileReadyRequest"
	MsgFileReadyResponse MessageType = "fileReadyResponse"
	MsgPing              MessageType = "ping"
	MsgPong              MessageType = "pong"
)

func (t MessageType) String() string {
	if _, ok := payloadTypes[t]; ok {
		return string(t)
	}
	return "unknown"
}

type ErrorCode uint16

const (
	ErrUnknown         ErrorCode = 0x0000
	ErrInvalidMsg      ErrorCode = 0x0001
	ErrNotConnected    ErrorCode = 0x0002
	ErrUnexpectedReply ErrorCode = 0x0003
	ErrInternal        ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrNotConnected:
		return "NOT_CONNECTED"
	case ErrUnexpectedReply:
		return "UNEXPECTED_REPLY"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
