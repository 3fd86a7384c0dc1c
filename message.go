package netplay

// Message is one game message: a string-keyed mapping of JSON-compatible
// values. The "type" key is reserved; the values "ping" and "pong" are
// consumed by the transport and never delivered to the game layer.
type Message map[string]any

// TypeKey is the reserved message key that discriminates control frames.
const TypeKey = "type"

// Type returns the message's "type" value, or "" if it is missing or not a string.
func (m Message) Type() string {
	t, _ := m[TypeKey].(string)
	return t
}

// FrameKind discriminates control frames from business frames.
type FrameKind int

const (
	// KindBusiness is an opaque game message forwarded to OnMessage.
	KindBusiness FrameKind = iota
	// KindControl is a liveness frame consumed by the transport.
	KindControl
)

func (k FrameKind) String() string {
	if k == KindControl {
		return "control"
	}
	return "business"
}

// ControlType names a liveness frame.
type ControlType string

// Liveness frames. The host sends ping, the client answers with pong.
const (
	ControlPing ControlType = "ping"
	ControlPong ControlType = "pong"
)

// Frame is one decoded unit from the wire.
type Frame struct {
	Kind    FrameKind
	Control ControlType // set when Kind == KindControl
	Message Message
}

// classify builds the envelope for a decoded message.
func classify(m Message) Frame {
	switch ControlType(m.Type()) {
	case ControlPing:
		return Frame{Kind: KindControl, Control: ControlPing, Message: m}
	case ControlPong:
		return Frame{Kind: KindControl, Control: ControlPong, Message: m}
	}
	return Frame{Kind: KindBusiness, Message: m}
}
