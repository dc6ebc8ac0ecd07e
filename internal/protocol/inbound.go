// Package protocol defines the signaling messages exchanged between extension
// clients and the server over a single websocket. Every frame is a JSON object
// with a "type" discriminator; inbound frames decode into a closed set of
// message structs so the gateway can dispatch with an exhaustive type switch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types (client to server).
const (
	TypeAuth         = "auth"
	TypeGetPresence  = "get_presence"
	TypeCallInitiate = "call_initiate"
	TypeCallAnswer   = "call_answer"
	TypeCallReject   = "call_reject"
	TypeCallICE      = "call_ice"
	TypeCallHangup   = "call_hangup"
	TypeQueueAccept  = "queue_accept"
	TypeQueueReject  = "queue_reject"
	TypeQueueHangup  = "queue_hangup"
)

// MaxFrameSize bounds a single inbound frame. SDP bodies dominate the size.
const MaxFrameSize = 64 * 1024

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed message")

// Inbound is implemented by every client-to-server message.
type Inbound interface {
	inbound()
}

// Auth carries the extension token when it was not presented on the upgrade request.
type Auth struct {
	Token string `json:"token"`
}

// GetPresence requests a fresh presence_snapshot.
type GetPresence struct{}

// CallInitiate places a direct call to another extension.
type CallInitiate struct {
	CalleeID string `json:"calleeId"`
	Offer    string `json:"offer"`
}

// CallAnswer accepts a ringing call.
type CallAnswer struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
}

// CallReject declines a ringing call.
type CallReject struct {
	CallID string `json:"callId"`
}

// CallICE relays one ICE candidate to the other participant. The candidate is
// opaque to the server and forwarded byte for byte.
type CallICE struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

// CallHangup ends a call from either side.
type CallHangup struct {
	CallID string `json:"callId"`
}

// QueueAccept claims an offered queue call.
type QueueAccept struct {
	QueueCallID string `json:"queueCallId"`
}

// QueueReject declines an offered queue call.
type QueueReject struct {
	QueueCallID string `json:"queueCallId"`
}

// QueueHangup ends a queue call held by the sending agent.
type QueueHangup struct {
	QueueCallID string `json:"queueCallId"`
}

func (*Auth) inbound()         {}
func (*GetPresence) inbound()  {}
func (*CallInitiate) inbound() {}
func (*CallAnswer) inbound()   {}
func (*CallReject) inbound()   {}
func (*CallICE) inbound()      {}
func (*CallHangup) inbound()   {}
func (*QueueAccept) inbound()  {}
func (*QueueReject) inbound()  {}
func (*QueueHangup) inbound()  {}

type typeHeader struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame. The returned value is always a pointer to
// one of the message structs in this package.
func Decode(data []byte) (Inbound, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformed, MaxFrameSize)
	}

	var hdr typeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Inbound
	switch hdr.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeGetPresence:
		msg = &GetPresence{}
	case TypeCallInitiate:
		msg = &CallInitiate{}
	case TypeCallAnswer:
		msg = &CallAnswer{}
	case TypeCallReject:
		msg = &CallReject{}
	case TypeCallICE:
		msg = &CallICE{}
	case TypeCallHangup:
		msg = &CallHangup{}
	case TypeQueueAccept:
		msg = &QueueAccept{}
	case TypeQueueReject:
		msg = &QueueReject{}
	case TypeQueueHangup:
		msg = &QueueHangup{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, hdr.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Type, err)
	}
	return msg, nil
}

func validate(msg Inbound) error {
	switch m := msg.(type) {
	case *Auth:
		if m.Token == "" {
			return errors.New("token is required")
		}
	case *CallInitiate:
		if m.CalleeID == "" {
			return errors.New("calleeId is required")
		}
	case *CallAnswer:
		if m.CallID == "" {
			return errors.New("callId is required")
		}
	case *CallReject:
		if m.CallID == "" {
			return errors.New("callId is required")
		}
	case *CallICE:
		if m.CallID == "" {
			return errors.New("callId is required")
		}
		if len(m.Candidate) == 0 {
			return errors.New("candidate is required")
		}
	case *CallHangup:
		if m.CallID == "" {
			return errors.New("callId is required")
		}
	case *QueueAccept:
		if m.QueueCallID == "" {
			return errors.New("queueCallId is required")
		}
	case *QueueReject:
		if m.QueueCallID == "" {
			return errors.New("queueCallId is required")
		}
	case *QueueHangup:
		if m.QueueCallID == "" {
			return errors.New("queueCallId is required")
		}
	}
	return nil
}

// EncodeInbound serializes a client-to-server message with its type field.
// It is used by the client package.
func EncodeInbound(msg Inbound) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case *Auth:
		typ = TypeAuth
	case *GetPresence:
		typ = TypeGetPresence
	case *CallInitiate:
		typ = TypeCallInitiate
	case *CallAnswer:
		typ = TypeCallAnswer
	case *CallReject:
		typ = TypeCallReject
	case *CallICE:
		typ = TypeCallICE
	case *CallHangup:
		typ = TypeCallHangup
	case *QueueAccept:
		typ = TypeQueueAccept
	case *QueueReject:
		typ = TypeQueueReject
	case *QueueHangup:
		typ = TypeQueueHangup
	default:
		return nil, fmt.Errorf("protocol: unsupported inbound message %T", msg)
	}
	return withType(typ, msg)
}

// withType marshals v and splices "type" in as the first key.
func withType(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tb, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tb)+10)
	out = append(out, `{"type":`...)
	out = append(out, tb...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
