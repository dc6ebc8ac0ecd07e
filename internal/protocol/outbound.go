package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound event types (server to client).
const (
	TypeRegistered       = "registered"
	TypePresenceSnapshot = "presence_snapshot"
	TypePresenceChanged  = "presence_changed"
	TypeCallIncoming     = "call_incoming"
	TypeCallAnswered     = "call_answered"
	TypeCallEnded        = "call_ended"
	TypeCallResult       = "call_result"
	TypeQueueOffer       = "queue_offer"
	TypeQueueTaken       = "queue_taken"
	TypeQueueConnected   = "queue_connected"
	TypeQueueEnded       = "queue_ended"
	TypeQueueResult      = "queue_result"
	TypeSuperseded       = "superseded"
	TypeError            = "error"
)

// Status is the presence state of an extension.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Reason explains why a call or queue call ended.
type Reason string

const (
	ReasonHangup           Reason = "hangup"
	ReasonRejected         Reason = "rejected"
	ReasonTimeout          Reason = "timeout"
	ReasonPeerDisconnected Reason = "peer_disconnected"
	ReasonBridgeFailed     Reason = "bridge_failed"
	ReasonNoCandidates     Reason = "no_candidates"
)

// Op names the request a call_result or queue_result answers.
type Op string

const (
	OpInitiate Op = "initiate"
	OpAnswer   Op = "answer"
	OpReject   Op = "reject"
	OpICE      Op = "ice"
	OpHangup   Op = "hangup"
	OpAccept   Op = "accept"
)

// Event is implemented by every server-to-client message.
type Event interface {
	EventType() string
}

// Encode serializes an outbound event with its type field first.
func Encode(ev Event) ([]byte, error) {
	return withType(ev.EventType(), ev)
}

// Registered confirms admission of the connection.
type Registered struct {
	ExtensionID string `json:"extensionId"`
	DisplayName string `json:"displayName"`
}

// PresenceEntry is one row of a presence snapshot.
type PresenceEntry struct {
	ExtensionID string `json:"extensionId"`
	DisplayName string `json:"displayName"`
	Status      Status `json:"status"`
}

type PresenceSnapshot struct {
	Extensions []PresenceEntry `json:"extensions"`
}

type PresenceChanged struct {
	ExtensionID string `json:"extensionId"`
	Status      Status `json:"status"`
}

type CallIncoming struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName,omitempty"`
	Offer      string `json:"offer"`
}

type CallAnswered struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
}

// CallICEEvent relays a candidate to the receiving participant. It shares the
// call_ice type with the inbound CallICE message.
type CallICEEvent struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	Reason Reason `json:"reason"`
}

// CallResult reports the outcome of a call request to the requesting connection.
type CallResult struct {
	Op      Op     `json:"op"`
	Success bool   `json:"success"`
	CallID  string `json:"callId,omitempty"`
	Error   Code   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type QueueOffer struct {
	QueueCallID  string `json:"queueCallId"`
	CallerNumber string `json:"callerNumber"`
	QueueID      string `json:"queueId"`
}

type QueueTaken struct {
	QueueCallID string `json:"queueCallId"`
}

type QueueConnected struct {
	QueueCallID string `json:"queueCallId"`
}

type QueueEnded struct {
	QueueCallID string `json:"queueCallId"`
	Reason      Reason `json:"reason"`
}

// QueueResult reports the outcome of a queue request to the requesting connection.
type QueueResult struct {
	Op          Op     `json:"op"`
	QueueCallID string `json:"queueCallId"`
	Success     bool   `json:"success"`
	Error       Code   `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Superseded is sent to a connection replaced by a newer one for the same extension.
type Superseded struct{}

// ErrorEvent reports a connection-level failure not tied to a call.
type ErrorEvent struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

func (Registered) EventType() string       { return TypeRegistered }
func (PresenceSnapshot) EventType() string { return TypePresenceSnapshot }
func (PresenceChanged) EventType() string  { return TypePresenceChanged }
func (CallIncoming) EventType() string     { return TypeCallIncoming }
func (CallAnswered) EventType() string     { return TypeCallAnswered }
func (CallICEEvent) EventType() string     { return TypeCallICE }
func (CallEnded) EventType() string        { return TypeCallEnded }
func (CallResult) EventType() string       { return TypeCallResult }
func (QueueOffer) EventType() string       { return TypeQueueOffer }
func (QueueTaken) EventType() string       { return TypeQueueTaken }
func (QueueConnected) EventType() string   { return TypeQueueConnected }
func (QueueEnded) EventType() string       { return TypeQueueEnded }
func (QueueResult) EventType() string      { return TypeQueueResult }
func (Superseded) EventType() string       { return TypeSuperseded }
func (ErrorEvent) EventType() string       { return TypeError }

// DecodeEvent parses one server-to-client frame into its event struct value.
func DecodeEvent(data []byte) (Event, error) {
	var hdr typeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch hdr.Type {
	case TypeRegistered:
		return decodeAs[Registered](data)
	case TypePresenceSnapshot:
		return decodeAs[PresenceSnapshot](data)
	case TypePresenceChanged:
		return decodeAs[PresenceChanged](data)
	case TypeCallIncoming:
		return decodeAs[CallIncoming](data)
	case TypeCallAnswered:
		return decodeAs[CallAnswered](data)
	case TypeCallICE:
		return decodeAs[CallICEEvent](data)
	case TypeCallEnded:
		return decodeAs[CallEnded](data)
	case TypeCallResult:
		return decodeAs[CallResult](data)
	case TypeQueueOffer:
		return decodeAs[QueueOffer](data)
	case TypeQueueTaken:
		return decodeAs[QueueTaken](data)
	case TypeQueueConnected:
		return decodeAs[QueueConnected](data)
	case TypeQueueEnded:
		return decodeAs[QueueEnded](data)
	case TypeQueueResult:
		return decodeAs[QueueResult](data)
	case TypeSuperseded:
		return Superseded{}, nil
	case TypeError:
		return decodeAs[ErrorEvent](data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, hdr.Type)
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, v.EventType(), err)
	}
	return v, nil
}
