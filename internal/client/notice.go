package client

import (
	"encoding/json"

	"github.com/flowpbx/pbxsignal/internal/protocol"
)

// NoticeKind identifies what a Notice reports.
type NoticeKind string

const (
	NoticeReady           NoticeKind = "ready"
	NoticeDisconnected    NoticeKind = "disconnected"
	NoticePresence        NoticeKind = "presence"
	NoticePresenceChanged NoticeKind = "presence_changed"
	NoticeIncomingCall    NoticeKind = "incoming_call"
	NoticeCallPlaced      NoticeKind = "call_placed"
	NoticeCallAnswered    NoticeKind = "call_answered"
	NoticeCallICE         NoticeKind = "call_ice"
	NoticeCallEnded       NoticeKind = "call_ended"
	NoticeCallFailed      NoticeKind = "call_failed"
	NoticeQueueOffer      NoticeKind = "queue_offer"
	NoticeQueueTaken      NoticeKind = "queue_taken"
	NoticeQueueAccepted   NoticeKind = "queue_accepted"
	NoticeQueueConnected  NoticeKind = "queue_connected"
	NoticeQueueEnded      NoticeKind = "queue_ended"
	NoticeError           NoticeKind = "error"
	NoticeSuperseded      NoticeKind = "superseded"
)

// Notice is delivered to Options.OnNotice for every change the user of the
// client may want to show. Only the fields relevant to Kind are set.
//
// A queue offer claimed by someone else, or one that went stale before this
// extension could accept it, is withdrawn with NoticeQueueTaken and no error.
type Notice struct {
	Kind         NoticeKind
	CallID       string
	QueueCallID  string
	Peer         string
	PeerName     string
	Status       protocol.Status
	Reason       protocol.Reason
	Code         protocol.Code
	Message      string
	SDP          string
	Candidate    json.RawMessage
	CallerNumber string
	QueueID      string

	// Fresh is set on NoticeReady when the presence snapshot arrived in time.
	Fresh bool
}

// handle applies one server event to the local state. Notices are collected
// under c.mu and delivered after it is released so OnNotice may call back
// into the client.
func (c *Client) handle(ev protocol.Event) error {
	var (
		notices []Notice
		ready   func()
		result  error
	)

	c.mu.Lock()
	switch e := ev.(type) {
	case protocol.Registered:
		c.state = StateRegistered
		c.identity = e
		if j := c.ready; j != nil {
			ready = func() { j.SetA(e) }
		}

	case protocol.PresenceSnapshot:
		c.presence = make(map[string]protocol.PresenceEntry, len(e.Extensions))
		for _, entry := range e.Extensions {
			c.presence[entry.ExtensionID] = entry
		}
		c.presenceFresh = true
		notices = append(notices, Notice{Kind: NoticePresence})
		if j := c.ready; j != nil {
			ready = func() { j.SetB(e) }
		}

	case protocol.PresenceChanged:
		entry := c.presence[e.ExtensionID]
		entry.ExtensionID = e.ExtensionID
		entry.Status = e.Status
		c.presence[e.ExtensionID] = entry
		notices = append(notices, Notice{Kind: NoticePresenceChanged, Peer: e.ExtensionID, Status: e.Status})

	case protocol.CallIncoming:
		c.calls[e.CallID] = &Call{ID: e.CallID, Peer: e.CallerID, State: CallRinging}
		notices = append(notices, Notice{Kind: NoticeIncomingCall, CallID: e.CallID,
			Peer: e.CallerID, PeerName: e.CallerName, SDP: e.Offer})

	case protocol.CallAnswered:
		if call, ok := c.calls[e.CallID]; ok {
			call.State = CallConnected
			notices = append(notices, Notice{Kind: NoticeCallAnswered, CallID: e.CallID, Peer: call.Peer, SDP: e.Answer})
		}

	case protocol.CallICEEvent:
		if _, ok := c.calls[e.CallID]; ok {
			notices = append(notices, Notice{Kind: NoticeCallICE, CallID: e.CallID, Candidate: e.Candidate})
		}

	case protocol.CallEnded:
		if call, ok := c.calls[e.CallID]; ok {
			delete(c.calls, e.CallID)
			notices = append(notices, Notice{Kind: NoticeCallEnded, CallID: e.CallID, Peer: call.Peer, Reason: e.Reason})
		}

	case protocol.CallResult:
		notices = c.callResultLocked(e)

	case protocol.QueueOffer:
		c.offers[e.QueueCallID] = &QueueOffer{ID: e.QueueCallID, CallerNumber: e.CallerNumber,
			QueueID: e.QueueID, State: QueueOffered}
		notices = append(notices, Notice{Kind: NoticeQueueOffer, QueueCallID: e.QueueCallID,
			CallerNumber: e.CallerNumber, QueueID: e.QueueID})

	case protocol.QueueTaken:
		if o, ok := c.offers[e.QueueCallID]; ok && o.State == QueueOffered {
			delete(c.offers, e.QueueCallID)
			notices = append(notices, Notice{Kind: NoticeQueueTaken, QueueCallID: e.QueueCallID})
		}

	case protocol.QueueConnected:
		if o, ok := c.offers[e.QueueCallID]; ok {
			o.State = QueueConnected
			notices = append(notices, Notice{Kind: NoticeQueueConnected, QueueCallID: e.QueueCallID})
		}

	case protocol.QueueEnded:
		if _, ok := c.offers[e.QueueCallID]; ok {
			delete(c.offers, e.QueueCallID)
			notices = append(notices, Notice{Kind: NoticeQueueEnded, QueueCallID: e.QueueCallID, Reason: e.Reason})
		}

	case protocol.QueueResult:
		notices = c.queueResultLocked(e)

	case protocol.Superseded:
		notices = append(notices, Notice{Kind: NoticeSuperseded})
		result = ErrSuperseded

	case protocol.ErrorEvent:
		notices = append(notices, Notice{Kind: NoticeError, Code: e.Code, Message: e.Message})
		if e.Code == protocol.CodeAuthenticationFailed {
			result = ErrAuthFailed
		}
	}
	c.mu.Unlock()

	for _, n := range notices {
		c.emit(n)
	}
	if ready != nil {
		ready()
	}
	if _, ok := ev.(protocol.Registered); ok {
		// Presence is never carried over from an earlier connection.
		if err := c.RequestPresence(); err != nil {
			c.logger.Warn("requesting presence after register", "error", err)
		}
	}
	return result
}

func (c *Client) callResultLocked(e protocol.CallResult) []Notice {
	switch e.Op {
	case protocol.OpInitiate:
		if len(c.pendingDials) == 0 {
			c.logger.Warn("initiate result without a pending dial", "call_id", e.CallID)
			return nil
		}
		peer := c.pendingDials[0]
		c.pendingDials = c.pendingDials[1:]
		if !e.Success {
			return []Notice{{Kind: NoticeCallFailed, Peer: peer, Code: e.Error, Message: e.Message}}
		}
		c.calls[e.CallID] = &Call{ID: e.CallID, Peer: peer, Outgoing: true, State: CallCalling}
		return []Notice{{Kind: NoticeCallPlaced, CallID: e.CallID, Peer: peer}}

	case protocol.OpAnswer:
		call, ok := c.calls[e.CallID]
		if !ok {
			return nil
		}
		if e.Success {
			call.State = CallConnected
			return []Notice{{Kind: NoticeCallAnswered, CallID: e.CallID, Peer: call.Peer}}
		}
		// The call went away before the answer landed.
		if e.Error == protocol.CodeStaleCall {
			delete(c.calls, e.CallID)
			return []Notice{{Kind: NoticeCallEnded, CallID: e.CallID, Peer: call.Peer, Code: e.Error}}
		}
		return []Notice{{Kind: NoticeError, CallID: e.CallID, Code: e.Error, Message: e.Message}}

	case protocol.OpReject, protocol.OpHangup:
		call, ok := c.calls[e.CallID]
		if !ok {
			return nil
		}
		if e.Success || e.Error == protocol.CodeStaleCall {
			delete(c.calls, e.CallID)
			reason := protocol.ReasonHangup
			if e.Op == protocol.OpReject {
				reason = protocol.ReasonRejected
			}
			return []Notice{{Kind: NoticeCallEnded, CallID: e.CallID, Peer: call.Peer, Reason: reason}}
		}
		return []Notice{{Kind: NoticeError, CallID: e.CallID, Code: e.Error, Message: e.Message}}

	case protocol.OpICE:
		if e.Success {
			return nil
		}
		if _, ok := c.calls[e.CallID]; !ok || e.Error == protocol.CodeStaleCall {
			c.logger.Debug("candidate not relayed", "call_id", e.CallID, "error", e.Error)
			return nil
		}
		// Refused candidates may be resent by the application.
		return []Notice{{Kind: NoticeError, CallID: e.CallID, Code: e.Error, Message: e.Message}}
	}
	return nil
}

func (c *Client) queueResultLocked(e protocol.QueueResult) []Notice {
	o, ok := c.offers[e.QueueCallID]
	if !ok {
		return nil
	}
	switch e.Op {
	case protocol.OpAccept:
		if e.Success {
			o.State = QueueTaken
			return []Notice{{Kind: NoticeQueueAccepted, QueueCallID: o.ID}}
		}
		if e.Error == protocol.CodeAlreadyTaken || e.Error == protocol.CodeStaleCall {
			delete(c.offers, o.ID)
			return []Notice{{Kind: NoticeQueueTaken, QueueCallID: o.ID}}
		}
		return []Notice{{Kind: NoticeError, QueueCallID: o.ID, Code: e.Error, Message: e.Message}}

	case protocol.OpReject, protocol.OpHangup:
		if e.Success || e.Error == protocol.CodeStaleCall || e.Error == protocol.CodeAlreadyTaken {
			delete(c.offers, o.ID)
			reason := protocol.ReasonHangup
			if e.Op == protocol.OpReject {
				reason = protocol.ReasonRejected
			}
			return []Notice{{Kind: NoticeQueueEnded, QueueCallID: o.ID, Reason: reason}}
		}
		return []Notice{{Kind: NoticeError, QueueCallID: o.ID, Code: e.Error, Message: e.Message}}
	}
	return nil
}
