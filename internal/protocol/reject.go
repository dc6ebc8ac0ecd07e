package protocol

import "encoding/json"

var requestOps = map[string]struct {
	op    Op
	queue bool
}{
	TypeCallInitiate: {op: OpInitiate},
	TypeCallAnswer:   {op: OpAnswer},
	TypeCallReject:   {op: OpReject},
	TypeCallICE:      {op: OpICE},
	TypeCallHangup:   {op: OpHangup},
	TypeQueueAccept:  {op: OpAccept, queue: true},
	TypeQueueReject:  {op: OpReject, queue: true},
	TypeQueueHangup:  {op: OpHangup, queue: true},
}

// Rejection builds the reply for an inbound frame that was refused before
// reaching its handler. A frame whose type names a call or queue operation
// gets that operation's failed call_result or queue_result, carrying whatever
// id could be read from it, so the sender can settle the request. Anything
// else gets a plain error event.
func Rejection(data []byte, code Code, message string) Event {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ErrorEvent{Code: code, Message: message}
	}
	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil {
		return ErrorEvent{Code: code, Message: message}
	}
	req, ok := requestOps[typ]
	if !ok {
		return ErrorEvent{Code: code, Message: message}
	}

	if req.queue {
		return QueueResult{Op: req.op, QueueCallID: stringField(fields, "queueCallId"), Error: code, Message: message}
	}
	return CallResult{Op: req.op, CallID: stringField(fields, "callId"), Error: code, Message: message}
}

// stringField returns fields[key] if it holds a JSON string.
func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}
