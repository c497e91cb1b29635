package ws

import "encoding/json"

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	MsgPhaseChanged      MessageType = "phase_changed"
	MsgFileResult        MessageType = "file_result"
	MsgApprovalRequested MessageType = "approval_requested"
	MsgApprovalResolved  MessageType = "approval_resolved"
	MsgRuntimeStatus     MessageType = "runtime_status"
	MsgTestRun           MessageType = "test_run"
	MsgComparison        MessageType = "comparison"
	MsgError             MessageType = "error"
	MsgSync              MessageType = "sync"
	MsgFullState         MessageType = "full_state"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload under typ. A nil payload is omitted.
func NewMessage(typ MessageType, payload any) ([]byte, error) {
	var p json.RawMessage
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			p = raw
		} else {
			var err error
			p, err = json.Marshal(payload)
			if err != nil {
				return nil, err
			}
		}
	}
	return json.Marshal(Message{Type: typ, Payload: p})
}
