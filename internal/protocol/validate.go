package protocol

import (
	"fmt"
)

// Validate checks the required fields of a decoded message. Messages that
// fail validation are dropped by the receiving peer.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case Auth:
		if m.AppID == "" {
			return fmt.Errorf("missing required field 'appId' in %s data", m.MessageType())
		}
		if m.AgentID == "" {
			return fmt.Errorf("missing required field 'agentId' in %s data", m.MessageType())
		}
		if m.Token == "" {
			return fmt.Errorf("missing required field 'token' in %s data", m.MessageType())
		}

	case CommandRequest:
		if m.TraceID == "" {
			return fmt.Errorf("missing required field 'traceId' in %s data", m.MessageType())
		}
		if m.Command == "" {
			return fmt.Errorf("missing required field 'command' in %s data", m.MessageType())
		}

	case CommandResult:
		if m.TraceID == "" {
			return fmt.Errorf("missing required field 'traceId' in %s data", m.MessageType())
		}

	case PackageReport:
		if m.Path == "" {
			return fmt.Errorf("missing required field 'path' in %s data", m.MessageType())
		}

	case Unknown:
		return fmt.Errorf("unknown message type: %s", m.Type)

	case nil:
		return fmt.Errorf("nil message")
	}

	return nil
}

// DecodeValid decodes a frame and validates the result.
func DecodeValid(frame []byte) (Message, error) {
	msg, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	if err := Validate(msg); err != nil {
		return msg, err
	}
	return msg, nil
}
