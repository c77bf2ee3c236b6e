package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingType = errors.New("message has no type field")

// Decode parses one wire frame into its typed message variant. Frames with
// invalid JSON, a missing type, or an unknown type are rejected.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	msg, err := newMessage(head.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parse %s frame: %w", head.Type, err)
	}
	return msg, nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeRegister:
		return &Register{}, nil
	case TypeRegistered:
		return &Registered{}, nil
	case TypeAuth:
		return &Auth{}, nil
	case TypeAuthenticated:
		return &Authenticated{}, nil
	case TypeError:
		return &Error{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeCommandQueued:
		return &CommandQueued{}, nil
	case TypeCommandStatus:
		return &CommandStatus{}, nil
	case TypeApprove:
		return &Approve{}, nil
	case TypeDecline:
		return &Decline{}, nil
	case TypeProducerDisconnected:
		return &ProducerDisconnected{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}

// Encode serializes a message as a single newline-terminated JSON frame.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.MessageType(), err)
	}
	return append(data, '\n'), nil
}
