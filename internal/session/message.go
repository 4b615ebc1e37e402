package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed message")

// message is an inbound frame decoded only as far as the hub needs.
// Fields stay raw so relayed payloads are never reinterpreted.
type message struct {
	Type   string
	fields map[string]json.RawMessage
}

func parseMessage(data []byte) (message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return message{}, fmt.Errorf("%w: payload is not an object", ErrMalformedMessage)
	}
	msg := message{fields: fields}
	if raw, ok := fields["type"]; ok {
		// a non-string type is opaque and gets relayed like any unknown frame
		_ = json.Unmarshal(raw, &msg.Type)
	}
	return msg, nil
}

// stringField returns a required string field.
func (m message) stringField(name string) (string, error) {
	raw, ok := m.fields[name]
	if !ok {
		return "", fmt.Errorf("%w: %q frame missing %q", ErrMalformedMessage, m.Type, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %q field %q is not a string", ErrMalformedMessage, m.Type, name)
	}
	return s, nil
}
