// Package msgs defines the message types nodes exchange and their wire
// envelope.
package msgs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StringType is the type name carried by String messages.
const StringType = "std_msgs/String"

var ErrTypeMismatch = errors.New("message type mismatch")

// String is a single-field text message.
type String struct {
	Data string
}

func (String) Type() string { return StringType }

type envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Encode wraps the message in its typed JSON envelope.
func (m String) Encode() ([]byte, error) {
	return json.Marshal(envelope{Type: StringType, Data: m.Data})
}

// DecodeString parses an envelope produced by String.Encode.
func DecodeString(b []byte) (String, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return String{}, fmt.Errorf("decode %s: %w", StringType, err)
	}
	if env.Type != StringType {
		return String{}, fmt.Errorf("%w: got %q, want %q", ErrTypeMismatch, env.Type, StringType)
	}
	return String{Data: env.Data}, nil
}
