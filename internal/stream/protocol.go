package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rickgao/cryptostream/internal/transport"
)

// Control frame types.
const (
	TypePing                = "ping"
	TypePong                = "pong"
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypeSubscriptionSuccess = "subscription_success"
	TypeSubscriptionError   = "subscription_error"
)

// ControlFrame is an outbound protocol frame.
type ControlFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// envelope is used for fast type extraction. Channel and Error stay raw so
// application payloads with non-string fields of the same name still parse.
type envelope struct {
	Type    string          `json:"type"`
	Channel json.RawMessage `json:"channel"`
	Error   json.RawMessage `json:"error"`
}

var pingFrame = mustEncode(ControlFrame{Type: TypePing})

// parseEnvelope decodes the control envelope of a text frame.
func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return envelope{}, errMissingType
	}
	return env, nil
}

// rawString returns a JSON string value unquoted, or any other JSON value
// as its literal text.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// encodePayload converts an outbound payload into a wire frame:
//   - []byte is sent as a binary frame, untouched
//   - json.RawMessage and string are sent as text, untouched
//   - transport.Frame is sent as-is
//   - anything else is JSON-encoded into a text frame
func encodePayload(payload any) (transport.Frame, error) {
	switch p := payload.(type) {
	case transport.Frame:
		return p, nil
	case []byte:
		return transport.Binary(p), nil
	case json.RawMessage:
		return transport.Text(p), nil
	case string:
		return transport.Text([]byte(p)), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return transport.Frame{}, err
		}
		return transport.Text(data), nil
	}
}

func mustEncode(cf ControlFrame) transport.Frame {
	data, err := json.Marshal(cf)
	if err != nil {
		panic(err)
	}
	return transport.Text(data)
}
