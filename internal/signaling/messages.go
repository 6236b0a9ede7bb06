package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Signal is the discriminator carried in every control message.
type Signal string

// Inbound signals.
const (
	SignalDeviceJoin Signal = "device-join"
	SignalRename     Signal = "rename"
	SignalOffer      Signal = "offer"
	SignalAnswer     Signal = "answer"
	SignalICE        Signal = "ice"
)

// Outbound signals.
const (
	SignalID         Signal = "id"
	SignalDeviceList Signal = "updateDeviceList"
	SignalError      Signal = "error"
)

// IsRelayed reports whether messages with this signal are forwarded to a
// target device.
func (s Signal) IsRelayed() bool {
	return s == SignalOffer || s == SignalAnswer || s == SignalICE
}

var ErrMalformedJSON = errors.New("malformed json")

// ValidationError carries the client-facing reason a message was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

// Message is a validated inbound control message. Only the fields relevant to
// Signal are populated.
type Message struct {
	Signal Signal

	// device-join
	DeviceName string

	// rename
	ID      string
	NewName string

	// offer, answer, ice
	Target string

	raw    []byte
	fields map[string]json.RawMessage
}

// ParseMessage decodes and validates one control message.
func ParseMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return Message{}, ErrMalformedJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return Message{}, invalid("Invalid message format")
	}
	if err := Validate(fields); err != nil {
		return Message{}, err
	}

	msg := Message{
		Signal: Signal(stringField(fields, "signal")),
		raw:    trimmed,
		fields: fields,
	}
	switch msg.Signal {
	case SignalDeviceJoin:
		msg.DeviceName = stringField(fields, "deviceName")
	case SignalRename:
		msg.ID = stringField(fields, "id")
		msg.NewName = stringField(fields, "newName")
	case SignalOffer, SignalAnswer, SignalICE:
		msg.Target = stringField(fields, "target")
	}
	return msg, nil
}

// Validate checks the structural requirements of each signal. A nil return
// means the message is well formed; otherwise the error is a *ValidationError.
func Validate(fields map[string]json.RawMessage) error {
	if fields == nil {
		return invalid("Invalid message format")
	}

	signal, ok := nonEmptyString(fields, "signal")
	if !ok {
		return invalid("Missing or invalid signal type")
	}

	switch Signal(signal) {
	case SignalDeviceJoin:
		if _, ok := nonEmptyString(fields, "deviceName"); !ok {
			return invalid("Missing or invalid deviceName")
		}
	case SignalRename:
		if _, ok := nonEmptyString(fields, "id"); !ok {
			return invalid("Missing or invalid device id")
		}
		if _, ok := nonEmptyString(fields, "newName"); !ok {
			return invalid("Missing or invalid newName")
		}
	case SignalOffer, SignalAnswer:
		if _, ok := nonEmptyString(fields, "target"); !ok {
			return invalid("Missing or invalid target")
		}
		if !present(fields[signal]) {
			return invalid(fmt.Sprintf("Missing %s data", signal))
		}
	case SignalICE:
		if _, ok := nonEmptyString(fields, "target"); !ok {
			return invalid("Missing or invalid target")
		}
		if !present(fields["candidate"]) {
			return invalid("Missing candidate data")
		}
	default:
		return invalid("Unknown signal type")
	}
	return nil
}

// WithFrom returns the original message with a "from" member naming the
// sender. Every other member is reproduced byte for byte. A client-supplied
// "from" is replaced.
func (m Message) WithFrom(from string) ([]byte, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}

	if _, spoofed := m.fields["from"]; !spoofed && len(m.raw) >= 2 && m.raw[len(m.raw)-1] == '}' {
		body := bytes.TrimSpace(m.raw[1 : len(m.raw)-1])
		out := make([]byte, 0, len(m.raw)+len(fromJSON)+9)
		out = append(out, '{')
		out = append(out, body...)
		if len(body) > 0 {
			out = append(out, ',')
		}
		out = append(out, `"from":`...)
		out = append(out, fromJSON...)
		out = append(out, '}')
		return out, nil
	}

	fields := make(map[string]json.RawMessage, len(m.fields)+1)
	for k, v := range m.fields {
		fields[k] = v
	}
	fields["from"] = fromJSON
	return marshalNoEscape(fields)
}

func stringField(fields map[string]json.RawMessage, key string) string {
	s, _ := nonEmptyString(fields, key)
	return s
}

func nonEmptyString(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// present mirrors a truthiness check: absent, null, false, 0 and "" do not
// count as a payload.
func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`:
		return false
	}
	if v[0] == '"' {
		return true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		f, err := n.Float64()
		return err != nil || f != 0
	}
	return true
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
