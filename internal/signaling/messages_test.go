package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseMessage_Validation(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		reason string
	}{
		{name: "join", in: `{"signal":"device-join","deviceName":"Laptop"}`},
		{name: "rename", in: `{"signal":"rename","id":"x","newName":"y"}`},
		{name: "offer", in: `{"signal":"offer","target":"t","offer":{"type":"offer","sdp":"v=0"}}`},
		{name: "answer", in: `{"signal":"answer","target":"t","answer":{"type":"answer","sdp":"v=0"}}`},
		{name: "ice", in: `{"signal":"ice","target":"t","candidate":{"candidate":"c"}}`},

		{name: "array", in: `[1,2]`, reason: "Invalid message format"},
		{name: "string", in: `"hello"`, reason: "Invalid message format"},
		{name: "null", in: `null`, reason: "Invalid message format"},
		{name: "no signal", in: `{"deviceName":"x"}`, reason: "Missing or invalid signal type"},
		{name: "numeric signal", in: `{"signal":7}`, reason: "Missing or invalid signal type"},
		{name: "unknown signal", in: `{"signal":"dance"}`, reason: "Unknown signal type"},
		{name: "outbound signal", in: `{"signal":"updateDeviceList"}`, reason: "Unknown signal type"},
		{name: "join without name", in: `{"signal":"device-join"}`, reason: "Missing or invalid deviceName"},
		{name: "join empty name", in: `{"signal":"device-join","deviceName":""}`, reason: "Missing or invalid deviceName"},
		{name: "join numeric name", in: `{"signal":"device-join","deviceName":5}`, reason: "Missing or invalid deviceName"},
		{name: "rename without id", in: `{"signal":"rename","newName":"y"}`, reason: "Missing or invalid device id"},
		{name: "rename without name", in: `{"signal":"rename","id":"x"}`, reason: "Missing or invalid newName"},
		{name: "offer without target", in: `{"signal":"offer","offer":{}}`, reason: "Missing or invalid target"},
		{name: "offer without payload", in: `{"signal":"offer","target":"t"}`, reason: "Missing offer data"},
		{name: "offer null payload", in: `{"signal":"offer","target":"t","offer":null}`, reason: "Missing offer data"},
		{name: "answer false payload", in: `{"signal":"answer","target":"t","answer":false}`, reason: "Missing answer data"},
		{name: "answer zero payload", in: `{"signal":"answer","target":"t","answer":0}`, reason: "Missing answer data"},
		{name: "ice without candidate", in: `{"signal":"ice","target":"t"}`, reason: "Missing candidate data"},
		{name: "ice empty candidate", in: `{"signal":"ice","target":"t","candidate":""}`, reason: "Missing candidate data"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.in))
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("ParseMessage(%s): %v", tc.in, err)
				}
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("ParseMessage(%s) err=%v, want ValidationError", tc.in, err)
			}
			if vErr.Reason != tc.reason {
				t.Fatalf("reason=%q, want %q", vErr.Reason, tc.reason)
			}
		})
	}
}

func TestParseMessage_MalformedJSON(t *testing.T) {
	for _, in := range []string{``, `{`, `{"signal":}`, `{"signal":"ice"} trailing`, "\xff"} {
		if _, err := ParseMessage([]byte(in)); !errors.Is(err, ErrMalformedJSON) {
			t.Fatalf("ParseMessage(%q) err=%v, want ErrMalformedJSON", in, err)
		}
	}
}

func TestParseMessage_PopulatesVariantFields(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"signal":"rename","id":"abc","newName":"Desk"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Signal != SignalRename || msg.ID != "abc" || msg.NewName != "Desk" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	msg, err = ParseMessage([]byte(`{"signal":"ice","target":"peer","candidate":{"candidate":"x"}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Signal != SignalICE || msg.Target != "peer" || !msg.Signal.IsRelayed() {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestWithFrom_PreservesOriginalBytes(t *testing.T) {
	in := `{"signal":"offer","target":"t","offer":{"type":"offer","sdp":"v=0\r\na=x <&> é"},"extra":[1, 2.50, {"k":null}]}`
	msg, err := ParseMessage([]byte("  " + in + "\n"))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	out, err := msg.WithFrom("sender-id")
	if err != nil {
		t.Fatalf("WithFrom: %v", err)
	}

	want := strings.TrimSuffix(in, "}") + `,"from":"sender-id"}`
	if string(out) != want {
		t.Fatalf("WithFrom=%s\nwant     %s", out, want)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("forwarded message is not valid JSON: %v", err)
	}
}

func TestWithFrom_ReplacesSpoofedFrom(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"signal":"ice","target":"t","candidate":{"candidate":"a<b"},"from":"forged"}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	out, err := msg.WithFrom("real")
	if err != nil {
		t.Fatalf("WithFrom: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := string(fields["from"]); got != `"real"` {
		t.Fatalf("from=%s, want \"real\"", got)
	}
	if got := string(fields["candidate"]); got != `{"candidate":"a<b"}` {
		t.Fatalf("candidate=%s, want original bytes", got)
	}
	if strings.Contains(string(out), "forged") {
		t.Fatalf("forged sender survived: %s", out)
	}
}
