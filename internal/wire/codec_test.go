package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/castlink/castlink/internal/core"
)

func TestDecodeValidRegister(t *testing.T) {
	var msg Register
	err := Decode([]byte(`{"type":"register","role":"broadcaster","name":"phone-1","room":"red"}`), &msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Role != "broadcaster" || msg.Name != "phone-1" || msg.Room != "red" {
		t.Fatalf("decoded %+v", msg)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"broken json", `{"type":"register",`},
		{"missing role", `{"type":"register","name":"x"}`},
		{"bad role", `{"type":"register","role":"pirate","name":"x"}`},
		{"missing name", `{"type":"register","role":"viewer"}`},
		{"empty payload", `{"type":"negotiation_offer","payload":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v any
			if tc.name == "empty payload" {
				v = &Negotiation{}
			} else {
				v = &Register{}
			}
			if err := Decode([]byte(tc.data), v); !errors.Is(err, core.ErrMalformedMessage) {
				t.Fatalf("err = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestNegotiationPayloadStaysOpaque(t *testing.T) {
	// Whatever the payload contains, it is carried verbatim.
	payload := `v=0\r\no=- 42 2 IN IP4 127.0.0.1 {"not":"parsed"}`
	msg := Negotiation{Type: TypeNegotiationOffer, Payload: payload, FromID: "a"}
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Negotiation
	if err := Decode(frame, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Payload != payload {
		t.Fatalf("payload altered in transit: %q", got.Payload)
	}
}

func TestEnvelopeDetection(t *testing.T) {
	frame, _ := Encode(HeartbeatAck{Type: TypeHeartbeatAck, Timestamp: 123})
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeHeartbeatAck {
		t.Fatalf("envelope type = %q", env.Type)
	}
}
