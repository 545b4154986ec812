package wire

import "testing"

func TestEncodeDecodeMessage(t *testing.T) {
	msg := OwsRequestMsg{
		Service: "WFS",
		Request: "GetCapabilities",
		Target:  "/france/france_parts",
		URL:     "http://example/test",
	}

	frame, err := EncodeMessage(MsgOwsRequest, msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Type != MsgOwsRequest {
		t.Errorf("Type = %v, want %v", env.Type, MsgOwsRequest)
	}

	got, err := DecodeBody[OwsRequestMsg](env)
	if err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if got.Service != msg.Service || got.Target != msg.Target {
		t.Errorf("DecodeBody() = %+v, want %+v", got, msg)
	}
}

func TestDecodeEnvelope_UnknownType(t *testing.T) {
	frame, err := EncodeMessage(MsgType(999), PingMsg{})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Type != MsgType(999) {
		t.Errorf("Type = %v, want 999", env.Type)
	}
}

func TestCheckoutProjectMsgRoundTrip(t *testing.T) {
	msg := CheckoutProjectMsg{URI: "/france/france_parts", Pull: true}

	frame, err := EncodeMessage(MsgCheckoutProject, msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}

	got, err := DecodeBody[CheckoutProjectMsg](env)
	if err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if got != msg {
		t.Errorf("got %+v, want %+v", got, msg)
	}
}
