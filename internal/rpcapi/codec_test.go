package rpcapi

import "testing"

func TestCodecRoundTrip(t *testing.T) {
	c := Codec{}
	want := CheckoutRequest{URI: "file:///a.qgs", Pull: true}

	data, err := c.Marshal(&want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got CheckoutRequest
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCodecName(t *testing.T) {
	if Codec{}.Name() != "msgpack" {
		t.Errorf("Name() = %q, want msgpack", Codec{}.Name())
	}
}
