package gateway

import (
	"net/http"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty() = %q, want %q", got, "b")
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty() = %q, want empty", got)
	}
}

func TestForwardedHeaders(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("Accept", "text/xml")

	headers := forwardedHeaders(req)
	if headers["X-Forwarded-For"] != "10.0.0.1" {
		t.Errorf("X-Forwarded-For = %q, want 10.0.0.1", headers["X-Forwarded-For"])
	}
	if headers["Accept"] != "text/xml" {
		t.Errorf("Accept = %q, want text/xml", headers["Accept"])
	}
}
