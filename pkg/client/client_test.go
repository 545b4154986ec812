package client

import (
	"context"
	"testing"
	"time"
)

func TestNewGRPCClient(t *testing.T) {
	cfg := ClientConfig{
		Address:      "localhost:0",
		Timeout:      time.Second,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Millisecond,
	}

	conn, err := NewGRPCClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewGRPCClient() error = %v", err)
	}
	defer conn.Close()

	if conn == nil {
		t.Fatal("expected non-nil connection")
	}
}

func TestClientConfig(t *testing.T) {
	cfg := ClientConfig{
		Address:      "localhost:23456",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}

	if cfg.Address != "localhost:23456" {
		t.Errorf("Address = %s, want localhost:23456", cfg.Address)
	}
}
