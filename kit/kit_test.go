package kit

import (
	"context"
	"testing"
)

func TestContext_RequestID(t *testing.T) {
	ctx := context.Background()
	if v := GetRequestID(ctx); v != "" {
		t.Fatalf("empty context: got %q", v)
	}

	ctx = WithRequestID(ctx, "req_123")
	if v := GetRequestID(ctx); v != "req_123" {
		t.Fatalf("got %q, want req_123", v)
	}
}

func TestContext_TransportDefault(t *testing.T) {
	if v := GetTransport(context.Background()); v != "http" {
		t.Fatalf("default transport: got %q, want http", v)
	}
	ctx := WithTransport(context.Background(), "mcp")
	if v := GetTransport(ctx); v != "mcp" {
		t.Fatalf("got %q, want mcp", v)
	}
}
