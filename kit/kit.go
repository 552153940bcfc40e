// Package kit holds the transport-agnostic glue shared by the ronde
// surfaces: the Endpoint type, request-scoped context keys and the MCP
// tool registration helper.
package kit

import "context"

// Endpoint is a transport-agnostic request handler.
type Endpoint func(ctx context.Context, request any) (any, error)

type contextKey string

const (
	// TransportKey identifies the transport a request arrived on
	// ("http", "mcp").
	TransportKey contextKey = "kit_transport"
	// RequestIDKey carries the per-request identifier.
	RequestIDKey contextKey = "kit_request_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}
