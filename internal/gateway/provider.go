package gateway

import (
	"context"
	"errors"
	"io"
)

// ByteStream is the raw upstream SSE body, handed back by providers that
// support streaming. The gateway forwards it byte-for-byte to the client
// while a separate observer goroutine parses it for broadcast/cost purposes.
type ByteStream = io.ReadCloser

// ErrStreamingNotSupported is the default CompleteStream result for
// providers that don't support streaming.
var ErrStreamingNotSupported = errors.New("provider does not support streaming")

// Provider is the polymorphic upstream LLM adapter. Implementations own
// name resolution, request translation to their native wire format, and
// the synchronous and (optional) streaming completion calls.
type Provider interface {
	// Name returns the provider's registry key.
	Name() string

	// ProviderType returns the wire-protocol family.
	ProviderType() ProviderType

	// HealthCheck reports reachability; must complete within 5s.
	HealthCheck(ctx context.Context) (bool, error)

	// ResolveModel maps an alias to a canonical upstream model name.
	ResolveModel(model string) string

	// Complete performs a synchronous completion. clientAuth/clientBeta
	// carry client-supplied passthrough headers (x-api-key/Authorization,
	// anthropic-beta) when present.
	Complete(ctx context.Context, req CompletionRequest, clientAuth, clientBeta string) (CompletionResponse, RequestMetrics, error)

	// CompleteStream performs a streaming completion, returning the raw
	// upstream byte stream for byte-for-byte forwarding. Providers that
	// don't support streaming return ErrStreamingNotSupported.
	CompleteStream(ctx context.Context, req CompletionRequest, clientAuth, clientBeta string) (ByteStream, error)
}
