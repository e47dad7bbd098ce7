package gateway

import (
	"fmt"

	"github.com/BaSui01/agentflow/types"
)

// Gateway-specific error codes, layered on top of the framework's shared
// types.ErrorCode taxonomy (types/error.go) rather than inventing a parallel
// one.
const (
	ErrCredentialNotFound    types.ErrorCode = "CREDENTIAL_NOT_FOUND"
	ErrCredentialExpired     types.ErrorCode = "CREDENTIAL_EXPIRED"
	ErrCredentialRateLimited types.ErrorCode = "CREDENTIAL_RATE_LIMITED"
	ErrCredentialDecryptFailed types.ErrorCode = "CREDENTIAL_DECRYPT_FAILED"
	ErrLoopbackRequired      types.ErrorCode = "LOOPBACK_REQUIRED"
	ErrConnectionLimit       types.ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
	ErrPayloadTooLarge       types.ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrInvalidUTF8           types.ErrorCode = "INVALID_UTF8"
	ErrAllProvidersExhausted types.ErrorCode = "ALL_PROVIDERS_EXHAUSTED"
	ErrProviderNotFound      types.ErrorCode = "PROVIDER_NOT_FOUND"
	ErrSubprocessUnavailable types.ErrorCode = "SUBPROCESS_UNAVAILABLE"
)

// NewError is a thin alias kept local to this package so call sites read
// gateway.NewError instead of reaching into types directly everywhere.
func NewError(code types.ErrorCode, message string) *types.Error {
	return types.NewError(code, message)
}

// ProviderAttempt records one provider's terminal failure when the full
// fallback chain is exhausted, for the all-providers-exhausted error body
// that enumerates every attempted provider.
type ProviderAttempt struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// AllProvidersError is returned by the gateway handler when every provider
// in [primary, ...fallbacks] failed.
type AllProvidersError struct {
	Attempts []ProviderAttempt
}

func (e *AllProvidersError) Error() string {
	return fmt.Sprintf("all %d providers failed", len(e.Attempts))
}

// ToError converts the aggregate failure into the shared error shape with
// HTTP 502, an upstream-failure status that's safe to retry.
func (e *AllProvidersError) ToError() *types.Error {
	msg := e.Error()
	for i, a := range e.Attempts {
		sep := "; "
		if i == 0 {
			sep = ": "
		}
		msg += fmt.Sprintf("%s%s (%s)", sep, a.Provider, a.Error)
	}
	return &types.Error{
		Code:       ErrAllProvidersExhausted,
		Message:    msg,
		HTTPStatus: 502,
		Retryable:  true,
	}
}
