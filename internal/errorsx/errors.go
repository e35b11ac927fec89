// Package errorsx provides the typed error taxonomy for the gateway (§7).
// The base shape and embedding style follow the teacher's
// internal/errors/errors.go; the kind names follow the spec's taxonomy
// instead of the teacher's HTTP-flavoured codes.
package errorsx

import "encoding/json"

// Kind identifies one of the taxonomy's error kinds (§7).
type Kind string

const (
	KindClient             Kind = "client_error"
	KindConcurrencyRejected Kind = "concurrency_rejection"
	KindCapacityExhausted  Kind = "capacity_exhausted"
	KindInvalidGrant       Kind = "invalid_grant"
	KindUpstream           Kind = "upstream_error"
	KindEmptyUpstream      Kind = "empty_upstream_response"
	KindCancelled          Kind = "cancelled"
	KindNoAccounts         Kind = "no_accounts"
	KindAllBusy            Kind = "all_busy"
	KindAllLimited         Kind = "all_limited"
)

// GatewayError is the base error type; every taxonomy kind embeds it.
type GatewayError struct {
	Message  string         `json:"message"`
	Kind     Kind           `json:"kind"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e *GatewayError) Error() string { return e.Message }

func (e *GatewayError) MarshalJSON() ([]byte, error) {
	m := map[string]any{"message": e.Message, "kind": e.Kind}
	for k, v := range e.Metadata {
		m[k] = v
	}
	return json.Marshal(m)
}

func newBase(kind Kind, msg string, meta map[string]any) *GatewayError {
	if meta == nil {
		meta = map[string]any{}
	}
	return &GatewayError{Message: msg, Kind: kind, Metadata: meta}
}

// CapacityExhaustedError signals an upstream per-account capacity hit (§4.4, §7).
type CapacityExhaustedError struct {
	*GatewayError
	ResetHintMs int64 // parsed "reset after Ns" hint; 0 if absent
}

func NewCapacityExhausted(msg string, resetHintMs int64) *CapacityExhaustedError {
	return &CapacityExhaustedError{
		GatewayError: newBase(KindCapacityExhausted, msg, map[string]any{"resetHintMs": resetHintMs}),
		ResetHintMs:  resetHintMs,
	}
}

// InvalidGrantError signals a rejected refresh token (§4.1, §7).
type InvalidGrantError struct {
	*GatewayError
	AccountID int64
}

func NewInvalidGrant(accountID int64, msg string) *InvalidGrantError {
	return &InvalidGrantError{
		GatewayError: newBase(KindInvalidGrant, msg, map[string]any{"accountId": accountID}),
		AccountID:    accountID,
	}
}

// UpstreamError wraps any other non-2xx / protocol / parse failure (§4.4, §7).
type UpstreamError struct {
	*GatewayError
	StatusCode int
}

func NewUpstreamError(statusCode int, msg string) *UpstreamError {
	return &UpstreamError{
		GatewayError: newBase(KindUpstream, msg, map[string]any{"statusCode": statusCode}),
		StatusCode:   statusCode,
	}
}

// EmptyUpstreamResponseError signals a clean close with zero emitted events (§4.4).
type EmptyUpstreamResponseError struct{ *GatewayError }

func NewEmptyUpstreamResponse(msg string) *EmptyUpstreamResponseError {
	if msg == "" {
		msg = "upstream closed the stream without emitting any events"
	}
	return &EmptyUpstreamResponseError{newBase(KindEmptyUpstream, msg, nil)}
}

// CancelledError signals caller disconnection or context cancellation (§7).
type CancelledError struct{ *GatewayError }

func NewCancelled(msg string) *CancelledError {
	if msg == "" {
		msg = "client disconnected"
	}
	return &CancelledError{newBase(KindCancelled, msg, nil)}
}

// ConcurrencyRejectedError signals a refused model slot (§4.3, §7).
type ConcurrencyRejectedError struct{ *GatewayError }

func NewConcurrencyRejected(model string) *ConcurrencyRejectedError {
	return &ConcurrencyRejectedError{newBase(KindConcurrencyRejected,
		"Model concurrency limit reached, please retry later", map[string]any{"model": model})}
}

// NoAccountsError signals an empty or exhausted pool (§4.2, §7).
type NoAccountsError struct {
	*GatewayError
	AllLimited bool
	AllBusy    bool
}

func NewNoAccounts(msg string) *NoAccountsError {
	return &NoAccountsError{GatewayError: newBase(KindNoAccounts, msg, nil)}
}

func NewAllLimited(msg string) *NoAccountsError {
	return &NoAccountsError{GatewayError: newBase(KindAllLimited, msg, nil), AllLimited: true}
}

func NewAllBusy(msg string) *NoAccountsError {
	return &NoAccountsError{GatewayError: newBase(KindAllBusy, msg, nil), AllBusy: true}
}

// ClientError signals a caller-side 4xx (§7): bad API key, malformed body, unknown endpoint.
type ClientError struct {
	*GatewayError
	StatusCode int
}

func NewClientError(statusCode int, msg string) *ClientError {
	return &ClientError{
		GatewayError: newBase(KindClient, msg, map[string]any{"statusCode": statusCode}),
		StatusCode:   statusCode,
	}
}

// KindOf extracts the taxonomy Kind from any error produced by this package,
// or "" if err is not one of ours.
func KindOf(err error) Kind {
	if g, ok := asGatewayError(err); ok {
		return g.Kind
	}
	return ""
}

func asGatewayError(err error) (*GatewayError, bool) {
	switch e := err.(type) {
	case *GatewayError:
		return e, true
	case *CapacityExhaustedError:
		return e.GatewayError, true
	case *InvalidGrantError:
		return e.GatewayError, true
	case *UpstreamError:
		return e.GatewayError, true
	case *EmptyUpstreamResponseError:
		return e.GatewayError, true
	case *CancelledError:
		return e.GatewayError, true
	case *ConcurrencyRejectedError:
		return e.GatewayError, true
	case *NoAccountsError:
		return e.GatewayError, true
	case *ClientError:
		return e.GatewayError, true
	default:
		return nil, false
	}
}
