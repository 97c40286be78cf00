package provider

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the closed classification of a provider call outcome. Every
// dispatch resolves to exactly one of these; nothing outside this package
// inspects raw provider error strings.
type Kind int

const (
	// KindSuccess means the provider accepted the generation request.
	KindSuccess Kind = iota
	// KindRateLimited means the provider rejected the request for exceeding
	// a quota. Feeds the threshold-decrease path.
	KindRateLimited
	// KindOtherError covers every other provider or transport failure.
	KindOtherError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}

// Outcome is the classified result of one provider call.
type Outcome struct {
	Kind       Kind
	Result     map[string]any // provider response body, set on success
	ErrCode    string
	ErrMessage string
}

// Detail renders the failure for storage in the task record.
func (o Outcome) Detail() string {
	if o.ErrCode != "" {
		return fmt.Sprintf("%s: %s", o.ErrCode, o.ErrMessage)
	}
	return o.ErrMessage
}

// rateLimitCodes enumerates the provider error codes that signal a quota
// rejection. Extending the rate-limit classification means adding a code
// here, not matching strings elsewhere.
var rateLimitCodes = map[string]struct{}{
	"RequestLimitExceeded": {},
	"LimitExceeded":        {},
}

// ClassifyCode maps a provider error code to an outcome kind. Dotted subcodes
// ("RequestLimitExceeded.SubAccount") classify by their base code. Unknown
// codes are other errors; they never silently take the rate-limit path.
func ClassifyCode(code string) Kind {
	if code == "" {
		return KindOtherError
	}
	base, _, _ := strings.Cut(code, ".")
	if _, ok := rateLimitCodes[base]; ok {
		return KindRateLimited
	}
	return KindOtherError
}

// Client is the external generation provider as the worker loop sees it: one
// call whose latency and failure mode the core must tolerate.
type Client interface {
	Generate(ctx context.Context, params map[string]any) Outcome
}

// transportOutcome folds a client-side failure (dial, timeout, bad envelope)
// into the closed taxonomy.
func transportOutcome(err error) Outcome {
	return Outcome{
		Kind:       KindOtherError,
		ErrCode:    "TransportError",
		ErrMessage: err.Error(),
	}
}
