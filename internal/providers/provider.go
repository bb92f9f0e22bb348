// Package providers adapts hosted LLM APIs to one interface so the router can
// treat them interchangeably.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/newsgate/internal/prompt"
)

// Provider produces one completion for a rendered prompt. The per-attempt
// timeout travels as the context deadline.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p prompt.Prompt) (string, error)
}

// #region errors
// Kind classifies a provider failure. All kinds are transient from the
// router's point of view.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindMalformed   Kind = "malformed"
	KindUpstream    Kind = "upstream"
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err as an *Error for provider name. Errors that are already
// classified pass through unchanged.
func Classify(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: name, Kind: kindOf(err), Err: err}
}

// KindOf reports the kind of a classified error, or KindUpstream.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return kindOf(err)
}

func kindOf(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "quota"):
		return KindRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	default:
		return KindUpstream
	}
}

// #endregion errors
