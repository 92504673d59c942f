package provider

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"feathergate/internal/models"
)

// MaxErrorBodyBytes bounds how much of an upstream body is kept for diagnostics.
const MaxErrorBodyBytes = 4096

// ErrModelNotFound indicates the requested logical model is not configured.
var ErrModelNotFound = errors.New("model not found")

// ErrUnsupportedProvider indicates a provider tag without an adapter.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// ErrDuplicateAdapter indicates an attempt to register the same provider twice.
var ErrDuplicateAdapter = errors.New("adapter already registered")

// ConversionError reports a payload that cannot be mapped onto the canonical model.
type ConversionError struct {
	Provider models.Provider
	Reason   string
	Cause    error
}

func (e *ConversionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s conversion error: %s: %v", e.Provider, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s conversion error: %s", e.Provider, e.Reason)
}

func (e *ConversionError) Unwrap() error {
	return e.Cause
}

// UpstreamError reports a failed or unparseable upstream HTTP exchange.
// Status is 0 when no HTTP response was received.
type UpstreamError struct {
	Provider models.Provider
	Status   int
	Body     string
	Cause    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status == 0 && e.Cause != nil:
		return fmt.Sprintf("%s upstream request failed: %v", e.Provider, e.Cause)
	case e.Body == "":
		return fmt.Sprintf("%s upstream error (status %d)", e.Provider, e.Status)
	default:
		return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.Status, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// NewUpstreamError builds an UpstreamError with the body truncated to MaxErrorBodyBytes.
func NewUpstreamError(p models.Provider, status int, body []byte) *UpstreamError {
	return &UpstreamError{
		Provider: p,
		Status:   status,
		Body:     TruncateBody(body, MaxErrorBodyBytes),
	}
}

// TruncateBody returns at most limit bytes of body without splitting a UTF-8 sequence.
func TruncateBody(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
