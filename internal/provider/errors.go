package provider

import (
	"fmt"
	"strings"
)

// ProviderError classifies provider call failures as transient/permanent.
// It satisfies the retry package's self-classification interface.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Transient reports whether the failure should be retried.
func (e *ProviderError) Transient() bool {
	if e == nil {
		return false
	}
	return e.Retryable
}
