package provider

import (
	"context"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
)

// Provider is the outbound notification delivery port.
type Provider interface {
	Send(ctx context.Context, digest domain.Digest, address string) (*SendReceipt, error)
}

// SendReceipt stores provider call metadata for audit and persistence.
type SendReceipt struct {
	StatusCode int
	Body       string
	MessageID  string
}
