package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/digest-dispatch/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	To          string `json:"to"`
	Subject     string `json:"subject"`
	HTML        string `json:"html"`
	RecipientID string `json:"recipientId"`
}

// WebhookProvider posts rendered digests to a webhook-compatible transport
// endpoint. Retries happen above this layer; the client itself never
// retries.
type WebhookProvider struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookProvider(endpoint string) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(endpoint, client)
}

func NewWebhookProviderWithClient(endpoint string, client *resty.Client) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

// Endpoint reports the configured transport endpoint, used by health checks.
func (p *WebhookProvider) Endpoint() string {
	if p == nil {
		return ""
	}
	return p.endpoint
}

func (p *WebhookProvider) Send(ctx context.Context, digest domain.Digest, address string) (*SendReceipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: delivery address is required", domain.ErrConfiguration)
	}

	reqBody := webhookRequest{
		To:          address,
		Subject:     digest.Subject,
		HTML:        digest.HTML,
		RecipientID: digest.RecipientID,
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Retryable: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendReceipt{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Retryable:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= http.StatusInternalServerError && statusCode <= 599
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Message-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
