package handler

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/digest-dispatch/internal/auth"
	"github.com/kursadbilgin/digest-dispatch/internal/observability"
	"github.com/kursadbilgin/digest-dispatch/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	headerSignature          = "X-Signature"
	headerSignatureTimestamp = "X-Signature-Timestamp"
)

// RequireAuth verifies the admin bearer token or the HMAC request
// signature before letting handlers run.
func RequireAuth(authenticator *auth.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		verdict := authenticator.Verify(auth.Request{
			Method:    c.Method(),
			Target:    string(c.Request().URI().RequestURI()),
			Body:      c.Body(),
			Token:     bearerToken(c.Get(fiber.HeaderAuthorization)),
			Timestamp: c.Get(headerSignatureTimestamp),
			Signature: c.Get(headerSignature),
		})
		if !verdict.Authenticated {
			return toHTTPError(verdict.Err)
		}

		c.Locals("authMethod", string(verdict.Method))
		return c.Next()
	}
}

// RateLimit bounds calls per client over the limiter's sliding window. A
// rejected request gets a 429 with a Retry-After header; a limiter whose
// backing store is down lets the request through.
func RateLimit(limiter ratelimit.RateLimiter, endpoint string, limit int, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		decision, err := limiter.Allow(c.Context(), endpoint, c.IP(), limit)
		if err != nil {
			return err
		}

		if decision.FailedOpen {
			logger.Warn("rate limiter failed open",
				zap.String("endpoint", endpoint),
				zap.String("client", c.IP()),
			)
		}
		if decision.Allowed {
			return c.Next()
		}

		c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", retryAfterSeconds(decision.RetryAfter)))
		return fiber.NewError(fiber.StatusTooManyRequests,
			fmt.Sprintf("rate limit exceeded for %s, retry after %s", endpoint, decision.RetryAfter.Round(time.Second)))
	}
}

// requestContext carries the request id of the originating call into the
// dispatch pipeline so run logs can be correlated with access logs.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.Context()
	if requestID, ok := c.Locals("requestid").(string); ok && requestID != "" {
		return observability.WithRequestID(ctx, requestID)
	}
	return ctx
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
