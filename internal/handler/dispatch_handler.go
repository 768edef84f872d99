package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/digest-dispatch/internal/auth"
	"github.com/kursadbilgin/digest-dispatch/internal/dispatch"
	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"github.com/kursadbilgin/digest-dispatch/internal/ratelimit"
	"go.uber.org/zap"
)

// DigestDispatcher is the orchestration surface consumed by the control
// endpoints.
type DigestDispatcher interface {
	Run(ctx context.Context) (*dispatch.RunResult, error)
	TestSend(ctx context.Context, recipientID string) (*dispatch.RecipientOutcome, error)
	RecentRuns() []dispatch.RunResult
}

type DispatchHandler struct {
	dispatcher DigestDispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewDispatchHandler(dispatcher DigestDispatcher, logger *zap.Logger) (*DispatchHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchHandler{
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// RegisterDispatchRoutes wires the control surface. The trigger endpoint
// carries both authentication and the per-client rate limit; the health
// probe is deliberately open.
func RegisterDispatchRoutes(
	router fiber.Router,
	h *DispatchHandler,
	stats *StatsHandler,
	authenticator *auth.Authenticator,
	limiter ratelimit.RateLimiter,
	triggerLimit int,
	logger *zap.Logger,
) {
	authRequired := RequireAuth(authenticator)

	router.Post("/trigger-emails",
		authRequired,
		RateLimit(limiter, "trigger-emails", triggerLimit, logger),
		h.TriggerEmails,
	)
	router.Get("/test-email", authRequired, h.TestEmail)
	router.Get("/stats", authRequired, stats.GetStats)
	router.Get("/health", h.Health)
}

type triggerResponse struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	DurationMS int64               `json:"durationMs"`
	Result     *dispatch.RunResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func (h *DispatchHandler) TriggerEmails(c *fiber.Ctx) error {
	start := h.now()

	result, err := h.dispatcher.Run(requestContext(c))
	elapsed := h.now().Sub(start)
	if err != nil {
		h.logger.Error("manual dispatch trigger failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(triggerResponse{
			Message:    "dispatch run aborted",
			DurationMS: elapsed.Milliseconds(),
			Error:      err.Error(),
		})
	}

	return c.Status(fiber.StatusOK).JSON(triggerResponse{
		Success: true,
		Message: fmt.Sprintf("dispatched %d of %d eligible recipients",
			result.Sent, result.Eligible),
		DurationMS: elapsed.Milliseconds(),
		Result:     result,
	})
}

type testEmailResponse struct {
	Success bool                       `json:"success"`
	Outcome *dispatch.RecipientOutcome `json:"outcome,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

func (h *DispatchHandler) TestEmail(c *fiber.Ctx) error {
	recipientID := strings.TrimSpace(c.Query("userId"))
	if recipientID == "" {
		return toHTTPError(fmt.Errorf("%w: userId query parameter is required", domain.ErrValidation))
	}

	outcome, err := h.dispatcher.TestSend(requestContext(c), recipientID)
	if err != nil {
		return toHTTPError(err)
	}

	if outcome.Status == dispatch.OutcomeFailed {
		return c.Status(fiber.StatusInternalServerError).JSON(testEmailResponse{
			Outcome: outcome,
			Error:   outcome.Error,
		})
	}

	return c.Status(fiber.StatusOK).JSON(testEmailResponse{
		Success: true,
		Outcome: outcome,
	})
}

// Health is a liveness probe: it reports only that the process is serving.
// Dependency reachability lives on the stats endpoint.
func (h *DispatchHandler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
	})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
