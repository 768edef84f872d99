package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/digest-dispatch/internal/dispatch"
	"github.com/kursadbilgin/digest-dispatch/internal/repository"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	statsWindow       = 24 * time.Hour
	dependencyTimeout = 2 * time.Second
)

// DeliveryCounter aggregates ledger outcomes for the stats window.
type DeliveryCounter interface {
	CountSince(ctx context.Context, since time.Time) (repository.DeliveryCounts, error)
}

// TransportInfo exposes the configured delivery endpoint for the
// configuration sub-check.
type TransportInfo interface {
	Endpoint() string
}

// StatsHandler assembles the recent-activity summary. Every sub-check
// degrades independently: a failing dependency fills its error field
// instead of failing the whole response.
type StatsHandler struct {
	runs      DigestDispatcher
	counter   DeliveryCounter
	sqlDB     *sql.DB
	rdb       *goredis.Client
	transport TransportInfo
	logger    *zap.Logger
	now       func() time.Time
}

func NewStatsHandler(
	runs DigestDispatcher,
	counter DeliveryCounter,
	sqlDB *sql.DB,
	rdb *goredis.Client,
	transport TransportInfo,
	logger *zap.Logger,
) *StatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandler{
		runs:      runs,
		counter:   counter,
		sqlDB:     sqlDB,
		rdb:       rdb,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

type statsResponse struct {
	Success      bool                 `json:"success"`
	GeneratedAt  time.Time            `json:"generatedAt"`
	RecentRuns   []dispatch.RunResult `json:"recentRuns"`
	Deliveries   deliveryStats        `json:"deliveries"`
	Dependencies dependencyStats      `json:"dependencies"`
}

type deliveryStats struct {
	WindowHours int    `json:"windowHours"`
	Sent        int64  `json:"sent"`
	Failed      int64  `json:"failed"`
	Error       string `json:"error,omitempty"`
}

type dependencyStats struct {
	Database  subCheck `json:"database"`
	Cache     subCheck `json:"cache"`
	Transport subCheck `json:"transport"`
}

type subCheck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (h *StatsHandler) GetStats(c *fiber.Ctx) error {
	now := h.now()
	response := statsResponse{
		Success:     true,
		GeneratedAt: now.UTC(),
		RecentRuns:  []dispatch.RunResult{},
	}

	if h.runs != nil {
		response.RecentRuns = h.runs.RecentRuns()
	}

	response.Deliveries = h.collectDeliveries(c.Context(), now)
	response.Dependencies = h.collectDependencies(c.Context())

	return c.Status(fiber.StatusOK).JSON(response)
}

// collectDependencies probes each dependency concurrently; a slow check
// delays only the response, never fails it.
func (h *StatsHandler) collectDependencies(ctx context.Context) dependencyStats {
	var stats dependencyStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats.Database = h.checkDatabase(gctx)
		return nil
	})
	g.Go(func() error {
		stats.Cache = h.checkCache(gctx)
		return nil
	})
	g.Go(func() error {
		stats.Transport = h.checkTransport()
		return nil
	})
	_ = g.Wait()

	return stats
}

func (h *StatsHandler) collectDeliveries(ctx context.Context, now time.Time) deliveryStats {
	stats := deliveryStats{WindowHours: int(statsWindow.Hours())}
	if h.counter == nil {
		stats.Error = "delivery counter is not configured"
		return stats
	}

	counts, err := h.counter.CountSince(ctx, now.Add(-statsWindow))
	if err != nil {
		h.logger.Warn("delivery count query failed", zap.Error(err))
		stats.Error = err.Error()
		return stats
	}

	stats.Sent = counts.Sent
	stats.Failed = counts.Failed
	return stats
}

func (h *StatsHandler) checkDatabase(ctx context.Context) subCheck {
	if h.sqlDB == nil {
		return subCheck{Error: "database is not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	if err := h.sqlDB.PingContext(pingCtx); err != nil {
		return subCheck{Error: err.Error()}
	}
	return subCheck{OK: true}
}

func (h *StatsHandler) checkCache(ctx context.Context) subCheck {
	if h.rdb == nil {
		return subCheck{Error: "cache is not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	if err := h.rdb.Ping(pingCtx).Err(); err != nil {
		return subCheck{Error: err.Error()}
	}
	return subCheck{OK: true}
}

func (h *StatsHandler) checkTransport() subCheck {
	if h.transport == nil || h.transport.Endpoint() == "" {
		return subCheck{Error: "delivery endpoint is not configured"}
	}
	return subCheck{OK: true}
}
