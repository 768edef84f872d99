// Package dispatch orchestrates a digest run: resolve the eligible window,
// fetch recipients, partition them into batches, and deliver each batch
// with bounded concurrency while isolating per-recipient failures.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"github.com/kursadbilgin/digest-dispatch/internal/ledger"
	"github.com/kursadbilgin/digest-dispatch/internal/limiter"
	"github.com/kursadbilgin/digest-dispatch/internal/observability"
	"github.com/kursadbilgin/digest-dispatch/internal/provider"
	"github.com/kursadbilgin/digest-dispatch/internal/retry"
	"github.com/kursadbilgin/digest-dispatch/internal/schedule"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 8
	defaultConcurrency = 3
	defaultBatchDelay  = 2 * time.Second
	defaultSendRetries = 2

	// detailLimit caps the per-recipient sample carried in a run result.
	// Totals stay exact regardless.
	detailLimit = 10
)

// Skip and failure reasons recorded on recipient outcomes.
const (
	ReasonMissingID      = "missing_recipient_id"
	ReasonMissingContact = "missing_contact"
	ReasonSentCached     = "already_sent_cached"
	ReasonSentLedger     = "already_sent_ledger"
	ReasonContentFailed  = "content_failed"
	ReasonSendFailed     = "send_failed"
	ReasonInternal       = "internal_error"
)

// OutcomeStatus is the per-recipient result category.
type OutcomeStatus string

const (
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// RecipientOutcome is the result of one recipient's pipeline pass.
type RecipientOutcome struct {
	RecipientID string        `json:"recipientId"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	MessageID   string        `json:"messageId,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// RunResult aggregates one dispatch run. Sent+Skipped+Errors always equals
// Eligible; Details is a capped sample of individual outcomes.
type RunResult struct {
	RunID     string             `json:"runId"`
	Day       string             `json:"day"`
	Slots     []string           `json:"slots"`
	Degraded  bool               `json:"degraded,omitempty"`
	Eligible  int                `json:"eligible"`
	Sent      int                `json:"sent"`
	Skipped   int                `json:"skipped"`
	Errors    int                `json:"errors"`
	Details   []RecipientOutcome `json:"details,omitempty"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	Duration  time.Duration      `json:"duration"`
}

// RecipientStore reads eligibility records from the external store.
type RecipientStore interface {
	FetchEligible(ctx context.Context, slots []string) ([]domain.Recipient, error)
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
}

// ContentProducer renders the digest for one recipient.
type ContentProducer interface {
	Generate(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error)
}

// DeliveryLedger is the idempotency port consumed by the dispatcher.
type DeliveryLedger interface {
	WasDelivered(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string) (bool, ledger.Source)
	RecordAttempt(ctx context.Context, recipientID string, notificationType domain.NotificationType, day string, success bool, messageID, errorDetail string)
}

// Options tunes a Dispatcher. Zero values fall back to defaults.
type Options struct {
	BatchSize        int
	Concurrency      int
	BatchDelay       time.Duration
	Timezone         string
	NotificationType domain.NotificationType
}

type Dispatcher struct {
	recipients RecipientStore
	producer   ContentProducer
	provider   provider.Provider
	ledger     DeliveryLedger
	sendRetry  *retry.Policy
	logger     *zap.Logger
	metrics    *observability.Metrics

	batchSize        int
	concurrency      int
	batchDelay       time.Duration
	timezone         string
	notificationType domain.NotificationType

	history *history

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func NewDispatcher(
	recipients RecipientStore,
	producer ContentProducer,
	deliveryProvider provider.Provider,
	deliveryLedger DeliveryLedger,
	sendRetry *retry.Policy,
	opts Options,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if recipients == nil {
		return nil, fmt.Errorf("recipient store is required")
	}
	if producer == nil {
		return nil, fmt.Errorf("content producer is required")
	}
	if deliveryProvider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if deliveryLedger == nil {
		return nil, fmt.Errorf("delivery ledger is required")
	}
	if sendRetry == nil {
		sendRetry = retry.NewPolicy(retry.Options{MaxRetries: defaultSendRetries})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		recipients:       recipients,
		producer:         producer,
		provider:         deliveryProvider,
		ledger:           deliveryLedger,
		sendRetry:        sendRetry,
		logger:           logger,
		batchSize:        opts.BatchSize,
		concurrency:      opts.Concurrency,
		batchDelay:       opts.BatchDelay,
		timezone:         opts.Timezone,
		notificationType: opts.NotificationType,
		history:          newHistory(historyCapacity),
		now:              time.Now,
		sleep:            sleepWithContext,
		newID:            uuid.NewString,
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.concurrency <= 0 {
		d.concurrency = defaultConcurrency
	}
	if d.batchDelay < 0 {
		d.batchDelay = defaultBatchDelay
	}
	if opts.BatchDelay == 0 {
		d.batchDelay = defaultBatchDelay
	}
	if !d.notificationType.IsValid() {
		d.notificationType = domain.TypeDailyDigest
	}
	return d, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// RecentRuns returns the most recent run results, newest first.
func (d *Dispatcher) RecentRuns() []RunResult {
	return d.history.Recent()
}

// Run executes one full dispatch pass. A failure fetching the eligible set
// aborts the run with zero processed; all later failures are isolated to
// their recipient.
func (d *Dispatcher) Run(ctx context.Context) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := d.now()
	result := &RunResult{
		RunID:     d.newID(),
		StartedAt: start.UTC(),
	}
	log := observability.WithContextLogger(d.logger, ctx).With(zap.String("runId", result.RunID))

	window := schedule.Resolve(start, d.timezone)
	result.Day = window.Day
	result.Slots = window.Slots[:]
	result.Degraded = window.Degraded
	if window.Degraded {
		log.Warn("slot window resolved with fallback offset",
			zap.String("timezone", d.timezone),
		)
	}

	recipients, err := d.recipients.FetchEligible(ctx, window.Slots[:])
	if err != nil {
		err = fmt.Errorf("failed to fetch eligible recipients: %w", err)
		result.Error = err.Error()
		result.Duration = d.now().Sub(start)
		d.history.Record(*result)
		d.metrics.IncDispatchRun("aborted")
		log.Error("dispatch run aborted", zap.Error(err))
		return nil, err
	}

	result.Eligible = len(recipients)
	log.Info("dispatch run started",
		zap.Strings("slots", result.Slots),
		zap.String("day", window.Day),
		zap.Int("eligible", len(recipients)),
	)

	if len(recipients) == 0 {
		result.Duration = d.now().Sub(start)
		d.history.Record(*result)
		d.metrics.IncDispatchRun("empty")
		d.metrics.ObserveRunDuration(result.Duration)
		return result, nil
	}

	executor := limiter.NewExecutor(d.concurrency)
	defer executor.Close()

	batches := partition(recipients, d.batchSize)
	for batchIndex, batch := range batches {
		outcomes := d.runBatch(ctx, executor, batch, window)
		for _, outcome := range outcomes {
			d.tally(result, outcome)
		}

		if batchIndex < len(batches)-1 && d.batchDelay > 0 {
			if err := d.sleep(ctx, d.batchDelay); err != nil {
				// Cancellation between batches: report what completed.
				result.Error = err.Error()
				break
			}
		}
	}

	result.Duration = d.now().Sub(start)
	d.history.Record(*result)
	d.metrics.IncDispatchRun(runOutcome(result))
	d.metrics.ObserveRunDuration(result.Duration)

	log.Info("dispatch run finished",
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// TestSend runs the delivery pipeline for exactly one recipient, bypassing
// slot-window filtering. The ledger still applies: a digest already sent
// today is skipped.
func (d *Dispatcher) TestSend(ctx context.Context, recipientID string) (*RecipientOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	recipient, err := d.recipients.GetByID(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipient %s: %w", recipientID, err)
	}

	window := schedule.Resolve(d.now(), d.timezone)
	outcome := d.deliverOne(ctx, *recipient, window)
	return &outcome, nil
}

// runBatch dispatches every recipient of one batch concurrently and waits
// on the fan-in barrier before returning.
func (d *Dispatcher) runBatch(ctx context.Context, executor *limiter.Executor, batch []domain.Recipient, window schedule.Window) []RecipientOutcome {
	outcomes := make([]RecipientOutcome, len(batch))
	futures := make([]*limiter.Future, len(batch))

	for i := range batch {
		i := i
		recipient := batch[i]
		futures[i] = executor.Submit(ctx, func(taskCtx context.Context) error {
			outcomes[i] = d.deliverOne(taskCtx, recipient, window)
			return nil
		})
	}

	for i, future := range futures {
		if err := future.Wait(context.Background()); err != nil {
			// A panicking task fails only its own slot.
			outcomes[i] = RecipientOutcome{
				RecipientID: batch[i].ID,
				Status:      OutcomeFailed,
				Reason:      ReasonInternal,
				Error:       err.Error(),
			}
		}
	}

	return outcomes
}

// deliverOne is the per-recipient pipeline. Every failure is converted into
// a failure outcome at this boundary; nothing propagates to the batch.
func (d *Dispatcher) deliverOne(ctx context.Context, recipient domain.Recipient, window schedule.Window) RecipientOutcome {
	outcome := RecipientOutcome{RecipientID: recipient.ID}

	if recipient.ID == "" {
		outcome.Status = OutcomeFailed
		outcome.Reason = ReasonMissingID
		outcome.Error = "recipient id is empty"
		return outcome
	}
	if recipient.Email == "" {
		outcome.Status = OutcomeFailed
		outcome.Reason = ReasonMissingContact
		outcome.Error = fmt.Sprintf("recipient %s has no contact address", recipient.ID)
		return outcome
	}

	if delivered, source := d.ledger.WasDelivered(ctx, recipient.ID, d.notificationType, window.Day); delivered {
		outcome.Status = OutcomeSkipped
		outcome.Reason = skipReason(source)
		return outcome
	}

	digest, err := d.producer.Generate(ctx, recipient)
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Reason = ReasonContentFailed
		outcome.Error = err.Error()
		d.ledger.RecordAttempt(ctx, recipient.ID, d.notificationType, window.Day, false, "", outcome.Error)
		return outcome
	}

	var receipt *provider.SendReceipt
	sendStart := d.now()
	_, sendErr := d.sendRetry.Execute(ctx, func(sendCtx context.Context) error {
		var err error
		receipt, err = d.provider.Send(sendCtx, *digest, recipient.Email)
		return err
	})
	d.metrics.ObserveSendDuration(d.now().Sub(sendStart))

	if sendErr != nil {
		outcome.Status = OutcomeFailed
		outcome.Reason = ReasonSendFailed
		outcome.Error = sendErr.Error()
		d.ledger.RecordAttempt(ctx, recipient.ID, d.notificationType, window.Day, false, "", outcome.Error)
		return outcome
	}

	outcome.Status = OutcomeSent
	if receipt != nil {
		outcome.MessageID = receipt.MessageID
	}
	d.ledger.RecordAttempt(ctx, recipient.ID, d.notificationType, window.Day, true, outcome.MessageID, "")
	return outcome
}

func (d *Dispatcher) tally(result *RunResult, outcome RecipientOutcome) {
	switch outcome.Status {
	case OutcomeSent:
		result.Sent++
		d.metrics.IncDigestSent()
	case OutcomeSkipped:
		result.Skipped++
		d.metrics.IncDigestSkipped(outcome.Reason)
	default:
		result.Errors++
		d.metrics.IncDigestFailed(outcome.Reason)
	}

	if len(result.Details) < detailLimit {
		result.Details = append(result.Details, outcome)
	}
}

func skipReason(source ledger.Source) string {
	if source == ledger.SourceCache {
		return ReasonSentCached
	}
	return ReasonSentLedger
}

func runOutcome(result *RunResult) string {
	if result.Errors > 0 {
		return "partial_failure"
	}
	return "completed"
}

func partition(recipients []domain.Recipient, size int) [][]domain.Recipient {
	if size <= 0 {
		size = defaultBatchSize
	}

	batches := make([][]domain.Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end])
	}
	return batches
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
