package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
	"github.com/kursadbilgin/digest-dispatch/internal/ledger"
	"github.com/kursadbilgin/digest-dispatch/internal/provider"
	"github.com/kursadbilgin/digest-dispatch/internal/retry"
	"go.uber.org/zap"
)

type fakeRecipientStore struct {
	fetchFn   func(ctx context.Context, slots []string) ([]domain.Recipient, error)
	getByIDFn func(ctx context.Context, id string) (*domain.Recipient, error)
}

func (s *fakeRecipientStore) FetchEligible(ctx context.Context, slots []string) ([]domain.Recipient, error) {
	return s.fetchFn(ctx, slots)
}

func (s *fakeRecipientStore) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	if s.getByIDFn == nil {
		return nil, domain.ErrNotFound
	}
	return s.getByIDFn(ctx, id)
}

type fakeProducer struct {
	generateFn func(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error)
}

func (p *fakeProducer) Generate(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error) {
	if p.generateFn == nil {
		return &domain.Digest{
			RecipientID: recipient.ID,
			Subject:     "digest",
			HTML:        "<html></html>",
		}, nil
	}
	return p.generateFn(ctx, recipient)
}

type fakeProvider struct {
	sendFn func(ctx context.Context, digest domain.Digest, address string) (*provider.SendReceipt, error)
}

func (p *fakeProvider) Send(ctx context.Context, digest domain.Digest, address string) (*provider.SendReceipt, error) {
	if p.sendFn == nil {
		return &provider.SendReceipt{StatusCode: 202, MessageID: "msg-" + digest.RecipientID}, nil
	}
	return p.sendFn(ctx, digest, address)
}

// memoryLedger is a stateful in-memory ledger used to exercise the
// at-most-once contract across overlapping runs.
type memoryLedger struct {
	mu       sync.Mutex
	sent     map[string]bool
	attempts []attemptRecord
}

type attemptRecord struct {
	recipientID string
	success     bool
	messageID   string
	errorDetail string
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{sent: make(map[string]bool)}
}

func (l *memoryLedger) WasDelivered(ctx context.Context, recipientID string, nt domain.NotificationType, day string) (bool, ledger.Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sent[ledger.MarkerKey(recipientID, nt, day)] {
		return true, ledger.SourceLedger
	}
	return false, ledger.SourceNone
}

func (l *memoryLedger) RecordAttempt(ctx context.Context, recipientID string, nt domain.NotificationType, day string, success bool, messageID, errorDetail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attemptRecord{
		recipientID: recipientID,
		success:     success,
		messageID:   messageID,
		errorDetail: errorDetail,
	})
	if success {
		l.sent[ledger.MarkerKey(recipientID, nt, day)] = true
	}
}

func (l *memoryLedger) successCount(recipientID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, a := range l.attempts {
		if a.recipientID == recipientID && a.success {
			count++
		}
	}
	return count
}

func makeRecipients(n int, slot string) []domain.Recipient {
	recipients := make([]domain.Recipient, 0, n)
	for i := 1; i <= n; i++ {
		recipients = append(recipients, domain.Recipient{
			ID:            fmt.Sprintf("u%d", i),
			Email:         fmt.Sprintf("u%d@example.com", i),
			ScheduledSlot: slot,
		})
	}
	return recipients
}

type testDispatcher struct {
	*Dispatcher
	sleeps *[]time.Duration
}

func newTestDispatcher(t *testing.T, store RecipientStore, producer ContentProducer, prov provider.Provider, led DeliveryLedger, opts Options) testDispatcher {
	t.Helper()

	sendRetry := retry.NewPolicy(retry.Options{MaxRetries: -1}) // single attempt
	d, err := NewDispatcher(store, producer, prov, led, sendRetry, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.newID = func() string { return "run-1" }

	sleeps := &[]time.Duration{}
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		*sleeps = append(*sleeps, dur)
		return nil
	}

	return testDispatcher{Dispatcher: d, sleeps: sleeps}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			if len(slots) != 2 || slots[0] != "09:00" || slots[1] != "08:00" {
				t.Fatalf("slots = %v, want [09:00 08:00]", slots)
			}
			return makeRecipients(20, "09:00"), nil
		},
	}
	prov := &fakeProvider{
		sendFn: func(ctx context.Context, digest domain.Digest, address string) (*provider.SendReceipt, error) {
			if digest.RecipientID == "u5" {
				return nil, &provider.ProviderError{StatusCode: 400, Message: "rejected"}
			}
			return &provider.SendReceipt{StatusCode: 202, MessageID: "msg-" + digest.RecipientID}, nil
		},
	}
	led := newMemoryLedger()

	d := newTestDispatcher(t, store, &fakeProducer{}, prov, led, Options{
		BatchSize:   8,
		Concurrency: 3,
		BatchDelay:  2 * time.Second,
		Timezone:    "UTC",
	})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Eligible != 20 {
		t.Fatalf("eligible = %d, want 20", result.Eligible)
	}
	if result.Sent != 19 || result.Skipped != 0 || result.Errors != 1 {
		t.Fatalf("totals = {sent:%d skipped:%d errors:%d}, want {19 0 1}",
			result.Sent, result.Skipped, result.Errors)
	}
	if len(result.Details) != detailLimit {
		t.Fatalf("details = %d entries, want capped at %d", len(result.Details), detailLimit)
	}

	// 3 batches of 8, 8, 4: delays between batches only, none after the last.
	if len(*d.sleeps) != 2 {
		t.Fatalf("inter-batch delays = %d, want 2", len(*d.sleeps))
	}
	for _, dur := range *d.sleeps {
		if dur != 2*time.Second {
			t.Fatalf("delay = %v, want 2s", dur)
		}
	}

	if got := led.successCount("u1"); got != 1 {
		t.Fatalf("u1 success records = %d, want 1", got)
	}
	if got := led.successCount("u5"); got != 0 {
		t.Fatalf("u5 success records = %d, want 0", got)
	}
}

func TestRunIsIdempotentAcrossRetriggers(t *testing.T) {
	t.Parallel()

	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			return makeRecipients(5, "09:00"), nil
		},
	}
	led := newMemoryLedger()

	d := newTestDispatcher(t, store, &fakeProducer{}, &fakeProvider{}, led, Options{Timezone: "UTC"})

	first, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.Sent != 5 {
		t.Fatalf("first run sent = %d, want 5", first.Sent)
	}

	// A jittered retrigger for the same hour must send nothing new.
	second, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.Sent != 0 || second.Skipped != 5 {
		t.Fatalf("second run = {sent:%d skipped:%d}, want {0 5}", second.Sent, second.Skipped)
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("u%d", i)
		if got := led.successCount(id); got != 1 {
			t.Fatalf("%s success records = %d, want exactly 1", id, got)
		}
	}
	for _, detail := range second.Details {
		if detail.Reason != ReasonSentLedger {
			t.Fatalf("skip reason = %q, want %q", detail.Reason, ReasonSentLedger)
		}
	}
}

func TestRunAbortsWhenEligibilityFetchFails(t *testing.T) {
	t.Parallel()

	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			return nil, errors.New("recipient store down")
		},
	}

	d := newTestDispatcher(t, store, &fakeProducer{}, &fakeProvider{}, newMemoryLedger(), Options{Timezone: "UTC"})

	result, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when the eligibility fetch fails")
	}
	if result != nil {
		t.Fatalf("result = %+v, want nil on abort", result)
	}

	runs := d.RecentRuns()
	if len(runs) != 1 {
		t.Fatalf("history = %d runs, want 1", len(runs))
	}
	if runs[0].Error == "" || runs[0].Sent != 0 || runs[0].Errors != 0 {
		t.Fatalf("aborted run = %+v, want zero processed with error", runs[0])
	}
}

func TestRunNoneEligible(t *testing.T) {
	t.Parallel()

	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			return nil, nil
		},
	}

	d := newTestDispatcher(t, store, &fakeProducer{}, &fakeProvider{}, newMemoryLedger(), Options{Timezone: "UTC"})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Eligible != 0 || result.Sent != 0 || result.Skipped != 0 || result.Errors != 0 {
		t.Fatalf("result = %+v, want all zeros", result)
	}
	if len(*d.sleeps) != 0 {
		t.Fatal("no batches means no inter-batch delays")
	}
}

func TestRunIsolatesPanickingRecipient(t *testing.T) {
	t.Parallel()

	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			return makeRecipients(4, "09:00"), nil
		},
	}
	producer := &fakeProducer{
		generateFn: func(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error) {
			if recipient.ID == "u2" {
				panic("template exploded")
			}
			return &domain.Digest{RecipientID: recipient.ID, Subject: "s", HTML: "<html></html>"}, nil
		},
	}

	d := newTestDispatcher(t, store, producer, &fakeProvider{}, newMemoryLedger(), Options{Timezone: "UTC"})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Sent != 3 || result.Errors != 1 {
		t.Fatalf("totals = {sent:%d errors:%d}, want {3 1}", result.Sent, result.Errors)
	}
}

func TestRunCountsConfigurationErrors(t *testing.T) {
	t.Parallel()

	sendCalls := 0
	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			recipients := makeRecipients(3, "09:00")
			recipients[1].Email = ""
			return recipients, nil
		},
	}
	var mu sync.Mutex
	prov := &fakeProvider{
		sendFn: func(ctx context.Context, digest domain.Digest, address string) (*provider.SendReceipt, error) {
			mu.Lock()
			sendCalls++
			mu.Unlock()
			return &provider.SendReceipt{StatusCode: 202}, nil
		},
	}

	d := newTestDispatcher(t, store, &fakeProducer{}, prov, newMemoryLedger(), Options{Timezone: "UTC"})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Sent != 2 || result.Errors != 1 {
		t.Fatalf("totals = {sent:%d errors:%d}, want {2 1}", result.Sent, result.Errors)
	}
	if sendCalls != 2 {
		t.Fatalf("send calls = %d, want 2 (no attempt for missing contact)", sendCalls)
	}

	foundConfigError := false
	for _, detail := range result.Details {
		if detail.Reason == ReasonMissingContact {
			foundConfigError = true
		}
	}
	if !foundConfigError {
		t.Fatal("missing-contact failure should appear in details, not be dropped")
	}
}

func TestRunContentFailureIsHardFailure(t *testing.T) {
	t.Parallel()

	sendCalled := false
	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			return makeRecipients(1, "09:00"), nil
		},
	}
	producer := &fakeProducer{
		generateFn: func(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error) {
			return nil, errors.New("content service down")
		},
	}
	prov := &fakeProvider{
		sendFn: func(ctx context.Context, digest domain.Digest, address string) (*provider.SendReceipt, error) {
			sendCalled = true
			return &provider.SendReceipt{StatusCode: 202}, nil
		},
	}
	led := newMemoryLedger()

	d := newTestDispatcher(t, store, producer, prov, led, Options{Timezone: "UTC"})

	result, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Errors != 1 {
		t.Fatalf("errors = %d, want 1", result.Errors)
	}
	if sendCalled {
		t.Fatal("send must not be attempted when content generation fails")
	}
	if got := led.successCount("u1"); got != 0 {
		t.Fatalf("u1 success records = %d, want 0", got)
	}
}

func TestTestSendBypassesWindow(t *testing.T) {
	t.Parallel()

	store := &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) {
			t.Fatal("test send must not fetch the eligible set")
			return nil, nil
		},
		getByIDFn: func(ctx context.Context, id string) (*domain.Recipient, error) {
			// Scheduled far outside the current window.
			return &domain.Recipient{ID: id, Email: "u@example.com", ScheduledSlot: "03:00"}, nil
		},
	}
	led := newMemoryLedger()

	d := newTestDispatcher(t, store, &fakeProducer{}, &fakeProvider{}, led, Options{Timezone: "UTC"})

	outcome, err := d.TestSend(context.Background(), "u42")
	if err != nil {
		t.Fatalf("TestSend() error = %v", err)
	}
	if outcome.Status != OutcomeSent {
		t.Fatalf("status = %s, want sent", outcome.Status)
	}
	if got := led.successCount("u42"); got != 1 {
		t.Fatalf("u42 success records = %d, want 1", got)
	}
}

func TestTestSendUnknownRecipient(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeRecipientStore{
		fetchFn: func(ctx context.Context, slots []string) ([]domain.Recipient, error) { return nil, nil },
	}, &fakeProducer{}, &fakeProvider{}, newMemoryLedger(), Options{Timezone: "UTC"})

	_, err := d.TestSend(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("TestSend() error = %v, want ErrNotFound", err)
	}
}

func TestPartitionPreservesOrder(t *testing.T) {
	t.Parallel()

	recipients := makeRecipients(20, "09:00")
	batches := partition(recipients, 8)

	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[0]) != 8 || len(batches[1]) != 8 || len(batches[2]) != 4 {
		t.Fatalf("batch sizes = %d,%d,%d, want 8,8,4", len(batches[0]), len(batches[1]), len(batches[2]))
	}

	i := 0
	for _, batch := range batches {
		for _, r := range batch {
			if r.ID != recipients[i].ID {
				t.Fatalf("order broken at index %d", i)
			}
			i++
		}
	}
}
