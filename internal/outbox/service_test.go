package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/models"
	"ms-checkin/internal/outbox/provider"
)

// fakeStore is a mutex-guarded in-memory Store; Claim is atomic under the
// mutex the way the database compare-and-swap is.
type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*models.EmailMessage
	byKey    map[string]string
	unsubs   map[string]bool
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string]*models.EmailMessage),
		byKey:    make(map[string]string),
		unsubs:   make(map[string]bool),
	}
}

func (f *fakeStore) Enqueue(_ context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[msg.IdempotencyKey]; ok {
		cp := *f.messages[id]
		return &cp, nil
	}
	f.seq++
	msg.MessageID = "m" + string(rune('0'+f.seq))
	msg.Status = models.EmailStatusQueued
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = time.Now()
	}
	f.messages[msg.MessageID] = msg
	f.byKey[msg.IdempotencyKey] = msg.MessageID
	cp := *msg
	return &cp, nil
}

func (f *fakeStore) DueMessages(_ context.Context, limit int, now time.Time) ([]models.EmailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []models.EmailMessage
	for _, msg := range f.messages {
		if len(due) >= limit {
			break
		}
		claimable := msg.Status == models.EmailStatusQueued || msg.Status == models.EmailStatusSoftBounced
		if claimable && !msg.NextAttemptAt.After(now) {
			due = append(due, *msg)
		}
	}
	return due, nil
}

func (f *fakeStore) Claim(_ context.Context, messageID string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return false, errors.New("no such message")
	}
	if msg.Status != models.EmailStatusQueued && msg.Status != models.EmailStatusSoftBounced {
		return false, nil
	}
	msg.Status = models.EmailStatusProcessing
	return true, nil
}

func (f *fakeStore) MarkSent(_ context.Context, messageID, providerMessageID string, attemptCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.messages[messageID]
	msg.Status = models.EmailStatusSent
	msg.ProviderMessageID = providerMessageID
	msg.AttemptCount = attemptCount
	return nil
}

func (f *fakeStore) Reschedule(_ context.Context, messageID string, attemptCount int, nextAttemptAt time.Time, errCode, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.messages[messageID]
	msg.Status = models.EmailStatusQueued
	msg.AttemptCount = attemptCount
	msg.NextAttemptAt = nextAttemptAt
	msg.ErrorCode = errCode
	msg.ErrorMessage = errMsg
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, messageID string, attemptCount int, errCode, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := f.messages[messageID]
	msg.Status = models.EmailStatusFailed
	msg.AttemptCount = attemptCount
	msg.ErrorCode = errCode
	msg.ErrorMessage = errMsg
	return nil
}

func (f *fakeStore) IsSuppressed(_ context.Context, _, email, class string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs[email+"|"+class], nil
}

func (f *fakeStore) get(id string) models.EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.messages[id]
}

// fakeProvider counts Send calls and can be told to fail.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeProvider) Send(_ context.Context, _ provider.SendRequest) (*provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("provider unavailable")
	}
	return &provider.SendResult{MessageID: "prov-1"}, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{Sender: "tickets@ticketly.com"},
		Retry:    config.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Minute, Multiplier: 2.0},
		Bulk:     config.BulkPolicy{MaxRecipients: 100, ChunkSize: 10, BatchSize: 50, Interval: time.Minute},
	}
}

func newTestService(store Store, prov ProviderClient) *Service {
	return NewService(store, prov, nil, nil, testConfig(), logger.NewLogger())
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeProvider{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{Subject: "s"})
	assert.ErrorIs(t, err, ErrMissingRecipient)

	_, err = svc.Enqueue(ctx, EnqueueRequest{Recipient: "a@b.c"})
	assert.ErrorIs(t, err, ErrMissingSubject)

	_, err = svc.Enqueue(ctx, EnqueueRequest{Recipient: "a@b.c", Subject: "s", Class: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidClass)
}

func TestEnqueueDefaultsAndIdempotency(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeProvider{})
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, EnqueueRequest{
		OrgID:          "org-1",
		IdempotencyKey: "k1",
		Recipient:      " Jane@Example.COM ",
		Subject:        "Hi",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EmailClassTransactional, first.Class)
	assert.Equal(t, "jane@example.com", first.Recipient)
	assert.Equal(t, "tickets@ticketly.com", first.Sender)

	second, err := svc.Enqueue(ctx, EnqueueRequest{
		OrgID:          "org-1",
		IdempotencyKey: "k1",
		Recipient:      "jane@example.com",
		Subject:        "Hi again",
	})
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, second.MessageID)
}

func TestEnqueueConfirmationKey(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeProvider{})

	order := models.Order{OrderID: "o1", OrgID: "org-1", EventID: "ev1"}
	tickets := []models.Ticket{{
		TicketID:    "t1",
		TypeName:    "VIP",
		HolderName:  "Jane Doe",
		HolderEmail: "jane@example.com",
	}}

	require.NoError(t, svc.EnqueueConfirmation(context.Background(), order, tickets))
	// A redelivered payment event enqueues nothing new.
	require.NoError(t, svc.EnqueueConfirmation(context.Background(), order, tickets))

	assert.Len(t, store.messages, 1)
	_, ok := store.byKey["order-o1-confirmation"]
	assert.True(t, ok)
}

func TestProcessBatchSends(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	svc := newTestService(store, prov)
	ctx := context.Background()

	msg, err := svc.Enqueue(ctx, EnqueueRequest{Recipient: "a@b.c", Subject: "s"})
	require.NoError(t, err)

	stats, err := svc.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ProcessStats{Processed: 1, Sent: 1}, stats)

	stored := store.get(msg.MessageID)
	assert.Equal(t, models.EmailStatusSent, stored.Status)
	assert.Equal(t, "prov-1", stored.ProviderMessageID)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestProcessBatchReschedulesThenFails(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{fail: true}
	svc := newTestService(store, prov)
	ctx := context.Background()

	msg, err := svc.Enqueue(ctx, EnqueueRequest{Recipient: "a@b.c", Subject: "s"})
	require.NoError(t, err)

	// Attempts 1 and 2 reschedule with growing delays.
	for attempt := 1; attempt <= 2; attempt++ {
		// The fake keeps next_attempt_at in the future after a
		// reschedule; rewind it to simulate the timer elapsing.
		store.mu.Lock()
		store.messages[msg.MessageID].NextAttemptAt = time.Now().Add(-time.Second)
		store.mu.Unlock()

		stats, err := svc.ProcessBatch(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)

		stored := store.get(msg.MessageID)
		assert.Equal(t, models.EmailStatusQueued, stored.Status)
		assert.Equal(t, attempt, stored.AttemptCount)
		assert.True(t, stored.NextAttemptAt.After(time.Now()))
	}

	// Attempt 3 exhausts the budget.
	store.mu.Lock()
	store.messages[msg.MessageID].NextAttemptAt = time.Now().Add(-time.Second)
	store.mu.Unlock()

	stats, err := svc.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	stored := store.get(msg.MessageID)
	assert.Equal(t, models.EmailStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.Equal(t, 3, prov.sendCount())
}

func TestProcessBatchSkipsSuppressed(t *testing.T) {
	store := newFakeStore()
	store.unsubs["a@b.c|"+models.EmailClassMarketing] = true
	prov := &fakeProvider{}
	svc := newTestService(store, prov)
	ctx := context.Background()

	msg, err := svc.Enqueue(ctx, EnqueueRequest{
		Recipient: "a@b.c",
		Subject:   "s",
		Class:     models.EmailClassMarketing,
	})
	require.NoError(t, err)

	stats, err := svc.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, prov.sendCount())

	stored := store.get(msg.MessageID)
	assert.Equal(t, models.EmailStatusFailed, stored.Status)
	assert.Equal(t, "suppressed", stored.ErrorCode)
}

func TestConcurrentProcessorsSendEachMessageOnce(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvider{}
	svc := newTestService(store, prov)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		_, err := svc.Enqueue(ctx, EnqueueRequest{
			IdempotencyKey: "k" + string(rune('a'+i)),
			Recipient:      "a@b.c",
			Subject:        "s",
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := ProcessStats{}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := svc.ProcessBatch(ctx, n)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total.Processed += stats.Processed
			total.Sent += stats.Sent
			total.Skipped += stats.Skipped
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Claims overlap but every message is delivered exactly once.
	assert.Equal(t, n, total.Sent)
	assert.Equal(t, n, prov.sendCount())
	for id := range store.messages {
		assert.Equal(t, models.EmailStatusSent, store.get(id).Status)
	}
}

func TestProcessBatchStopsOnCancelledContext(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeProvider{})

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{Recipient: "a@b.c", Subject: "s"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.ProcessBatch(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
