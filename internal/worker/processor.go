package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/events"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/ledger"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/metrics"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/models"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/queue"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LedgerClient is the slice of the remote API the processor replays
// against. The idempotency key is the queue entry id.
type LedgerClient interface {
	CreateTransaction(ctx context.Context, idempotencyKey string, tx *models.Transaction) error
	UpdateCustomer(ctx context.Context, idempotencyKey string, customer *models.Customer) error
	DeleteCustomer(ctx context.Context, idempotencyKey, customerID string) error
}

// Broadcaster tells connected clients about drain outcomes.
type Broadcaster interface {
	BroadcastSync(ctx context.Context, pendingCount int)
}

// Report summarizes one drain cycle.
type Report struct {
	Succeeded int
	Failed    int
	Remaining int
	Skipped   bool
	StartedAt time.Time
	Duration  time.Duration
}

// Processor drains pending queue entries against the remote ledger API in
// creation order. One bad entry never aborts the rest of the batch, and
// every remote call is bounded so a hung request cannot stall the drain.
type Processor struct {
	store           *queue.Store
	client          LedgerClient
	lock            *DrainLock
	redis           *redis.Client
	retryPolicy     RetryPolicy
	batchSize       int
	entryTimeout    time.Duration
	staleClaimAfter time.Duration
	bus             *events.EventBus
	broadcaster     Broadcaster
	deadLetterKey   string
	logger          zerolog.Logger

	kick chan struct{}
}

type Options struct {
	BatchSize       int
	EntryTimeout    time.Duration
	StaleClaimAfter time.Duration
	Retry           RetryPolicy
}

func NewProcessor(store *queue.Store, client LedgerClient, redisClient *redis.Client, bus *events.EventBus, opts Options, logger *zerolog.Logger) *Processor {
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}
	if opts.EntryTimeout == 0 {
		opts.EntryTimeout = 30 * time.Second
	}
	if opts.StaleClaimAfter == 0 {
		opts.StaleClaimAfter = 5 * time.Minute
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry.MaxRetries = 5
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry.InitialDelay = 2 * time.Second
	}
	if opts.Retry.MaxDelay == 0 {
		opts.Retry.MaxDelay = time.Minute
	}
	if opts.Retry.BackoffFactor == 0 {
		opts.Retry.BackoffFactor = 2
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "sync-processor").Logger()
	} else {
		log = zerolog.Nop()
	}

	return &Processor{
		store:           store,
		client:          client,
		lock:            NewDrainLock(redisClient, "sync:drain-lock", 2*opts.EntryTimeout),
		redis:           redisClient,
		retryPolicy:     opts.Retry,
		batchSize:       opts.BatchSize,
		entryTimeout:    opts.EntryTimeout,
		staleClaimAfter: opts.StaleClaimAfter,
		bus:             bus,
		deadLetterKey:   "sync:deadletter",
		logger:          log,
		kick:            make(chan struct{}, 1),
	}
}

// SetBroadcaster wires the hub in after construction; the hub also needs
// the processor for TRIGGER_SYNC, so one side attaches late.
func (p *Processor) SetBroadcaster(b Broadcaster) {
	p.broadcaster = b
}

// Kick requests a drain cycle without blocking. Overlapping kicks collapse
// into one.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains once at startup, then on every kick, until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info().Msg("sync processor started")
	defer p.logger.Info().Msg("sync processor stopped")

	p.drainAndReport(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.drainAndReport(ctx)
		}
	}
}

func (p *Processor) drainAndReport(ctx context.Context) {
	report, err := p.Drain(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("drain cycle failed")
		return
	}
	if report.Skipped {
		return
	}
	if p.broadcaster != nil {
		p.broadcaster.BroadcastSync(ctx, report.Remaining)
	}
}

// Drain runs one cycle: claim each ready entry in creation order, replay
// it, and settle its status. Returns a skipped report when another drainer
// holds the lock.
func (p *Processor) Drain(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now()}

	release, ok := p.lock.TryAcquire(ctx)
	if !ok {
		report.Skipped = true
		return report, nil
	}
	defer release()

	// Entries claimed by a drainer that died come back first.
	if released, err := p.store.ReleaseStale(ctx, time.Now().Add(-p.staleClaimAfter)); err != nil {
		p.logger.Error().Err(err).Msg("release stale claims")
	} else if released > 0 {
		p.logger.Warn().Int64("released", released).Msg("recovered stale in-flight entries")
	}

	_ = p.bus.PublishJSON(events.EventSyncStarted, nil)

	for {
		if ctx.Err() != nil {
			break
		}
		batch, err := p.store.PendingBatch(ctx, p.batchSize)
		if err != nil {
			return report, fmt.Errorf("fetch pending batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			p.processEntry(ctx, &batch[i], &report)
		}
	}

	if remaining, err := p.store.CountPending(ctx); err == nil {
		report.Remaining = remaining
	}
	report.Duration = time.Since(report.StartedAt)

	_ = p.bus.PublishJSON(events.EventSyncFinished, events.SyncReportPayload{
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Remaining: report.Remaining,
		StartedAt: report.StartedAt,
		Duration:  report.Duration.Milliseconds(),
	})

	p.logger.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("remaining", report.Remaining).
		Dur("duration", report.Duration).
		Msg("drain cycle finished")

	return report, nil
}

func (p *Processor) processEntry(ctx context.Context, entry *models.SyncEntry, report *Report) {
	claimed, err := p.store.Claim(ctx, entry.ID)
	if err != nil {
		p.logger.Error().Err(err).Str("entry", entry.ID).Msg("claim entry")
		return
	}
	if !claimed {
		// Another drainer took it between batch read and claim.
		return
	}

	replayCtx, cancel := context.WithTimeout(ctx, p.entryTimeout)
	err = p.replay(replayCtx, entry)
	cancel()

	if err == nil {
		if err := p.store.MarkCompleted(ctx, entry.ID); err != nil {
			p.logger.Error().Err(err).Str("entry", entry.ID).Msg("prune completed entry")
		}
		metrics.IncSyncEntry("completed")
		report.Succeeded++
		return
	}

	if isFatal(err) {
		p.failEntry(ctx, entry, err)
		report.Failed++
		return
	}

	attempt := entry.AttemptCount + 1
	if attempt >= p.retryPolicy.MaxRetries {
		p.failEntry(ctx, entry, err)
		report.Failed++
		return
	}

	nextRetry := time.Now().Add(p.retryPolicy.NextDelay(attempt))
	if err := p.store.MarkRetry(ctx, entry.ID, err.Error(), nextRetry); err != nil {
		p.logger.Error().Err(err).Str("entry", entry.ID).Msg("mark entry for retry")
	}
	metrics.IncSyncEntry("retried")
}

func (p *Processor) replay(ctx context.Context, entry *models.SyncEntry) error {
	switch entry.ActionType {
	case models.ActionCreateTransaction:
		var payload models.CreateTransactionPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return &permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		return p.client.CreateTransaction(ctx, entry.ID, &payload.Transaction)
	case models.ActionUpdateCustomer:
		var payload models.UpdateCustomerPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return &permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		return p.client.UpdateCustomer(ctx, entry.ID, &payload.Customer)
	case models.ActionDeleteCustomer:
		var payload models.DeleteCustomerPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return &permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		return p.client.DeleteCustomer(ctx, entry.ID, payload.CustomerID)
	default:
		return &permanentError{fmt.Errorf("unknown action type: %s", entry.ActionType)}
	}
}

func (p *Processor) failEntry(ctx context.Context, entry *models.SyncEntry, cause error) {
	if err := p.store.MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
		p.logger.Error().Err(err).Str("entry", entry.ID).Msg("mark entry failed")
	}
	metrics.IncSyncEntry("failed")

	_ = p.bus.PublishJSON(events.EventEntryFailed, events.EntryFailedPayload{
		EntryID:    entry.ID,
		ActionType: entry.ActionType,
		LastError:  cause.Error(),
		Attempts:   entry.AttemptCount + 1,
	})
	p.pushDeadLetter(ctx, entry, cause)
}

func (p *Processor) pushDeadLetter(ctx context.Context, entry *models.SyncEntry, cause error) {
	if p.redis == nil {
		return
	}
	record := struct {
		models.SyncEntry
		Cause string `json:"cause"`
	}{SyncEntry: *entry, Cause: cause.Error()}

	data, err := json.Marshal(record)
	if err != nil {
		p.logger.Error().Err(err).Str("entry", entry.ID).Msg("encode deadletter record")
		return
	}
	if err := p.redis.LPush(ctx, p.deadLetterKey, data).Err(); err != nil {
		p.logger.Error().Err(err).Str("entry", entry.ID).Msg("push deadletter record")
	}
}

// permanentError wraps failures no retry can fix (malformed payloads,
// unknown actions).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	if errors.Is(err, ledger.ErrUnauthorized) {
		return true
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}
	var statusErr *ledger.StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Retryable()
	}
	// Network errors and timeouts are retryable.
	return false
}
