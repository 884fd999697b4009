package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"praondefoi/internal/amqp"
	"praondefoi/internal/cache"
	"praondefoi/internal/core"
	"praondefoi/internal/interval"
	"praondefoi/internal/log"
	"praondefoi/internal/storage"
)

// CatchUpLeaseName is the lease shared by every process on one database.
const CatchUpLeaseName = "recurrence-catch-up"

// cancelCheckEvery bounds how many occurrences are generated between
// cancellation checks for a single template.
const cancelCheckEvery = 64

// ErrCatchUpInProgress is returned when another pass holds the lock or lease.
var ErrCatchUpInProgress = errors.New("catch-up already in progress")

// CatchUpStore is the storage needed by the catch-up pass. Stores that also
// implement storage.LeaseStore get cross-process exclusion.
type CatchUpStore interface {
	QueryActiveDue(ctx context.Context, now time.Time) ([]core.RecurringTemplate, error)
	ApplyCatchUp(ctx context.Context, batch core.CatchUpBatch) (int, error)
}

// CatchUpResult summarizes one pass.
type CatchUpResult struct {
	RunID          string
	Scanned        int
	Processed      int
	EntriesCreated int
	Conflicts      int
	Failures       int
	Duration       time.Duration
}

// CatchUpProcessor materializes every occurrence of active templates that fell
// due since their last pass.
type CatchUpProcessor struct {
	store     CatchUpStore
	versions  cache.VersionStore
	publisher EventPublisher
	leaseTTL  time.Duration
	holder    string
	clock     func() time.Time

	mu sync.Mutex // one pass per process
}

// NewCatchUpProcessor creates a processor. publisher may be nil; a zero
// leaseTTL disables the database lease.
func NewCatchUpProcessor(store CatchUpStore, versions cache.VersionStore, publisher EventPublisher, leaseTTL time.Duration) *CatchUpProcessor {
	return &CatchUpProcessor{
		store:     store,
		versions:  versions,
		publisher: publisher,
		leaseTTL:  leaseTTL,
		holder:    uuid.NewString(),
		clock:     time.Now,
	}
}

// RunCatchUp runs one pass for the logical date of now. Per-template failures
// are counted and logged, never returned; the error is reserved for a pass
// that could not run or was cancelled.
func (p *CatchUpProcessor) RunCatchUp(ctx context.Context, now time.Time) (CatchUpResult, error) {
	if p.store == nil || p.versions == nil {
		return CatchUpResult{}, fmt.Errorf("catch-up processor not properly initialized")
	}
	if !p.mu.TryLock() {
		return CatchUpResult{}, ErrCatchUpInProgress
	}
	defer p.mu.Unlock()

	started := p.clock()
	result := CatchUpResult{RunID: uuid.NewString()}
	logger := log.FromContext(ctx).WithComponent(log.ComponentCatchUp).With(log.FieldRunID, result.RunID)

	lease, err := p.acquireLease(ctx, started)
	if err != nil {
		return result, err
	}
	defer lease.release(ctx)

	today := core.DateOnly(now)
	templates, err := p.store.QueryActiveDue(ctx, today)
	if err != nil {
		return result, fmt.Errorf("query due templates: %w", err)
	}
	result.Scanned = len(templates)

	for _, tpl := range templates {
		if err := ctx.Err(); err != nil {
			result.Duration = p.clock().Sub(started)
			logger.WarnContext(ctx, "Catch-up pass cancelled",
				"processed", result.Processed,
				"remaining", result.Scanned-result.Processed-result.Conflicts-result.Failures)
			return result, err
		}
		if err := lease.renew(ctx); err != nil {
			result.Duration = p.clock().Sub(started)
			logger.WarnContext(ctx, "Stopping catch-up pass without the lease",
				"processed", result.Processed,
				log.FieldError, err)
			return result, err
		}

		inserted, err := p.catchUpTemplate(ctx, logger, result.RunID, tpl, today)
		switch {
		case err == nil:
			result.Processed++
			result.EntriesCreated += inserted
		case ctx.Err() != nil:
			result.Duration = p.clock().Sub(started)
			logger.WarnContext(ctx, "Catch-up pass cancelled", log.FieldTemplateID, tpl.ID)
			return result, ctx.Err()
		case errors.Is(err, core.ErrConcurrencyConflict):
			result.Conflicts++
			logger.WarnContext(ctx, "Template changed during catch-up, retrying next pass",
				log.FieldTemplateID, tpl.ID,
				log.FieldAccountID, tpl.AccountID,
				log.FieldError, err)
		default:
			result.Failures++
			logger.ErrorContext(ctx, "Failed to catch up template",
				log.FieldTemplateID, tpl.ID,
				log.FieldAccountID, tpl.AccountID,
				"retryable", core.IsRetryable(err),
				log.FieldError, err)
		}
	}

	result.Duration = p.clock().Sub(started)
	logger.InfoContext(ctx, "Catch-up pass complete",
		"processing_date", today.Format(time.DateOnly),
		"scanned", result.Scanned,
		"processed", result.Processed,
		"entries_created", result.EntriesCreated,
		"conflicts", result.Conflicts,
		"failures", result.Failures,
		log.FieldDuration, result.Duration.Milliseconds())

	return result, nil
}

// catchUpLease is the database lease held for one pass. A nil leases field
// means the store offers none and every method is a no-op.
type catchUpLease struct {
	leases    storage.LeaseStore
	holder    string
	ttl       time.Duration
	clock     func() time.Time
	renewedAt time.Time
}

func (p *CatchUpProcessor) acquireLease(ctx context.Context, now time.Time) (*catchUpLease, error) {
	leases, ok := p.store.(storage.LeaseStore)
	if !ok || p.leaseTTL <= 0 {
		return &catchUpLease{}, nil
	}

	acquired, err := leases.AcquireLease(ctx, CatchUpLeaseName, p.holder, p.leaseTTL, now)
	if err != nil {
		return nil, fmt.Errorf("acquire catch-up lease: %w", err)
	}
	if !acquired {
		return nil, ErrCatchUpInProgress
	}

	return &catchUpLease{
		leases:    leases,
		holder:    p.holder,
		ttl:       p.leaseTTL,
		clock:     p.clock,
		renewedAt: now,
	}, nil
}

// renew extends the lease once a third of its TTL has passed. Losing it to
// another holder yields ErrCatchUpInProgress.
func (l *catchUpLease) renew(ctx context.Context) error {
	if l.leases == nil {
		return nil
	}
	now := l.clock()
	if now.Sub(l.renewedAt) < l.ttl/3 {
		return nil
	}

	acquired, err := l.leases.AcquireLease(ctx, CatchUpLeaseName, l.holder, l.ttl, now)
	if err != nil {
		return fmt.Errorf("renew catch-up lease: %w", err)
	}
	if !acquired {
		return fmt.Errorf("catch-up lease lost: %w", ErrCatchUpInProgress)
	}
	l.renewedAt = now
	return nil
}

// release runs even when the pass was cancelled.
func (l *catchUpLease) release(ctx context.Context) {
	if l.leases == nil {
		return
	}
	if err := l.leases.ReleaseLease(context.WithoutCancel(ctx), CatchUpLeaseName, l.holder); err != nil {
		slog.WarnContext(ctx, "Failed to release catch-up lease", "holder", l.holder, "error", err)
	}
}

// catchUpTemplate builds the entries for every occurrence on or before today
// and commits them with the new next due date.
func (p *CatchUpProcessor) catchUpTemplate(ctx context.Context, logger *log.Logger, runID string, tpl core.RecurringTemplate, today time.Time) (int, error) {
	cursor := tpl.StartingPoint()
	var entries []core.Entry
	for n := 1; !cursor.After(today); n++ {
		entries = append(entries, tpl.Materialize(cursor))
		cursor = interval.NextOccurrenceAfter(cursor, tpl.Interval.Quantity, tpl.Interval.Unit)
		if n%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	inserted, err := p.store.ApplyCatchUp(ctx, core.CatchUpBatch{
		TemplateID:      tpl.ID,
		ExpectedVersion: tpl.Version,
		Entries:         entries,
		NextDue:         cursor,
	})
	if err != nil {
		return 0, fmt.Errorf("apply catch-up for template %d: %w", tpl.ID, err)
	}

	logger.DebugContext(ctx, "Template caught up",
		log.FieldTemplateID, tpl.ID,
		log.FieldAccountID, tpl.AccountID,
		log.FieldClass, string(tpl.Class),
		log.FieldOccurrences, len(entries),
		log.FieldInserted, inserted,
		log.FieldNextDue, cursor.Format(time.DateOnly))

	if inserted == 0 {
		return 0, nil
	}

	version := p.versions.Bump(cache.AccountKey(tpl.AccountID))

	if p.publisher != nil {
		msg := amqp.NewEntriesMaterializedMessage(runID, tpl.AccountID, tpl.ID, string(tpl.Class), inserted,
			entries[0].OccurredOn, entries[len(entries)-1].OccurredOn, cursor, version)
		if err := p.publisher.PublishEntriesMaterialized(ctx, msg); err != nil {
			// entries are committed; consumers catch up from the next event
			logger.ErrorContext(ctx, "Failed to publish entries materialized event",
				log.FieldTemplateID, tpl.ID,
				log.FieldError, err)
		}
	}

	return inserted, nil
}
