package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/clock"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// EventKey identifies a class of event for deduplication.
type EventKey struct {
	RequestID string
	Action    string
}

// Ledger is the append-only audit log plus sliding-window deduplication.
type Ledger struct {
	store repository.AuditStore
	clock clock.Clock
}

// NewLedger creates a Ledger over store.
func NewLedger(store repository.AuditStore, clk clock.Clock) *Ledger {
	return &Ledger{store: store, clock: clk}
}

// Record appends entry, stamping the timestamp when unset.
func (l *Ledger) Record(ctx context.Context, entry *repository.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	if err := l.store.Append(ctx, entry); err != nil {
		if errors.CodeOf(err) == errors.ErrCodePersistence {
			return err
		}
		return errors.Persistence(err, "failed to record audit entry")
	}
	return nil
}

// IsDuplicate reports whether an entry with key was recorded less than window ago.
func (l *Ledger) IsDuplicate(ctx context.Context, key EventKey, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	now := l.clock.Now()
	latest, err := l.store.LatestAudit(ctx, key.RequestID, key.Action, now)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	return now.Sub(latest.Timestamp) < window, nil
}

// RecordUnlessDuplicate appends entry unless an entry with the same request
// and action falls inside window. It reports whether the entry was written.
func (l *Ledger) RecordUnlessDuplicate(ctx context.Context, entry *repository.AuditEntry, window time.Duration) (bool, error) {
	dup, err := l.IsDuplicate(ctx, EventKey{RequestID: entry.RequestID, Action: entry.Action}, window)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}
	if err := l.Record(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Trail returns a request's audit entries, oldest first.
func (l *Ledger) Trail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return l.store.ListAudit(ctx, requestID)
}
