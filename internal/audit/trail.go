// Package audit holds the ActionRecord trail and the decision audit log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// ErrUnknownRecord is returned when completing a record the trail does not hold.
var ErrUnknownRecord = errors.New("unknown action record")

// ActionPersister stores ActionRecords durably. SaveAction is an upsert by ID.
type ActionPersister interface {
	SaveAction(ctx context.Context, rec models.ActionRecord) error
	LoadActions(ctx context.Context, since time.Time) ([]models.ActionRecord, error)
}

// Gate inspects the current trail and returns a non-nil error to refuse a reservation.
type Gate func(records []models.ActionRecord) error

// Trail is the append-only ActionRecord log. It is the sole input of the rate and
// blast-radius limiters.
type Trail struct {
	mu        sync.Mutex
	records   []models.ActionRecord
	index     map[string]int
	retention time.Duration
	persister ActionPersister
	logger    *slog.Logger
	now       func() time.Time
}

// NewTrail builds a trail that forgets records older than retention.
func NewTrail(retention time.Duration, persister ActionPersister, logger *slog.Logger) *Trail {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		index:     make(map[string]int),
		retention: retention,
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests).
func (t *Trail) SetClock(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Now returns the trail's current time.
func (t *Trail) Now() time.Time {
	return t.now()
}

// Restore loads persisted records inside the retention window.
func (t *Trail) Restore(ctx context.Context) (int, error) {
	if t.persister == nil {
		return 0, nil
	}
	records, err := t.persister.LoadActions(ctx, t.now().Add(-t.retention))
	if err != nil {
		return 0, fmt.Errorf("load action records: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if _, ok := t.index[rec.ID]; ok {
			continue
		}
		t.index[rec.ID] = len(t.records)
		t.records = append(t.records, rec)
	}
	return len(records), nil
}

// Reserve appends rec as a pending record if gate accepts the current trail. The gate
// and the append happen under one lock so concurrent reservations cannot both pass a
// limit that only one of them fits.
func (t *Trail) Reserve(ctx context.Context, rec models.ActionRecord, gate Gate) (models.ActionRecord, error) {
	t.mu.Lock()
	now := t.now()
	t.pruneLocked(now)
	if gate != nil {
		if err := gate(t.records); err != nil {
			t.mu.Unlock()
			return models.ActionRecord{}, err
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Outcome = models.OutcomePending
	t.index[rec.ID] = len(t.records)
	t.records = append(t.records, rec)
	t.mu.Unlock()

	t.persist(ctx, rec)
	return rec, nil
}

// Complete sets the final outcome of a reserved record.
func (t *Trail) Complete(ctx context.Context, id string, outcome models.ActionOutcome, execErr error) (models.ActionRecord, error) {
	t.mu.Lock()
	idx, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return models.ActionRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	rec := t.records[idx]
	rec.Outcome = outcome
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	t.records[idx] = rec
	t.mu.Unlock()

	t.persist(ctx, rec)
	return rec, nil
}

// Records returns a copy of the retained trail in append order.
func (t *Trail) Records() []models.ActionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.ActionRecord(nil), t.records...)
}

// Len reports the number of retained records.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Trail) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	drop := 0
	for drop < len(t.records) && t.records[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	t.records = append([]models.ActionRecord(nil), t.records[drop:]...)
	t.index = make(map[string]int, len(t.records))
	for i, rec := range t.records {
		t.index[rec.ID] = i
	}
}

func (t *Trail) persist(ctx context.Context, rec models.ActionRecord) {
	if t.persister == nil {
		return
	}
	if err := t.persister.SaveAction(ctx, rec); err != nil {
		t.logger.Warn("persist action record failed",
			slog.String("record_id", rec.ID),
			slog.String("action", rec.ActionType.String()),
			slog.Any("error", err),
		)
	}
}
