package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// DecisionPersister stores decision audit entries durably.
type DecisionPersister interface {
	SaveDecision(ctx context.Context, entry models.DecisionAudit) error
}

// DecisionLog keeps the most recent decision audit entries in memory and forwards
// every entry to the persister.
type DecisionLog struct {
	mu        sync.Mutex
	entries   []models.DecisionAudit
	next      int
	full      bool
	persister DecisionPersister
	logger    *slog.Logger
}

// NewDecisionLog returns a log retaining up to capacity entries in memory.
func NewDecisionLog(capacity int, persister DecisionPersister, logger *slog.Logger) *DecisionLog {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionLog{entries: make([]models.DecisionAudit, capacity), persister: persister, logger: logger}
}

// Record appends an entry.
func (l *DecisionLog) Record(ctx context.Context, entry models.DecisionAudit) {
	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.persister == nil {
		return
	}
	if err := l.persister.SaveDecision(ctx, entry); err != nil {
		l.logger.Warn("persist decision audit failed", slog.String("decision_id", entry.DecisionID), slog.Any("error", err))
	}
}

// Recent returns up to n entries, newest first.
func (l *DecisionLog) Recent(n int) []models.DecisionAudit {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]models.DecisionAudit, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}
