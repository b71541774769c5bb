package autonomy

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

var (
	// ErrNotFound is returned for unknown pending decision ids.
	ErrNotFound = errors.New("pending decision not found")
	// ErrAlreadyResolved is returned when approving or rejecting a decision twice.
	ErrAlreadyResolved = errors.New("pending decision already resolved")
)

// PendingStatus is the lifecycle of an approval queue entry.
type PendingStatus string

const (
	StatusPending  PendingStatus = "pending"
	StatusApproved PendingStatus = "approved"
	StatusRejected PendingStatus = "rejected"
	StatusExecuted PendingStatus = "executed"
	StatusFailed   PendingStatus = "failed"
)

// PendingDecision is a Decision waiting for an operator.
type PendingDecision struct {
	ID         string
	CycleID    string
	Decision   models.Decision
	Confidence float64
	BlockedBy  []string
	Status     PendingStatus
	CreatedAt  time.Time
	LastSeen   time.Time
	ResolvedAt time.Time
	Note       string
	RecordID   string
}

// queue holds pending decisions. A decision already waiting for the same type and
// target is refreshed rather than enqueued twice.
type queue struct {
	mu          sync.Mutex
	items       map[string]*PendingDecision
	byKey       map[string]string
	order       []string
	maxResolved int
}

func newQueue(maxResolved int) *queue {
	if maxResolved <= 0 {
		maxResolved = 256
	}
	return &queue{
		items:       make(map[string]*PendingDecision),
		byKey:       make(map[string]string),
		maxResolved: maxResolved,
	}
}

func (q *queue) enqueue(cycleID string, d models.Decision, confidence float64, blockedBy []string, now time.Time) PendingDecision {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := d.DedupKey()
	if id, ok := q.byKey[key]; ok {
		item := q.items[id]
		item.CycleID = cycleID
		item.Decision = d
		item.Confidence = confidence
		item.BlockedBy = append([]string(nil), blockedBy...)
		item.LastSeen = now
		return *item
	}

	item := &PendingDecision{
		ID:         uuid.NewString(),
		CycleID:    cycleID,
		Decision:   d,
		Confidence: confidence,
		BlockedBy:  append([]string(nil), blockedBy...),
		Status:     StatusPending,
		CreatedAt:  now,
		LastSeen:   now,
	}
	q.items[item.ID] = item
	q.byKey[key] = item.ID
	q.order = append(q.order, item.ID)
	return *item
}

// claim moves a pending entry to next under the queue lock, so only one caller wins.
func (q *queue) claim(id string, next PendingStatus, note string, now time.Time) (PendingDecision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return PendingDecision{}, ErrNotFound
	}
	if item.Status != StatusPending {
		return *item, ErrAlreadyResolved
	}
	item.Status = next
	item.Note = note
	item.ResolvedAt = now
	delete(q.byKey, item.Decision.DedupKey())
	q.trimLocked()
	return *item, nil
}

func (q *queue) settle(id string, status PendingStatus, recordID, note string) PendingDecision {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return PendingDecision{}
	}
	item.Status = status
	item.RecordID = recordID
	if note != "" {
		item.Note = note
	}
	return *item
}

func (q *queue) get(id string) (PendingDecision, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return PendingDecision{}, false
	}
	return *item, true
}

// pending lists unresolved entries, highest priority first, oldest first on ties.
func (q *queue) pending() []PendingDecision {
	q.mu.Lock()
	out := make([]PendingDecision, 0, len(q.byKey))
	for _, id := range q.order {
		if item := q.items[id]; item.Status == StatusPending {
			out = append(out, *item)
		}
	}
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Decision.Priority > out[j].Decision.Priority
	})
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// trimLocked forgets the oldest resolved entries beyond maxResolved.
func (q *queue) trimLocked() {
	resolved := 0
	for _, id := range q.order {
		if q.items[id].Status != StatusPending {
			resolved++
		}
	}
	if resolved <= q.maxResolved {
		return
	}
	drop := resolved - q.maxResolved
	kept := q.order[:0]
	for _, id := range q.order {
		if drop > 0 && q.items[id].Status != StatusPending {
			delete(q.items, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}
