// Package ledger tracks recently processed transaction ids so an execute
// request is honored at most once within a bounded window. The guarantee is
// bounded, not absolute: once an id is evicted it may legitimately be
// processed again.
package ledger

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of most-recently-seen ids retained.
const DefaultCapacity = 50

// Ledger is a bounded dedup set with insertion-order eviction.
type Ledger struct {
	logger   *zap.Logger
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// New creates a ledger retaining up to capacity ids. A non-positive capacity
// falls back to DefaultCapacity.
func New(logger *zap.Logger, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		logger:   logger.Named("ledger"),
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// Admit records the transaction id and reports whether it should be
// processed. A duplicate within the retention window returns false. Inserting
// beyond capacity evicts the oldest id.
func (l *Ledger) Admit(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[id]; dup {
		l.logger.Debug("Duplicate transaction dropped", zap.String("transaction_id", id))
		return false
	}

	l.order = append(l.order, id)
	l.seen[id] = struct{}{}

	if len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
		l.logger.Debug("Transaction evicted from dedup window", zap.String("transaction_id", oldest))
	}
	return true
}

// Forget withdraws an admitted id so it can be resubmitted. Used when a
// request passes dedup but is then refused before any work starts.
func (l *Ledger) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; !ok {
		return
	}
	delete(l.seen, id)
	for i, candidate := range l.order {
		if candidate == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Seen reports whether the id is currently inside the retention window
// without admitting it.
func (l *Ledger) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}
