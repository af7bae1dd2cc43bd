package history

import (
	"context"
	"sync"
	"time"

	"taskforge/pkg/logx"
)

// Item is one execution outcome.
type Item struct {
	TaskID     string
	Name       string
	Group      string
	Started    time.Time
	Duration   time.Duration
	Executions int
	State      string
	Error      string
}

// Recorder keeps the last N items in memory and mirrors each one to an
// optional Store. A nil *Recorder is a safe no-op.
type Recorder struct {
	mu    sync.Mutex
	items []Item
	size  int

	store Store
	log   logx.Logger
}

func NewRecorder(size int, store Store, log logx.Logger) *Recorder {
	if size <= 0 {
		size = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{size: size, store: store, log: log}
}

func (r *Recorder) Record(ctx context.Context, it Item) {
	if r == nil {
		return
	}
	if it.Started.IsZero() {
		it.Started = time.Now()
	}

	r.mu.Lock()
	r.items = append(r.items, it)
	if len(r.items) > r.size {
		r.items = r.items[len(r.items)-r.size:]
	}
	store := r.store
	r.mu.Unlock()

	if store != nil {
		// Persistence is best-effort; recording must never slow dispatch down
		// for long or fail an execution.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
		defer cancel()
		if err := store.Append(wctx, it); err != nil {
			r.log.Warn("history append failed", logx.String("task", it.Name), logx.Any("err", err))
		}
	}
}

// Tail returns up to n most recent items, oldest first.
func (r *Recorder) Tail(n int) []Item {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.items) {
		n = len(r.items)
	}
	out := make([]Item, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	store := r.store
	r.store = nil
	r.mu.Unlock()
	if store != nil {
		return store.Close()
	}
	return nil
}

// Store persists execution records.
type Store interface {
	Append(ctx context.Context, it Item) error
	Recent(ctx context.Context, limit int) ([]Item, error)
	Close() error
}
