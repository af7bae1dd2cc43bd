package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"taskforge/pkg/logx"
)

func TestRecorderRingTrims(t *testing.T) {
	t.Parallel()
	r := NewRecorder(3, nil, logx.Nop())
	for i := 0; i < 5; i++ {
		r.Record(context.Background(), Item{Name: fmt.Sprintf("t%d", i)})
	}

	got := r.Tail(0)
	if len(got) != 3 {
		t.Fatalf("Tail returned %d items, want 3", len(got))
	}
	// Oldest first, only the newest three survive.
	for i, want := range []string{"t2", "t3", "t4"} {
		if got[i].Name != want {
			t.Fatalf("Tail[%d] = %s, want %s", i, got[i].Name, want)
		}
	}

	if got := r.Tail(2); len(got) != 2 || got[0].Name != "t3" {
		t.Fatalf("Tail(2) = %+v", got)
	}
}

func TestNilRecorder(t *testing.T) {
	t.Parallel()
	var r *Recorder
	r.Record(context.Background(), Item{Name: "x"})
	if got := r.Tail(5); got != nil {
		t.Fatalf("Tail on nil recorder = %v", got)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil recorder: %v", err)
	}
}

type memStore struct {
	mu     sync.Mutex
	items  []Item
	fail   bool
	closed bool
}

func (m *memStore) Append(ctx context.Context, it Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store down")
	}
	m.items = append(m.items, it)
	return nil
}

func (m *memStore) Recent(ctx context.Context, limit int) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items...), nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRecorderMirrorsToStore(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	r := NewRecorder(10, st, logx.Nop())
	r.Record(context.Background(), Item{Name: "a"})
	r.Record(context.Background(), Item{Name: "b"})

	got, _ := st.Recent(context.Background(), 0)
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("store items = %+v", got)
	}
}

func TestStoreFailureDoesNotLoseRingEntries(t *testing.T) {
	t.Parallel()
	st := &memStore{fail: true}
	r := NewRecorder(10, st, logx.Nop())
	r.Record(context.Background(), Item{Name: "a"})

	if got := r.Tail(0); len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("ring after store failure = %+v", got)
	}
}

func TestCloseClosesStoreOnce(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	r := NewRecorder(10, st, logx.Nop())
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !st.closed {
		t.Fatal("store not closed")
	}

	// After Close the store is detached; recording only hits the ring.
	st.fail = true
	r.Record(context.Background(), Item{Name: "late"})
	if got := r.Tail(0); len(got) != 1 {
		t.Fatalf("ring after close = %+v", got)
	}
}
