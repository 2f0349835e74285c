package steplog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mnemo/internal/memory"
)

var key = memory.Key{UserID: "u1", SessionID: "s1"}

func TestAppendAndFlush(t *testing.T) {
	store := memory.NewMemStore()
	l := New(store, 16, nil)
	defer l.Close()

	for _, r := range []string{"first", "second", "third"} {
		if !l.AppendStep(key.UserID, key.SessionID, memory.LogStep{Reasoning: r}) {
			t.Fatalf("AppendStep(%q) rejected", r)
		}
	}
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	steps, err := store.Steps(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, want := range []string{"first", "second", "third"} {
		if steps[i].Reasoning != want {
			t.Errorf("steps[%d].Reasoning = %q, want %q", i, steps[i].Reasoning, want)
		}
		if steps[i].ID == "" || steps[i].Timestamp.IsZero() {
			t.Errorf("steps[%d] missing ID or timestamp", i)
		}
	}
}

func TestCloseDrains(t *testing.T) {
	store := memory.NewMemStore()
	l := New(store, 64, nil)
	for range 50 {
		l.AppendStep(key.UserID, key.SessionID, memory.LogStep{Reasoning: "r"})
	}
	l.Close()

	steps, _ := store.Steps(context.Background(), key)
	if len(steps) != 50 {
		t.Errorf("got %d steps after Close, want 50", len(steps))
	}
	if l.AppendStep(key.UserID, key.SessionID, memory.LogStep{}) {
		t.Error("AppendStep after Close should be rejected")
	}
	l.Close() // idempotent
}

// blockingStore holds AppendStep until released.
type blockingStore struct {
	memory.Store
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingStore) AppendStep(ctx context.Context, k memory.Key, s memory.LogStep) (*memory.LogStep, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Store.AppendStep(ctx, k, s)
}

func TestFullQueueDrops(t *testing.T) {
	bs := &blockingStore{Store: memory.NewMemStore(), release: make(chan struct{}), started: make(chan struct{})}
	l := New(bs, 1, nil)

	l.AppendStep(key.UserID, key.SessionID, memory.LogStep{Reasoning: "in flight"})
	<-bs.started
	if !l.AppendStep(key.UserID, key.SessionID, memory.LogStep{Reasoning: "queued"}) {
		t.Fatal("second step should fit in the queue")
	}

	start := time.Now()
	if l.AppendStep(key.UserID, key.SessionID, memory.LogStep{Reasoning: "dropped"}) {
		t.Error("third step should be dropped when the queue is full")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("AppendStep blocked on a full queue")
	}

	close(bs.release)
	l.Close()

	steps, _ := bs.Steps(context.Background(), key)
	if len(steps) != 2 {
		t.Errorf("got %d steps, want 2", len(steps))
	}
}

type failingStore struct {
	memory.Store
}

func (failingStore) AppendStep(context.Context, memory.Key, memory.LogStep) (*memory.LogStep, error) {
	return nil, errors.New("disk full")
}

func TestWriteErrorIsSwallowed(t *testing.T) {
	l := New(failingStore{Store: memory.NewMemStore()}, 4, nil)
	l.AppendStep(key.UserID, key.SessionID, memory.LogStep{Reasoning: "lost"})
	if err := l.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error: %v", err)
	}
	l.Close()
}

func TestFlushHonorsContext(t *testing.T) {
	bs := &blockingStore{Store: memory.NewMemStore(), release: make(chan struct{}), started: make(chan struct{})}
	l := New(bs, 4, nil)
	defer func() {
		close(bs.release)
		l.Close()
	}()

	l.AppendStep(key.UserID, key.SessionID, memory.LogStep{})
	<-bs.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush() error = %v, want DeadlineExceeded", err)
	}
}
