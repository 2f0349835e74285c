// Package steplog writes the agent's diagnostic step trace off the turn's
// critical path. Steps are queued and persisted by a single worker in
// submission order; a full queue or a failed write drops the step with a
// warning rather than slowing or failing the turn.
package steplog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/mnemo/internal/memory"
)

// DefaultQueueSize is used when a non-positive size is configured.
const DefaultQueueSize = 256

type request struct {
	key  memory.Key
	step memory.LogStep
	// done is set for flush markers, which carry no step.
	done chan struct{}
}

// Logger queues steps for asynchronous persistence.
type Logger struct {
	store  memory.Store
	logger *slog.Logger
	queue  chan request

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a logger writing to store.
func New(store memory.Store, queueSize int, logger *slog.Logger) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		store:  store,
		logger: logger.With("component", "steplog"),
		queue:  make(chan request, queueSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()
	for req := range l.queue {
		if req.done != nil {
			close(req.done)
			continue
		}
		// The turn that produced the step may be long gone.
		if _, err := l.store.AppendStep(context.Background(), req.key, req.step); err != nil {
			l.logger.Warn("step dropped: write failed",
				"session", req.key.String(),
				"error", err,
			)
		}
	}
}

// AppendStep queues a step without blocking. It reports whether the step
// was accepted.
func (l *Logger) AppendStep(userID, sessionID string, step memory.LogStep) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("step dropped: logger closed", "user", userID, "session", sessionID)
		return false
	}
	select {
	case l.queue <- request{key: memory.Key{UserID: userID, SessionID: sessionID}, step: step}:
		return true
	default:
		l.logger.Warn("step dropped: queue full", "user", userID, "session", sessionID)
		return false
	}
}

// Flush waits until every step queued before the call has been written,
// or ctx ends.
func (l *Logger) Flush(ctx context.Context) error {
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.queue <- request{done: done}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting steps and waits for the queue to drain.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	l.wg.Wait()
}
