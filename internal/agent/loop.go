// Package agent implements the core agent loop: one user turn in, one
// assistant reply out, with any number of model calls and tool runs in
// between.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mnemo/internal/events"
	"github.com/nugget/mnemo/internal/generator"
	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/tools"
)

// User-facing replies when the loop cannot produce a real answer.
const (
	FallbackResponse = "Sorry, I couldn't come up with a response."
	ErrorResponse    = "Sorry, something went wrong while processing your request."
)

// ErrorReplyID is the reply ID used when even the apology could not be
// saved.
const ErrorReplyID = "error"

// Defaults for Config fields left at zero.
const (
	DefaultMaxToolLoops = 5
	DefaultTurnTimeout  = 5 * time.Minute
	DefaultModelTimeout = 2 * time.Minute

	// failureWriteTimeout bounds the best-effort writes on the error
	// path, which may run after the turn deadline has passed.
	failureWriteTimeout = 10 * time.Second
)

var (
	// ErrInvalidInput is returned when a turn is missing its session,
	// user or message.
	ErrInvalidInput = errors.New("session ID, user ID and message are required")
	// ErrUnknownTool marks a tool request that matched no registered
	// tool. It ends the turn.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrSessionBusy is returned when the caller gave up waiting for
	// another operation on the same session.
	ErrSessionBusy = errors.New("session busy")
)

// Generator produces one structured model reply.
type Generator interface {
	Generate(ctx context.Context, in generator.Input) (*generator.Output, error)
}

// StepLogger accepts diagnostic steps. AppendStep must not block. Flush
// waits until every step accepted before the call has been written.
type StepLogger interface {
	AppendStep(userID, sessionID string, step memory.LogStep) bool
	Flush(ctx context.Context) error
}

// Config bounds a turn.
type Config struct {
	MaxToolLoops int
	TurnTimeout  time.Duration
	ModelTimeout time.Duration
}

// Reply is what the caller of a turn receives.
type Reply struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResetResult reports the outcome of ResetConversation.
type ResetResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Err is the failure behind Error, for callers that classify it.
	Err error `json:"-"`
}

// Loop is the core agent execution loop.
type Loop struct {
	logger *slog.Logger
	store  memory.Store
	gen    Generator
	tools  *tools.Registry
	steps  StepLogger
	bus    *events.Bus
	cfg    Config
	locks  *sessionLocks
}

// NewLoop creates a new agent loop. A nil steps logger writes steps
// synchronously to store.
func NewLoop(logger *slog.Logger, store memory.Store, gen Generator, registry *tools.Registry, steps StepLogger, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if steps == nil {
		steps = &directSteps{store: store, logger: logger}
	}
	if cfg.MaxToolLoops <= 0 {
		cfg.MaxToolLoops = DefaultMaxToolLoops
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	return &Loop{
		logger: logger,
		store:  store,
		gen:    gen,
		tools:  registry,
		steps:  steps,
		cfg:    cfg,
		locks:  newSessionLocks(),
	}
}

// SetEventBus enables event publishing. A nil bus disables it.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.bus = bus
}

// HandleTurn runs one user turn to completion. Apart from input
// validation, failures are not returned as errors: the caller gets a
// fixed apology reply and the cause is logged as an error step.
//
// Turns on the same session run one at a time. Once the session lock is
// held, the turn no longer follows caller cancellation; it is bounded by
// the configured turn timeout instead.
func (l *Loop) HandleTurn(ctx context.Context, sessionID, userID, userMessage string) (*Reply, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(userMessage) == "" {
		return nil, ErrInvalidInput
	}
	key := memory.Key{UserID: userID, SessionID: sessionID}

	release, err := l.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("wait for session %s: %w", key, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.TurnTimeout)
	defer cancel()
	ctx = tools.WithSession(ctx, userID, sessionID)

	log := l.logger.With("user", userID, "session", sessionID)
	log.Info("turn started", "message_len", len(userMessage))
	l.emit(events.KindTurnStart, key, map[string]any{"message_len": len(userMessage)})

	start := time.Now()
	reply, t, err := l.run(ctx, log, key, userMessage)
	if err != nil {
		return l.fail(ctx, log, key, userMessage, err), nil
	}

	log.Info("turn complete",
		"iterations", t.iterations,
		"exhausted", t.exhausted,
		"elapsed", time.Since(start),
	)
	l.emit(events.KindTurnComplete, key, map[string]any{
		"iterations": t.iterations,
		"exhausted":  t.exhausted,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return reply, nil
}

// turnStats summarizes a finished turn for logs and events.
type turnStats struct {
	iterations int
	exhausted  bool
}

func (l *Loop) run(ctx context.Context, log *slog.Logger, key memory.Key, userMessage string) (*Reply, turnStats, error) {
	var stats turnStats

	if _, err := l.store.AppendMessage(ctx, key, memory.RoleUser, userMessage); err != nil {
		return nil, stats, fmt.Errorf("save user message: %w", err)
	}

	facts, err := l.store.Facts(ctx, key)
	if err != nil {
		return nil, stats, fmt.Errorf("load facts: %w", err)
	}
	mem := make([]string, len(facts))
	for i, f := range facts {
		mem[i] = f.Text
	}
	log.Debug("loaded memory", "facts", len(mem))

	input := generator.Input{UserMessage: userMessage}
	var final string

	for i := range l.cfg.MaxToolLoops {
		stats.iterations = i + 1
		input.Memory = mem

		l.emit(events.KindLLMCall, key, map[string]any{
			"iter":          i + 1,
			"tool_response": input.ToolResponse != "",
		})
		out, err := l.generate(ctx, input)
		if err != nil {
			return nil, stats, fmt.Errorf("generate (iteration %d): %w", i+1, err)
		}

		if len(out.NewFacts) > 0 {
			added, err := l.store.AppendFacts(ctx, key, memory.SourceAgent, out.NewFacts)
			if err != nil {
				return nil, stats, fmt.Errorf("save facts: %w", err)
			}
			for _, f := range added {
				mem = append(mem, f.Text)
			}
			log.Debug("facts saved", "count", len(added))
		}

		step := memory.LogStep{
			UserMessage: input.UserMessage,
			Reasoning:   out.Reasoning,
		}

		if req := out.ToolRequest; req != nil {
			tool, err := l.tools.Resolve(req.Name)
			if err != nil {
				return nil, stats, fmt.Errorf("%w: %w", ErrUnknownTool, err)
			}
			args := req.Input
			if args == nil {
				args = map[string]any{}
			}
			step.ToolCalls = []memory.ToolCall{{Name: tool.Name, Arguments: args}}

			log.Info("tool call", "iter", i+1, "tool", tool.Name, "requested", req.Name)
			l.emit(events.KindToolCall, key, map[string]any{"iter": i + 1, "tool": tool.Name})

			toolStart := time.Now()
			result := l.tools.Invoke(ctx, tool, args)
			ok := !tools.IsError(result)

			l.emit(events.KindToolDone, key, map[string]any{
				"iter":        i + 1,
				"tool":        tool.Name,
				"ok":          ok,
				"duration_ms": time.Since(toolStart).Milliseconds(),
			})
			if !ok {
				log.Warn("tool returned error", "tool", tool.Name, "result", result)
			}

			step.ToolResults = []any{result}
			l.steps.AppendStep(key.UserID, key.SessionID, step)

			input = generator.Input{ToolResponse: stringify(result)}
			continue
		}

		if strings.TrimSpace(out.Response) != "" {
			final = out.Response
			step.FinalResponse = final
			l.steps.AppendStep(key.UserID, key.SessionID, step)
			break
		}

		l.steps.AppendStep(key.UserID, key.SessionID, step)
	}

	if final == "" {
		stats.exhausted = true
		final = FallbackResponse
		log.Warn("tool loop exhausted", "iterations", l.cfg.MaxToolLoops)
		l.steps.AppendStep(key.UserID, key.SessionID, memory.LogStep{
			UserMessage:   userMessage,
			Reasoning:     fmt.Sprintf("Tool loop exhausted after %d iterations without a final response.", l.cfg.MaxToolLoops),
			FinalResponse: final,
		})
	}

	saved, err := l.store.AppendMessage(ctx, key, memory.RoleAssistant, final)
	if err != nil {
		return nil, stats, fmt.Errorf("save assistant message: %w", err)
	}
	return &Reply{ID: saved.ID, Role: string(memory.RoleAssistant), Content: final}, stats, nil
}

func (l *Loop) generate(ctx context.Context, in generator.Input) (*generator.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ModelTimeout)
	defer cancel()
	return l.gen.Generate(ctx, in)
}

// fail records a failed turn as well as it can and returns the apology.
func (l *Loop) fail(ctx context.Context, log *slog.Logger, key memory.Key, userMessage string, cause error) *Reply {
	log.Error("turn failed", "error", cause)
	l.emit(events.KindTurnError, key, map[string]any{"error": cause.Error()})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	reply := &Reply{ID: ErrorReplyID, Role: string(memory.RoleAssistant), Content: ErrorResponse}
	if saved, err := l.store.AppendMessage(ctx, key, memory.RoleAssistant, ErrorResponse); err != nil {
		log.Error("failed to save error reply", "error", err)
	} else {
		reply.ID = saved.ID
	}

	l.steps.AppendStep(key.UserID, key.SessionID, memory.LogStep{
		UserMessage: userMessage,
		Reasoning:   "Error: " + cause.Error(),
		Error:       cause.Error(),
	})
	return reply
}

// ResetConversation deletes the session's messages, facts and steps. It
// waits for any running turn on the session to finish first.
func (l *Loop) ResetConversation(ctx context.Context, userID, sessionID string) ResetResult {
	key := memory.Key{UserID: userID, SessionID: sessionID}
	if err := key.Validate(); err != nil {
		return ResetResult{Error: err.Error(), Err: err}
	}

	release, err := l.locks.acquire(ctx, key)
	if err != nil {
		return ResetResult{Error: err.Error(), Err: err}
	}
	defer release()

	log := l.logger.With("user", userID, "session", sessionID)

	// Steps from the last turn may still be queued; writing them after
	// the delete would resurrect the session.
	if err := l.steps.Flush(ctx); err != nil {
		log.Error("reset failed: pending steps not written", "error", err)
		l.emit(events.KindSessionReset, key, map[string]any{"ok": false})
		return ResetResult{Error: err.Error(), Err: err}
	}

	if err := l.store.DeleteSession(ctx, key); err != nil {
		log.Error("reset failed", "error", err)
		l.emit(events.KindSessionReset, key, map[string]any{"ok": false})
		return ResetResult{Error: err.Error(), Err: err}
	}

	log.Info("conversation reset")
	l.emit(events.KindSessionReset, key, map[string]any{"ok": true})
	return ResetResult{Success: true}
}

func (l *Loop) emit(kind string, key memory.Key, data map[string]any) {
	if l.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["user_id"] = key.UserID
	data["session_id"] = key.SessionID
	source := events.SourceAgent
	if kind == events.KindSessionReset {
		source = events.SourceSession
	}
	l.bus.Emit(source, kind, data)
}

// stringify renders a tool result for the next prompt.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// directSteps writes steps synchronously. It is used when no queued
// logger is configured.
type directSteps struct {
	store  memory.Store
	logger *slog.Logger
}

func (d *directSteps) AppendStep(userID, sessionID string, step memory.LogStep) bool {
	key := memory.Key{UserID: userID, SessionID: sessionID}
	ctx, cancel := context.WithTimeout(context.Background(), failureWriteTimeout)
	defer cancel()
	if _, err := d.store.AppendStep(ctx, key, step); err != nil {
		d.logger.Warn("step dropped: write failed", "session", key.String(), "error", err)
		return false
	}
	return true
}

func (d *directSteps) Flush(context.Context) error { return nil }
