package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mnemo/internal/events"
	"github.com/nugget/mnemo/internal/generator"
	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/steplog"
	"github.com/nugget/mnemo/internal/tools"
)

const (
	testUser    = "u1"
	testSession = "s1"
)

var testKey = memory.Key{UserID: testUser, SessionID: testSession}

// fakeGenerator replays scripted outputs and records every input. After
// the script runs out it repeats the last entry.
type fakeGenerator struct {
	mu     sync.Mutex
	script []func(ctx context.Context, in generator.Input) (*generator.Output, error)
	inputs []generator.Input
}

func (f *fakeGenerator) Generate(ctx context.Context, in generator.Input) (*generator.Output, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	idx := min(len(f.inputs)-1, len(f.script)-1)
	step := f.script[idx]
	f.mu.Unlock()
	return step(ctx, in)
}

func (f *fakeGenerator) calls() []generator.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generator.Input(nil), f.inputs...)
}

func respond(text string, facts ...string) func(context.Context, generator.Input) (*generator.Output, error) {
	return func(context.Context, generator.Input) (*generator.Output, error) {
		return &generator.Output{Response: text, Reasoning: "answering", NewFacts: facts}, nil
	}
}

func requestTool(name string, input map[string]any) func(context.Context, generator.Input) (*generator.Output, error) {
	return func(context.Context, generator.Input) (*generator.Output, error) {
		return &generator.Output{
			Reasoning:   "need " + name,
			NewFacts:    []string{},
			ToolRequest: &generator.ToolRequest{Name: name, Input: input},
		}, nil
	}
}

func think() func(context.Context, generator.Input) (*generator.Output, error) {
	return func(context.Context, generator.Input) (*generator.Output, error) {
		return &generator.Output{Reasoning: "still thinking", NewFacts: []string{}}, nil
	}
}

func failWith(err error) func(context.Context, generator.Input) (*generator.Output, error) {
	return func(context.Context, generator.Input) (*generator.Output, error) {
		return nil, err
	}
}

// recordingTool counts invocations and remembers the last arguments.
type recordingTool struct {
	calls atomic.Int32
	mu    sync.Mutex
	args  map[string]any
}

func (r *recordingTool) tool(name string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "records calls",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			r.calls.Add(1)
			r.mu.Lock()
			r.args = args
			r.mu.Unlock()
			return map[string]any{"stored": true}, nil
		},
	}
}

type harness struct {
	loop  *Loop
	store memory.Store
	gen   *fakeGenerator
	tool  *recordingTool
}

func newHarness(t *testing.T, cfg Config, script ...func(context.Context, generator.Input) (*generator.Output, error)) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewMemStore(), cfg, script...)
}

func newHarnessWithStore(t *testing.T, store memory.Store, cfg Config, script ...func(context.Context, generator.Input) (*generator.Output, error)) *harness {
	t.Helper()
	return newHarnessWithSteps(t, store, nil, cfg, script...)
}

func newHarnessWithSteps(t *testing.T, store memory.Store, steps StepLogger, cfg Config, script ...func(context.Context, generator.Input) (*generator.Output, error)) *harness {
	t.Helper()
	rec := &recordingTool{}
	reg, err := tools.NewRegistry(rec.tool("echo"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gen := &fakeGenerator{script: script}
	return &harness{
		loop:  NewLoop(nil, store, gen, reg, steps, cfg),
		store: store,
		gen:   gen,
		tool:  rec,
	}
}

func (h *harness) messages(t *testing.T) []memory.ChatMessage {
	t.Helper()
	msgs, err := h.store.Messages(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func (h *harness) steps(t *testing.T) []memory.LogStep {
	t.Helper()
	steps, err := h.store.Steps(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	return steps
}

func TestDirectResponse(t *testing.T) {
	h := newHarness(t, Config{}, respond("Hello there!"))

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error: %v", err)
	}
	if reply.Content != "Hello there!" || reply.Role != "assistant" || reply.ID == "" {
		t.Errorf("reply = %+v", reply)
	}

	msgs := h.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != memory.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("messages[0] = %+v", msgs[0])
	}
	if msgs[1].Role != memory.RoleAssistant || msgs[1].ID != reply.ID {
		t.Errorf("messages[1] = %+v, want assistant reply %q", msgs[1], reply.ID)
	}

	steps := h.steps(t)
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(steps))
	}
	if steps[0].Reasoning != "answering" || steps[0].FinalResponse != "Hello there!" || steps[0].UserMessage != "hi" {
		t.Errorf("step = %+v", steps[0])
	}
}

func TestToolRoundTrip(t *testing.T) {
	h := newHarness(t, Config{},
		requestTool("echo", map[string]any{"text": "milk"}),
		respond("Added milk."),
	)

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "add milk")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "Added milk." {
		t.Errorf("reply = %q", reply.Content)
	}
	if got := h.tool.calls.Load(); got != 1 {
		t.Errorf("tool calls = %d, want 1", got)
	}
	if h.tool.args["text"] != "milk" {
		t.Errorf("tool args = %v", h.tool.args)
	}

	steps := h.steps(t)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if len(steps[0].ToolCalls) != 1 || steps[0].ToolCalls[0].Name != "echo" {
		t.Errorf("step[0].ToolCalls = %+v", steps[0].ToolCalls)
	}
	if len(steps[0].ToolResults) != 1 {
		t.Errorf("step[0].ToolResults = %+v", steps[0].ToolResults)
	}

	calls := h.gen.calls()
	if len(calls) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(calls))
	}
	if calls[1].UserMessage != "" {
		t.Errorf("second call UserMessage = %q, want empty", calls[1].UserMessage)
	}
	if calls[1].ToolResponse != `{"stored":true}` {
		t.Errorf("second call ToolResponse = %q", calls[1].ToolResponse)
	}
	if steps[1].UserMessage != "" || steps[1].FinalResponse != "Added milk." {
		t.Errorf("step[1] = %+v", steps[1])
	}
}

func TestToolNameSuffixResolution(t *testing.T) {
	h := newHarness(t, Config{}, requestTool("functions.echo", nil), respond("done"))

	if _, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "go"); err != nil {
		t.Fatal(err)
	}
	if got := h.tool.calls.Load(); got != 1 {
		t.Errorf("tool calls = %d, want 1", got)
	}
	if h.tool.args == nil {
		t.Error("nil tool input should arrive as an empty map")
	}
}

func TestToolPreferredOverResponse(t *testing.T) {
	both := func(context.Context, generator.Input) (*generator.Output, error) {
		return &generator.Output{
			Response:    "premature answer",
			Reasoning:   "both",
			ToolRequest: &generator.ToolRequest{Name: "echo"},
		}, nil
	}
	h := newHarness(t, Config{}, both, respond("real answer"))

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "go")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "real answer" {
		t.Errorf("reply = %q, want the answer after the tool ran", reply.Content)
	}
	if got := h.tool.calls.Load(); got != 1 {
		t.Errorf("tool calls = %d, want 1", got)
	}
}

func TestLoopExhaustion(t *testing.T) {
	h := newHarness(t, Config{MaxToolLoops: 3}, think())

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "ponder")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != FallbackResponse {
		t.Errorf("reply = %q, want fallback", reply.Content)
	}
	if got := len(h.gen.calls()); got != 3 {
		t.Errorf("generator calls = %d, want 3", got)
	}

	steps := h.steps(t)
	if len(steps) != 4 {
		t.Fatalf("got %d steps, want 3 iterations + exhaustion", len(steps))
	}
	last := steps[3]
	if last.Reasoning != "Tool loop exhausted after 3 iterations without a final response." {
		t.Errorf("exhaustion reasoning = %q", last.Reasoning)
	}
	if last.FinalResponse != FallbackResponse {
		t.Errorf("exhaustion step FinalResponse = %q", last.FinalResponse)
	}

	msgs := h.messages(t)
	if len(msgs) != 2 || msgs[1].Content != FallbackResponse {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestToolLoopNeverExceedsBound(t *testing.T) {
	h := newHarness(t, Config{}, requestTool("echo", nil))

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != FallbackResponse {
		t.Errorf("reply = %q, want fallback", reply.Content)
	}
	if got := h.tool.calls.Load(); got != DefaultMaxToolLoops {
		t.Errorf("tool calls = %d, want %d", got, DefaultMaxToolLoops)
	}
}

func TestFactsPersistedIncrementally(t *testing.T) {
	h := newHarness(t, Config{},
		func(context.Context, generator.Input) (*generator.Output, error) {
			return &generator.Output{
				Reasoning:   "note and look",
				NewFacts:    []string{"user has a cat named Miso"},
				ToolRequest: &generator.ToolRequest{Name: "echo"},
			}, nil
		},
		respond("Miso is a great name.", "Miso is orange"),
	)
	ctx := context.Background()
	if _, err := h.store.AppendFacts(ctx, testKey, memory.SourceUser, []string{"likes tea"}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.loop.HandleTurn(ctx, testSession, testUser, "My cat is Miso"); err != nil {
		t.Fatal(err)
	}

	calls := h.gen.calls()
	if got := strings.Join(calls[0].Memory, "|"); got != "likes tea" {
		t.Errorf("first call memory = %q", got)
	}
	if got := strings.Join(calls[1].Memory, "|"); got != "likes tea|user has a cat named Miso" {
		t.Errorf("second call memory = %q", got)
	}

	facts, _ := h.store.Facts(ctx, testKey)
	if len(facts) != 3 {
		t.Fatalf("got %d facts, want 3", len(facts))
	}
	for _, f := range facts[1:] {
		if f.Source != memory.SourceAgent {
			t.Errorf("fact %q source = %q, want agent", f.Text, f.Source)
		}
	}
}

func TestUnknownToolFailsTurn(t *testing.T) {
	h := newHarness(t, Config{}, requestTool("weather", nil))

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "forecast?")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != ErrorResponse {
		t.Errorf("reply = %q, want error apology", reply.Content)
	}
	if reply.ID == ErrorReplyID {
		t.Error("apology was saved, ID should be the stored message ID")
	}

	steps := h.steps(t)
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1 error step", len(steps))
	}
	if !strings.HasPrefix(steps[0].Reasoning, "Error: ") || !strings.Contains(steps[0].Reasoning, "weather") {
		t.Errorf("error step reasoning = %q", steps[0].Reasoning)
	}

	msgs := h.messages(t)
	if len(msgs) != 2 || msgs[1].Content != ErrorResponse {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestGeneratorErrorFailsTurn(t *testing.T) {
	h := newHarness(t, Config{}, failWith(generator.ErrInvalidOutput))

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != ErrorResponse {
		t.Errorf("reply = %q, want error apology", reply.Content)
	}
	steps := h.steps(t)
	if len(steps) != 1 || !strings.Contains(steps[0].Error, "not valid") {
		t.Errorf("steps = %+v", steps)
	}
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		session string
		user    string
		message string
	}{
		{"no session", "", testUser, "hi"},
		{"no user", testSession, "", "hi"},
		{"blank message", testSession, testUser, "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, respond("x"))
			_, err := h.loop.HandleTurn(context.Background(), tt.session, tt.user, tt.message)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("HandleTurn() error = %v, want ErrInvalidInput", err)
			}
			if n := len(h.gen.calls()); n != 0 {
				t.Errorf("generator called %d times", n)
			}
			if msgs := h.messages(t); len(msgs) != 0 {
				t.Errorf("messages written: %+v", msgs)
			}
		})
	}
}

// failingAssistantStore refuses assistant messages.
type failingAssistantStore struct {
	memory.Store
}

func (f failingAssistantStore) AppendMessage(ctx context.Context, key memory.Key, role memory.Role, content string) (*memory.ChatMessage, error) {
	if role == memory.RoleAssistant {
		return nil, errors.New("write refused")
	}
	return f.Store.AppendMessage(ctx, key, role, content)
}

func TestErrorReplyIDWhenSaveFails(t *testing.T) {
	store := failingAssistantStore{Store: memory.NewMemStore()}
	h := newHarnessWithStore(t, store, Config{}, respond("hello"))

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply.ID != ErrorReplyID || reply.Content != ErrorResponse {
		t.Errorf("reply = %+v, want error apology with ID %q", reply, ErrorReplyID)
	}

	steps := h.steps(t)
	last := steps[len(steps)-1]
	if !strings.Contains(last.Reasoning, "save assistant message") {
		t.Errorf("error step reasoning = %q", last.Reasoning)
	}
}

func TestModelTimeout(t *testing.T) {
	slow := func(ctx context.Context, _ generator.Input) (*generator.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, Config{ModelTimeout: 20 * time.Millisecond}, slow)

	reply, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != ErrorResponse {
		t.Errorf("reply = %q, want error apology", reply.Content)
	}
	steps := h.steps(t)
	if len(steps) != 1 || !strings.Contains(steps[0].Error, context.DeadlineExceeded.Error()) {
		t.Errorf("steps = %+v", steps)
	}
}

func TestCallerCancellationDoesNotAbortTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	waitForCancel := func(inner context.Context, _ generator.Input) (*generator.Output, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if err := inner.Err(); err != nil {
			return nil, err
		}
		return &generator.Output{Response: "finished anyway", Reasoning: "r"}, nil
	}
	h := newHarness(t, Config{}, waitForCancel)

	reply, err := h.loop.HandleTurn(ctx, testSession, testUser, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "finished anyway" {
		t.Errorf("reply = %q, want the real answer", reply.Content)
	}
}

func TestTurnsSerializedPerSession(t *testing.T) {
	var inFlight, peak atomic.Int32
	gen := func(context.Context, generator.Input) (*generator.Output, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &generator.Output{Response: "ok", Reasoning: "r"}, nil
	}
	h := newHarness(t, Config{}, gen)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent turns on one session = %d, want 1", got)
	}
	if msgs := h.messages(t); len(msgs) != 10 {
		t.Errorf("got %d messages, want 10", len(msgs))
	}
	// User and assistant messages must pair up.
	for i, m := range h.messages(t) {
		want := memory.RoleUser
		if i%2 == 1 {
			want = memory.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("messages[%d].Role = %q, want %q", i, m.Role, want)
		}
	}
	if n := h.loop.locks.size(); n != 0 {
		t.Errorf("lock table holds %d entries after all turns, want 0", n)
	}
}

func TestResetConversation(t *testing.T) {
	h := newHarness(t, Config{}, respond("hello", "user said hi"))
	ctx := context.Background()

	if _, err := h.loop.HandleTurn(ctx, testSession, testUser, "hi"); err != nil {
		t.Fatal(err)
	}

	res := h.loop.ResetConversation(ctx, testUser, testSession)
	if !res.Success || res.Error != "" {
		t.Fatalf("ResetConversation() = %+v", res)
	}

	facts, _ := h.store.Facts(ctx, testKey)
	if len(h.messages(t))+len(h.steps(t))+len(facts) != 0 {
		t.Error("session data remains after reset")
	}

	if res := h.loop.ResetConversation(ctx, "", testSession); res.Success || res.Error == "" {
		t.Errorf("ResetConversation() with no user = %+v, want failure", res)
	}
}

// slowStepStore delays step writes so queued steps are still pending
// when the turn returns.
type slowStepStore struct {
	memory.Store
	delay time.Duration
}

func (s slowStepStore) AppendStep(ctx context.Context, key memory.Key, step memory.LogStep) (*memory.LogStep, error) {
	time.Sleep(s.delay)
	return s.Store.AppendStep(ctx, key, step)
}

func TestResetWritesQueuedStepsFirst(t *testing.T) {
	store := slowStepStore{Store: memory.NewMemStore(), delay: 50 * time.Millisecond}
	queue := steplog.New(store, 16, nil)
	t.Cleanup(queue.Close)
	h := newHarnessWithSteps(t, store, queue, Config{}, respond("hello"))
	ctx := context.Background()

	if _, err := h.loop.HandleTurn(ctx, testSession, testUser, "hi"); err != nil {
		t.Fatal(err)
	}
	if res := h.loop.ResetConversation(ctx, testUser, testSession); !res.Success {
		t.Fatalf("ResetConversation() = %+v", res)
	}

	// Anything still queued would land now.
	if err := queue.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if steps := h.steps(t); len(steps) != 0 {
		t.Errorf("got %d steps after reset, want 0", len(steps))
	}
}

func TestResetGivesUpWhileTurnRuns(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	blocking := func(context.Context, generator.Input) (*generator.Output, error) {
		close(started)
		<-unblock
		return &generator.Output{Response: "late", Reasoning: "r"}, nil
	}
	h := newHarness(t, Config{}, blocking)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi"); err != nil {
			t.Error(err)
		}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.loop.ResetConversation(ctx, testUser, testSession)
	if res.Success || !errors.Is(res.Err, ErrSessionBusy) {
		t.Errorf("ResetConversation() = %+v, want ErrSessionBusy", res)
	}

	close(unblock)
	<-done
	if len(h.messages(t)) != 2 {
		t.Error("turn did not complete after the abandoned reset")
	}
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, Config{}, requestTool("echo", nil), respond("done"))
	bus := events.New()
	h.loop.SetEventBus(bus)
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	if _, err := h.loop.HandleTurn(context.Background(), testSession, testUser, "hi"); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Data["session_id"] != testSession || e.Data["user_id"] != testUser {
			t.Errorf("event %s missing session data: %v", e.Kind, e.Data)
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{
		events.KindTurnStart,
		events.KindLLMCall,
		events.KindToolCall,
		events.KindToolDone,
		events.KindLLMCall,
		events.KindTurnComplete,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}
