// Package memory stores per-session conversation state: the chat
// transcript, the facts the agent has accumulated, and the diagnostic
// step log. Everything is keyed by (user, session) and append-only; the
// only removal is the cascading delete of a whole session.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source identifies who contributed a fact.
type Source string

// Fact sources.
const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
	SourceTool  Source = "tool"
)

// ErrInvalidKey is returned when a user or session identifier is empty.
var ErrInvalidKey = errors.New("user ID and session ID are required")

// Key scopes every record to one user's session.
type Key struct {
	UserID    string
	SessionID string
}

// Validate reports whether both parts of the key are present.
func (k Key) Validate() error {
	if strings.TrimSpace(k.UserID) == "" || strings.TrimSpace(k.SessionID) == "" {
		return ErrInvalidKey
	}
	return nil
}

// String renders the key as "user/session".
func (k Key) String() string {
	return k.UserID + "/" + k.SessionID
}

// ChatMessage is one entry of the session transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryFact is an atomic piece of information retained for the session.
type MemoryFact struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Source    Source    `json:"source"`
}

// ToolCall describes a tool invocation recorded in a step.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// LogStep is one diagnostic record of a loop iteration. Tool results
// are loosely typed; they are never read back by the agent.
type LogStep struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	UserMessage   string     `json:"user_message,omitempty"`
	Reasoning     string     `json:"reasoning,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	ToolResults   []any      `json:"tool_results,omitempty"`
	FinalResponse string     `json:"final_response,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Store is the persistence contract shared by every backend.
type Store interface {
	// AppendMessage adds a message to the transcript, creating the
	// session on first write.
	AppendMessage(ctx context.Context, key Key, role Role, content string) (*ChatMessage, error)
	// Messages returns the transcript in ascending timestamp order.
	Messages(ctx context.Context, key Key) ([]ChatMessage, error)
	// AppendFacts writes all texts in one atomic batch. Blank texts are
	// skipped; an empty batch is a no-op.
	AppendFacts(ctx context.Context, key Key, source Source, texts []string) ([]MemoryFact, error)
	// Facts returns the session's facts in creation order.
	Facts(ctx context.Context, key Key) ([]MemoryFact, error)
	// AppendStep records a log step. ID and Timestamp are assigned by
	// the store at write time.
	AppendStep(ctx context.Context, key Key, step LogStep) (*LogStep, error)
	// Steps returns the step log in ascending timestamp order.
	Steps(ctx context.Context, key Key) ([]LogStep, error)
	// DeleteSession removes the session with all its messages, facts,
	// and steps.
	DeleteSession(ctx context.Context, key Key) error
	// Close releases backend resources.
	Close() error
}

// StatsReporter is implemented by stores that can count what they hold.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]int, error)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// cleanFacts trims texts and drops blanks.
func cleanFacts(texts []string) []string {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func validRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}

func validSource(s Source) bool {
	return s == SourceUser || s == SourceAgent || s == SourceTool
}
