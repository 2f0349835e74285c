package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxWritesPerTx stays under Firestore's 500-write transaction limit.
const maxWritesPerTx = 450

// FirestoreStore keeps sessions under users/{uid}/sessions/{sid}, with
// messages, facts, and steps as subcollections of the session document.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects to Firestore in the given project. The
// emulator is used when FIRESTORE_EMULATOR_HOST is set.
func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) sessionDoc(key Key) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(docID(key.UserID)).Collection("sessions").Doc(docID(key.SessionID))
}

// docID maps an identifier onto a legal document ID. Firestore rejects
// IDs containing '/', the IDs "." and "..", and IDs matching __.*__.
// Plain alphanumeric IDs map to themselves.
func docID(id string) string {
	escaped := url.PathEscape(id)
	switch {
	case escaped == "." || escaped == "..":
		return strings.ReplaceAll(escaped, ".", "%2E")
	case strings.HasPrefix(escaped, "__"):
		return "%5F" + escaped[1:]
	}
	return escaped
}

func (s *FirestoreStore) messagesCol(key Key) *firestore.CollectionRef {
	return s.sessionDoc(key).Collection("messages")
}

func (s *FirestoreStore) factsCol(key Key) *firestore.CollectionRef {
	return s.sessionDoc(key).Collection("facts")
}

func (s *FirestoreStore) stepsCol(key Key) *firestore.CollectionRef {
	return s.sessionDoc(key).Collection("steps")
}

type fsMessage struct {
	Role      string    `firestore:"role"`
	Content   string    `firestore:"content"`
	Timestamp time.Time `firestore:"timestamp"`
}

type fsFact struct {
	Text      string    `firestore:"text"`
	Source    string    `firestore:"source"`
	CreatedAt time.Time `firestore:"created_at"`
}

// fsStep stores the loosely typed parts of a step as JSON strings so
// arbitrary tool results survive the round trip.
type fsStep struct {
	Timestamp     time.Time `firestore:"timestamp"`
	UserMessage   string    `firestore:"user_message,omitempty"`
	Reasoning     string    `firestore:"reasoning,omitempty"`
	ToolCalls     string    `firestore:"tool_calls,omitempty"`
	ToolResults   string    `firestore:"tool_results,omitempty"`
	FinalResponse string    `firestore:"final_response,omitempty"`
	Error         string    `firestore:"error,omitempty"`
}

func (s *FirestoreStore) touch(tx *firestore.Transaction, key Key, now time.Time) error {
	return tx.Set(s.sessionDoc(key), map[string]any{
		"user_id":    key.UserID,
		"updated_at": now,
	}, firestore.MergeAll)
}

// AppendMessage adds a message to the session transcript.
func (s *FirestoreStore) AppendMessage(ctx context.Context, key Key, role Role, content string) (*ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !validRole(role) {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	msg := &ChatMessage{ID: newID(), Role: role, Content: content, Timestamp: time.Now().UTC()}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := s.touch(tx, key, msg.Timestamp); err != nil {
			return err
		}
		return tx.Create(s.messagesCol(key).Doc(msg.ID), fsMessage{
			Role:      string(role),
			Content:   content,
			Timestamp: msg.Timestamp,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("firestore AppendMessage: %w", err)
	}
	return msg, nil
}

// Messages returns the transcript in ascending order.
func (s *FirestoreStore) Messages(ctx context.Context, key Key) ([]ChatMessage, error) {
	iter := s.messagesCol(key).OrderBy("timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	out := []ChatMessage{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore Messages: %w", err)
		}
		var doc fsMessage
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", snap.Ref.ID, err)
		}
		out = append(out, ChatMessage{
			ID:        snap.Ref.ID,
			Role:      Role(doc.Role),
			Content:   doc.Content,
			Timestamp: doc.Timestamp,
		})
	}
	// IDs are time-ordered, which breaks ties between equal timestamps.
	slices.SortStableFunc(out, func(a, b ChatMessage) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// AppendFacts writes the batch in one transaction.
func (s *FirestoreStore) AppendFacts(ctx context.Context, key Key, source Source, texts []string) ([]MemoryFact, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !validSource(source) {
		return nil, fmt.Errorf("invalid fact source %q", source)
	}
	texts = cleanFacts(texts)
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) >= maxWritesPerTx {
		return nil, fmt.Errorf("fact batch of %d exceeds limit of %d", len(texts), maxWritesPerTx-1)
	}

	now := time.Now().UTC()
	added := make([]MemoryFact, 0, len(texts))
	for _, text := range texts {
		added = append(added, MemoryFact{ID: newID(), Text: text, CreatedAt: now, Source: source})
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := s.touch(tx, key, now); err != nil {
			return err
		}
		for _, f := range added {
			if err := tx.Create(s.factsCol(key).Doc(f.ID), fsFact{
				Text:      f.Text,
				Source:    string(f.Source),
				CreatedAt: f.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("firestore AppendFacts: %w", err)
	}
	return added, nil
}

// Facts returns the session's facts in creation order.
func (s *FirestoreStore) Facts(ctx context.Context, key Key) ([]MemoryFact, error) {
	iter := s.factsCol(key).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	out := []MemoryFact{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore Facts: %w", err)
		}
		var doc fsFact
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode fact %s: %w", snap.Ref.ID, err)
		}
		out = append(out, MemoryFact{
			ID:        snap.Ref.ID,
			Text:      doc.Text,
			Source:    Source(doc.Source),
			CreatedAt: doc.CreatedAt,
		})
	}
	slices.SortStableFunc(out, func(a, b MemoryFact) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// AppendStep records a step.
func (s *FirestoreStore) AppendStep(ctx context.Context, key Key, step LogStep) (*LogStep, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	step.ID = newID()
	step.Timestamp = time.Now().UTC()

	doc := fsStep{
		Timestamp:     step.Timestamp,
		UserMessage:   step.UserMessage,
		Reasoning:     step.Reasoning,
		FinalResponse: step.FinalResponse,
		Error:         step.Error,
	}
	if len(step.ToolCalls) > 0 {
		b, err := json.Marshal(step.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		doc.ToolCalls = string(b)
	}
	if len(step.ToolResults) > 0 {
		b, err := json.Marshal(step.ToolResults)
		if err != nil {
			return nil, fmt.Errorf("marshal tool results: %w", err)
		}
		doc.ToolResults = string(b)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := s.touch(tx, key, step.Timestamp); err != nil {
			return err
		}
		return tx.Create(s.stepsCol(key).Doc(step.ID), doc)
	})
	if err != nil {
		return nil, fmt.Errorf("firestore AppendStep: %w", err)
	}
	return &step, nil
}

// Steps returns the step log in ascending order.
func (s *FirestoreStore) Steps(ctx context.Context, key Key) ([]LogStep, error) {
	iter := s.stepsCol(key).OrderBy("timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	out := []LogStep{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore Steps: %w", err)
		}
		var doc fsStep
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode step %s: %w", snap.Ref.ID, err)
		}
		step := LogStep{
			ID:            snap.Ref.ID,
			Timestamp:     doc.Timestamp,
			UserMessage:   doc.UserMessage,
			Reasoning:     doc.Reasoning,
			FinalResponse: doc.FinalResponse,
			Error:         doc.Error,
		}
		if doc.ToolCalls != "" {
			if err := json.Unmarshal([]byte(doc.ToolCalls), &step.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of step %s: %w", snap.Ref.ID, err)
			}
		}
		if doc.ToolResults != "" {
			if err := json.Unmarshal([]byte(doc.ToolResults), &step.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results of step %s: %w", snap.Ref.ID, err)
			}
		}
		out = append(out, step)
	}
	slices.SortStableFunc(out, func(a, b LogStep) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// DeleteSession removes every subcollection document and then the
// session document. Large sessions are deleted in chunks; the session
// document goes with the final chunk.
func (s *FirestoreStore) DeleteSession(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	var refs []*firestore.DocumentRef
	for _, col := range []*firestore.CollectionRef{s.messagesCol(key), s.factsCol(key), s.stepsCol(key)} {
		docs, err := col.DocumentRefs(ctx).GetAll()
		if err != nil {
			return fmt.Errorf("firestore DeleteSession list %s: %w", col.ID, err)
		}
		refs = append(refs, docs...)
	}
	refs = append(refs, s.sessionDoc(key))

	for chunk := range slices.Chunk(refs, maxWritesPerTx) {
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, ref := range chunk {
				if err := tx.Delete(ref); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("firestore DeleteSession: %w", err)
		}
	}
	return nil
}

// Close closes the Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
