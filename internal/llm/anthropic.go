package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/mnemo/internal/httpkit"
)

// DefaultAnthropicMaxTokens is used for models without a configured limit.
const DefaultAnthropicMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens map[string]int
	logger    *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. Extra request
// options are passed to the SDK (tests use them to point at a local
// server).
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithHeaderTimeout(120*time.Second),
			httpkit.WithLogger(logger),
		)),
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(append(base, opts...)...),
		maxTokens: make(map[string]int),
		logger:    logger.With("provider", "anthropic"),
	}
}

// SetMaxTokens sets the output token limit for a model.
func (c *AnthropicClient) SetMaxTokens(model string, n int) {
	if n > 0 {
		c.maxTokens[model] = n
	}
}

// Chat sends a non-streaming request. System messages are lifted into
// the request's system prompt.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no user or assistant messages to send")
	}

	maxTokens := c.maxTokens[model]
	if maxTokens == 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}

	c.logger.Debug("sending request", "model", model, "messages", len(msgs), "max_tokens", maxTokens)

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		Model:         string(resp.Model),
		Message:       Message{Role: RoleAssistant, Content: text.String()},
		InputTokens:   int(resp.Usage.InputTokens),
		OutputTokens:  int(resp.Usage.OutputTokens),
		TotalDuration: time.Since(start),
	}, nil
}

// Ping is a no-op. Key problems surface on the first Chat call.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	return nil
}
