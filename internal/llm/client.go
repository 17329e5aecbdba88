// Package llm provides the chat-completion provider used by chat auto
// mode. Providers stream tokens; callers assemble and persist the full
// assistant message at stream end.
package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string
	Content string
}

// Chatter streams a completion. onDelta receives each token fragment in
// order; a non-nil return aborts the stream. The full reply is returned
// at the end.
type Chatter interface {
	StreamChat(ctx context.Context, messages []Message, onDelta func(delta string) error) (string, error)
}

// Service resolves a Chatter per knowledge base, applying llm_config
// overrides on top of the process defaults.
type Service struct {
	defaults config.LLMConfig
}

// NewService creates the resolver.
func NewService(cfg config.LLMConfig) *Service {
	return &Service{defaults: cfg}
}

// ChatterFor builds the provider client for a KB.
func (s *Service) ChatterFor(settings storage.LLMSettings) (Chatter, error) {
	cfg := s.defaults
	if settings.ChatProvider != "" {
		cfg.Provider = settings.ChatProvider
	}
	if settings.ChatBaseURL != "" {
		cfg.BaseURL = settings.ChatBaseURL
	}
	if settings.ChatAPIKey != "" {
		cfg.APIKey = settings.ChatAPIKey
	}
	if settings.ChatModel != "" {
		cfg.Model = settings.ChatModel
	}

	switch cfg.Provider {
	case "mock":
		return &MockChatter{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, faults.New(faults.KindConfiguration, "llm api key is required")
		}
		return &OpenAIChatter{cfg: cfg}, nil
	default:
		return nil, faults.Newf(faults.KindConfiguration, "unknown llm provider %q", cfg.Provider)
	}
}

// OpenAIChatter streams chat completions from an OpenAI-compatible
// endpoint.
type OpenAIChatter struct {
	cfg config.LLMConfig
}

// StreamChat implements Chatter.
func (c *OpenAIChatter) StreamChat(ctx context.Context, messages []Message, onDelta func(string) error) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(c.cfg.APIKey)}
	if c.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	params.Temperature = openai.Float(c.cfg.Temperature)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return full.String(), faults.Wrap(faults.KindProviderError, faults.FromContext(err), "chat completion stream failed")
	}
	return full.String(), nil
}

// MockChatter answers deterministically from the last user turn,
// streaming word by word. Used in tests and local mode.
type MockChatter struct{}

// StreamChat implements Chatter.
func (c *MockChatter) StreamChat(ctx context.Context, messages []Message, onDelta func(string) error) (string, error) {
	var lastUser string
	for _, m := range messages {
		if m.Role == RoleUser {
			lastUser = m.Content
		}
	}
	reply := "Based on the knowledge base: " + lastUser
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := ctx.Err(); err != nil {
			return "", faults.FromContext(err)
		}
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return reply, err
			}
		}
	}
	return reply, nil
}

var (
	_ Chatter = (*OpenAIChatter)(nil)
	_ Chatter = (*MockChatter)(nil)
)
