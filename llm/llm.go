package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabfab/hoa-agent/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const defaultTimeout = 60 * time.Second

type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID links a tool result message to the call it answers.
	ToolCallID string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error
}

// Tool describes a function the model may call. Parameters is a JSON Schema
// object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Reply is one assistant turn of a tool-enabled conversation.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

type ToolClient interface {
	Client
	GenerateWithTools(ctx context.Context, messages []Message, tools []Tool) (Reply, error)
}

// CompletionError is returned for any failure at the completion boundary:
// transport, service status, malformed payloads and deadlines alike.
type CompletionError struct {
	Provider string
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s completion: %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

type Options struct {
	Provider    string
	Model       string
	Temperature float32
	Timeout     time.Duration

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		Timeout:       cfg.LLM.Timeout,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

// Complete sends prompt as a single user message and returns the raw
// completion text.
func Complete(ctx context.Context, client Client, prompt string) (string, error) {
	if client == nil {
		return "", &CompletionError{Provider: "llm", Err: errors.New("client is not configured")}
	}
	out, err := client.Generate(ctx, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		var completionErr *CompletionError
		if errors.As(err, &completionErr) {
			return "", err
		}
		return "", &CompletionError{Provider: "llm", Err: err}
	}
	return out, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
