package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const providerOllama = "ollama"

type ollamaClient struct {
	host        string
	model       string
	temperature float32
	timeout     time.Duration
	client      *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

var (
	_ ToolClient   = (*ollamaClient)(nil)
	_ StreamClient = (*ollamaClient)(nil)
)

func NewOllamaClient(opts Options) ToolClient {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaClient{
		host:        host,
		model:       opts.Model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		client:      &http.Client{},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	reply, err := c.GenerateWithTools(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (c *ollamaClient) GenerateWithTools(ctx context.Context, messages []Message, tools []Tool) (Reply, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	payload := c.newRequest(messages, false)
	payload.Tools = toOllamaTools(tools)

	resp, err := c.post(ctx, payload)
	if err != nil {
		return Reply{}, &CompletionError{Provider: providerOllama, Err: err}
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Reply{}, &CompletionError{Provider: providerOllama, Err: fmt.Errorf("decode ollama response: %w", err)}
	}

	if parsed.Error != "" {
		return Reply{}, &CompletionError{Provider: providerOllama, Err: fmt.Errorf("ollama chat error: %s", parsed.Error)}
	}

	reply := Reply{Content: parsed.Message.Content}
	for i, tc := range parsed.Message.ToolCalls {
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if args == "" || args == "null" {
			args = "{}"
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return reply, nil
}

func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, c.newRequest(messages, true))
	if err != nil {
		return &CompletionError{Provider: providerOllama, Err: err}
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CompletionError{Provider: providerOllama, Err: fmt.Errorf("decode ollama stream response: %w", err)}
		}

		if chunk.Error != "" {
			return &CompletionError{Provider: providerOllama, Err: fmt.Errorf("ollama chat error: %s", chunk.Error)}
		}

		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}

		if chunk.Done {
			return nil
		}
	}
}

func (c *ollamaClient) newRequest(messages []Message, stream bool) ollamaChatRequest {
	payload := ollamaChatRequest{
		Model:    c.model,
		Stream:   stream,
		Messages: toOllamaMessages(messages),
	}
	if c.temperature > 0 {
		payload.Options = map[string]any{"temperature": c.temperature}
	}
	return payload
}

// post sends the chat request and returns the response for a 2xx status.
// The caller owns the body.
func (c *ollamaClient) post(ctx context.Context, payload ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read ollama chat error body: %w", readErr)
		}
		if len(data) > 0 {
			return nil, fmt.Errorf("ollama chat API error: %s", string(data))
		}
		return nil, fmt.Errorf("ollama chat API returned status %s", resp.Status)
	}

	return resp, nil
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i, msg := range messages {
		converted[i] = ollamaChatMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = json.RawMessage(tc.Arguments)
			if !json.Valid(call.Function.Arguments) {
				call.Function.Arguments = json.RawMessage("{}")
			}
			converted[i].ToolCalls = append(converted[i].ToolCalls, call)
		}
	}
	return converted
}

func toOllamaTools(tools []Tool) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	converted := make([]ollamaTool, len(tools))
	for i, tool := range tools {
		converted[i] = ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return converted
}
