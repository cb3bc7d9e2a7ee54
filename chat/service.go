// Package chat answers questions about an uploaded annual report through a
// tool-calling agent and splits the answers into renderable segments.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/fabfab/hoa-agent/ingestion"
	"github.com/fabfab/hoa-agent/llm"
	"github.com/fabfab/hoa-agent/prompts"
)

const (
	defaultMaxIterations = 8

	pdfToolName = "pdf_extractor"
)

// ErrMaxIterations is returned when the model keeps requesting tools past
// the configured iteration budget.
var ErrMaxIterations = errors.New("agent did not complete within the iteration limit")

// ErrStreamingUnsupported is returned by RespondStream when the client cannot
// stream completions.
var ErrStreamingUnsupported = errors.New("llm client does not support streaming")

type Service struct {
	extractor     ingestion.Extractor
	llm           llm.Client
	logger        *log.Logger
	maxIterations int
}

func NewService(extractor ingestion.Extractor, llmClient llm.Client, maxIterations int, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	return &Service{
		extractor:     extractor,
		llm:           llmClient,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// Answer is the outcome of one question.
type Answer struct {
	// Chunks are the raw assistant messages in the order they were produced.
	Chunks   []string
	Segments []Segment
}

// Text is the plain answer stored in the conversation history.
func (a *Answer) Text() string {
	return strings.Join(a.Chunks, "\n\n")
}

// Ask answers question about the PDF at path and returns the response
// segments of every assistant message.
func (s *Service) Ask(ctx context.Context, question string, history []Turn, path string) ([]Segment, error) {
	answer, err := s.Respond(ctx, question, history, path)
	if err != nil {
		return nil, err
	}
	return answer.Segments, nil
}

// Respond is Ask returning the raw assistant messages as well.
func (s *Service) Respond(ctx context.Context, question string, history []Turn, path string) (*Answer, error) {
	question, doc, err := s.prepare(ctx, question, path)
	if err != nil {
		return nil, err
	}

	prompt, err := buildPrompt(question, history, doc.Text())
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.MustRender(prompts.System, nil)},
		{Role: llm.RoleSystem, Content: fmt.Sprintf("The uploaded annual report is available at: %s", path)},
		{Role: llm.RoleUser, Content: prompt},
	}

	var chunks []string
	if toolClient, ok := s.llm.(llm.ToolClient); ok {
		chunks, err = s.runAgent(ctx, toolClient, messages, path)
	} else {
		var out string
		out, err = s.llm.Generate(ctx, messages)
		if strings.TrimSpace(out) != "" {
			chunks = []string{out}
		}
	}
	if err != nil {
		return nil, err
	}

	return newAnswer(chunks), nil
}

// CanStream reports whether RespondStream can be used with the configured
// client.
func (s *Service) CanStream() bool {
	_, ok := s.llm.(llm.StreamClient)
	return ok
}

// RespondStream answers without tools and passes each piece of the reply to
// fn as it arrives. The report text is always embedded through the qa
// template since the model cannot fetch it itself.
func (s *Service) RespondStream(ctx context.Context, question string, history []Turn, path string, fn func(string) error) (*Answer, error) {
	streamer, ok := s.llm.(llm.StreamClient)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	question, doc, err := s.prepare(ctx, question, path)
	if err != nil {
		return nil, err
	}

	prompt, err := prompts.Render(prompts.QA, map[string]any{
		prompts.VarPDFContent: doc.Text(),
		prompts.VarHistory:    FormatHistory(history),
		prompts.VarQuestion:   question,
	})
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.MustRender(prompts.System, nil)},
		{Role: llm.RoleUser, Content: prompt},
	}

	var buf strings.Builder
	err = streamer.GenerateStream(ctx, messages, func(chunk string) error {
		buf.WriteString(chunk)
		if fn != nil {
			return fn(chunk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var chunks []string
	if strings.TrimSpace(buf.String()) != "" {
		chunks = []string{buf.String()}
	}
	return newAnswer(chunks), nil
}

// prepare validates the request and extracts the report. The document is
// read on every question; nothing is cached across turns.
func (s *Service) prepare(ctx context.Context, question, path string) (string, *ingestion.Document, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, fmt.Errorf("question cannot be empty")
	}
	if s.extractor == nil {
		return "", nil, fmt.Errorf("extractor is not configured")
	}
	if s.llm == nil {
		return "", nil, fmt.Errorf("llm client is not configured")
	}

	doc, err := s.extractor.Extract(ctx, path)
	if err != nil {
		return "", nil, fmt.Errorf("extract pdf: %w", err)
	}
	return question, doc, nil
}

func newAnswer(chunks []string) *Answer {
	answer := &Answer{Chunks: chunks}
	for _, chunk := range chunks {
		answer.Segments = append(answer.Segments, ParseResponse(chunk)...)
	}
	return answer
}

// buildPrompt sends the raw question on the first turn and the qa template
// once there is history to carry.
func buildPrompt(question string, history []Turn, pdfContent string) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	return prompts.Render(prompts.QA, map[string]any{
		prompts.VarPDFContent: pdfContent,
		prompts.VarHistory:    FormatHistory(history),
		prompts.VarQuestion:   question,
	})
}

func (s *Service) runAgent(ctx context.Context, client llm.ToolClient, messages []llm.Message, path string) ([]string, error) {
	tools := []llm.Tool{pdfTool()}
	var chunks []string

	for iteration := 1; iteration <= s.maxIterations; iteration++ {
		reply, err := client.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return nil, err
		}

		if strings.TrimSpace(reply.Content) != "" {
			chunks = append(chunks, reply.Content)
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})

		if len(reply.ToolCalls) == 0 {
			return chunks, nil
		}

		for _, call := range reply.ToolCalls {
			s.logger.Printf("agent iteration %d: tool %s", iteration, call.Name)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    s.runTool(ctx, call, path),
				ToolCallID: call.ID,
			})
		}
	}

	return nil, fmt.Errorf("%w (%d)", ErrMaxIterations, s.maxIterations)
}

func pdfTool() llm.Tool {
	return llm.Tool{
		Name:        pdfToolName,
		Description: "Extract text content from a PDF file given its path.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pdf_path": map[string]any{
					"type":        "string",
					"description": "Path of the uploaded annual report PDF.",
				},
			},
			"required": []string{"pdf_path"},
		},
	}
}

// runTool executes a tool call. Failures are reported to the model as text.
func (s *Service) runTool(ctx context.Context, call llm.ToolCall, sessionPath string) string {
	if call.Name != pdfToolName {
		return fmt.Sprintf("unknown tool %q", call.Name)
	}

	var args struct {
		PDFPath string `json:"pdf_path"`
	}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err)
		}
	}

	path := args.PDFPath
	if path == "" {
		path = sessionPath
	}
	if filepath.Clean(path) != filepath.Clean(sessionPath) {
		return "An error occurred while extracting the PDF: only the uploaded report can be read"
	}

	doc, err := s.extractor.Extract(ctx, path)
	if err != nil {
		s.logger.Printf("pdf tool: %v", err)
		return fmt.Sprintf("An error occurred while extracting the PDF: %v", err)
	}
	return doc.Text()
}
