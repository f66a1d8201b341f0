// Package completion calls the language-model Responses API to rewrite,
// summarize, or brainstorm on a user prompt.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind selects the transformation applied to the prompt.
type Kind string

const (
	KindRewrite    Kind = "rewrite"
	KindSummarize  Kind = "summarize"
	KindBrainstorm Kind = "brainstorm"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindInstructions[k]
	return ok
}

var kindInstructions = map[Kind]string{
	KindRewrite:    "Improve and clarify the user's prompt without changing intent.",
	KindSummarize:  "Summarize the content clearly, preserving key facts and constraints.",
	KindBrainstorm: "Generate multiple creative approaches or ideas relevant to the prompt.",
}

const (
	precisionInstruction = " Ensure the AI follows it precisely. Keep the user's intent, clarify steps, " +
		"add constraints when helpful, and avoid changing meaning. "
	detailedStyle = "Be thorough and explicit with steps, inputs, outputs, and constraints. Return only the improved prompt."

	maxErrorDetail = 64 << 10
)

// Instructions returns the system instructions sent for kind. Unknown kinds
// use the rewrite instruction.
func Instructions(kind Kind) string {
	instr, ok := kindInstructions[kind]
	if !ok {
		instr = kindInstructions[KindRewrite]
	}
	return instr + precisionInstruction + detailedStyle
}

// UpstreamError is a non-2xx reply from the completion API. StatusCode is 0
// when no reply was received.
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "completion request failed: " + e.Detail
	}
	return fmt.Sprintf("completion API returned %d: %s", e.StatusCode, e.Detail)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client calls POST <base>/responses.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

// NewClient returns a client for cfg.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("aiprompter.completion"),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

type responsesRequest struct {
	Model        string  `json:"model"`
	Instructions string  `json:"instructions"`
	Input        string  `json:"input"`
	Temperature  float64 `json:"temperature"`
}

type responsesReply struct {
	OutputText string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// text returns output_text, else the first output content text, else the
// first chat choice.
func (r *responsesReply) text() string {
	if r.OutputText != "" {
		return r.OutputText
	}
	if len(r.Output) > 0 && len(r.Output[0].Content) > 0 && r.Output[0].Content[0].Text != "" {
		return r.Output[0].Content[0].Text
	}
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// Enhance sends prompt with the instructions for kind and returns the
// trimmed reply text.
func (c *Client) Enhance(ctx context.Context, prompt string, kind Kind) (string, error) {
	ctx, span := c.tracer.Start(ctx, "completion.Enhance",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("completion.model", c.cfg.Model),
			attribute.String("completion.kind", string(kind)),
			attribute.Int("completion.prompt_length", len(prompt)),
		),
	)
	defer span.End()

	text, err := c.enhance(ctx, prompt, kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", err
	}
	return text, nil
}

func (c *Client) enhance(ctx context.Context, prompt string, kind Kind) (string, error) {
	body, err := json.Marshal(responsesRequest{
		Model:        c.cfg.Model,
		Instructions: Instructions(kind),
		Input:        prompt,
		Temperature:  c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &UpstreamError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
		return "", &UpstreamError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	var reply responsesReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Detail: "decoding reply: " + err.Error()}
	}
	return strings.TrimSpace(reply.text()), nil
}
