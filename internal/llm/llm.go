package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/cbsepaper/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// Roles of conversation turns after the system prompt.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a generation conversation.
type Turn struct {
	Role    string
	Content string
}

// Request is a single-shot structured generation call.
type Request struct {
	System     string
	Turns      []Turn
	SchemaName string
	Schema     map[string]any
}

// CallError is a failed provider call. Retryable reports whether the failure is
// transient (network, rate limit, server side).
type CallError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *CallError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	embedModel  string
	temperature float32
	jsonSchema  bool
}

// Option configures a Client.
type Option func(*Client)

// WithTemperature sets the sampling temperature for generation calls.
func WithTemperature(t float32) Option {
	return func(c *Client) { c.temperature = t }
}

// WithJSONSchema sends the request schema as a strict json_schema response format
// instead of plain JSON mode. Not every OpenAI-compatible provider supports it.
func WithJSONSchema(enabled bool) Option {
	return func(c *Client) { c.jsonSchema = enabled }
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName, embedModel string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(modelName) == "" {
		return nil, errors.New("model name is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		embedModel:  embedModel,
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EmbeddingModel returns the model used by Embed.
func (c *Client) EmbeddingModel() string {
	return c.embedModel
}

// Ping checks that the endpoint answers and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return classify("list models", err)
	}
	return nil
}

// GenerateText sends the conversation and returns the raw text of the first choice.
func (c *Client) GenerateText(ctx context.Context, req Request) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.model,
		Messages:       toChatMessages(req),
		ResponseFormat: c.responseFormat(req),
		Temperature:    c.temperature,
	})
	if err != nil {
		return "", classify("LLM API call", err)
	}
	if len(resp.Choices) == 0 {
		return "", &CallError{Op: "LLM API call", Err: errors.New("LLM returned no choices")}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response",
		"model", c.model,
		"finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"bytes", len(raw),
	)
	return raw, nil
}

// Embed returns the embedding of text. The language is only logged: the embedding
// model is multilingual.
func (c *Client) Embed(ctx context.Context, text string, lang model.Language) ([]float32, error) {
	if c.embedModel == "" {
		return nil, errors.New("embedding model is not configured")
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, classify("embedding API call", err)
	}
	if len(resp.Data) == 0 {
		return nil, &CallError{Op: "embedding API call", Err: errors.New("no embedding returned")}
	}
	slog.Debug("embedded query", "model", c.embedModel, "lang", lang, "dims", len(resp.Data[0].Embedding))
	return resp.Data[0].Embedding, nil
}

func (c *Client) responseFormat(req Request) *openai.ChatCompletionResponseFormat {
	if c.jsonSchema && req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: schemaJSON(req.Schema),
				Strict: true,
			},
		}
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
}

type schemaJSON map[string]any

func (s schemaJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}

func toChatMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range req.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}

// classify converts a go-openai error into a CallError. Context errors pass through
// unchanged so callers can tell cancellation from provider faults.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &CallError{Op: op, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &CallError{Op: op, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &CallError{Op: op, Err: err}
}
