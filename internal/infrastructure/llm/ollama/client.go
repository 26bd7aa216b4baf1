package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/document-classifier/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds a client for a local Ollama server. The validator bounds every call with its own
// timeout; the HTTP client timeout only guards against a hung connection.
func New(baseURL, model string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 180 * time.Second},
		executor:   executor,
	}
}

// Classifier implements ports.LLMClassifier on /api/chat in JSON mode.
type Classifier struct {
	client *Client
}

func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

func (c *Classifier) Classify(ctx context.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	system, user, err := prompt.Messages(req)
	if err != nil {
		return domain.LLMResponse{}, err
	}
	payload := chatRequest{
		Model: c.client.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format:  "json",
		Options: map[string]any{"temperature": 0.2},
	}

	var response chatResponse
	call := func(ctx context.Context) error {
		return c.client.postJSON(ctx, "/api/chat", payload, &response, "chat")
	}
	if c.client.executor != nil {
		err = c.client.executor.Execute(ctx, "ollama_chat", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.LLMResponse{}, wrapUnavailable("ollama classify", err)
	}
	return prompt.Parse(response.Message.Content)
}
