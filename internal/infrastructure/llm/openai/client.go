package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/document-classifier/internal/infrastructure/resilience"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// AzureEndpoint switches the client to an Azure OpenAI deployment named by Model.
	AzureEndpoint string
	Temperature   float32
	// RequestsPerMinute caps outgoing calls; zero disables the limiter.
	RequestsPerMinute int
}

// Classifier implements ports.LLMClassifier on the chat completions API in JSON mode.
type Classifier struct {
	client   *goopenai.Client
	model    string
	temp     float32
	limiter  *rate.Limiter
	executor *resilience.Executor
}

func NewClassifier(cfg Config, executor *resilience.Executor) (*Classifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	var clientConfig goopenai.ClientConfig
	if cfg.AzureEndpoint != "" {
		clientConfig = goopenai.DefaultAzureConfig(cfg.APIKey, cfg.AzureEndpoint)
	} else {
		clientConfig = goopenai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	}

	model := cfg.Model
	if model == "" {
		model = goopenai.GPT4oMini
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return &Classifier{
		client:   goopenai.NewClientWithConfig(clientConfig),
		model:    model,
		temp:     cfg.Temperature,
		limiter:  limiter,
		executor: executor,
	}, nil
}

func (c *Classifier) Classify(ctx context.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	system, user, err := prompt.Messages(req)
	if err != nil {
		return domain.LLMResponse{}, err
	}
	chatReq := goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temp,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var content string
	call := func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return domain.WrapError(domain.ErrLLMUnavailable, "openai rate limit wait", err)
			}
		}
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return domain.WrapError(domain.ErrLLMMalformedResponse, "openai chat", errors.New("no choices in response"))
		}
		content = resp.Choices[0].Message.Content
		return nil
	}
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai_chat", call, classifyOpenAIError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.LLMResponse{}, wrapUnavailable(err)
	}
	return prompt.Parse(content)
}

func statusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests, code >= 500:
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	case code >= 400:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ClassifyDomainError(err)
}

// wrapUnavailable keeps malformed answers as they are; a rejected request (400) is treated as
// malformed too, since retrying the same prompt cannot fix it.
func wrapUnavailable(err error) error {
	if domain.IsKind(err, domain.ErrLLMMalformedResponse) || domain.IsKind(err, domain.ErrLLMUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if statusCode(err) == http.StatusBadRequest {
		return domain.WrapError(domain.ErrLLMMalformedResponse, "openai classify", err)
	}
	return domain.WrapError(domain.ErrLLMUnavailable, "openai classify", err)
}
