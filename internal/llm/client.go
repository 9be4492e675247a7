// Package llm is the single outbound call type of the pipeline: a rendered
// message sequence in, one text completion out.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/lucasnoah/bugfactory/internal/prompt"
)

// Defaults for the hosted provider.
const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"
	DefaultKeyEnv  = "GROQ_API_KEY"
)

// Client returns the full text completion for a message sequence.
type Client interface {
	Complete(ctx context.Context, msgs []prompt.Message) (string, error)
}

// Options configures an OpenAIClient.
type Options struct {
	BaseURL   string
	Model     string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration // per call; zero means no timeout
	Logger    *zap.Logger
}

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewOpenAIClient creates a client. The API key is required.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, &ProviderError{Model: opts.Model, Kind: KindAuth, Err: errors.New("no API key configured")}
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	} else {
		cfg.BaseURL = DefaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		timeout:   opts.Timeout,
		logger:    logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete sends one blocking chat-completion request.
func (c *OpenAIClient) Complete(ctx context.Context, msgs []prompt.Message) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAI(msgs),
		Temperature: minTemperature,
	}
	if c.maxTokens > 0 {
		req.MaxCompletionTokens = c.maxTokens
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		perr := classify(c.model, err)
		c.logger.Warn("chat completion failed",
			zap.String("model", c.model),
			zap.String("kind", string(perr.Kind)),
			zap.Int("status", perr.StatusCode),
			zap.Error(err))
		return "", perr
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Model: c.model, Kind: KindMalformed, Err: errors.New("response has no choices")}
	}

	c.logger.Debug("chat completion",
		zap.String("model", c.model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

// minTemperature is the sampling temperature of every request. The request
// field is omitempty, so an exact zero would be dropped and the provider
// default used instead.
const minTemperature = math.SmallestNonzeroFloat32

func toOpenAI(msgs []prompt.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: roleFor(m.Role), Content: m.Content})
	}
	return out
}

func roleFor(r prompt.Role) string {
	switch r {
	case prompt.RoleSystem:
		return openai.ChatMessageRoleSystem
	case prompt.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// classify turns a transport or API error into a ProviderError.
func classify(model string, err error) *ProviderError {
	perr := &ProviderError{Model: model, Kind: KindNetwork, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		perr.StatusCode = apiErr.HTTPStatusCode
		perr.Kind = kindForStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		perr.StatusCode = reqErr.HTTPStatusCode
		perr.Kind = kindForStatus(reqErr.HTTPStatusCode)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		perr.Kind = KindNetwork
	case errors.As(err, &netErr):
		perr.Kind = KindNetwork
	default:
		// go-openai returns plain errors when the body cannot be decoded.
		perr.Kind = KindMalformed
	}
	return perr
}

func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status == 0:
		return KindNetwork
	default:
		return KindRequest
	}
}

// Kind categorizes a provider failure.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindNetwork   Kind = "network"
	KindServer    Kind = "server"
	KindMalformed Kind = "malformed"
	KindRequest   Kind = "request"
)

// ProviderError is any failure of an LLM call: authentication, rate limiting,
// network failure, or a malformed response.
type ProviderError struct {
	Model      string
	StatusCode int
	Kind       Kind
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm provider (%s, model %s, status %d): %v", e.Kind, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm provider (%s, model %s): %v", e.Kind, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request could succeed.
func (e *ProviderError) Temporary() bool {
	switch e.Kind {
	case KindRateLimit, KindServer:
		return true
	case KindNetwork:
		return !errors.Is(e.Err, context.Canceled)
	default:
		return false
	}
}
