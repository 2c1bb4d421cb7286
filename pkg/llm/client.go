package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/zeromicro/go-zero/core/logx"
)

// retryBackoff is the linear backoff unit between attempts, matching the
// gateway's retry cadence.
const retryBackoff = 250 * time.Millisecond

// CompletionClient is the narrow surface the decision adapter depends on.
type CompletionClient interface {
	// Complete sends one composed prompt and returns the model's text output.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Client calls an OpenAI-compatible responses endpoint with retry/backoff.
type Client struct {
	config       *Config
	openaiClient *openai.Client
	logger       Logger
}

// ClientOption configures optional client behaviour.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger       Logger
	openaiClient *openai.Client
}

// WithLogger injects a custom logger implementation.
func WithLogger(logger Logger) ClientOption {
	return func(opts *clientOptions) {
		opts.logger = logger
	}
}

// WithOpenAIClient injects a pre-configured OpenAI client (primarily for
// testing).
func WithOpenAIClient(client *openai.Client) ClientOption {
	return func(opts *clientOptions) {
		opts.openaiClient = client
	}
}

// NewClient constructs a new LLM client using the provided configuration.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("llm: config cannot be nil")
	}
	clientCfg := cfg.Clone()
	if err := clientCfg.Normalise(); err != nil {
		return nil, err
	}
	if err := clientCfg.Validate(); err != nil {
		return nil, err
	}

	optState := clientOptions{}
	for _, opt := range opts {
		opt(&optState)
	}

	logger := optState.logger
	if logger == nil {
		logger = NewLogger(clientCfg.LogLevel)
	}

	oaClient := optState.openaiClient
	if oaClient == nil {
		oaOpts := []option.RequestOption{
			option.WithAPIKey(clientCfg.APIKey),
			option.WithBaseURL(clientCfg.BaseURL),
		}
		if clientCfg.Timeout > 0 {
			oaOpts = append(oaOpts, option.WithRequestTimeout(clientCfg.Timeout))
		}
		clientVal := openai.NewClient(oaOpts...)
		oaClient = &clientVal
	}

	return &Client{
		config:       clientCfg,
		openaiClient: oaClient,
		logger:       logger,
	}, nil
}

// Complete sends the prompt as one responses-API call and returns the text
// of the message item. The endpoint is treated as best-effort; callers
// decide what a failure degrades to.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("llm: prompt cannot be empty")
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(c.config.Model),
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
		Reasoning: openai.ReasoningParam{
			Effort: openai.ReasoningEffort(strings.ToLower(c.config.ReasoningEffort)),
		},
	}
	if c.config.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(c.config.MaxOutputTokens))
	}
	reqOpts := []option.RequestOption{
		option.WithJSONSet("text.verbosity", strings.ToLower(c.config.Verbosity)),
	}

	start := time.Now()
	c.logger.Info(ctx, "llm request", Fields{
		"model":  c.config.Model,
		"effort": c.config.ReasoningEffort,
		"bytes":  len(prompt),
	})

	var resp *responses.Response
	err := c.withBackoff(ctx, func() error {
		r, callErr := c.openaiClient.Responses.New(ctx, params, reqOpts...)
		if callErr != nil {
			c.logger.Error(ctx, fmt.Errorf("llm: response call failed: %w", callErr), Fields{
				"model": c.config.Model,
			})
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", errors.New("llm: empty model output")
	}
	c.logger.Info(ctx, "llm response", Fields{
		"model":       resp.Model,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(text),
	})
	logx.WithContext(ctx).Debugf("llm: raw output: %s", text)
	return text, nil
}

// withBackoff retries fn with linear backoff, making at most MaxRetries
// retries after the first attempt. Only the transient failure classes the responses endpoint actually
// produces are retried; everything else surfaces on the first attempt.
func (c *Client) withBackoff(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= c.config.MaxRetries || !retryableResponse(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// retryableResponse classifies a responses-API failure: throttling and
// server-side statuses retry, as do socket-level timeouts and transient
// transport faults. Auth and bad-request statuses, and a cancelled or
// expired context, fail immediately.
func retryableResponse(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return true
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// GetConfig returns an immutable copy of the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config.Clone()
}
