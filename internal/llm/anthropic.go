package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/twinraven-io/twinraven/internal/config"
)

const (
	defaultMaxAttempts       = 3
	defaultRequestTimeout    = 120 * time.Second
	defaultRequestsPerMinute = 60
	baseBackoff              = time.Second
	maxBackoff               = 30 * time.Second
)

// ErrMisconfigured is returned when the provider is constructed without
// credentials or a model identifier. Fatal at startup, never retried.
var ErrMisconfigured = errors.New("llm provider misconfigured")

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// provider. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic provider.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string

		// MaxAttempts bounds retries on transient HTTP statuses. Default 3.
		MaxAttempts int

		// RequestTimeout bounds each attempt. Default 120 s.
		RequestTimeout time.Duration

		// RequestsPerMinute throttles outgoing requests. Default 60.
		RequestsPerMinute int
	}

	// AnthropicProvider implements Provider on top of the Claude Messages API.
	//
	// Transient HTTP statuses (429, 500, 502, 503) are retried with
	// exponential backoff, honoring a server-advertised Retry-After delay.
	// Requests pass through a shared rate limiter; concurrent calls are
	// otherwise independent.
	AnthropicProvider struct {
		msg         MessagesClient
		model       string
		maxAttempts int
		timeout     time.Duration
		limiter     *rate.Limiter
		logger      *slog.Logger
	}
)

// NewAnthropicProvider builds a provider from the given Messages client.
func NewAnthropicProvider(msg MessagesClient, opts Options) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: messages client is required", ErrMisconfigured)
	}

	if opts.Model == "" {
		return nil, fmt.Errorf("%w: model identifier is required", ErrMisconfigured)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}

	return &AnthropicProvider{
		msg:         msg,
		model:       opts.Model,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.RequestTimeout,
		limiter:     rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// NewFromEnv constructs a provider from TWINRAVEN__LLM__* environment
// variables, using the default Anthropic HTTP client. Missing credentials
// are a fatal misconfiguration.
func NewFromEnv() (*AnthropicProvider, error) {
	apiKey := config.GetEnvStr("ANTHROPIC_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", ErrMisconfigured)
	}

	client := sdk.NewClient(option.WithAPIKey(apiKey))

	return NewAnthropicProvider(&client.Messages, Options{
		Model:             config.GetEnvStr("TWINRAVEN__LLM__MODEL", string(sdk.ModelClaudeSonnet4_5_20250929)),
		MaxAttempts:       config.GetEnvInt("TWINRAVEN__LLM__MAX_ATTEMPTS", defaultMaxAttempts),
		RequestTimeout:    config.GetEnvDuration("TWINRAVEN__LLM__REQUEST_TIMEOUT", defaultRequestTimeout),
		RequestsPerMinute: config.GetEnvInt("TWINRAVEN__LLM__REQUESTS_PER_MINUTE", defaultRequestsPerMinute),
	})
}

// Generate issues a Messages request, retrying transient failures, and
// enforces the response schema when one was requested.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	params := p.buildParams(req)
	start := time.Now()

	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		msg, err := p.msg.New(attemptCtx, params)

		cancel()

		if err == nil {
			return p.buildResponse(req, msg, time.Since(start))
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: attempt %d exceeded %s", ErrTimeout, attempt, p.timeout)
		}

		lastErr = err

		retryAfter, transient := transientDelay(err)
		if !transient || attempt == p.maxAttempts {
			break
		}

		delay := backoffDelay(attempt, retryAfter)

		p.logger.Warn("transient provider failure, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrProvider, ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrProvider, lastErr)
}

// buildParams assembles the Messages request. When a response schema is
// given it is embedded as a system instruction so the model emits a single
// conforming JSON document.
func (p *AnthropicProvider) buildParams(req *Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(p.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: sdk.Float(req.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}

	if req.ResponseSchema != nil {
		schema, _ := json.Marshal(req.ResponseSchema)
		params.System = []sdk.TextBlockParam{{
			Text: "Respond with a single JSON document conforming to this JSON Schema. " +
				"No prose, no code fences.\n\n" + string(schema),
		}}
	}

	return params
}

// buildResponse extracts text content and usage, and validates the parsed
// document against the response schema when one was requested.
func (p *AnthropicProvider) buildResponse(req *Request, msg *sdk.Message, elapsed time.Duration) (*Response, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: empty response", ErrProvider)
	}

	var content strings.Builder

	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	response := &Response{
		Content:      content.String(),
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		LatencyMS:    elapsed.Milliseconds(),
	}

	if req.ResponseSchema != nil {
		parsed, err := ParseAgainstSchema(response.Content, req.ResponseSchema)
		if err != nil {
			return nil, err
		}

		response.Parsed = parsed
	}

	return response, nil
}

// transientDelay classifies an SDK error: transient HTTP statuses report
// true, with any server-advertised Retry-After delay.
func transientDelay(err error) (time.Duration, bool) {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return 0, false
	}

	switch apiErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable:
	default:
		return 0, false
	}

	if apiErr.Response != nil {
		if header := apiErr.Response.Header.Get("Retry-After"); header != "" {
			if seconds, parseErr := strconv.Atoi(header); parseErr == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second, true
			}
		}
	}

	return 0, true
}

// backoffDelay computes the exponential backoff for an attempt, preferring
// the server-advertised delay when present.
func backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	delay := baseBackoff << (attempt - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}

	return delay
}
