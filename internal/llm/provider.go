// Package llm defines the language-model boundary: a request/response oracle
// with retries, rate limiting, and an optional response-schema contract.
//
// The rest of the system treats the model as a pure function from prompt to
// structured output. Prompt engineering stays in the calling packages; this
// package only transports requests and enforces the schema contract.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors for provider operations.
var (
	// ErrProvider is returned when the backend fails after all retries.
	ErrProvider = errors.New("llm provider request failed")

	// ErrResponseSchema is returned when the response does not conform to the
	// requested response schema.
	ErrResponseSchema = errors.New("llm response violates response schema")

	// ErrTimeout is returned when a request exceeds the per-request timeout.
	ErrTimeout = errors.New("llm request timed out")
)

type (
	// Request is a single generation request.
	Request struct {
		// Prompt is the full user prompt text.
		Prompt string

		// ResponseSchema, when set, is a JSON Schema (Draft 2020-12) the
		// response content must parse and validate against. The schema is also
		// surfaced to the model as part of the request.
		ResponseSchema map[string]any

		// MaxTokens caps the completion length.
		MaxTokens int

		// Temperature controls sampling; synthesis uses 0.
		Temperature float64
	}

	// Response is the provider's answer with usage accounting.
	Response struct {
		// Content is the raw text content.
		Content string

		// Parsed holds the schema-validated JSON document when a
		// ResponseSchema was requested, nil otherwise.
		Parsed map[string]any

		// Model is the concrete model identifier that served the request.
		Model string

		// InputTokens and OutputTokens are the provider-reported usage.
		InputTokens  int64
		OutputTokens int64

		// LatencyMS is the wall-clock request duration in milliseconds.
		LatencyMS int64
	}

	// Provider is the generation oracle. Implementations are safe for
	// concurrent use; concurrent calls are independent.
	Provider interface {
		Generate(ctx context.Context, req *Request) (*Response, error)
	}
)
