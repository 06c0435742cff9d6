// Package scorer builds the tier-aware scoring prompt, calls a language
// model provider and turns its reply into a narrative and a bounded score.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-profile-insights/metrics"
	"github.com/aluiziolira/go-profile-insights/models"
)

const (
	sourceLLM = "llm"

	// ExchangeKind tags prompt/response records in the raw log.
	ExchangeKind = "llm_exchange"
)

var (
	// ErrMalformedResponse means the provider answered without usable text.
	ErrMalformedResponse = errors.New("scorer: unexpected response structure or no content")
	// ErrNotConfigured means no provider or credentials are available.
	ErrNotConfigured = errors.New("scorer: language model provider is not configured")
)

// RemoteError is an explicit error payload returned by the provider.
type RemoteError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// TransportError wraps a network or call failure that produced no reply.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Provider completes a single prompt against a remote language model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Recorder receives prompt/response exchanges for the raw log.
type Recorder interface {
	Record(kind, identity string, payload json.RawMessage) error
}

// Outcome is the narrative and score of one scoring call.
type Outcome struct {
	Text  string
	Score int
}

// Scorer scores assembled profiles through a Provider.
type Scorer struct {
	provider  Provider
	maxTokens int
	metrics   *metrics.Metrics
	recorder  Recorder
}

// New returns a Scorer. A nil provider yields a not-configured failure
// text on every call.
func New(p Provider, maxTokens int, m *metrics.Metrics) *Scorer {
	return &Scorer{provider: p, maxTokens: maxTokens, metrics: m}
}

// SetRecorder enables exchange logging.
func (s *Scorer) SetRecorder(r Recorder) {
	s.recorder = r
}

// Score builds the prompt, calls the provider once and parses the reply.
// Failures never escape: they become the narrative with a zero score.
func (s *Scorer) Score(ctx context.Context, profile models.Profile, posts []models.Post) Outcome {
	prompt := BuildPrompt(profile, posts)

	text, err := s.complete(ctx, prompt)
	s.record(profile.Identity, prompt, text, err)
	if err != nil {
		s.metrics.IncError(sourceLLM, errorLabel(err))
		slog.Warn("scoring call failed",
			slog.String("identity", profile.Identity),
			slog.Any("error", err),
		)
		return Outcome{Text: FailureText(err), Score: 0}
	}

	return Outcome{Text: text, Score: ParseScore(text)}
}

func (s *Scorer) complete(ctx context.Context, prompt string) (string, error) {
	if s.provider == nil {
		return "", ErrNotConfigured
	}
	start := time.Now()
	text, err := s.provider.Complete(ctx, prompt, s.maxTokens)
	s.metrics.ObserveRequest(sourceLLM, time.Since(start))
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrMalformedResponse
	}
	return text, nil
}

// FailureText maps a scoring error to the narrative shown to the user.
func FailureText(err error) string {
	var remote *RemoteError
	var transport *TransportError
	switch {
	case errors.As(err, &remote):
		return "AI analysis failed: " + remote.Message
	case errors.Is(err, ErrMalformedResponse):
		return "AI analysis could not be generated due to unexpected response structure or no content."
	case errors.As(err, &transport):
		return fmt.Sprintf("Failed to get AI analysis due to a network or API call error: %v", transport.Err)
	case errors.Is(err, ErrNotConfigured):
		return "AI analysis failed: no language model provider is configured."
	default:
		return fmt.Sprintf("An unexpected error occurred during AI analysis: %v", err)
	}
}

func errorLabel(err error) string {
	var remote *RemoteError
	var transport *TransportError
	switch {
	case errors.As(err, &remote):
		return "remote"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &transport):
		return "transport"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "other"
	}
}

type exchange struct {
	Provider string `json:"provider,omitempty"`
	Prompt   string `json:"prompt"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Scorer) record(identity, prompt, response string, callErr error) {
	if s.recorder == nil {
		return
	}
	entry := exchange{Prompt: prompt, Response: response}
	if s.provider != nil {
		entry.Provider = s.provider.Name()
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.recorder.Record(ExchangeKind, identity, payload); err != nil {
		slog.Warn("exchange log write failed", slog.Any("error", err))
	}
}
