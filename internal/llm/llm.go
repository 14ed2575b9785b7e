// Package llm adapts reasoning providers to the step loop.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/session"
	"github.com/vinayprograms/warden/internal/tools"
)

// Decision kinds.
const (
	KindAction = "action"
	KindFinal  = "final"
)

// ErrUnsupportedProvider is returned by New for unknown provider names.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Request is everything a provider sees when proposing the next step.
type Request struct {
	Goal     string
	Cwd      string
	History  []session.Event
	Tools    []tools.Spec
	TeamMode bool
}

// Decision is a provider's answer: exactly one action, or a final answer.
type Decision struct {
	Kind        string         `json:"kind"`
	Action      *policy.Action `json:"action,omitempty"`
	FinalAnswer string         `json:"final_response,omitempty"`
	Plan        string         `json:"plan,omitempty"`
	Usage       Usage          `json:"usage"`
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider proposes the next step of a run.
type Provider interface {
	Name() string
	Model() string
	Propose(ctx context.Context, req Request) (*Decision, error)
}

// ProviderError wraps transport and parse failures.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	MaxTokens int
	BaseURL   string
}

// New creates the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "gemini", "google":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q (supported: openai, anthropic, gemini)", ErrUnsupportedProvider, cfg.Provider)
	}
}

// decide parses raw provider text, wrapping parse failures as ProviderError.
func decide(provider, text string, usage Usage) (*Decision, error) {
	d, err := ParseDecision(text)
	if err != nil {
		return nil, &ProviderError{Provider: provider, Err: err}
	}
	d.Usage = usage
	return d, nil
}
