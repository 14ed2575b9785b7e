package registry

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/vinayprograms/warden/internal/config"
	"github.com/vinayprograms/warden/internal/executor"
	"github.com/vinayprograms/warden/internal/llm"
	"github.com/vinayprograms/warden/internal/policy"
	"github.com/vinayprograms/warden/internal/tools"
)

// ProviderFactory creates the reasoning provider for a new run.
type ProviderFactory func(ctx context.Context, provider, model string) (llm.Provider, error)

// DefaultProviderFactory builds SDK-backed providers. The configured
// api_key_env applies to the configured provider; other providers read
// their conventional environment variable.
func DefaultProviderFactory(cfg *config.Config) ProviderFactory {
	return func(ctx context.Context, provider, model string) (llm.Provider, error) {
		apiKey := os.Getenv(config.DefaultAPIKeyEnv(provider))
		baseURL := ""
		if strings.EqualFold(provider, cfg.LLM.Provider) {
			apiKey = cfg.GetAPIKey()
			baseURL = cfg.LLM.BaseURL
		}
		if apiKey == "" && (provider == "gemini" || provider == "google") {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		return llm.New(ctx, llm.Config{
			Provider:  provider,
			Model:     model,
			APIKey:    apiKey,
			MaxTokens: cfg.LLM.MaxTokens,
			BaseURL:   baseURL,
		})
	}
}

// RulesFromConfig converts the [policy] section into engine rules.
func RulesFromConfig(pc config.PolicyConfig) policy.Rules {
	rules := policy.Rules{
		AllowedCommands: pc.AllowedCommands,
		AllowedFileOps:  pc.AllowedFileOps,
		AllowedTools:    pc.AllowedTools,
		ProtectedPaths:  pc.ProtectedPaths,
	}
	for _, p := range pc.Patterns {
		rules.Patterns = append(rules.Patterns, policy.Pattern{Name: p.Name, Regex: p.Regex, Reason: p.Reason})
	}
	return rules
}

// LoopOptions converts the [loop] section into orchestrator options.
func LoopOptions(lc config.LoopConfig) executor.Options {
	return executor.Options{
		MaxSteps:             lc.MaxSteps,
		MaxRetries:           lc.MaxRetries,
		ProviderRetries:      lc.ProviderRetries,
		RetryBackoff:         config.Duration(lc.RetryBackoff, 500*time.Millisecond),
		ApprovalMode:         lc.ApprovalMode,
		TeamMode:             lc.TeamMode,
		HaltOnDeny:           lc.HaltOnDeny,
		HaltOnReject:         lc.HaltOnReject,
		HaltOnRetryExhausted: lc.HaltOnRetryExhausted,
		HistoryWindow:        lc.HistoryWindow,
	}
}

// ToolOptions converts the [tools] section into tool options.
func ToolOptions(cfg *config.Config) tools.Options {
	return tools.Options{
		ShellTimeout:     config.Duration(cfg.Tools.ShellTimeout, 30*time.Second),
		MaxOutputBytes:   cfg.Tools.MaxOutputBytes,
		SearchAPIKey:     cfg.GetSearchAPIKey(),
		SearchMaxResults: cfg.Tools.SearchMaxResults,
		SearchTimeout:    config.Duration(cfg.Tools.SearchTimeout, 30*time.Second),
	}
}
