package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vinayprograms/warden/internal/policy"
)

// ErrEmptyOutput and ErrNoDecision are wrapped by parse failures.
var (
	ErrEmptyOutput = errors.New("empty provider output")
	ErrNoDecision  = errors.New("no decodable decision in provider output")
)

var fencedJSON = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// rawDecision accepts the field spellings providers tend to produce.
type rawDecision struct {
	Kind          string     `json:"kind"`
	Action        *rawAction `json:"action"`
	FinalResponse string     `json:"final_response"`
	FinalAnswer   string     `json:"final_answer"`
	Plan          string     `json:"plan"`
}

type rawAction struct {
	ToolName  string                 `json:"tool_name"`
	Tool      string                 `json:"tool"`
	Reason    string                 `json:"reason"`
	Args      map[string]interface{} `json:"args"`
	RiskLevel string                 `json:"risk_level"`
}

// ParseDecision extracts a decision from provider text. It tries the whole
// text, then each fenced json block, then the outermost {...} span.
func ParseDecision(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyOutput
	}

	candidates := []string{text}
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	var lastErr error
	for _, c := range candidates {
		var raw rawDecision
		if err := json.Unmarshal([]byte(c), &raw); err != nil {
			lastErr = err
			continue
		}
		d, err := raw.decision()
		if err != nil {
			lastErr = err
			continue
		}
		return d, nil
	}

	preview := strings.ReplaceAll(text, "\n", " ")
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return nil, fmt.Errorf("%w: %v (raw=%s)", ErrNoDecision, lastErr, preview)
}

func (r rawDecision) decision() (*Decision, error) {
	switch strings.ToLower(r.Kind) {
	case KindFinal:
		answer := r.FinalResponse
		if answer == "" {
			answer = r.FinalAnswer
		}
		return &Decision{Kind: KindFinal, FinalAnswer: answer, Plan: r.Plan}, nil
	case KindAction:
		if r.Action == nil {
			return nil, errors.New("action decision without action payload")
		}
		tool := r.Action.ToolName
		if tool == "" {
			tool = r.Action.Tool
		}
		if tool == "" {
			return nil, errors.New("action without tool name")
		}
		tool = strings.ToLower(strings.TrimSpace(tool))
		if tool == "web" {
			tool = policy.ToolSearch
		}
		risk := strings.ToLower(r.Action.RiskLevel)
		if risk == "" {
			risk = policy.RiskMedium
		}
		args := r.Action.Args
		if args == nil {
			args = map[string]interface{}{}
		}
		return &Decision{
			Kind: KindAction,
			Plan: r.Plan,
			Action: &policy.Action{
				Tool:      tool,
				Reason:    r.Action.Reason,
				Args:      args,
				RiskLevel: risk,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown decision kind %q", r.Kind)
	}
}
