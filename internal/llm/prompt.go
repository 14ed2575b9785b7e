package llm

import (
	"encoding/json"
	"strings"
)

// SystemPrompt instructs the provider to answer with one JSON decision.
const SystemPrompt = `You are a safe task automation agent.
You must respond with JSON only.
Decide one of:
1) {"kind":"action","plan":"...","action":{"tool_name":"file|shell|search","reason":"...","args":{...},"risk_level":"low|medium|high"}}
2) {"kind":"final","final_response":"..."}

Rules:
- Propose exactly one action per step.
- Keep action args concrete and minimal.
- Use risk_level=high for potentially destructive commands.
- Never propose out-of-scope system changes.
- Shell commands run without a shell: no pipes, chaining, redirects or variables.
- Paths are relative to the working directory.`

const (
	teamModeLine   = "Use an internal planner/executor/reviewer perspective before finalizing one action."
	directModeLine = "Reason directly."
)

type promptEvent struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type promptContext struct {
	Cwd    string        `json:"cwd"`
	Tools  interface{}   `json:"tools,omitempty"`
	Events []promptEvent `json:"recent_events"`
}

// BuildPrompt renders the user prompt for a request.
func BuildPrompt(req Request) string {
	ctx := promptContext{Cwd: req.Cwd, Events: make([]promptEvent, 0, len(req.History))}
	if len(req.Tools) > 0 {
		ctx.Tools = req.Tools
	}
	for _, ev := range req.History {
		ctx.Events = append(ctx.Events, promptEvent{Seq: ev.SeqID, Type: string(ev.Type), Payload: ev.Payload})
	}
	contextJSON, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		contextJSON = []byte("{}")
	}

	mode := directModeLine
	if req.TeamMode {
		mode = teamModeLine
	}

	var b strings.Builder
	b.WriteString("Goal:\n")
	b.WriteString(req.Goal)
	b.WriteString("\n\nContext:\n")
	b.Write(contextJSON)
	b.WriteString("\n\n")
	b.WriteString(mode)
	b.WriteString("\nReturn strict JSON only.")
	return b.String()
}
