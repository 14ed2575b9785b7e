package policy

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside the working root.
var ErrPathEscape = errors.New("path escapes working directory")

type compiledPattern struct {
	Pattern
	re *regexp.Regexp
}

func compilePatterns(patterns []Pattern) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("policy pattern %q has no name", p.Regex)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("policy pattern %s: %w", p.Name, err)
		}
		out = append(out, compiledPattern{Pattern: p, re: re})
	}
	return out, nil
}

// Engine evaluates actions for one working directory. Evaluate performs no
// I/O, so identical inputs always produce identical verdicts.
type Engine struct {
	root      string
	commands  map[string]bool
	fileOps   map[string]bool
	tools     map[string]bool
	protected []string
	patterns  []compiledPattern
}

// NewEngine builds an engine rooted at root. Built-in patterns are always
// checked before rules.Patterns.
func NewEngine(root string, rules Rules) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	patterns, err := compilePatterns(append(BuiltinPatterns(), rules.Patterns...))
	if err != nil {
		return nil, err
	}
	return &Engine{
		root:      filepath.Clean(abs),
		commands:  toSet(rules.AllowedCommands),
		fileOps:   toSet(rules.AllowedFileOps),
		tools:     toSet(rules.AllowedTools),
		protected: rules.ProtectedPaths,
		patterns:  patterns,
	}, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = true
	}
	return set
}

// Root returns the absolute working directory.
func (e *Engine) Root() string { return e.root }

// verdictSet keeps the strictest verdict seen. On a tie the first one wins.
type verdictSet struct {
	best  Verdict
	found bool
}

func (s *verdictSet) add(c Classification, rule, reason string) {
	if !s.found || c.rank() > s.best.Classification.rank() {
		s.best = Verdict{Classification: c, MatchedRule: rule, Reason: reason}
		s.found = true
	}
}

// Evaluate classifies an action.
func (e *Engine) Evaluate(a Action) Verdict {
	var vs verdictSet

	switch normalizeTool(a.Tool) {
	case ToolShell:
		e.evalShell(a, &vs)
	case ToolFile:
		e.evalFile(a, &vs)
	case ToolSearch:
		e.evalSearch(a, &vs)
	default:
		vs.add(Deny, RuleUnknownTool, fmt.Sprintf("unknown tool %q", a.Tool))
	}

	if !vs.found {
		vs.add(RequiresApproval, RuleDefault, "action is not covered by an allow rule")
	}
	if vs.best.Classification == Allow && strings.EqualFold(a.RiskLevel, RiskHigh) {
		return Verdict{
			Classification: RequiresApproval,
			MatchedRule:    RuleHighRisk,
			Reason:         "action was flagged as high risk",
		}
	}
	return vs.best
}

func (e *Engine) evalShell(a Action, vs *verdictSet) {
	command := strings.TrimSpace(a.StringArg("command"))
	if command == "" {
		vs.add(Deny, RuleMalformed, "shell action has no command")
		return
	}

	lower := strings.ToLower(command)
	for _, p := range e.patterns {
		if p.re.MatchString(lower) {
			reason := p.Reason
			if reason == "" {
				reason = "command matches a blocked pattern"
			}
			vs.add(Deny, p.Name, reason)
			return
		}
	}

	line, err := ParseCommand(command)
	if err != nil || len(line.Commands) == 0 {
		vs.add(Deny, RuleMalformed, "shell command cannot be parsed")
		return
	}

	for _, words := range line.Commands {
		if exe := words[0]; looksLikeExecutablePath(exe) {
			if e.denyPath(exe, fmt.Sprintf("executable %q", exe), vs) {
				return
			}
		}
		for _, tok := range words[1:] {
			candidate := tok
			if strings.HasPrefix(tok, "-") {
				i := strings.IndexByte(tok, '=')
				if i < 0 {
					continue
				}
				candidate = tok[i+1:]
			}
			if candidate == "" || !looksLikePath(candidate) {
				continue
			}
			if e.denyPath(candidate, fmt.Sprintf("argument %q", candidate), vs) {
				return
			}
		}
	}
	for _, target := range line.Redirects {
		if target != "" && looksLikePath(target) && e.denyPath(target, fmt.Sprintf("redirect target %q", target), vs) {
			return
		}
	}

	if line.Compound {
		vs.add(RequiresApproval, RuleControlOperator, "command needs shell interpretation")
		return
	}

	// Command allowlist entries name bare commands; a path such as ./ls
	// only passes when the whole shell tool is allowlisted.
	exe := line.Commands[0][0]
	if e.tools[ToolShell] {
		vs.add(Allow, RuleAllowedTool, "shell is allowlisted")
		return
	}
	if looksLikeExecutablePath(exe) {
		return
	}
	name := strings.TrimSuffix(strings.ToLower(exe), ".exe")
	if e.commands[name] {
		vs.add(Allow, RuleAllowedCommand, fmt.Sprintf("%s is allowlisted", name))
	}
}

// denyPath records a DENY when p escapes the root or is protected.
func (e *Engine) denyPath(p, what string, vs *verdictSet) bool {
	rel, err := e.resolve(p)
	if err != nil {
		vs.add(Deny, RulePathEscape, fmt.Sprintf("%s resolves outside %s", what, e.root))
		return true
	}
	if e.isProtected(rel) {
		vs.add(Deny, RuleProtectedPath, fmt.Sprintf("%s is a protected path", what))
		return true
	}
	return false
}

func (e *Engine) evalFile(a Action, vs *verdictSet) {
	op := strings.ToLower(strings.TrimSpace(a.StringArg("op")))
	p := a.StringArg("path")

	switch op {
	case "read", "write":
		if strings.TrimSpace(p) == "" {
			vs.add(Deny, RuleMalformed, fmt.Sprintf("file %s requires a path", op))
			return
		}
	case "list", "search":
		if strings.TrimSpace(p) == "" {
			p = "."
		}
	default:
		vs.add(Deny, RuleMalformed, fmt.Sprintf("unknown file op %q", op))
		return
	}

	rel, err := e.resolve(p)
	if err != nil {
		vs.add(Deny, RulePathEscape, fmt.Sprintf("path %q resolves outside %s", p, e.root))
		return
	}
	if e.isProtected(rel) {
		if op == "write" {
			vs.add(Deny, RuleProtectedPath, fmt.Sprintf("%s is protected", rel))
			return
		}
		vs.add(RequiresApproval, RuleProtectedPath, fmt.Sprintf("%s is protected", rel))
		return
	}

	if e.fileOps[op] || e.tools[ToolFile] {
		vs.add(Allow, RuleAllowedFileOp, fmt.Sprintf("file %s is allowlisted", op))
	}
}

func (e *Engine) evalSearch(a Action, vs *verdictSet) {
	if strings.TrimSpace(a.StringArg("query")) == "" {
		vs.add(Deny, RuleMalformed, "search action has no query")
		return
	}
	if e.tools[ToolSearch] {
		vs.add(Allow, RuleAllowedTool, "search is allowlisted")
	}
}

// resolve returns the slash-separated path of p relative to the root.
func (e *Engine) resolve(p string) (string, error) {
	_, rel, err := resolveWithin(e.root, p)
	return rel, err
}

// ResolvePath joins p onto root and returns the absolute result, failing
// with ErrPathEscape when it lands outside root. Backslashes are treated
// as separators and ~ is never expanded.
func ResolvePath(root, p string) (string, error) {
	abs, _, err := resolveWithin(root, p)
	return abs, err
}

func resolveWithin(root, p string) (string, string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "~") {
		return "", "", ErrPathEscape
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", "", ErrPathEscape
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", ErrPathEscape
	}
	return p, rel, nil
}

func (e *Engine) isProtected(rel string) bool {
	for _, pattern := range e.protected {
		if matchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

// matchGlob matches slash-separated paths where ** spans any number of segments.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

func looksLikePath(s string) bool {
	s = strings.ReplaceAll(s, `\`, "/")
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~") {
		return true
	}
	if strings.Contains(s, "://") {
		return false
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return true
		}
	}
	return strings.Contains(s, "/") || strings.HasPrefix(s, ".")
}

// looksLikeExecutablePath reports whether a command word names a file
// rather than a command looked up on PATH.
func looksLikeExecutablePath(s string) bool {
	return strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, "~")
}
