package policy

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var (
	// ErrMalformedCommand is returned for a command line that does not parse.
	ErrMalformedCommand = errors.New("malformed shell command")

	// ErrCompoundCommand is returned by SplitCommand for command lines that
	// need a shell to run: pipes, lists, redirects, subshells, assignments
	// and expansions.
	ErrCompoundCommand = errors.New("command needs shell interpretation")
)

// CommandLine is a parsed shell command line.
type CommandLine struct {
	// Commands holds the words of every simple command, including those
	// nested in pipelines, lists and substitutions, in source order.
	// Words that contain expansions are kept as written.
	Commands [][]string

	// Redirects holds redirect targets (heredoc bodies excluded).
	Redirects []string

	// Compound is false only for a single simple command made of literal words.
	Compound bool
}

// ParseCommand parses command with a bash parser. No expansion is done.
func ParseCommand(command string) (*CommandLine, error) {
	f, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	line := &CommandLine{Compound: len(f.Stmts) > 1}
	syntax.Walk(f, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Negated || n.Background || n.Coprocess || len(n.Redirs) > 0 {
				line.Compound = true
			}
			if n.Cmd != nil {
				if _, ok := n.Cmd.(*syntax.CallExpr); !ok {
					line.Compound = true
				}
			}
		case *syntax.Redirect:
			if n.Op != syntax.Hdoc && n.Op != syntax.DashHdoc && n.Word != nil {
				target, _ := wordLiteral(n.Word)
				line.Redirects = append(line.Redirects, target)
			}
		case *syntax.CallExpr:
			if len(n.Assigns) > 0 {
				line.Compound = true
			}
			if len(n.Args) == 0 {
				return true
			}
			words := make([]string, 0, len(n.Args))
			for _, w := range n.Args {
				s, ok := wordLiteral(w)
				if !ok {
					line.Compound = true
				}
				words = append(words, s)
			}
			line.Commands = append(line.Commands, words)
		}
		return true
	})
	if len(line.Commands) > 1 {
		line.Compound = true
	}
	return line, nil
}

// SplitCommand returns the words of a single simple command with quotes
// removed. An empty command yields no words.
func SplitCommand(command string) ([]string, error) {
	line, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}
	if line.Compound {
		return nil, ErrCompoundCommand
	}
	if len(line.Commands) == 0 {
		return nil, nil
	}
	return line.Commands[0], nil
}

// wordLiteral removes quoting from w. The second result is false when w
// holds an expansion, in which case the word is returned as written.
func wordLiteral(w *syntax.Word) (string, bool) {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(unescape(p.Value, ""))
		case *syntax.SglQuoted:
			if p.Dollar {
				return printWord(w), false
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			if p.Dollar {
				return printWord(w), false
			}
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return printWord(w), false
				}
				b.WriteString(unescape(lit.Value, "$`\"\\\n"))
			}
		default:
			return printWord(w), false
		}
	}
	return b.String(), true
}

// unescape drops backslashes. Inside double quotes only the characters in
// special are escapable; an empty special means any character is.
func unescape(s, special string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (special == "" || strings.IndexByte(special, s[i+1]) >= 0) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func printWord(w *syntax.Word) string {
	var b strings.Builder
	if err := syntax.NewPrinter().Print(&b, w); err != nil {
		return ""
	}
	return b.String()
}
