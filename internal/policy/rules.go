package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Pattern is a named regular expression; a shell command matching it is denied.
// Patterns are matched against the lowercased command.
type Pattern struct {
	Name   string `toml:"name" yaml:"name"`
	Regex  string `toml:"regex" yaml:"regex"`
	Reason string `toml:"reason" yaml:"reason"`
}

// Rules is the configurable part of a policy. Built-in dangerous patterns
// always apply; Patterns only adds to them.
type Rules struct {
	AllowedCommands []string  `toml:"allowed_commands" yaml:"allowed_commands"`
	AllowedFileOps  []string  `toml:"allowed_file_ops" yaml:"allowed_file_ops"`
	AllowedTools    []string  `toml:"allowed_tools" yaml:"allowed_tools"`
	ProtectedPaths  []string  `toml:"protected_paths" yaml:"protected_paths"`
	Patterns        []Pattern `toml:"patterns" yaml:"patterns"`
}

// DefaultRules returns the conservative rule set used when nothing is configured.
func DefaultRules() Rules {
	return Rules{
		AllowedCommands: []string{"ls", "dir", "pwd", "cat", "python", "pytest", "go"},
		AllowedFileOps:  []string{"read", "list", "search"},
		AllowedTools:    []string{ToolSearch},
		ProtectedPaths:  []string{".git/**", "**/.env"},
	}
}

// builtinPatterns are destructive or privilege-changing shell commands.
var builtinPatterns = []Pattern{
	{Name: "recursive_force_delete", Regex: `\brm\s+(?:\S+\s+)*-[a-z]*(?:r[a-z]*f|f[a-z]*r)[a-z]*\b`, Reason: "recursive forced deletion"},
	{Name: "recursive_force_delete", Regex: `\brm\s+(?:\S+\s+)*-r\s+(?:\S+\s+)*-f\b`, Reason: "recursive forced deletion"},
	{Name: "recursive_force_delete", Regex: `\brm\s+(?:\S+\s+)*--(?:recursive|force)\b`, Reason: "recursive forced deletion"},
	{Name: "wildcard_delete", Regex: `\brm\s+(?:\S+\s+)*\S*\*`, Reason: "deletion with a wildcard"},
	{Name: "windows_delete", Regex: `\b(?:del|erase|rmdir|rd)\s+(?:\S+\s+)*/[sq]\b`, Reason: "recursive or quiet Windows deletion"},
	{Name: "privilege_escalation", Regex: `(?:^|[\s;&|(])(?:sudo|doas|su|pkexec)(?:\s|$)`, Reason: "privilege escalation"},
	{Name: "filesystem_format", Regex: `\bmkfs(?:\.[a-z0-9]+)?\b`, Reason: "filesystem creation"},
	{Name: "filesystem_format", Regex: `(?:^|[;&|]\s*)format\s+[a-z]:`, Reason: "drive format"},
	{Name: "raw_disk_write", Regex: `\bdd\b.*\bof=/dev/`, Reason: "raw device write"},
	{Name: "raw_disk_write", Regex: `>\s*/dev/(?:sd|hd|nvme|disk|mmcblk)`, Reason: "raw device write"},
	{Name: "power_state", Regex: `\b(?:shutdown|reboot|halt|poweroff)\b`, Reason: "host power state change"},
	{Name: "fork_bomb", Regex: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`, Reason: "fork bomb"},
	{Name: "remote_script_exec", Regex: `\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`, Reason: "piping a download into a shell"},
	{Name: "world_writable_recursive", Regex: `\bchmod\s+(?:\S+\s+)*-[a-z]*r[a-z]*\s+(?:\S+\s+)*0?777\b`, Reason: "recursive world-writable permissions"},
}

// BuiltinPatterns returns a copy of the patterns that always apply.
func BuiltinPatterns() []Pattern {
	out := make([]Pattern, len(builtinPatterns))
	copy(out, builtinPatterns)
	return out
}

// Merge overlays non-empty lists from other onto r.
func (r Rules) Merge(other Rules) Rules {
	if len(other.AllowedCommands) > 0 {
		r.AllowedCommands = other.AllowedCommands
	}
	if len(other.AllowedFileOps) > 0 {
		r.AllowedFileOps = other.AllowedFileOps
	}
	if len(other.AllowedTools) > 0 {
		r.AllowedTools = other.AllowedTools
	}
	if len(other.ProtectedPaths) > 0 {
		r.ProtectedPaths = other.ProtectedPaths
	}
	if len(other.Patterns) > 0 {
		r.Patterns = append(append([]Pattern(nil), r.Patterns...), other.Patterns...)
	}
	return r
}

// LoadRules reads rules from a TOML file, or YAML when the extension is
// .yaml or .yml.
func LoadRules(path string) (Rules, error) {
	var rules Rules
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return rules, fmt.Errorf("failed to read policy: %w", err)
		}
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return rules, fmt.Errorf("failed to parse policy: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &rules); err != nil {
			return rules, fmt.Errorf("failed to parse policy: %w", err)
		}
	}
	if _, err := compilePatterns(rules.Patterns); err != nil {
		return rules, err
	}
	return rules, nil
}
