// Package privacy redacts forwarded text before it leaves the bridge.
package privacy

import (
	"fmt"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Built-in pattern presets, selectable by name in config.
var presets = map[string]string{
	"email":        `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
	"phone":        `\+?\d[\d\s\-()]{8,}\d`,
	"tg_invite":    `(?i)(?:https?://)?t\.me/(?:\+|joinchat/)[\w\-]+`,
	"bearer":       `(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	"discord_hook": `https://(?:canary\.|ptb\.)?discord(?:app)?\.com/api/webhooks/\d+/[\w\-]+`,
}

// Redactor replaces matches of its patterns with a placeholder.
// The zero value redacts nothing.
type Redactor struct {
	patterns    []*regexp.Regexp
	placeholder string
}

// New compiles patterns into a Redactor. A pattern of the form
// "preset:<name>" selects a built-in pattern. An empty placeholder
// means "[REDACTED]".
func New(patterns []string, placeholder string) (*Redactor, error) {
	compiled, err := Compile(patterns)
	if err != nil {
		return nil, err
	}
	if placeholder == "" {
		placeholder = redactedPlaceholder
	}
	return &Redactor{patterns: compiled, placeholder: placeholder}, nil
}

// Compile compiles a list of regex pattern strings into compiled regexps.
// Returns an error if any pattern is invalid or names an unknown preset.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if name, ok := strings.CutPrefix(p, "preset:"); ok {
			expr, known := presets[name]
			if !known {
				return nil, fmt.Errorf("unknown redact preset %q", name)
			}
			p = expr
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Apply replaces all matches in text.
func (r *Redactor) Apply(text string) string {
	if r == nil {
		return text
	}
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, r.placeholder)
	}
	return text
}

// Len reports the number of active patterns.
func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}
