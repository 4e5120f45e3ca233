// Package probe discovers sessions and classifies their live state by
// scraping the terminal multiplexer. It is the only source of session state
// truth; every other component reads the registry.
package probe

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

// defaultRecencyLines is how many trailing lines count as "recent" for the
// busy-dominates-idle tie-break.
const defaultRecencyLines = 10

// Built-in patterns used when the pattern table leaves a section empty.
// Operators extend or replace them through the rules files.
var (
	defaultIdlePatterns = []string{
		`^\s*[>$%❯#]\s*$`,
		`(?i)how can i help`,
		`(?i)what would you like`,
		`(?i)ready for (your )?next`,
	}
	defaultBusyPatterns = []string{
		`(?i)\b(thinking|running|analyzing|working|generating|executing)\b`,
		`\((esc|ctrl\+c)\s+to\s+interrupt`,
		`[✻✽✶∴·◆▸►✢]\s+\S.*[…\.]{2}`,
		`[▰▱⣾⣽⣻⢿⡿⣟⣯⣷]`,
	}
	defaultWaitingPatterns = []string{
		`(?i)do\s+you\s+want\s+to\s+`,
		`(?i)enter\s+to\s+select`,
		`(?i)\[y/n\]`,
		`(?i)ready\s+to\s+submit\s+your\s+answers`,
		`^\s*[❯>]\s*\d+\.`,
	}
	defaultCompletionPatterns = []string{
		`(?i)\btask\s+complete\b`,
		`(?i)\ball\s+done\b`,
		`(?i)\bfinished\b`,
	}
	defaultFailurePatterns = []rules.FailurePattern{
		{Pattern: `Traceback \(most recent call last\)`},
		{Pattern: `(?i)^error:`},
		{Pattern: `panic: `},
		{Pattern: `(?i)command not found`},
		{Pattern: `(?i)fatal error`, Fatal: true},
	}
	defaultProviderPatterns = map[string]string{
		"claude": `(?i)\bclaude\b`,
		"codex":  `(?i)\bcodex\b`,
		"ollama": `(?i)\bollama\b`,
		"comet":  `(?i)\bcomet\b`,
		"gemini": `(?i)\bgemini\b`,
		"grok":   `(?i)\bgrok\b`,
	}
)

// FailureEvidence is a matched failure pattern. Fatal failures skip the
// retry budget.
type FailureEvidence struct {
	Pattern string
	Fatal   bool
}

// Classification is the result of classifying one capture. It is a pure
// function of the capture and the pattern table: the same input always
// yields the same Classification.
type Classification struct {
	Status     registry.SessionStatus
	Provider   registry.Provider
	Completion bool
	Failure    *FailureEvidence
}

type failureMatcher struct {
	re    *regexp.Regexp
	fatal bool
}

// Classifier matches rendered terminal lines against the compiled pattern
// table.
type Classifier struct {
	idle       []*regexp.Regexp
	busy       []*regexp.Regexp
	waiting    []*regexp.Regexp
	completion []*regexp.Regexp
	failure    []failureMatcher
	providers  map[registry.Provider]*regexp.Regexp
	recency    int
}

// NewClassifier compiles the pattern table, falling back to built-in defaults
// for any empty section.
func NewClassifier(table rules.PatternTable) (*Classifier, error) {
	c := &Classifier{
		providers: make(map[registry.Provider]*regexp.Regexp),
		recency:   table.RecencyLines,
	}
	if c.recency <= 0 {
		c.recency = defaultRecencyLines
	}

	var err error
	if c.idle, err = compileAll(orDefault(table.Idle, defaultIdlePatterns)); err != nil {
		return nil, err
	}
	if c.busy, err = compileAll(orDefault(table.Busy, defaultBusyPatterns)); err != nil {
		return nil, err
	}
	if c.waiting, err = compileAll(orDefault(table.WaitingInput, defaultWaitingPatterns)); err != nil {
		return nil, err
	}
	if c.completion, err = compileAll(orDefault(table.Completion, defaultCompletionPatterns)); err != nil {
		return nil, err
	}

	failures := table.Failure
	if len(failures) == 0 {
		failures = defaultFailurePatterns
	}
	for _, f := range failures {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid failure pattern %q: %w", f.Pattern, err)
		}
		c.failure = append(c.failure, failureMatcher{re: re, fatal: f.Fatal})
	}

	providerPatterns := table.Providers
	if len(providerPatterns) == 0 {
		providerPatterns = defaultProviderPatterns
	}
	for name, pattern := range providerPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid provider pattern %q: %w", pattern, err)
		}
		c.providers[registry.Provider(name)] = re
	}

	return c, nil
}

func orDefault(patterns, defaults []string) []string {
	if len(patterns) == 0 {
		return defaults
	}
	return patterns
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify examines rendered terminal lines and returns the session state.
//
// Tie-break: a busy token within the most recent recency_lines dominates any
// older idle token; otherwise the class with the freshest match wins. With no
// match at all the status is unknown.
func (c *Classifier) Classify(lines []string) Classification {
	result := Classification{
		Status:   registry.StatusUnknown,
		Provider: registry.ProviderUnknown,
	}

	idleIdx := lastMatch(lines, c.idle)
	busyIdx := lastMatch(lines, c.busy)
	waitingIdx := lastMatch(lines, c.waiting)

	recentFloor := len(lines) - c.recency
	switch {
	case busyIdx >= 0 && busyIdx >= recentFloor:
		result.Status = registry.StatusBusy
	case waitingIdx >= 0 && waitingIdx >= idleIdx && waitingIdx >= busyIdx:
		result.Status = registry.StatusWaitingInput
	case idleIdx >= 0 && idleIdx >= busyIdx:
		result.Status = registry.StatusIdle
	case busyIdx >= 0:
		result.Status = registry.StatusBusy
	}

	if idx := lastMatch(lines, c.completion); idx >= 0 && idx >= recentFloor {
		result.Completion = true
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		for _, f := range c.failure {
			if f.re.MatchString(line) {
				result.Failure = &FailureEvidence{Pattern: f.re.String(), Fatal: f.fatal}
				break
			}
		}
		if result.Failure != nil {
			break
		}
	}

	// Fixed evaluation order keeps classification deterministic when more
	// than one provider token appears in the capture.
	for _, provider := range providerOrder {
		re, ok := c.providers[provider]
		if !ok {
			continue
		}
		for _, line := range lines {
			if re.MatchString(line) {
				result.Provider = provider
				break
			}
		}
		if result.Provider != registry.ProviderUnknown {
			break
		}
	}

	return result
}

var providerOrder = []registry.Provider{
	registry.ProviderClaude,
	registry.ProviderCodex,
	registry.ProviderOllama,
	registry.ProviderComet,
	registry.ProviderGemini,
	registry.ProviderGrok,
}

// lastMatch returns the highest line index matching any of the patterns,
// or -1.
func lastMatch(lines []string, patterns []*regexp.Regexp) int {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		for _, re := range patterns {
			if re.MatchString(line) {
				return i
			}
		}
	}
	return -1
}
