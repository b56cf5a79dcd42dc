package session

import (
	"regexp"
	"strings"

	"github.com/sylasdev/sylas/internal/common/config"
	"github.com/sylasdev/sylas/internal/runner"
)

// Description tags override runner selection, e.g. "[agent=codex]" or
// "[model=gemini-2.5-pro]".
var (
	agentTag = regexp.MustCompile(`(?i)\[agent=([a-z0-9._-]+)\]`)
	modelTag = regexp.MustCompile(`(?i)\[model=([a-zA-Z0-9._-]+)\]`)
)

// modelRunners maps known model-name prefixes to the runner that serves
// them. Longest prefix wins.
var modelRunners = map[string]runner.Type{
	"claude":   runner.TypeClaude,
	"opus":     runner.TypeClaude,
	"sonnet":   runner.TypeClaude,
	"haiku":    runner.TypeClaude,
	"gemini":   runner.TypeGemini,
	"gpt":      runner.TypeCodex,
	"codex":    runner.TypeCodex,
	"o3":       runner.TypeCodex,
	"o4":       runner.TypeCodex,
	"composer": runner.TypeCursor,
	"grok":     runner.TypeOpencode,
}

// runnerForModel infers the runner type serving a model name.
func runnerForModel(model string) (runner.Type, bool) {
	name := strings.ToLower(model)
	var best string
	var bestType runner.Type
	for prefix, t := range modelRunners {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
			bestType = t
		}
	}
	return bestType, best != ""
}

// Selection is the outcome of runner selection for one session or prompt.
type Selection struct {
	Runner runner.Type
	Model  string
	// Explicit is true when a description tag or label forced the choice.
	Explicit bool
}

// SelectRunner decides the runner and model for a request. Priority:
// an [agent=X] description tag, an [model=X] tag (runner inferred from the
// model), a label naming a known agent, a label naming a known model, then
// the configured default.
func SelectRunner(description string, labels []string, defaults config.RunnerDefaults) Selection {
	if m := agentTag.FindStringSubmatch(description); m != nil {
		if t, ok := runner.ParseType(strings.ToLower(m[1])); ok {
			sel := Selection{Runner: t, Explicit: true}
			if mm := modelTag.FindStringSubmatch(description); mm != nil {
				if mt, ok := runnerForModel(mm[1]); !ok || mt == t {
					sel.Model = mm[1]
				}
			}
			if sel.Model == "" {
				sel.Model = defaults.DefaultModel(string(t))
			}
			return sel
		}
	}

	if m := modelTag.FindStringSubmatch(description); m != nil {
		if t, ok := runnerForModel(m[1]); ok {
			return Selection{Runner: t, Model: m[1], Explicit: true}
		}
	}

	for _, label := range labels {
		if t, ok := runner.ParseType(strings.ToLower(label)); ok {
			return Selection{Runner: t, Model: defaults.DefaultModel(string(t)), Explicit: true}
		}
	}
	for _, label := range labels {
		if t, ok := runnerForModel(label); ok {
			return Selection{Runner: t, Model: label, Explicit: true}
		}
	}

	t := runner.TypeClaude
	if parsed, ok := runner.ParseType(defaults.Default); ok {
		t = parsed
	}
	return Selection{Runner: t, Model: defaults.DefaultModel(string(t))}
}

// PromptOverride extracts a runner/model override from a prompt text.
// ok is false when the prompt carries no tags.
func PromptOverride(prompt string) (Selection, bool) {
	if agentTag.MatchString(prompt) || modelTag.MatchString(prompt) {
		sel := SelectRunner(prompt, nil, config.RunnerDefaults{})
		if sel.Explicit {
			return sel, true
		}
	}
	return Selection{}, false
}
