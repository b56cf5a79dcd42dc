package runner

import "encoding/json"

// PostToolHook inspects a completed tool invocation and optionally returns
// guidance to inject into the runner's context. An empty return means no
// injection.
type PostToolHook func(toolName string, input json.RawMessage) string

// hookSet runs registered hooks against a tool-use event and collects the
// guidance they produce.
type hookSet struct {
	hooks []PostToolHook
}

func (h *hookSet) add(hook PostToolHook) {
	h.hooks = append(h.hooks, hook)
}

func (h *hookSet) run(toolName string, input json.RawMessage) []string {
	var out []string
	for _, hook := range h.hooks {
		if guidance := hook(toolName, input); guidance != "" {
			out = append(out, guidance)
		}
	}
	return out
}
