package relay

import "encoding/json"

// uploadGuidance is injected after a screenshot-producing tool call so the
// artifact ends up viewable in the tracker instead of stranded on disk.
const uploadGuidance = "You just captured a screen artifact. Upload the produced file with the " +
	"linear_upload_file tool and embed the returned URL in your next comment so it is viewable in the issue."

// screenshotTools are tools whose every invocation produces an image file.
var screenshotTools = map[string]bool{
	"playwright_screenshot":               true,
	"mcp__chrome-devtools__take_screenshot": true,
}

// screenshotActions maps multi-action tools to the one action that produces
// a file.
var screenshotActions = map[string]string{
	"mcp__claude-in-chrome__computer":    "screenshot",
	"mcp__claude-in-chrome__gif_creator": "export",
}

// ScreenshotUploadHook is a runner post-tool hook returning upload guidance
// for screenshot-producing tool calls and "" for everything else.
func ScreenshotUploadHook(toolName string, input json.RawMessage) string {
	if screenshotTools[toolName] {
		return uploadGuidance
	}
	want, ok := screenshotActions[toolName]
	if !ok {
		return ""
	}
	var args struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	if args.Action != want {
		return ""
	}
	return uploadGuidance
}
