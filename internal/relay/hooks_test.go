package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreenshotUploadHook(t *testing.T) {
	assert.Equal(t, uploadGuidance, ScreenshotUploadHook("playwright_screenshot", nil))
	assert.Equal(t, uploadGuidance, ScreenshotUploadHook("mcp__chrome-devtools__take_screenshot", nil))
	assert.Empty(t, ScreenshotUploadHook("Read", nil))
}

func TestScreenshotUploadHookActionMatch(t *testing.T) {
	input := json.RawMessage(`{"action": "screenshot"}`)
	assert.Equal(t, uploadGuidance, ScreenshotUploadHook("mcp__claude-in-chrome__computer", input))

	// Other actions of the same tool produce nothing.
	input = json.RawMessage(`{"action": "click"}`)
	assert.Empty(t, ScreenshotUploadHook("mcp__claude-in-chrome__computer", input))

	input = json.RawMessage(`{"action": "export"}`)
	assert.Equal(t, uploadGuidance, ScreenshotUploadHook("mcp__claude-in-chrome__gif_creator", input))
}

func TestScreenshotUploadHookMalformedInput(t *testing.T) {
	assert.Empty(t, ScreenshotUploadHook("mcp__claude-in-chrome__computer", json.RawMessage(`{bad`)))
	assert.Empty(t, ScreenshotUploadHook("mcp__claude-in-chrome__computer", nil))
}
