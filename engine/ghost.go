package engine

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/logging"
	"github.com/crawlmesh/crawlmesh/provider"
)

// RenderModeGhost marks step traces whose payload came from the vision
// fallback rather than the normal extraction path.
const RenderModeGhost = "ghost"

// blockStatusCodes are HTTP statuses that signal an anti-bot wall rather
// than a genuine fetch failure.
var blockStatusCodes = map[int]bool{403: true, 429: true, 503: true}

// blockPatterns are lowercase page fragments that identify interstitial and
// challenge pages.
var blockPatterns = []string{
	"cloudflare",
	"captcha",
	"checking your browser",
	"verify you are human",
	"access denied",
	"attention required",
	"just a moment",
}

// DetectBlock inspects a successful tool payload for a block signal. Fetch
// tools report structured payloads; anything else never signals a block.
// Returns the detection reason and whether a block was found.
func DetectBlock(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	if blocked, ok := m["blocked"].(bool); ok && blocked {
		if reason, ok := m["block_reason"].(string); ok && reason != "" {
			return reason, true
		}
		return "blocked flag set", true
	}
	if status := intField(m, "status_code"); blockStatusCodes[status] {
		return "http status " + strconv.Itoa(status), true
	}
	for _, key := range []string{"content", "body", "html"} {
		body, ok := m[key].(string)
		if !ok || body == "" {
			continue
		}
		lower := strings.ToLower(body)
		for _, pat := range blockPatterns {
			if strings.Contains(lower, pat) {
				return "page matches '" + pat + "'", true
			}
		}
	}
	return "", false
}

// Ghost performs vision-based extraction when a fetch result signals a
// block. It consumes a screenshot embedded in the payload; capturing the
// screenshot is the fetch engine's concern.
type Ghost struct {
	vision provider.VisionAdapter
	logger logging.Logger
}

// NewGhost creates a Ghost over a vision-capable adapter.
func NewGhost(vision provider.VisionAdapter, optFns ...func(o *GhostOptions)) *Ghost {
	opts := GhostOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Ghost{vision: vision, logger: opts.Logger}
}

// GhostOptions holds overrides for NewGhost.
type GhostOptions struct {
	Logger logging.Logger
}

// Extract runs vision extraction over the screenshot carried in res and
// returns a replacement result whose payload is the extracted text. Fails
// when the payload carries no screenshot or the vision call errors; the
// caller then keeps the original result.
func (g *Ghost) Extract(ctx context.Context, task string, res core.ToolResult) (core.ToolResult, error) {
	m, _ := res.Payload.(map[string]any)
	encoded, _ := m["screenshot_b64"].(string)
	if encoded == "" {
		return core.ToolResult{}, core.NewError(core.ErrCodeExecution, "blocked result carries no screenshot")
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return core.ToolResult{}, core.WrapError(core.ErrCodeExecution, err, "invalid screenshot encoding")
	}

	prompt := "Extract the visible page content relevant to this task as plain text. Task: " + task
	text, err := g.vision.ExtractImage(ctx, image, prompt)
	if err != nil {
		return core.ToolResult{}, err
	}
	g.logger.Debug("Ghost extraction completed", "chars", len(text))

	out := res
	out.Payload = map[string]any{
		"content":     text,
		"render_mode": RenderModeGhost,
	}
	return out, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
