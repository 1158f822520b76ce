// Package builtin ships the tools a bare node registers out of the box.
// Currently that is the HTTP fetch tool; browser-based fetching stays behind
// an external engine.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/dispatch"
	"github.com/crawlmesh/crawlmesh/internal/util"
	"github.com/crawlmesh/crawlmesh/policy"
)

// FetchToolName is the registry name of the builtin fetch tool.
const FetchToolName = "fetch"

const (
	defaultMaxBodySize  = 5 * 1024 * 1024
	defaultFetchTimeout = 30 * time.Second
	fetchUserAgent      = "CrawlMesh-Fetch/1.0"
)

// blockStatus marks HTTP statuses returned as a block signal in the payload
// instead of an error, so the ghost fallback can take over.
var blockStatus = map[int]bool{
	http.StatusForbidden:          true,
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
}

// FetchTool fetches a URL and converts the body to the requested format
// (text, markdown or html). Block responses come back as successful payloads
// carrying a block signal rather than errors.
type FetchTool struct {
	client      *http.Client
	gate        *policy.DefaultGate
	gateConfig  core.RunConfig
	maxBodySize int64
}

// FetchOptions holds overrides for NewFetchTool.
type FetchOptions struct {
	// HTTPClient defaults to a client with the standard fetch timeout.
	HTTPClient *http.Client
	// Gate re-checks the final URL after redirects. Nil skips the check;
	// the dispatcher has already gated the original URL.
	Gate *policy.DefaultGate
	// GateConfig is the policy config for the redirect re-check, default
	// DefaultRunConfig.
	GateConfig core.RunConfig
	// MaxBodySize caps the downloaded body, default 5MB.
	MaxBodySize int64
}

// NewFetchTool creates the fetch tool.
func NewFetchTool(optFns ...func(o *FetchOptions)) *FetchTool {
	opts := FetchOptions{
		HTTPClient:  &http.Client{Timeout: defaultFetchTimeout},
		GateConfig:  core.DefaultRunConfig(),
		MaxBodySize: defaultMaxBodySize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FetchTool{
		client:      opts.HTTPClient,
		gate:        opts.Gate,
		gateConfig:  opts.GateConfig,
		maxBodySize: opts.MaxBodySize,
	}
}

// Entry returns the registry entry for this tool.
func (t *FetchTool) Entry() dispatch.Entry {
	return dispatch.Entry{
		Name:        FetchToolName,
		Description: "Fetch a URL and return its content as text, markdown, or html.",
		Schema: util.ObjectSchema(map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch.",
			},
			"format": map[string]any{
				"type":        "string",
				"description": "Output format for the page body.",
				"enum":        []any{"text", "markdown", "html"},
			},
		}, "url"),
		Timeout: defaultFetchTimeout + 5*time.Second,
		Handler: t,
	}
}

// Execute implements dispatch.Handler.
func (t *FetchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, core.NewError(core.ErrCodeValidation, "url must start with http:// or https://")
	}
	format, _ := args["format"].(string)
	if format == "" {
		format = "markdown"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeValidation, err, "invalid url")
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.NewError(core.ErrCodeToolTimeout, "fetch of %s timed out", rawURL)
		}
		return nil, core.WrapError(core.ErrCodeExecution, err, "fetch %s", rawURL).WithRetriable(true)
	}
	defer resp.Body.Close()

	if t.gate != nil {
		if verdict := t.gate.CheckURL(resp.Request.URL.String(), t.gateConfig); !verdict.Allowed {
			return nil, core.NewError(core.ErrCodePolicyDenied, "%s", verdict.Reason)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodySize+1))
	if err != nil {
		return nil, core.WrapError(core.ErrCodeExecution, err, "read body of %s", rawURL).WithRetriable(true)
	}
	truncated := int64(len(body)) > t.maxBodySize
	if truncated {
		body = body[:t.maxBodySize]
	}
	content := string(body)
	if !utf8.ValidString(content) {
		return nil, core.NewError(core.ErrCodeExecution, "response from %s is not valid UTF-8", rawURL)
	}

	if blockStatus[resp.StatusCode] {
		return map[string]any{
			"url":          rawURL,
			"status_code":  resp.StatusCode,
			"content":      content,
			"blocked":      true,
			"block_reason": fmt.Sprintf("http status %d", resp.StatusCode),
		}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.NewError(core.ErrCodeExecution, "fetch of %s returned status %d", rawURL, resp.StatusCode)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		content, err = convert(content, format)
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"url":         rawURL,
		"status_code": resp.StatusCode,
		"format":      format,
		"content":     content,
		"size":        len(content),
		"truncated":   truncated,
	}, nil
}

// convert renders an HTML body in the requested format.
func convert(html, format string) (string, error) {
	switch format {
	case "markdown":
		out, err := md.NewConverter("", true, nil).ConvertString(html)
		if err != nil {
			return "", core.WrapError(core.ErrCodeExecution, err, "convert html to markdown")
		}
		return out, nil
	case "text":
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return "", core.WrapError(core.ErrCodeExecution, err, "parse html")
		}
		doc.Find("script, style, noscript").Remove()
		return strings.TrimSpace(doc.Find("body").Text()), nil
	case "html":
		return html, nil
	default:
		return "", core.NewError(core.ErrCodeValidation, "unknown format '%s'", format)
	}
}
