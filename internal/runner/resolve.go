package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	previewLinkSelector  = `a[href*="full_screen_preview"]`
	previewFrameSelector = `iframe.full-screen-preview__frame`
)

// ChromedpResolver resolves preview frames with headless Chrome. Each
// resolution runs in a fresh browser so a wedged page cannot poison later
// jobs.
type ChromedpResolver struct {
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewChromedpResolver creates a resolver from the runner configuration.
func NewChromedpResolver(cfg Config, logger *zap.Logger) *ChromedpResolver {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpResolver{userAgent: cfg.UserAgent, timeout: cfg.ResolveTimeout, logger: logger}
}

// ResolvePreviewURL finds the full-screen preview link on an item page.
func (r *ChromedpResolver) ResolvePreviewURL(ctx context.Context, itemURL string) (string, error) {
	return r.resolveAttr(ctx, itemURL, previewLinkSelector, "href")
}

// ResolveFrameURL extracts the framed site URL from a preview page.
func (r *ChromedpResolver) ResolveFrameURL(ctx context.Context, previewURL string) (string, error) {
	return r.resolveAttr(ctx, previewURL, previewFrameSelector, "src")
}

func (r *ChromedpResolver) resolveAttr(ctx context.Context, pageURL, selector, attr string) (string, error) {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(r.userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.timeout)
	defer cancelTask()

	var (
		value string
		ok    bool
	)
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(r.userAgent),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// Interstitial challenge pages title themselves "Just a moment".
		chromedp.Poll(`!document.title.includes("Just a moment")`, nil),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.AttributeValue(selector, attr, &value, &ok, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	if !ok || value == "" {
		return "", fmt.Errorf("selector %q has no %s attribute on %s", selector, attr, pageURL)
	}
	r.logger.Debug("resolved attribute",
		zap.String("page_url", pageURL),
		zap.String("selector", selector),
		zap.String("value", value),
	)
	return value, nil
}
