package runner

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"

	"ripperd/internal/rip"
)

// mirrorSite crawls the framed site and writes every fetched resource under
// destDir, keyed by host and path the way a recursive wget would lay it out.
func (r *Runner) mirrorSite(ctx context.Context, frameURL, destDir string, sink rip.LogSink, cancelled func() bool) error {
	base, err := url.Parse(frameURL)
	if err != nil {
		return fmt.Errorf("parse frame url: %w", err)
	}
	if base.Hostname() == "" {
		return fmt.Errorf("frame url %q has no host", frameURL)
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(r.cfg.UserAgent),
		colly.MaxDepth(r.cfg.MaxDepth),
		colly.AllowedDomains(base.Hostname()),
	)
	collector.AllowURLRevisit = false
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(r.cfg.RequestTimeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: r.cfg.Parallelism,
	}); err != nil {
		return fmt.Errorf("configure collector: %w", err)
	}

	var (
		mu       sync.Mutex
		saved    int
		writeErr error
	)

	collector.OnRequest(func(req *colly.Request) {
		if cancelled() || ctx.Err() != nil {
			req.Abort()
			return
		}
		sink.Append(rip.LevelInfo, "Fetching "+resourceLabel(req.URL))
	})

	collector.OnResponse(func(resp *colly.Response) {
		rel := localPath(resp.Request.URL)
		full := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			recordErr(&mu, &writeErr, err)
			return
		}
		if err := os.WriteFile(full, resp.Body, 0o644); err != nil {
			recordErr(&mu, &writeErr, err)
			return
		}
		mu.Lock()
		saved++
		mu.Unlock()
		sink.Append(rip.LevelInfo, "Saved "+resourceLabel(resp.Request.URL))
	})

	collector.OnHTML("a[href], link[href]", func(e *colly.HTMLElement) {
		_ = e.Request.Visit(e.Attr("href"))
	})
	collector.OnHTML("img[src], script[src], iframe[src], source[src]", func(e *colly.HTMLElement) {
		_ = e.Request.Visit(e.Attr("src"))
	})

	collector.OnError(func(resp *colly.Response, err error) {
		if cancelled() || ctx.Err() != nil {
			return
		}
		sink.Append(rip.LevelWarn, fmt.Sprintf("Fetch failed for %s: %v", resourceLabel(resp.Request.URL), err))
	})

	if err := collector.Visit(frameURL); err != nil {
		return fmt.Errorf("visit frame url: %w", err)
	}
	collector.Wait()

	if cancelled() {
		return rip.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("write mirrored resource: %w", writeErr)
	}
	if saved == 0 {
		return fmt.Errorf("mirror of %s produced no files", frameURL)
	}
	return nil
}

func recordErr(mu *sync.Mutex, dst *error, err error) {
	mu.Lock()
	defer mu.Unlock()
	if *dst == nil {
		*dst = err
	}
}

// localPath maps a URL to a relative on-disk path rooted at the host name.
// Directory-style URLs get an index.html so the mirror opens in a browser.
func localPath(u *url.URL) string {
	p := path.Clean("/" + u.Path)
	switch {
	case p == "/":
		p = "/index.html"
	case strings.HasSuffix(u.Path, "/"):
		p = p + "/index.html"
	case path.Ext(p) == "":
		p = p + "/index.html"
	}
	return path.Join(u.Hostname(), p)
}

// resourceLabel shortens a URL to the file name for progress logs.
func resourceLabel(u *url.URL) string {
	if u == nil {
		return ""
	}
	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return name
	}
	return u.Host
}
