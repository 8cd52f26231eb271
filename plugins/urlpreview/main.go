// urlpreview is a hook that spots URLs in incoming messages and posts a
// short preview line back into the client.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rosterim/roster/pkg/plugin"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// URLPreviewHook fetches page titles for URLs seen in messages.
type URLPreviewHook struct {
	api    plugin.API
	client *http.Client
}

func (p *URLPreviewHook) Name() string        { return "urlpreview" }
func (p *URLPreviewHook) Version() string     { return "1.0.0" }
func (p *URLPreviewHook) Description() string { return "Preview titles of URLs in messages" }

func (p *URLPreviewHook) Init(ctx context.Context, api plugin.API) error {
	p.api = api
	p.client = &http.Client{Timeout: 10 * time.Second}
	return nil
}

func (p *URLPreviewHook) HandleEvent(ev plugin.Event) error {
	if ev.Type != plugin.EventMessageIn {
		return nil
	}
	urls := urlPattern.FindAllString(ev.Body, 3)
	if len(urls) == 0 {
		return nil
	}
	go func() {
		for _, u := range urls {
			if title := p.fetchTitle(u); title != "" {
				_ = p.api.Notify(fmt.Sprintf("%s: %s", u, title))
			}
		}
	}()
	return nil
}

func (p *URLPreviewHook) Stop() error { return nil }

// fetchTitle grabs the first 64 KiB of a page and extracts its title.
func (p *URLPreviewHook) fetchTitle(url string) string {
	resp, err := p.client.Get(url)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return ""
	}
	m := titlePattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	title := strings.TrimSpace(string(m[1]))
	if len(title) > 120 {
		title = title[:120] + "..."
	}
	return title
}

func main() {
	plugin.Serve(&URLPreviewHook{})
}
