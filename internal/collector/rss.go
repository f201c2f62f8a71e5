package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"
)

// maxFeedEntries bounds how many feed entries are fetched per sync.
const maxFeedEntries = 50

// RSSCollector parses a feed and extracts each linked article's text.
// Per-entry failures are skipped.
type RSSCollector struct {
	client *http.Client
	web    *WebsiteCollector
}

func NewRSSCollector(client *http.Client, web *WebsiteCollector) *RSSCollector {
	return &RSSCollector{client: client, web: web}
}

func (c *RSSCollector) Collect(ctx context.Context, req Request, emit func(Segment) error, progress Progress) error {
	parser := gofeed.NewParser()
	parser.Client = c.client

	feed, err := parser.ParseURLWithContext(req.URL, ctx)
	if err != nil {
		return &FetchError{URL: req.URL, Err: err}
	}

	items := feed.Items
	if len(items) > maxFeedEntries {
		items = items[:maxFeedEntries]
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(items), fmt.Sprintf("fetching %s", item.Title))
		}

		text, err := c.entryText(ctx, item)
		if err != nil {
			slog.WarnContext(ctx, "skipping feed entry", "link", item.Link, "error", err)
			continue
		}
		if text == "" {
			continue
		}

		if err := emit(Segment{
			Text:   text,
			Title:  item.Title,
			URL:    item.Link,
			Method: "rss",
		}); err != nil {
			return err
		}
	}

	return nil
}

// entryText prefers the linked article's full text and falls back to the
// feed's own content/description for entries without a fetchable link.
func (c *RSSCollector) entryText(ctx context.Context, item *gofeed.Item) (string, error) {
	if item.Link != "" {
		page, err := c.web.fetchPage(ctx, item.Link)
		if err == nil && page.text != "" {
			return page.text, nil
		}
		if err != nil && item.Content == "" && item.Description == "" {
			return "", &FetchError{URL: item.Link, Err: err}
		}
	}

	if item.Content != "" {
		page, err := ExtractPage(strings.NewReader(item.Content))
		if err == nil {
			return page.text, nil
		}
	}
	return strings.TrimSpace(item.Description), nil
}
