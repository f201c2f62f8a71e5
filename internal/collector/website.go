package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// WebsiteCollector crawls same-domain pages breadth-first from the root
// URL, up to a fixed page budget, and extracts boilerplate-stripped text.
type WebsiteCollector struct {
	client    *http.Client
	pageLimit int
}

func NewWebsiteCollector(client *http.Client, pageLimit int) *WebsiteCollector {
	return &WebsiteCollector{client: client, pageLimit: pageLimit}
}

func (c *WebsiteCollector) Collect(ctx context.Context, req Request, emit func(Segment) error, progress Progress) error {
	root, err := url.Parse(req.URL)
	if err != nil || root.Host == "" {
		return fmt.Errorf("invalid website url %q", req.URL)
	}

	queue := []string{root.String()}
	visited := map[string]bool{root.String(): true}
	processed := 0

	for len(queue) > 0 && processed < c.pageLimit {
		if err := ctx.Err(); err != nil {
			return err
		}

		pageURL := queue[0]
		queue = queue[1:]
		processed++

		if progress != nil {
			progress(processed, c.pageLimit, fmt.Sprintf("crawling %s", pageURL))
		}

		page, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			// Unreachable pages are skipped, not fatal to the source,
			// unless the root itself is unreachable and nothing was collected.
			slog.WarnContext(ctx, "page fetch failed, skipping", "url", pageURL, "error", err)
			if processed == 1 && len(queue) == 0 {
				return &FetchError{URL: pageURL, Err: err}
			}
			continue
		}

		if page.text != "" {
			if err := emit(Segment{
				Text:   page.text,
				Title:  page.title,
				URL:    pageURL,
				Method: "crawl",
			}); err != nil {
				return err
			}
		}

		for _, link := range page.links {
			resolved := resolveLink(root, pageURL, link)
			if resolved == "" || visited[resolved] {
				continue
			}
			visited[resolved] = true
			if len(visited) <= c.pageLimit*2 { // bound frontier growth
				queue = append(queue, resolved)
			}
		}
	}

	return nil
}

type crawledPage struct {
	title string
	text  string
	links []string
}

func (c *WebsiteCollector) fetchPage(ctx context.Context, pageURL string) (*crawledPage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", "townbrain-collector/1.0")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "text/html") {
		return nil, fmt.Errorf("not html: %s", ct)
	}

	return ExtractPage(io.LimitReader(resp.Body, 5<<20))
}

// ExtractPage parses HTML and returns the page title, visible text with
// navigation and boilerplate elements stripped, and all anchor hrefs.
func ExtractPage(r io.Reader) (*crawledPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	page := &crawledPage{}
	var sb strings.Builder

	skip := map[string]bool{
		"script": true, "style": true, "noscript": true,
		"nav": true, "header": true, "footer": true, "aside": true,
		"iframe": true, "form": true,
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skip[n.Data] {
				return
			}
			if n.Data == "title" && page.title == "" && n.FirstChild != nil {
				page.title = strings.TrimSpace(n.FirstChild.Data)
			}
			if n.Data == "a" {
				for _, attr := range n.Attr {
					if attr.Key == "href" {
						page.links = append(page.links, attr.Val)
					}
				}
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	page.text = strings.TrimSpace(sb.String())
	return page, nil
}

// resolveLink turns an href into an absolute same-domain page URL, or ""
// when the link should not be crawled.
func resolveLink(root *url.URL, base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "javascript:") {
		return ""
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u, err := baseURL.Parse(href)
	if err != nil {
		return ""
	}
	if u.Host != root.Host {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}

	lower := strings.ToLower(u.Path)
	for _, ext := range []string{".pdf", ".jpg", ".jpeg", ".png", ".gif", ".zip", ".mp3", ".mp4", ".doc", ".docx", ".xls", ".xlsx"} {
		if strings.HasSuffix(lower, ext) {
			return ""
		}
	}

	u.Fragment = ""
	return u.String()
}
