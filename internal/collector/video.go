package collector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// captionGroupSize groups caption lines into roughly two-minute blocks so
// a chunk's citation can deep-link into the video.
const captionGroupSize = 40

var videoIDRe = regexp.MustCompile(`(?:v=|embed/|youtu\.be/)([0-9A-Za-z_-]{11})`)

// VideoCollector resolves playlists to video ids and fetches caption
// tracks per video.
type VideoCollector struct {
	client       *http.Client
	apiKey       string
	timedtextURL string
}

func NewVideoCollector(client *http.Client, apiKey string) *VideoCollector {
	return &VideoCollector{
		client:       client,
		apiKey:       apiKey,
		timedtextURL: "https://video.google.com/timedtext",
	}
}

type playlistVideo struct {
	id    string
	title string
}

func (c *VideoCollector) Collect(ctx context.Context, req Request, emit func(Segment) error, progress Progress) error {
	var videos []playlistVideo

	switch req.Type {
	case TypeVideoPlaylist:
		playlistID := extractPlaylistID(req.URL)
		if playlistID == "" {
			return fmt.Errorf("invalid playlist url %q", req.URL)
		}
		resolved, err := c.resolvePlaylist(ctx, playlistID)
		if err != nil {
			return fmt.Errorf("resolving playlist: %w", err)
		}
		videos = resolved
	default:
		id := extractVideoID(req.URL)
		if id == "" {
			return fmt.Errorf("invalid video url %q", req.URL)
		}
		videos = []playlistVideo{{id: id, title: req.Name}}
	}

	collected := 0
	for i, v := range videos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(videos), fmt.Sprintf("fetching captions for %s", v.title))
		}

		lines, err := c.fetchCaptions(ctx, v.id)
		if err != nil {
			// A caption-less playlist member is reported and skipped; a
			// caption-less sole video fails the source.
			if len(videos) == 1 {
				return err
			}
			slog.WarnContext(ctx, "skipping video without captions", "video_id", v.id, "error", err)
			continue
		}

		if err := emitCaptionGroups(v, lines, emit); err != nil {
			return err
		}
		collected++
	}

	if collected == 0 && len(videos) > 1 {
		slog.WarnContext(ctx, "no videos in playlist had captions", "count", len(videos))
	}
	return nil
}

func (c *VideoCollector) resolvePlaylist(ctx context.Context, playlistID string) ([]playlistVideo, error) {
	if c.apiKey == "" {
		return nil, errors.New("YOUTUBE_API_KEY required for playlist sources")
	}

	svc, err := youtube.NewService(ctx, option.WithAPIKey(c.apiKey), option.WithHTTPClient(c.client))
	if err != nil {
		return nil, err
	}

	var videos []playlistVideo
	pageToken := ""
	for {
		call := svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(playlistID).
			MaxResults(50)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			videos = append(videos, playlistVideo{
				id:    item.ContentDetails.VideoId,
				title: item.Snippet.Title,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return videos, nil
}

type captionLine struct {
	start float64
	text  string
}

type timedText struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start float64 `xml:"start,attr"`
		Body  string  `xml:",chardata"`
	} `xml:"text"`
}

func (c *VideoCollector) fetchCaptions(ctx context.Context, videoID string) ([]captionLine, error) {
	u := fmt.Sprintf("%s?lang=en&v=%s", c.timedtextURL, url.QueryEscape(videoID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &FetchError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: u, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &FetchError{URL: u, Err: err}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: video %s", ErrNoCaptions, videoID)
	}

	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return nil, fmt.Errorf("%w: video %s", ErrNoCaptions, videoID)
	}
	if len(tt.Texts) == 0 {
		return nil, fmt.Errorf("%w: video %s", ErrNoCaptions, videoID)
	}

	lines := make([]captionLine, 0, len(tt.Texts))
	for _, t := range tt.Texts {
		body := strings.TrimSpace(unescapeEntities(t.Body))
		if body == "" {
			continue
		}
		lines = append(lines, captionLine{start: t.Start, text: body})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: video %s", ErrNoCaptions, videoID)
	}
	return lines, nil
}

// emitCaptionGroups joins caption lines into timestamped blocks so each
// segment's citation can link to the moment in the video.
func emitCaptionGroups(v playlistVideo, lines []captionLine, emit func(Segment) error) error {
	var block []string
	blockStart := 0.0

	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		offset := int(blockStart)
		seg := Segment{
			Text:          strings.Join(block, " "),
			Title:         v.title,
			URL:           fmt.Sprintf("https://youtube.com/watch?v=%s&t=%ds", v.id, offset),
			OffsetSeconds: offset,
			Method:        "captions",
		}
		block = nil
		return emit(seg)
	}

	for i, line := range lines {
		if len(block) == 0 {
			blockStart = line.start
		}
		block = append(block, line.text)
		if (i+1)%captionGroupSize == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func extractPlaylistID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("list")
}

func extractVideoID(rawURL string) string {
	if m := videoIDRe.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	return ""
}

// unescapeEntities handles the entities the timedtext payload actually uses.
func unescapeEntities(s string) string {
	r := strings.NewReplacer(
		"&amp;", "&",
		"&#39;", "'",
		"&quot;", `"`,
		"&lt;", "<",
		"&gt;", ">",
	)
	return r.Replace(s)
}
