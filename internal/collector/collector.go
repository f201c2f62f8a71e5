package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Source types accepted by the sources API.
const (
	TypeVideoPlaylist = "video_playlist"
	TypeVideo         = "video"
	TypeWebsite       = "website"
	TypePDFURL        = "pdf_url"
	TypePDFUpload     = "pdf_upload"
	TypeRSS           = "rss"
)

// Segment is one normalized unit of collected text plus the provenance a
// citation needs later.
type Segment struct {
	Text          string
	Title         string
	URL           string
	OffsetSeconds int
	Method        string
}

// Request is the minimal view of a data source a collector needs. For
// uploaded PDFs, URL holds the stored file path.
type Request struct {
	SourceID string
	Type     string
	URL      string
	Name     string
}

// Progress reports processed/total item counts during collection, e.g.
// videos processed of playlist size or pages crawled of crawl budget.
type Progress func(processed, total int, message string)

// Collector normalizes one kind of source material into text segments.
// Segments are pushed through emit as they are produced; collection has
// no side effects beyond network fetches.
type Collector interface {
	Collect(ctx context.Context, req Request, emit func(Segment) error, progress Progress) error
}

// ErrNoCaptions marks a video with no caption track. Non-fatal inside a
// playlist; source-fatal when the video is the sole item.
var ErrNoCaptions = errors.New("no caption track available")

var ErrUnsupportedType = errors.New("unsupported source type")

// ExtractionError means the source content itself is unusable (encrypted,
// corrupt, or scanned PDF with no text layer). Always source-fatal.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("cannot extract text from %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// FetchError is a per-item network or parse failure. Callers skip the
// item and continue.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Registry dispatches a source type to its collector.
type Registry struct {
	collectors map[string]Collector
}

type Options struct {
	HTTPClient     *http.Client
	CrawlPageLimit int
	YouTubeAPIKey  string
}

func NewRegistry(opts Options) *Registry {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := opts.CrawlPageLimit
	if limit <= 0 {
		limit = 50
	}

	video := NewVideoCollector(client, opts.YouTubeAPIKey)
	web := NewWebsiteCollector(client, limit)
	pdf := NewPDFCollector(client)

	return &Registry{collectors: map[string]Collector{
		TypeVideoPlaylist: video,
		TypeVideo:         video,
		TypeWebsite:       web,
		TypePDFURL:        pdf,
		TypePDFUpload:     pdf,
		TypeRSS:           NewRSSCollector(client, web),
	}}
}

func (r *Registry) For(sourceType string) (Collector, error) {
	c, ok := r.collectors[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, sourceType)
	}
	return c, nil
}
