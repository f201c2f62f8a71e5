package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"townbrain/backend/features/source"
	"townbrain/backend/internal/collector"
	"townbrain/backend/internal/index"
)

type fakeCollector struct {
	segments []collector.Segment
	err      error
}

func (f *fakeCollector) Collect(ctx context.Context, req collector.Request, emit func(collector.Segment) error, progress collector.Progress) error {
	if f.err != nil {
		return f.err
	}
	for i, seg := range f.segments {
		if progress != nil {
			progress(i+1, len(f.segments), "collecting")
		}
		if err := emit(seg); err != nil {
			return err
		}
	}
	return nil
}

type fakeResolver struct{ c collector.Collector }

func (f *fakeResolver) For(sourceType string) (collector.Collector, error) {
	if f.c == nil {
		return nil, collector.ErrUnsupportedType
	}
	return f.c, nil
}

type fakeEmbedder struct {
	calls    int
	failures int // fail this many leading calls
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{1, 0}, nil
}

type fakeSources struct {
	src   *source.Source
	stats *source.Stats
}

func (f *fakeSources) Get(ctx context.Context, id string) (*source.Source, error) {
	if f.src == nil {
		return nil, errors.New("not found")
	}
	return f.src, nil
}

func (f *fakeSources) UpdateStats(ctx context.Context, id string, stats source.Stats) error {
	f.stats = &stats
	return nil
}

type fakeJobs struct {
	running   bool
	completed bool
	failedMsg string
	progress  []string
}

func (f *fakeJobs) MarkRunning(ctx context.Context, id string) error { f.running = true; return nil }
func (f *fakeJobs) UpdateProgress(ctx context.Context, id string, processed, total int, message string) error {
	f.progress = append(f.progress, fmt.Sprintf("%d/%d %s", processed, total, message))
	return nil
}
func (f *fakeJobs) MarkCompleted(ctx context.Context, id string) error { f.completed = true; return nil }
func (f *fakeJobs) MarkFailed(ctx context.Context, id, errMsg string) error {
	f.failedMsg = errMsg
	return nil
}

func taskMessage(t *testing.T) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"job_id":         "j1",
		"source_id":      "s1",
		"project_id":     "p1",
		"correlation_id": "corr-1",
	})
	require.NoError(t, err)
	return &nsq.Message{Body: body}
}

func websiteSource() *source.Source {
	return &source.Source{ID: "s1", ProjectID: "p1", Type: collector.TypeWebsite, URL: "https://example.gov", Name: "Town site"}
}

func newTestConsumer(c collector.Collector, e Embedder, src Sources, jobs JobTracker) (*IngestConsumer, *index.MemoryStore) {
	store := index.NewMemoryStore()
	h := NewIngestConsumer(&fakeResolver{c: c}, e, store, src, jobs, IngestConfig{
		ChunkSizeWords:    500,
		ChunkOverlapWords: 50,
		EmbedBackoff:      time.Millisecond,
	})
	return h, store
}

func TestHandleMessage_WebsiteIngestCompletes(t *testing.T) {
	col := &fakeCollector{segments: []collector.Segment{
		{Text: "Trash is collected on Tuesday.", Title: "Trash", URL: "https://example.gov/trash", Method: "crawl"},
		{Text: "The library opens at nine.", Title: "Library", URL: "https://example.gov/library", Method: "crawl"},
		{Text: "Permits are issued at town hall.", Title: "Permits", URL: "https://example.gov/permits", Method: "crawl"},
	}}
	sources := &fakeSources{src: websiteSource()}
	jobs := &fakeJobs{}
	h, store := newTestConsumer(col, &fakeEmbedder{}, sources, jobs)

	require.NoError(t, h.HandleMessage(taskMessage(t)))

	assert.True(t, jobs.running)
	assert.True(t, jobs.completed)
	assert.Empty(t, jobs.failedMsg)
	assert.NotEmpty(t, jobs.progress)

	count, err := store.Count(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NotNil(t, sources.stats)
	assert.Equal(t, 3, sources.stats.ChunkCount)
	assert.Greater(t, sources.stats.WordCount, 0)
	assert.Equal(t, "crawl", sources.stats.CollectMethod)

	// Provenance must survive into the index.
	chunks, err := store.List(context.Background(), "p1", "s1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "website", chunks[0].SourceType)
	assert.NotEmpty(t, chunks[0].URL)
}

func TestHandleMessage_ExtractionFailureFailsJob(t *testing.T) {
	col := &fakeCollector{err: &collector.ExtractionError{
		Source: "budget.pdf",
		Err:    errors.New("no extractable text (scanned without OCR?)"),
	}}
	jobs := &fakeJobs{}
	h, store := newTestConsumer(col, &fakeEmbedder{}, &fakeSources{src: websiteSource()}, jobs)

	// Source-fatal failures are recorded on the job, not retried via NSQ.
	require.NoError(t, h.HandleMessage(taskMessage(t)))

	assert.False(t, jobs.completed)
	assert.Contains(t, jobs.failedMsg, "budget.pdf")

	count, err := store.Count(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "failed run must not leave partial chunks")
}

func TestHandleMessage_NoCaptionsFailsWithFriendlyMessage(t *testing.T) {
	col := &fakeCollector{err: fmt.Errorf("video abc: %w", collector.ErrNoCaptions)}
	jobs := &fakeJobs{}
	h, _ := newTestConsumer(col, &fakeEmbedder{}, &fakeSources{src: websiteSource()}, jobs)

	require.NoError(t, h.HandleMessage(taskMessage(t)))
	assert.Contains(t, jobs.failedMsg, "no captions")
}

func TestHandleMessage_EmbedRetriesThenSucceeds(t *testing.T) {
	col := &fakeCollector{segments: []collector.Segment{{Text: "some town text", Title: "T", URL: "u"}}}
	embedder := &fakeEmbedder{failures: 2}
	jobs := &fakeJobs{}
	h, store := newTestConsumer(col, embedder, &fakeSources{src: websiteSource()}, jobs)

	require.NoError(t, h.HandleMessage(taskMessage(t)))

	assert.True(t, jobs.completed)
	assert.Equal(t, 3, embedder.calls)
	count, err := store.Count(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleMessage_PersistentEmbedFailureFailsJob(t *testing.T) {
	col := &fakeCollector{segments: []collector.Segment{{Text: "some town text", Title: "T", URL: "u"}}}
	embedder := &fakeEmbedder{failures: 100}
	jobs := &fakeJobs{}
	h, store := newTestConsumer(col, embedder, &fakeSources{src: websiteSource()}, jobs)

	require.NoError(t, h.HandleMessage(taskMessage(t)))

	assert.False(t, jobs.completed)
	assert.True(t, strings.Contains(jobs.failedMsg, "after 3 attempts"))
	assert.Equal(t, 3, embedder.calls)

	count, err := store.Count(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHandleMessage_PoisonPillNotRetried(t *testing.T) {
	jobs := &fakeJobs{}
	h, _ := newTestConsumer(&fakeCollector{}, &fakeEmbedder{}, &fakeSources{src: websiteSource()}, jobs)

	msg := &nsq.Message{Body: []byte("not json")}
	require.NoError(t, h.HandleMessage(msg))
	assert.False(t, jobs.running)
}

func TestHandleMessage_JobNotRunnableDropsTask(t *testing.T) {
	jobs := &failingJobs{}
	h, _ := newTestConsumer(&fakeCollector{}, &fakeEmbedder{}, &fakeSources{src: websiteSource()}, jobs)

	// A job already failed by the watchdog must not re-run.
	require.NoError(t, h.HandleMessage(taskMessage(t)))
	assert.False(t, jobs.ran)
}

type failingJobs struct {
	fakeJobs
	ran bool
}

func (f *failingJobs) MarkRunning(ctx context.Context, id string) error {
	return errors.New("job is not pending")
}

func (f *failingJobs) UpdateProgress(ctx context.Context, id string, processed, total int, message string) error {
	f.ran = true
	return nil
}
