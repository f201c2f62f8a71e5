package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dslipak/pdf"
)

// maxPDFBytes caps downloads; municipal PDFs past this size are almost
// always scanned image archives with no text layer anyway.
const maxPDFBytes = 100 << 20

// PDFCollector extracts text per page from a remote or uploaded PDF.
// Extraction failure is source-fatal: an encrypted, corrupt, or
// scanned-without-OCR file yields no usable text.
type PDFCollector struct {
	client *http.Client
}

func NewPDFCollector(client *http.Client) *PDFCollector {
	return &PDFCollector{client: client}
}

func (c *PDFCollector) Collect(ctx context.Context, req Request, emit func(Segment) error, progress Progress) error {
	var data []byte
	var err error

	switch req.Type {
	case TypePDFUpload:
		data, err = os.ReadFile(req.URL)
		if err != nil {
			return &ExtractionError{Source: req.URL, Err: err}
		}
	default:
		data, err = c.download(ctx, req.URL)
		if err != nil {
			return &FetchError{URL: req.URL, Err: err}
		}
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return &ExtractionError{Source: req.URL, Err: err}
	}

	total := reader.NumPage()
	emitted := 0
	for pageNum := 1; pageNum <= total; pageNum++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if progress != nil {
			progress(pageNum, total, fmt.Sprintf("extracting page %d of %d", pageNum, total))
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return &ExtractionError{Source: req.URL, Err: fmt.Errorf("page %d: %w", pageNum, err)}
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}

		if err := emit(Segment{
			Text:   content,
			Title:  fmt.Sprintf("%s (page %d)", req.Name, pageNum),
			URL:    req.URL,
			Method: "pdf_extract",
		}); err != nil {
			return err
		}
		emitted++
	}

	if emitted == 0 {
		return &ExtractionError{Source: req.URL, Err: fmt.Errorf("no extractable text in %d pages (scanned without OCR?)", total)}
	}
	return nil
}

func (c *PDFCollector) download(ctx context.Context, pdfURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
}
