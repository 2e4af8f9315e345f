// -----------------------------------------------------------------------
// PDF text extraction - adapted from the teacher's pdf.Extractor to read
// directly from job parameters instead of key-value storage (spec §4.4,
// job_type "pdf").
// -----------------------------------------------------------------------

package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
)

// PageContent is one page's extracted text.
type PageContent struct {
	PageNumber int
	Text       string
}

// Extractor pulls text content out of PDF bytes using pdfcpu.
type Extractor struct {
	logger  arbor.ILogger
	tempDir string
}

// NewExtractor builds an Extractor with its own scratch directory.
func NewExtractor(logger arbor.ILogger) *Extractor {
	tempDir := filepath.Join(os.TempDir(), "quaero-jobqueue-pdf")
	os.MkdirAll(tempDir, 0755)
	return &Extractor{logger: logger, tempDir: tempDir}
}

// ExtractPages extracts per-page text content from raw PDF bytes.
func (e *Extractor) ExtractPages(pdfContent []byte) ([]PageContent, error) {
	tempFile := filepath.Join(e.tempDir, fmt.Sprintf("extract_%s.pdf", uuid.New().String()))
	if err := os.WriteFile(tempFile, pdfContent, 0644); err != nil {
		return nil, fmt.Errorf("write temp pdf file: %w", err)
	}
	defer os.Remove(tempFile)

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("read pdf context: %w", err)
	}
	pageCount := pdfCtx.PageCount
	pages := make([]PageContent, 0, pageCount)

	outDir := filepath.Join(e.tempDir, fmt.Sprintf("pages_%s", uuid.New().String()))
	os.MkdirAll(outDir, 0755)
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		if e.logger != nil {
			e.logger.Warn().Err(err).Msg("pdf content extraction failed, returning empty-text pages")
		}
		for pageNum := 1; pageNum <= pageCount; pageNum++ {
			pages = append(pages, PageContent{PageNumber: pageNum})
		}
		return pages, nil
	}

	files, _ := os.ReadDir(outDir)
	pageTexts := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		} else if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = string(content)
		}
	}

	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		pages = append(pages, PageContent{PageNumber: pageNum, Text: pageTexts[pageNum]})
	}
	return pages, nil
}

// ExtractText joins every page's text with a page separator.
func (e *Extractor) ExtractText(pdfContent []byte) (string, error) {
	pages, err := e.ExtractPages(pdfContent)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			fmt.Fprintf(&b, "\n\n--- Page %d ---\n\n", page.PageNumber)
		}
		b.WriteString(page.Text)
	}
	return b.String(), nil
}
