// -----------------------------------------------------------------------
// PDF Handler - extracts text from a PDF (by upload path or URL) and,
// when requested, archives the result back to PDF (spec §4.4, job_type
// "pdf").
// -----------------------------------------------------------------------

package pdf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
)

// JobType is the registry key this handler is registered under.
const JobType = "pdf"

// ExtractionMethod is the §4.4 extraction strategy requested for a job.
type ExtractionMethod string

const (
	MethodNative           ExtractionMethod = "native"
	MethodOCR              ExtractionMethod = "ocr"
	MethodLLM              ExtractionMethod = "llm"
	MethodLLMAndNative     ExtractionMethod = "llm_and_native"
	MethodLLMAndOCR        ExtractionMethod = "llm_and_ocr"
	MethodPreview          ExtractionMethod = "preview"
	MethodPreviewAndNative ExtractionMethod = "preview_and_native"
)

var validMethods = map[ExtractionMethod]bool{
	MethodNative: true, MethodOCR: true, MethodLLM: true,
	MethodLLMAndNative: true, MethodLLMAndOCR: true,
	MethodPreview: true, MethodPreviewAndNative: true,
}

// FileSource is the parsed form of parameters.extra.file_source.
type FileSource struct {
	Type  string // "upload" or "url"
	Path  string // set when Type == "upload"
	Value string // set when Type == "url"
}

// ExternalProcessor performs OCR- or LLM-backed extraction for the
// extraction methods this core treats as opaque external work (spec
// §4.4: "the handler drives the relevant external processor"; a concrete
// OCR/LLM integration is out of scope — this interface is the seam an
// operator wires a real implementation into). Handlers built without one
// configured fail cleanly rather than fabricate results.
type ExternalProcessor interface {
	Process(ctx context.Context, pdfBytes []byte, method ExtractionMethod) (string, error)
}

// Handler extracts text per parameters.extra.file_source/extraction_method
// and, when parameters.create_archive is set, renders the extracted
// content back into an archive PDF stored under archiveDir.
type Handler struct {
	logger     arbor.ILogger
	extractor  *Extractor
	httpClient *http.Client
	external   ExternalProcessor
	archiveDir string
}

// Option configures a Handler.
type Option func(*Handler)

// WithExternalProcessor wires an OCR/LLM processor for the extraction
// methods that need one. Without one, those methods fail the job with a
// clear HANDLER_EXCEPTION rather than silently skipping the work.
func WithExternalProcessor(p ExternalProcessor) Option {
	return func(h *Handler) { h.external = p }
}

// New builds a pdf Handler. archiveDir is created on first use.
func New(logger arbor.ILogger, archiveDir string, opts ...Option) *Handler {
	h := &Handler{
		logger:     logger,
		extractor:  NewExtractor(logger),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		archiveDir: archiveDir,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements registry.Handler.
func (h *Handler) Handle(ctx context.Context, job *models.Job) (*models.JobResults, error) {
	source, err := parseFileSource(job.Parameters)
	if err != nil {
		return nil, err
	}
	method, err := parseExtractionMethod(job.Parameters)
	if err != nil {
		return nil, err
	}

	pdfBytes, err := h.readSource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("read pdf source: %w", err)
	}

	text, err := h.extractText(ctx, pdfBytes, method)
	if err != nil {
		return nil, err
	}

	results := &models.JobResults{
		MarkdownContent: text,
	}

	includeImages, _ := job.Parameters.GetExtraBool("include_images")
	if includeImages {
		pages, err := h.extractor.ExtractPages(pdfBytes)
		if err != nil {
			return nil, fmt.Errorf("extract page artifacts: %w", err)
		}
		for _, page := range pages {
			results.Assets = append(results.Assets, models.Asset{
				Type: "page",
				Name: fmt.Sprintf("page_%d", page.PageNumber),
			})
		}
	}

	if job.Parameters.CreateArchive {
		archivePath, err := WriteArchiveFile(h.logger, h.archiveDir, text)
		if err != nil {
			return nil, fmt.Errorf("write archive: %w", err)
		}
		results.ArchivePath = archivePath
		results.Assets = append(results.Assets, models.Asset{Type: "pdf", Path: archivePath})
	}

	// Uploaded source files are this handler's responsibility to clean up
	// once processing has produced results (spec §4.4). A cleanup failure
	// does not affect the job outcome - the content has already been read.
	if source.Type == "upload" {
		if err := os.Remove(source.Path); err != nil && h.logger != nil {
			h.logger.Warn().Err(err).Str("path", source.Path).Msg("failed to delete uploaded pdf after processing")
		}
	}

	return results, nil
}

// extractText uses the native extractor for the native and preview
// methods, and the injected external processor for every other method.
func (h *Handler) extractText(ctx context.Context, pdfBytes []byte, method ExtractionMethod) (string, error) {
	switch method {
	case MethodNative, MethodPreview, MethodPreviewAndNative:
		text, err := h.extractor.ExtractText(pdfBytes)
		if err != nil {
			return "", fmt.Errorf("extract pdf text: %w", err)
		}
		return text, nil
	default:
		if h.external == nil {
			return "", fmt.Errorf("extraction_method %q requires an external OCR/LLM processor, none configured", method)
		}
		text, err := h.external.Process(ctx, pdfBytes, method)
		if err != nil {
			return "", fmt.Errorf("external processor: %w", err)
		}
		return text, nil
	}
}

// readSource resolves a FileSource to its raw PDF bytes.
func (h *Handler) readSource(ctx context.Context, source *FileSource) ([]byte, error) {
	switch source.Type {
	case "upload":
		data, err := os.ReadFile(source.Path)
		if err != nil {
			return nil, fmt.Errorf("read uploaded file %s: %w", source.Path, err)
		}
		return data, nil
	case "url":
		return h.fetch(ctx, source.Value)
	default:
		return nil, fmt.Errorf("unsupported file_source.type %q", source.Type)
	}
}

func (h *Handler) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// parseFileSource reads and validates parameters.extra.file_source.
func parseFileSource(p models.Parameters) (*FileSource, error) {
	raw, ok := p.GetExtraMap("file_source")
	if !ok {
		return nil, &jobqueue.ValidationError{Field: "parameters.extra.file_source", Message: "required"}
	}

	sourceType, _ := raw["type"].(string)
	switch sourceType {
	case "upload":
		path, _ := raw["path"].(string)
		if path == "" {
			return nil, &jobqueue.ValidationError{Field: "parameters.extra.file_source.path", Message: "required when type is \"upload\""}
		}
		return &FileSource{Type: "upload", Path: path}, nil
	case "url":
		value, _ := raw["value"].(string)
		if value == "" {
			return nil, &jobqueue.ValidationError{Field: "parameters.extra.file_source.value", Message: "required when type is \"url\""}
		}
		return &FileSource{Type: "url", Value: value}, nil
	default:
		return nil, &jobqueue.ValidationError{Field: "parameters.extra.file_source.type", Message: "must be \"upload\" or \"url\""}
	}
}

// parseExtractionMethod reads and validates parameters.extra.extraction_method.
func parseExtractionMethod(p models.Parameters) (ExtractionMethod, error) {
	raw, ok := p.GetExtraString("extraction_method")
	if !ok || raw == "" {
		return "", &jobqueue.ValidationError{Field: "parameters.extra.extraction_method", Message: "required"}
	}
	method := ExtractionMethod(raw)
	if !validMethods[method] {
		return "", &jobqueue.ValidationError{Field: "parameters.extra.extraction_method", Message: "unrecognized extraction method " + raw}
	}
	return method, nil
}
