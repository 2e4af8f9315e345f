// -----------------------------------------------------------------------
// Session Handler - fetches a conference session transcript and normalizes
// it to markdown (spec §4.4, job_type "session")
// -----------------------------------------------------------------------

package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"

	jobqueue "github.com/ternarybob/quaero/internal/jobqueue"
	"github.com/ternarybob/quaero/internal/jobqueue/handlers/pdf"
	"github.com/ternarybob/quaero/internal/jobqueue/models"
)

// JobType is the registry key this handler is registered under.
const JobType = "session"

// requiredFields names the parameters.extra keys spec §4.4 mandates for
// every session job.
var requiredFields = []string{"event", "session", "url", "filename", "track"}

// optionalFields are copied into the results envelope when present as
// non-empty strings, matching spec §4.4's optional session metadata;
// values of any other type are not copied.
var optionalFields = []string{"day", "starttime", "endtime", "speakers", "source_language", "target_language"}

// Handler fetches parameters.extra.url, converts the transcript it finds
// there to markdown, splits it into chapters, and optionally archives it
// as a PDF.
type Handler struct {
	logger     arbor.ILogger
	httpClient *http.Client
	archiveDir string
}

// New builds a session Handler. archiveDir is created on first use when
// create_archive is requested.
func New(logger arbor.ILogger, archiveDir string) *Handler {
	return &Handler{
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		archiveDir: archiveDir,
	}
}

// Handle implements registry.Handler.
func (h *Handler) Handle(ctx context.Context, job *models.Job) (*models.JobResults, error) {
	fields := make(map[string]string, len(requiredFields))
	for _, key := range requiredFields {
		v, ok := job.Parameters.GetExtraString(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, &jobqueue.ValidationError{Field: "parameters.extra." + key, Message: "required and must be non-empty"}
		}
		fields[key] = v
	}
	sourceURL := fields["url"]

	html, err := h.fetch(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch session transcript from %s: %w", sourceURL, err)
	}

	converter := md.NewConverter(sourceURL, true, nil)
	markdown, convErr := converter.ConvertString(html)
	if convErr != nil {
		if h.logger != nil {
			h.logger.Warn().Err(convErr).Str("job_id", job.JobID).Msg("html to markdown conversion failed, falling back to tag strip")
		}
		markdown = stripTags(html)
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return nil, fmt.Errorf("conversion produced empty markdown from %d bytes fetched from %s", len(html), sourceURL)
	}

	results := &models.JobResults{
		MarkdownContent: markdown,
		Transcript:      markdown,
		Chapters:        splitChapters(markdown),
		Assets:          sessionAssets(job.Parameters),
		Extra:           sessionMetadata(fields, job.Parameters),
	}

	if job.Parameters.CreateArchive {
		archivePath, err := h.writeArchive(markdown)
		if err != nil {
			return nil, fmt.Errorf("write archive: %w", err)
		}
		results.ArchivePath = archivePath
		results.Assets = append(results.Assets, models.Asset{Type: "pdf", Path: archivePath})
	}

	return results, nil
}

// fetch retrieves the transcript HTML at sourceURL. An unreachable host or
// non-2xx response surfaces as an error, which the worker manager converts
// into a terminal HANDLER_EXCEPTION (spec §8.4 scenario B).
func (h *Handler) fetch(ctx context.Context, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	return string(body), nil
}

// writeArchive renders markdown to a PDF using the same goldmark-backed
// renderer the pdf handler uses for its own archive output.
func (h *Handler) writeArchive(markdown string) (string, error) {
	return pdf.WriteArchiveFile(h.logger, h.archiveDir, markdown)
}

// sessionAssets surfaces any referenced video/attachments as artifact
// references on the results envelope.
func sessionAssets(p models.Parameters) []models.Asset {
	var assets []models.Asset
	if v, ok := p.GetExtraString("video_url"); ok && v != "" {
		assets = append(assets, models.Asset{Type: "video", Path: v})
	}
	if v, ok := p.GetExtraString("attachments_url"); ok && v != "" {
		assets = append(assets, models.Asset{Type: "attachments", Path: v})
	}
	return assets
}

// sessionMetadata copies the required identifying fields and whichever
// optional fields were supplied into the results envelope's open map, so
// callers can correlate a result with the session it came from without
// re-reading the job's parameters.
func sessionMetadata(required map[string]string, p models.Parameters) map[string]interface{} {
	extra := make(map[string]interface{}, len(required)+len(optionalFields))
	for k, v := range required {
		extra[k] = v
	}
	for _, key := range optionalFields {
		if v, ok := p.GetExtraString(key); ok && v != "" {
			extra[key] = v
		}
	}
	return extra
}

// splitChapters breaks markdown on top-level (#) headings, keeping each
// heading with the content that follows it.
func splitChapters(markdown string) []string {
	lines := strings.Split(markdown, "\n")
	var chapters []string
	var current strings.Builder

	flush := func() {
		chapter := strings.TrimSpace(current.String())
		if chapter != "" {
			chapters = append(chapters, chapter)
		}
		current.Reset()
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "# ") && current.Len() > 0 {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	if len(chapters) == 0 {
		return []string{markdown}
	}
	return chapters
}

// stripTags is the last-resort fallback when conversion fails outright.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
