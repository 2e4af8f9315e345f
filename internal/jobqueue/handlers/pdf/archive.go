// -----------------------------------------------------------------------
// Markdown -> PDF archive rendering - adapted from the teacher's
// pdf.Service goldmark walker, trimmed to the node kinds a job transcript
// actually produces (headings, paragraphs, emphasis, lists, code blocks).
// -----------------------------------------------------------------------

package pdf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// WriteArchiveFile renders markdown to a PDF via RenderArchive and writes
// it under archiveDir, returning the path written. Shared by this
// package's own handler and the session handler, both of which produce
// an optional PDF archive from their extracted/converted markdown.
func WriteArchiveFile(logger arbor.ILogger, archiveDir, markdown string) (string, error) {
	if archiveDir == "" {
		archiveDir = os.TempDir()
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	rendered, err := RenderArchive(logger, markdown)
	if err != nil {
		return "", err
	}

	path := filepath.Join(archiveDir, fmt.Sprintf("archive_%s.pdf", uuid.New().String()))
	if err := os.WriteFile(path, rendered, 0644); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}
	return path, nil
}

// RenderArchive renders markdown into a single-column A4 PDF, returning
// the finished document bytes.
func RenderArchive(logger arbor.ILogger, markdown string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	pdf.SetFont("Arial", "", 10)

	md := goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	)

	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &renderer{pdf: pdf, source: source, logger: logger, font: "Arial", size: 10}
	if err := ast.Walk(doc, r.walk); err != nil {
		return nil, fmt.Errorf("render markdown to pdf: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

type renderer struct {
	pdf    *fpdf.Fpdf
	source []byte
	logger arbor.ILogger
	font   string
	size   float64
	bold   bool
	italic bool
	inList bool
}

func (r *renderer) setFont() {
	style := ""
	if r.bold {
		style += "B"
	}
	if r.italic {
		style += "I"
	}
	r.pdf.SetFont(r.font, style, r.size)
}

func (r *renderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch v := n.(type) {
	case *ast.Heading:
		if entering {
			r.pdf.Ln(4)
			sizes := map[int]float64{1: 18, 2: 15, 3: 13}
			size, ok := sizes[v.Level]
			if !ok {
				size = 11
			}
			r.size, r.bold = size, true
			r.setFont()
		} else {
			r.size, r.bold = 10, false
			r.setFont()
			r.pdf.Ln(6)
		}
	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(5)
		}
	case *ast.Emphasis:
		if v.Level == 2 {
			r.bold = entering
		} else {
			r.italic = entering
		}
		r.setFont()
	case *ast.Text:
		if entering {
			r.pdf.Write(5, string(v.Segment.Value(r.source)))
			if v.SoftLineBreak() || v.HardLineBreak() {
				r.pdf.Ln(5)
			}
		}
	case *ast.CodeSpan:
		if entering {
			r.pdf.SetFont("Courier", "", r.size)
		} else {
			r.setFont()
		}
	case *ast.FencedCodeBlock:
		if entering {
			r.pdf.Ln(2)
			r.pdf.SetFont("Courier", "", 9)
			for i := 0; i < v.Lines().Len(); i++ {
				line := v.Lines().At(i)
				r.pdf.Write(4, string(line.Value(r.source)))
			}
			r.setFont()
			r.pdf.Ln(2)
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		r.inList = entering
	case *ast.ListItem:
		if entering {
			r.pdf.Write(5, "- ")
		}
	}
	return ast.WalkContinue, nil
}
