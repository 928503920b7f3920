package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Entry is one journal record to render.
type Entry struct {
	CreatedAt time.Time
	Content   string
}

// PDFExporter renders journal entries into a simple dated document.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a PDF document with a title line followed by one dated block
// per entry, newest first as given.
func (e *PDFExporter) Render(title string, entries []Entry) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, title, "", 1, "C", false, 0, "")
		pdf.Ln(3)
	}

	for _, entry := range entries {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(0, 7, entry.CreatedAt.UTC().Format("2006-01-02 15:04"), "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.MultiCell(0, 5, entry.Content, "", "L", false)
		pdf.Ln(3)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
