package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/qualys/intelengine/internal/models"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
	// tr maps UTF-8 text onto the cp1252 core fonts.
	tr func(string) string
}

func NewPDFReport(title string, classification models.Classification, generated time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
		tr:    pdf.UnicodeTranslatorFromDescriptor(""),
	}

	r.addHeader(classification, generated)
	return r
}

func (r *PDFReport) addHeader(classification models.Classification, generated time.Time) {
	r.pdf.AddPage()

	red, green, blue := classificationColor(classification)
	r.pdf.SetFillColor(red, green, blue)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.SetFont("Arial", "B", 10)
	r.pdf.CellFormat(0, 7, classification.String(), "", 1, "C", true, 0, "")
	r.pdf.Ln(4)

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.tr(r.title), "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", generated.UTC().Format("January 2, 2006 15:04 UTC")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, r.tr(title), "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, r.tr(text), "", "L", false)
	r.pdf.Ln(5)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			r.pdf.CellFormat(colWidth, 7, r.tr(truncate(cell, 25)), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

type count struct {
	label string
	value int
}

// AddChart draws one horizontal bar per count, in the order given.
func (r *PDFReport) AddChart(title string, data []count) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	peak := 1
	for _, c := range data {
		peak = max(peak, c.value)
	}

	barMaxWidth := 100.0
	for _, c := range data {
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(40, 6, c.label, "", 0, "L", false, 0, "")

		red, green, blue := severityColor(models.Severity(c.label))
		r.pdf.SetFillColor(red, green, blue)
		if c.value > 0 {
			r.pdf.CellFormat(float64(c.value)/float64(peak)*barMaxWidth, 6, "", "", 0, "L", true, 0, "")
		}

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", c.value), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddFooter(classification models.Classification, contentHash string) {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 5, fmt.Sprintf("%s  |  Page %d", classification, r.pdf.PageNo()), "", 1, "C", false, 0, "")
		if contentHash != "" {
			r.pdf.CellFormat(0, 5, contentHash, "", 0, "C", false, 0, "")
		}
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPDF lays out a stored report with the findings and indicators it
// references.
func RenderPDF(report *models.IntelReport, findings []*models.Finding, indicators []*models.Indicator) ([]byte, error) {
	pdf := NewPDFReport(report.Title, report.Classification, report.PublishedAt)
	pdf.AddFooter(report.Classification, report.ContentHash)

	pdf.AddSection("Summary")
	pdf.AddParagraph(report.Summary)

	levels := []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow}
	bySeverity := make(map[models.Severity]int)
	for _, f := range findings {
		bySeverity[f.Severity]++
	}
	for _, ind := range indicators {
		bySeverity[ind.Severity]++
	}
	counts := make([]count, len(levels))
	for i, s := range levels {
		counts[i] = count{label: string(s), value: bySeverity[s]}
	}
	pdf.AddChart("Findings and indicators by severity", counts)

	if len(findings) > 0 {
		pdf.AddSection("Findings")
		rows := make([][]string, len(findings))
		for i, f := range findings {
			rows[i] = []string{shortID(f.ID), string(f.Severity), fmt.Sprintf("%d", f.Confidence), f.Summary}
		}
		pdf.AddTable([]string{"ID", "Severity", "Confidence", "Summary"}, rows)
	}

	if len(indicators) > 0 {
		pdf.AddSection("Indicators")
		rows := make([][]string, len(indicators))
		for i, ind := range indicators {
			rows[i] = []string{shortID(ind.ID), string(ind.Type), string(ind.Severity), ind.Description}
		}
		pdf.AddTable([]string{"ID", "Type", "Severity", "Description"}, rows)
	}

	pdf.AddSection("Details")
	pdf.AddParagraph(report.Content)

	if report.AnchorReceipt != "" {
		pdf.AddSection("Anchor")
		pdf.AddParagraph(fmt.Sprintf("Content hash: %s\nReceipt: %s", report.ContentHash, report.AnchorReceipt))
	}

	return pdf.Output()
}

func classificationColor(c models.Classification) (int, int, int) {
	switch c {
	case models.TopSecret:
		return 255, 140, 0
	case models.Secret:
		return 200, 16, 46
	case models.Confidential:
		return 0, 51, 160
	}
	return 0, 122, 51
}

func severityColor(s models.Severity) (int, int, int) {
	switch s {
	case models.SeverityCritical:
		return 220, 53, 69
	case models.SeverityHigh:
		return 253, 126, 20
	case models.SeverityMedium:
		return 255, 193, 7
	case models.SeverityLow:
		return 40, 167, 69
	}
	return 108, 117, 125
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
