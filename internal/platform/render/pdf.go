// Package render produces the artifacts derived from a reviewed submission:
// the PDF report and the flattened annotated image.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	_ "image/png"

	"github.com/go-pdf/fpdf"

	"github.com/oralvis/oralvis/pkg/annotation"
)

// ErrRender wraps every failure to produce a report.
var ErrRender = errors.New("render report")

// Patient is the patient snapshot printed on the report.
type Patient struct {
	Name      string
	PatientID string
	Email     string
	Note      string
}

// Image is an image embedded into the report.
type Image struct {
	Name string
	Data []byte
}

// ReportData is everything a report shows.
type ReportData struct {
	SubmissionID   string
	Patient        Patient
	OriginalImage  *Image
	AnnotatedImage *Image
	// AnnotationData is the stored annotation payload, summarized on the
	// report.
	AnnotationData  json.RawMessage
	Findings        string
	Recommendations string
	DoctorName      string
	ReportDate      time.Time
}

// Branding controls the fixed text on the report.
type Branding struct {
	Title      string
	Subtitle   string
	Disclaimer string
	// HeaderColor is the RGB fill of the title band.
	HeaderColor [3]int
}

// DefaultBranding returns the stock OralVis branding.
func DefaultBranding() Branding {
	return Branding{
		Title:       "OralVis Healthcare",
		Subtitle:    "Dental Image Analysis Report",
		Disclaimer:  "This report is generated by OralVis Healthcare system and should be reviewed by a qualified healthcare professional.",
		HeaderColor: [3]int{0x39, 0x99, 0x18},
	}
}

// PDFRenderer renders A4 PDF reports. It holds no per-report state and is
// safe for concurrent use.
type PDFRenderer struct {
	branding Branding
}

// NewPDFRenderer creates a renderer with the given branding.
func NewPDFRenderer(b Branding) *PDFRenderer {
	return &PDFRenderer{branding: b}
}

const (
	margin     = 50.0
	imageBoxW  = 250.0
	imageBoxH  = 200.0
	bodyWidth  = 500.0
	lineHeight = 15.0
)

// Render lays out the report and returns the PDF bytes.
func (r *PDFRenderer) Render(ctx context.Context, data ReportData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	if data.SubmissionID == "" {
		return nil, fmt.Errorf("%w: submission id is required", ErrRender)
	}

	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetTitle(r.branding.Subtitle, true)
	pdf.SetCreator(r.branding.Title, true)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	r.header(pdf, tr)
	patientInfo(pdf, tr, data)
	images(pdf, tr, data)
	findings(pdf, tr, data)
	r.footer(pdf, tr, data)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return buf.Bytes(), nil
}

func (r *PDFRenderer) header(pdf *fpdf.Fpdf, tr func(string) string) {
	pageW, _ := pdf.GetPageSize()
	c := r.branding.HeaderColor
	pdf.SetFillColor(c[0], c[1], c[2])
	pdf.Rect(0, 0, pageW, 80, "F")

	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 24)
	pdf.Text(margin, 45, tr(r.branding.Title))
	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(margin, 65, tr(r.branding.Subtitle))

	pdf.SetTextColor(0, 0, 0)
	pdf.SetY(100)
}

func patientInfo(pdf *fpdf.Fpdf, tr func(string) string, data ReportData) {
	pdf.SetY(pdf.GetY() + 20)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(bodyWidth, 20, "Patient Information", "", 1, "L", false, 0, "")
	pdf.Ln(10)

	rows := [][2]string{
		{"Patient Name:", data.Patient.Name},
		{"Patient ID:", data.Patient.PatientID},
		{"Email:", data.Patient.Email},
		{"Report Date:", data.ReportDate.Format("January 2, 2006")},
		{"Submission ID:", data.SubmissionID},
	}
	if line := annotationLine(data.AnnotationData); line != "" {
		rows = append(rows, [2]string{"Annotations:", line})
	}
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(100, 20, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 12)
		pdf.CellFormat(bodyWidth-100, 20, tr(row[1]), "", 1, "L", false, 0, "")
	}

	if data.Patient.Note != "" {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(bodyWidth, 20, "Patient Note:", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 12)
		pdf.MultiCell(bodyWidth, lineHeight, tr(data.Patient.Note), "", "L", false)
	}
	pdf.Ln(20)
}

func images(pdf *fpdf.Fpdf, tr func(string) string, data ReportData) {
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(bodyWidth, 20, "Image Analysis", "", 1, "L", false, 0, "")

	_, pageH := pdf.GetPageSize()
	if pdf.GetY()+20+imageBoxH+20 > pageH-margin {
		pdf.AddPage()
	}
	y := pdf.GetY() + 20

	if data.OriginalImage != nil {
		placeImage(pdf, tr, "Original Image:", "Image could not be loaded", data.OriginalImage, margin, y)
	}
	if data.AnnotatedImage != nil {
		placeImage(pdf, tr, "Annotated Image:", "Annotated image could not be loaded", data.AnnotatedImage, margin+270, y)
	}
	pdf.SetY(y + imageBoxH + 40)
}

// placeImage embeds img into a fixed box at (x, y), keeping its aspect
// ratio. Undecodable images print a placeholder instead of failing the
// report.
func placeImage(pdf *fpdf.Fpdf, tr func(string) string, label, fallback string, img *Image, x, y float64) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Text(x, y, label)

	jpg, w, h, err := normalizeImage(img.Data)
	if err != nil {
		pdf.SetFont("Helvetica", "", 12)
		pdf.Text(x, y+20, tr(fallback))
		return
	}

	scale := imageBoxW / float64(w)
	if s := imageBoxH / float64(h); s < scale {
		scale = s
	}
	opts := fpdf.ImageOptions{ImageType: "JPG"}
	pdf.RegisterImageOptionsReader(img.Name, opts, bytes.NewReader(jpg))
	pdf.ImageOptions(img.Name, x, y+10, float64(w)*scale, float64(h)*scale, false, opts, 0, "")
}

// normalizeImage decodes any supported raster and re-encodes it as a
// baseline JPEG, which every PDF reader can display.
func normalizeImage(data []byte) ([]byte, int, int, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, 0, 0, errors.New("empty image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 90}); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

func findings(pdf *fpdf.Fpdf, tr func(string) string, data ReportData) {
	if pdf.GetY() > 600 {
		pdf.AddPage()
	}

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(bodyWidth, 20, "Clinical Findings", "", 1, "L", false, 0, "")
	pdf.Ln(10)
	pdf.SetFont("Helvetica", "", 12)
	text := data.Findings
	if text == "" {
		text = "No specific findings noted."
	}
	pdf.MultiCell(bodyWidth, lineHeight, tr(text), "", "L", false)

	pdf.Ln(30)
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(bodyWidth, 20, "Recommendations", "", 1, "L", false, 0, "")
	pdf.Ln(10)
	pdf.SetFont("Helvetica", "", 12)
	text = data.Recommendations
	if text == "" {
		text = "Follow standard care protocols."
	}
	pdf.MultiCell(bodyWidth, lineHeight, tr(text), "", "L", false)
}

func (r *PDFRenderer) footer(pdf *fpdf.Fpdf, tr func(string) string, data ReportData) {
	_, pageH := pdf.GetPageSize()
	footerY := pageH - 100
	if pdf.GetY() > footerY-50 {
		pdf.AddPage()
	}

	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, footerY-40, "Reviewed by:")
	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(margin, footerY-25, tr(data.DoctorName))
	pdf.Text(margin, footerY-10, "Digital Signature")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetXY(margin, footerY+20)
	pdf.MultiCell(bodyWidth, 12, tr(r.branding.Disclaimer), "", "C", false)
}

func annotationLine(raw json.RawMessage) string {
	return annotation.Summarize(raw).String()
}
