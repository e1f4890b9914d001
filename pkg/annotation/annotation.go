// Package annotation defines the vector annotation document an admin draws
// over a submission image, and validates it at the API boundary.
package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ShapeType enumerates the supported annotation shapes.
type ShapeType string

const (
	Rectangle ShapeType = "rectangle"
	Circle    ShapeType = "circle"
	Arrow     ShapeType = "arrow"
	Freehand  ShapeType = "freehand"
)

// MaxAnnotations bounds the number of shapes in one document.
const MaxAnnotations = 500

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Geometry holds the shape-specific coordinates. Which fields are used
// depends on the annotation type.
type Geometry struct {
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Radius float64 `json:"radius,omitempty"`
	StartX float64 `json:"startX,omitempty"`
	StartY float64 `json:"startY,omitempty"`
	EndX   float64 `json:"endX,omitempty"`
	EndY   float64 `json:"endY,omitempty"`
	Points []Point `json:"points,omitempty"`
}

// Style is the optional stroke styling of a shape.
type Style struct {
	StrokeColor string  `json:"strokeColor,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Annotation is one shape on the canvas.
type Annotation struct {
	ID        string    `json:"id,omitempty"`
	Type      ShapeType `json:"type"`
	Data      Geometry  `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Style     *Style    `json:"style,omitempty"`

	// Flat styling fields sent by older clients.
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// StrokeColor returns the effective stroke color, or "" for the default.
func (a Annotation) StrokeColor() string {
	if a.Style != nil && a.Style.StrokeColor != "" {
		return a.Style.StrokeColor
	}
	return a.Color
}

// EffectiveStrokeWidth returns the stroke width, or 0 for the default.
func (a Annotation) EffectiveStrokeWidth() float64 {
	if a.Style != nil && a.Style.StrokeWidth > 0 {
		return a.Style.StrokeWidth
	}
	return a.StrokeWidth
}

// Document is the full annotation payload for one image.
type Document struct {
	Annotations  []Annotation `json:"annotations"`
	CanvasWidth  float64      `json:"canvasWidth"`
	CanvasHeight float64      `json:"canvasHeight"`
}

// FieldError reports a problem at a JSON path inside the document.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Detect classifies an annotationData payload. Any JSON object is accepted.
// An object with a top-level "annotations" key is a Document and is parsed
// and validated. Other objects, such as a Fabric.js canvas export, return a
// nil Document and are stored as sent.
func Detect(raw json.RawMessage) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, FieldError{Field: "annotationData", Message: "must be an object"}
	}
	if _, typed := top["annotations"]; !typed {
		return nil, nil
	}
	return Parse(raw)
}

// Parse decodes raw into a Document and validates it. Unknown top-level
// fields are rejected.
func Parse(raw json.RawMessage) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, FieldError{Field: "annotationData", Message: "must be an object"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, FieldError{Field: "annotationData", Message: "malformed annotation document: " + err.Error()}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks canvas dimensions and the geometry of every shape.
func (d *Document) Validate() error {
	if d.CanvasWidth <= 0 {
		return FieldError{Field: "annotationData.canvasWidth", Message: "must be greater than 0"}
	}
	if d.CanvasHeight <= 0 {
		return FieldError{Field: "annotationData.canvasHeight", Message: "must be greater than 0"}
	}
	if d.Annotations == nil {
		return FieldError{Field: "annotationData.annotations", Message: "is required"}
	}
	if len(d.Annotations) > MaxAnnotations {
		return FieldError{Field: "annotationData.annotations", Message: fmt.Sprintf("must contain at most %d shapes", MaxAnnotations)}
	}
	for i, a := range d.Annotations {
		if err := a.validate(); err != nil {
			return FieldError{Field: fmt.Sprintf("annotationData.annotations[%d].%s", i, err.Field), Message: err.Message}
		}
	}
	return nil
}

func (a Annotation) validate() *FieldError {
	if a.Timestamp.IsZero() {
		return &FieldError{Field: "timestamp", Message: "is required"}
	}
	if w := a.EffectiveStrokeWidth(); w < 0 || w > 100 {
		return &FieldError{Field: "style.strokeWidth", Message: "must be between 0 and 100"}
	}
	g := a.Data
	switch a.Type {
	case Rectangle:
		if g.Width == 0 || g.Height == 0 {
			return &FieldError{Field: "data", Message: "rectangle requires non-zero width and height"}
		}
	case Circle:
		if g.Radius <= 0 {
			return &FieldError{Field: "data.radius", Message: "must be greater than 0"}
		}
	case Arrow:
		if g.StartX == g.EndX && g.StartY == g.EndY {
			return &FieldError{Field: "data", Message: "arrow start and end must differ"}
		}
	case Freehand:
		if len(g.Points) < 2 {
			return &FieldError{Field: "data.points", Message: "freehand requires at least 2 points"}
		}
	default:
		return &FieldError{Field: "type", Message: "must be one of: rectangle circle arrow freehand"}
	}
	return nil
}

// Summary counts the shapes of a stored annotation payload.
type Summary struct {
	Total  int
	ByType map[string]int
}

// String renders the summary as "3 marked region(s): 2 rectangle, 1 circle".
func (s Summary) String() string {
	if s.Total == 0 {
		return ""
	}
	types := make([]string, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByType[t], t))
	}
	out := fmt.Sprintf("%d marked region(s)", s.Total)
	if len(parts) > 0 {
		out += ": " + strings.Join(parts, ", ")
	}
	return out
}

// Summarize counts shapes in either a Document or a canvas export that
// lists its shapes under "objects". Unreadable payloads summarize to zero.
func Summarize(raw json.RawMessage) Summary {
	var payload struct {
		Annotations []struct {
			Type string `json:"type"`
		} `json:"annotations"`
		Objects []struct {
			Type string `json:"type"`
		} `json:"objects"`
	}
	sum := Summary{ByType: map[string]int{}}
	if len(raw) == 0 || json.Unmarshal(raw, &payload) != nil {
		return sum
	}
	shapes := payload.Annotations
	if len(shapes) == 0 {
		shapes = payload.Objects
	}
	for _, sh := range shapes {
		sum.Total++
		if t := strings.ToLower(strings.TrimSpace(sh.Type)); t != "" {
			sum.ByType[t]++
		}
	}
	return sum
}
