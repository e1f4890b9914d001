package annotation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const validDoc = `{
  "annotations": [
    {"type":"rectangle","data":{"x":10,"y":10,"width":50,"height":40},"timestamp":"2024-03-01T10:00:00Z","style":{"strokeColor":"#ff0000","strokeWidth":3}},
    {"type":"circle","data":{"x":100,"y":80,"radius":20},"timestamp":"2024-03-01T10:00:01Z"},
    {"type":"arrow","data":{"startX":0,"startY":0,"endX":30,"endY":30},"timestamp":"2024-03-01T10:00:02Z","color":"#00ff00"},
    {"type":"freehand","data":{"points":[{"x":1,"y":1},{"x":2,"y":3},{"x":4,"y":4}]},"timestamp":"2024-03-01T10:00:03Z"}
  ],
  "canvasWidth": 800,
  "canvasHeight": 600
}`

func TestParse_Valid(t *testing.T) {
	doc, err := Parse(json.RawMessage(validDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Annotations) != 4 {
		t.Fatalf("expected 4 annotations, got %d", len(doc.Annotations))
	}
	if doc.Annotations[0].StrokeColor() != "#ff0000" || doc.Annotations[0].EffectiveStrokeWidth() != 3 {
		t.Errorf("unexpected style %+v", doc.Annotations[0].Style)
	}
	if doc.Annotations[2].StrokeColor() != "#00ff00" {
		t.Errorf("expected flat color fallback, got %q", doc.Annotations[2].StrokeColor())
	}
	if len(doc.Annotations[3].Data.Points) != 3 {
		t.Errorf("expected 3 freehand points")
	}
}

func TestParse_EmptyAnnotationsAllowed(t *testing.T) {
	if _, err := Parse(json.RawMessage(`{"annotations":[],"canvasWidth":10,"canvasHeight":10}`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"empty", ``, "annotationData"},
		{"null", `null`, "annotationData"},
		{"not an object", `[1,2]`, "annotationData"},
		{"unknown field", `{"annotations":[],"canvasWidth":1,"canvasHeight":1,"extra":true}`, "annotationData"},
		{"zero width", `{"annotations":[],"canvasWidth":0,"canvasHeight":1}`, "annotationData.canvasWidth"},
		{"negative height", `{"annotations":[],"canvasWidth":1,"canvasHeight":-1}`, "annotationData.canvasHeight"},
		{"missing annotations", `{"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations"},
		{"bad type", `{"annotations":[{"type":"polygon","data":{},"timestamp":"2024-03-01T10:00:00Z"}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].type"},
		{"no timestamp", `{"annotations":[{"type":"circle","data":{"radius":2}}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].timestamp"},
		{"zero radius", `{"annotations":[{"type":"circle","data":{"radius":0},"timestamp":"2024-03-01T10:00:00Z"}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].data.radius"},
		{"flat rectangle", `{"annotations":[{"type":"rectangle","data":{"width":5},"timestamp":"2024-03-01T10:00:00Z"}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].data"},
		{"point arrow", `{"annotations":[{"type":"arrow","data":{"startX":1,"startY":1,"endX":1,"endY":1},"timestamp":"2024-03-01T10:00:00Z"}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].data"},
		{"short freehand", `{"annotations":[{"type":"freehand","data":{"points":[{"x":1,"y":1}]},"timestamp":"2024-03-01T10:00:00Z"}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].data.points"},
		{"huge stroke", `{"annotations":[{"type":"circle","data":{"radius":2},"timestamp":"2024-03-01T10:00:00Z","strokeWidth":500}],"canvasWidth":1,"canvasHeight":1}`, "annotationData.annotations[0].style.strokeWidth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(json.RawMessage(tt.raw))
			var fe FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fe.Field != tt.field {
				t.Errorf("expected field %q, got %q (%s)", tt.field, fe.Field, fe.Message)
			}
		})
	}
}

func TestValidate_TooMany(t *testing.T) {
	doc := Document{CanvasWidth: 1, CanvasHeight: 1}
	for i := 0; i <= MaxAnnotations; i++ {
		doc.Annotations = append(doc.Annotations, Annotation{})
	}
	err := doc.Validate()
	if err == nil || !strings.Contains(err.Error(), "at most") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestDetect(t *testing.T) {
	doc, err := Detect(json.RawMessage(validDoc))
	if err != nil || doc == nil {
		t.Fatalf("expected typed document, got %v, %v", doc, err)
	}

	canvas := `{"version":"5.3.0","objects":[{"type":"rect","left":1,"top":2}],"background":""}`
	doc, err = Detect(json.RawMessage(canvas))
	if err != nil {
		t.Fatalf("canvas export should be accepted: %v", err)
	}
	if doc != nil {
		t.Error("expected no typed document for a canvas export")
	}

	if _, err := Detect(json.RawMessage(`{"annotations":[],"canvasWidth":0,"canvasHeight":1}`)); err == nil {
		t.Error("expected a typed document to be validated")
	}
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `null`, `{`} {
		if _, err := Detect(json.RawMessage(raw)); err == nil {
			t.Errorf("expected %s to be rejected", raw)
		}
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"typed", `{"annotations":[{"type":"rectangle"},{"type":"circle"},{"type":"rectangle"}]}`, "3 marked region(s): 1 circle, 2 rectangle"},
		{"canvas export", `{"version":"5.3.0","objects":[{"type":"rect"},{"type":"path"}]}`, "2 marked region(s): 1 path, 1 rect"},
		{"empty", `{"annotations":[]}`, ""},
		{"unreadable", `[1]`, ""},
		{"absent", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(json.RawMessage(tt.raw)).String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
