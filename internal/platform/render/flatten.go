package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"regexp"

	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"

	"github.com/oralvis/oralvis/pkg/annotation"
)

const (
	defaultStrokeColor = "#ff0000"
	defaultStrokeWidth = 3.0
	arrowHeadLength    = 14.0
)

var hexColorRE = regexp.MustCompile(`^#?([0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// Flattener draws a vector annotation document over its source image and
// returns the composite as PNG.
type Flattener struct {
	maxPixels int
}

// NewFlattener returns a Flattener that refuses images above maxPixels
// (width*height). Zero means 40 megapixels.
func NewFlattener(maxPixels int) *Flattener {
	if maxPixels <= 0 {
		maxPixels = 40_000_000
	}
	return &Flattener{maxPixels: maxPixels}
}

// Flatten renders doc over the encoded image src. Annotation coordinates
// are in canvas space and are scaled to the image's pixel size.
func (f *Flattener) Flatten(ctx context.Context, src []byte, doc *annotation.Document) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width*cfg.Height > f.maxPixels {
		return nil, fmt.Errorf("image too large to annotate: %dx%d", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	dc := gg.NewContextForImage(img)
	sx := float64(dc.Width()) / doc.CanvasWidth
	sy := float64(dc.Height()) / doc.CanvasHeight
	lineScale := (sx + sy) / 2

	for _, a := range doc.Annotations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		setStroke(dc, a, lineScale)
		drawShape(dc, a, sx, sy)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func setStroke(dc *gg.Context, a annotation.Annotation, lineScale float64) {
	color := a.StrokeColor()
	if !hexColorRE.MatchString(color) {
		color = defaultStrokeColor
	}
	dc.SetHexColor(color)

	w := a.EffectiveStrokeWidth()
	if w <= 0 {
		w = defaultStrokeWidth
	}
	dc.SetLineWidth(math.Max(1, w*lineScale))
}

func drawShape(dc *gg.Context, a annotation.Annotation, sx, sy float64) {
	g := a.Data
	switch a.Type {
	case annotation.Rectangle:
		dc.DrawRectangle(g.X*sx, g.Y*sy, g.Width*sx, g.Height*sy)
		dc.Stroke()
	case annotation.Circle:
		dc.DrawEllipse(g.X*sx, g.Y*sy, g.Radius*sx, g.Radius*sy)
		dc.Stroke()
	case annotation.Arrow:
		x1, y1, x2, y2 := g.StartX*sx, g.StartY*sy, g.EndX*sx, g.EndY*sy
		dc.DrawLine(x1, y1, x2, y2)
		dc.Stroke()
		angle := math.Atan2(y2-y1, x2-x1)
		head := arrowHeadLength * (sx + sy) / 2
		for _, da := range []float64{math.Pi / 7, -math.Pi / 7} {
			dc.DrawLine(x2, y2, x2-head*math.Cos(angle+da), y2-head*math.Sin(angle+da))
			dc.Stroke()
		}
	case annotation.Freehand:
		if len(g.Points) < 2 {
			return
		}
		dc.MoveTo(g.Points[0].X*sx, g.Points[0].Y*sy)
		for _, p := range g.Points[1:] {
			dc.LineTo(p.X*sx, p.Y*sy)
		}
		dc.Stroke()
	}
}
