// Package visualization renders volumes as slice images and builds the
// per-subject diagnostic figure.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"brainprep/internal/models"
	"brainprep/pkg/config"
	"brainprep/pkg/errs"
	"brainprep/pkg/segmentation"
	"brainprep/pkg/skullstrip"
)

const (
	titleHeight   = 18
	summaryHeight = 28
	gutter        = 4
)

// views are the orthogonal mid-slices shown in every panel.
var views = []string{"x", "y", "z"}

var (
	colorMask = color.RGBA{R: 230, G: 40, B: 40, A: 255}
	colorGM   = color.RGBA{R: 40, G: 200, B: 80, A: 255}
	colorWM   = color.RGBA{R: 250, G: 200, B: 40, A: 255}
	colorCSF  = color.RGBA{R: 60, G: 120, B: 240, A: 255}
)

// panel is one cell of the diagnostic grid.
type panel struct {
	title   string
	base    *models.Volume
	overlay *models.Volume
	tint    color.RGBA
}

// Renderer composes the diagnostic figure.
type Renderer struct {
	PanelSize    int
	OverlayAlpha float64
	Log          logrus.FieldLogger
}

// NewRenderer creates a renderer from the rendering configuration.
func NewRenderer(cfg config.Rendering, log logrus.FieldLogger) *Renderer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Renderer{PanelSize: cfg.PanelSize, OverlayAlpha: cfg.OverlayAlpha, Log: log}
}

// Render draws a 2x3 grid of panels (brain mask, corrected anatomy,
// composite, gray matter, white matter, CSF) above a volume summary and
// writes sub-<subject>_diagnostic.png into outDir. The extraction artifacts
// are reloaded from outDir.
func (r *Renderer) Render(corrected *models.Volume, seg *segmentation.Result, subject int, outDir string) (string, error) {
	ext, err := skullstrip.Load(outDir)
	if err != nil {
		return "", err
	}
	if !ext.Brain.SameShape(corrected) {
		return "", errs.Wrap(errs.ErrUpstream, "render", "extraction artifacts do not match corrected volume", nil)
	}

	panels := []panel{
		{title: "brain mask", base: ext.Brain, overlay: ext.Mask.ToVolume(ext.Brain), tint: colorMask},
		{title: "bias-corrected", base: corrected},
		{title: "composite (placeholder)", base: corrected},
		{title: "gray matter", base: corrected, overlay: seg.Maps.Of(models.GrayMatter), tint: colorGM},
		{title: "white matter", base: corrected, overlay: seg.Maps.Of(models.WhiteMatter), tint: colorWM},
		{title: "CSF", base: corrected, overlay: seg.Maps.Of(models.CSF), tint: colorCSF},
	}

	size := r.PanelSize
	if size < 32 {
		size = 32
	}
	panelW := len(views)*size + (len(views)-1)*gutter
	panelH := titleHeight + size
	cols, rows := 3, 2
	width := cols*panelW + (cols+1)*gutter
	height := rows*(panelH+gutter) + gutter + summaryHeight

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	for i, p := range panels {
		x0 := gutter + (i%cols)*(panelW+gutter)
		y0 := gutter + (i/cols)*(panelH+gutter)
		label(canvas, x0+2, y0+13, p.title, color.White)

		viewer := NewViewer(p.base)
		for v, axis := range views {
			cell := image.Rect(0, 0, size, size).Add(image.Pt(x0+v*(size+gutter), y0+titleHeight))
			if err := r.drawView(canvas, cell, viewer, p, axis); err != nil {
				return "", errs.Wrap(errs.ErrUpstream, "render", p.title, err)
			}
		}
	}

	vols := seg.Volumes
	summary := fmt.Sprintf("subject %d   GM %.1f ml   WM %.1f ml   CSF %.1f ml   total %.1f ml   brain fraction %.3f",
		subject, vols.Of(models.GrayMatter), vols.Of(models.WhiteMatter), vols.Of(models.CSF), vols.Total(), ext.Fraction)
	label(canvas, gutter+2, height-summaryHeight/2+4, summary, color.White)

	path := filepath.Join(outDir, models.DiagnosticArtifact(subject))
	if err := writePNG(path, canvas); err != nil {
		return "", fmt.Errorf("save diagnostic figure: %w", err)
	}
	r.Log.WithField("path", path).Info("Diagnostic figure written")
	return path, nil
}

// drawView renders the mid-slice along axis into cell, keeping the physical
// aspect ratio.
func (r *Renderer) drawView(dst *image.RGBA, cell image.Rectangle, viewer *Viewer, p panel, axis string) error {
	mid := map[string]int{"x": p.base.Width / 2, "y": p.base.Height / 2, "z": p.base.Depth / 2}[axis]

	vals, w, h, err := Plane(p.base, axis, mid)
	if err != nil {
		return err
	}
	var over []float64
	if p.overlay != nil {
		if over, _, _, err = Plane(p.overlay, axis, mid); err != nil {
			return err
		}
	}

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	alpha := r.OverlayAlpha
	for i, val := range vals {
		g := float64(viewer.Gray(val) >> 8)
		c := color.RGBA{R: uint8(g), G: uint8(g), B: uint8(g), A: 255}
		if over != nil && over[i] > 0.5 {
			c.R = blend(g, p.tint.R, alpha)
			c.G = blend(g, p.tint.G, alpha)
			c.B = blend(g, p.tint.B, alpha)
		}
		src.SetRGBA(i%w, i/w, c)
	}

	sx, sy := PixelSpacing(p.base, axis)
	physW, physH := float64(w)*sx, float64(h)*sy
	scale := float64(cell.Dx()) / physW
	if s := float64(cell.Dy()) / physH; s < scale {
		scale = s
	}
	dw, dh := int(physW*scale), int(physH*scale)
	target := image.Rect(0, 0, dw, dh).Add(cell.Min).Add(image.Pt((cell.Dx()-dw)/2, (cell.Dy()-dh)/2))

	xdraw.ApproxBiLinear.Scale(dst, target, src, src.Bounds(), draw.Over, nil)
	return nil
}

func blend(gray float64, tint uint8, alpha float64) uint8 {
	return uint8(gray*(1-alpha) + float64(tint)*alpha)
}

func label(dst draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.png")
	if err != nil {
		return err
	}
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
