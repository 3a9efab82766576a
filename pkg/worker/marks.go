package worker

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	markColor  = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff}
	labelColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// overlayMarks draws a box and bid label for every visible, clickable
// element on top of the PNG screenshot and returns the new PNG.
func overlayMarks(screenshot []byte, elements []Element) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	canvas := image.NewRGBA(src.Bounds())
	draw.Draw(canvas, canvas.Bounds(), src, src.Bounds().Min, draw.Src)

	face := basicfont.Face7x13
	for _, el := range elements {
		if !el.Visible || !el.Clickable || el.Width <= 0 || el.Height <= 0 {
			continue
		}
		box := image.Rect(int(el.X), int(el.Y), int(el.X+el.Width), int(el.Y+el.Height)).
			Intersect(canvas.Bounds())
		if box.Empty() {
			continue
		}
		strokeRect(canvas, box, markColor)
		drawLabel(canvas, face, box.Min, el.BID)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode set-of-marks: %w", err)
	}
	return buf.Bytes(), nil
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.Color) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.Set(x, r.Min.Y, c)
		img.Set(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.Set(r.Min.X, y, c)
		img.Set(r.Max.X-1, y, c)
	}
}

// drawLabel renders text on a filled tag anchored at the top-left corner of
// the box, above it when there is room.
func drawLabel(img *image.RGBA, face font.Face, at image.Point, text string) {
	metrics := face.Metrics()
	height := (metrics.Ascent + metrics.Descent).Ceil() + 2
	width := font.MeasureString(face, text).Ceil() + 4

	top := at.Y - height
	if top < img.Bounds().Min.Y {
		top = at.Y
	}
	tag := image.Rect(at.X, top, at.X+width, top+height).Intersect(img.Bounds())
	draw.Draw(img, tag, image.NewUniform(markColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(at.X+2, top+1+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
