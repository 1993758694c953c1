package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultWatermarkText = "imageq"
	watermarkMargin      = 8
)

// Watermark draws text in the bottom-right corner of an encoded image and
// returns the result as PNG. The output depends only on the inputs.
func Watermark(src []byte, text string) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if text == "" {
		text = DefaultWatermarkText
	}

	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Face: face}
	width := d.MeasureString(text).Ceil()
	x := max(b.Min.X, b.Max.X-width-watermarkMargin)
	y := b.Max.Y - watermarkMargin - face.Descent

	d.Src = image.NewUniform(color.NRGBA{A: 120})
	d.Dot = fixed.P(x+1, y+1)
	d.DrawString(text)

	d.Src = image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 180})
	d.Dot = fixed.P(x, y)
	d.DrawString(text)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
