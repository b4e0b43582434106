// Package images resolves intrinsic dimensions of chapter images so blocks
// containing them can be measured without decoding full pixel data.
package images

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/h2non/filetype"
	"github.com/srwiley/oksvg"
)

// defaultSVGSize is used when an SVG has no usable viewBox.
const defaultSVGSize = 1024

// Dimensions reports the intrinsic width and height of raster or SVG image
// data in pixels.
func Dimensions(data []byte) (float64, float64, error) {
	if isSVG(data) {
		return svgDimensions(data)
	}
	if !filetype.IsImage(data) {
		return 0, 0, fmt.Errorf("data is not an image")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("unable to decode image dimensions: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("degenerate image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return float64(cfg.Width), float64(cfg.Height), nil
}

// isSVG sniffs for an XML document with an svg root. filetype only matches
// binary signatures, it never recognizes SVG.
func isSVG(data []byte) bool {
	head := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	if len(head) == 0 || head[0] != '<' {
		return false
	}
	limit := len(head)
	if limit > 1024 {
		limit = 1024
	}
	return bytes.Contains(head[:limit], []byte("<svg"))
}

func svgDimensions(data []byte) (float64, float64, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("unable to parse svg: %w", err)
	}
	w, h := icon.ViewBox.W, icon.ViewBox.H
	if w <= 0 {
		w = defaultSVGSize
	}
	if h <= 0 {
		h = defaultSVGSize
	}
	return w, h, nil
}
