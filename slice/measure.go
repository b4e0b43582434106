package slice

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"

	"rdr/book"
	"rdr/utils/images"
)

// Typography holds the settings that affect pagination.
type Typography struct {
	FontSize   float64
	LineHeight float64
	FontFamily string
}

// Viewport is the page box content is sliced into, in CSS pixels.
type Viewport struct {
	Width  float64
	Height float64
}

// Measurer reports rendered heights of block elements. Prepare is called
// once per slicing pass, Block once per content node in document order.
type Measurer interface {
	Prepare(view Viewport, typo Typography) error
	Block(e *etree.Element) (float64, error)
}

// ImageOpener resolves an image reference from chapter markup to its raw
// bytes, typically reading from the book container.
type ImageOpener func(href string) ([]byte, error)

// headingScale maps heading tags to font size multipliers.
var headingScale = map[string]float64{
	"h1": 1.6, "h2": 1.4, "h3": 1.25, "h4": 1.1, "h5": 1.0, "h6": 0.9,
}

// TextMeasurer lays text out with real font metrics instead of estimation
// constants: words are wrapped into lines at the configured size and the
// accumulated line boxes give the block height. This is the same layout the
// rendering surface performs, so pre-computed pages do not drift from the
// screen.
type TextMeasurer struct {
	images ImageOpener

	view Viewport
	typo Typography

	regular *sfnt.Font
	bold    *sfnt.Font
	faces   map[faceKey]font.Face
}

type faceKey struct {
	size float64
	bold bool
}

// NewTextMeasurer parses the embedded faces once; per-size faces are built
// lazily during passes.
func NewTextMeasurer(opts ...func(*TextMeasurer)) (*TextMeasurer, error) {
	reg, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("unable to parse regular font: %w", err)
	}
	bld, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("unable to parse bold font: %w", err)
	}
	m := &TextMeasurer{regular: reg, bold: bld, faces: make(map[faceKey]font.Face)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WithImages supplies image byte access so image blocks can be measured by
// their intrinsic dimensions.
func WithImages(open ImageOpener) func(*TextMeasurer) {
	return func(m *TextMeasurer) {
		m.images = open
	}
}

func (m *TextMeasurer) Prepare(view Viewport, typo Typography) error {
	if view.Width <= 0 || view.Height <= 0 {
		return &Error{Reason: ReasonSurface, Err: fmt.Errorf("degenerate viewport %gx%g", view.Width, view.Height)}
	}
	if typo.FontSize <= 0 || typo.LineHeight <= 0 {
		return &Error{Reason: ReasonSurface, Err: fmt.Errorf("degenerate typography: size %g, line height %g", typo.FontSize, typo.LineHeight)}
	}
	m.view = view
	m.typo = typo
	m.faces = make(map[faceKey]font.Face)
	return nil
}

func (m *TextMeasurer) face(size float64, bold bool) (font.Face, error) {
	key := faceKey{size: size, bold: bold}
	if f, ok := m.faces[key]; ok {
		return f, nil
	}
	src := m.regular
	if bold {
		src = m.bold
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, &Error{Reason: ReasonSurface, Err: fmt.Errorf("unable to build %gpx face: %w", size, err)}
	}
	m.faces[key] = f
	return f, nil
}

// Block measures a single block element.
func (m *TextMeasurer) Block(e *etree.Element) (float64, error) {
	lineHeight := m.typo.FontSize * m.typo.LineHeight

	switch e.Tag {
	case "br":
		return lineHeight, nil
	case "hr":
		return lineHeight, nil
	case "img", "image":
		return m.imageHeight(e), nil
	}

	size := m.typo.FontSize
	bold := false
	if scale, ok := headingScale[e.Tag]; ok {
		size *= scale
		bold = true
	}

	text := book.BlockText(e)
	if text == "" {
		if img := e.FindElement(".//img"); img != nil {
			return m.imageHeight(img), nil
		}
		return 0, nil
	}

	f, err := m.face(size, bold)
	if err != nil {
		return 0, err
	}

	lines := wrapCount(f, text, m.view.Width)
	blockLineHeight := size * m.typo.LineHeight
	// paragraph spacing below the block
	return float64(lines)*blockLineHeight + 0.5*lineHeight, nil
}

// wrapCount performs greedy word wrapping and returns the resulting line
// count, never less than one.
func wrapCount(f font.Face, text string, width float64) int {
	spaceAdvance := font.MeasureString(f, " ")

	lines := 1
	var lineWidth int64
	maxWidth := int64(width * 64)

	for _, word := range strings.Fields(text) {
		adv := int64(font.MeasureString(f, word))
		if lineWidth == 0 {
			lineWidth = adv
			continue
		}
		if lineWidth+int64(spaceAdvance)+adv > maxWidth {
			lines++
			lineWidth = adv
			continue
		}
		lineWidth += int64(spaceAdvance) + adv
	}
	return lines
}

// imageHeight scales intrinsic image dimensions to the viewport width. When
// bytes are unavailable or unreadable a conservative placeholder box is used.
func (m *TextMeasurer) imageHeight(e *etree.Element) float64 {
	placeholder := m.view.Width * 0.6

	if m.images == nil {
		return placeholder
	}
	href := e.SelectAttrValue("src", "")
	if href == "" {
		href = e.SelectAttrValue("href", "")
	}
	if href == "" {
		return placeholder
	}
	data, err := m.images(href)
	if err != nil {
		return placeholder
	}
	w, h, err := images.Dimensions(data)
	if err != nil {
		return placeholder
	}
	if w > m.view.Width {
		h = h * m.view.Width / w
	}
	return h
}
