package images

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func pngData(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("unable to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDimensionsRaster(t *testing.T) {
	w, h, err := Dimensions(pngData(t, 120, 80))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 120 || h != 80 {
		t.Errorf("got %gx%g, want 120x80", w, h)
	}
}

func TestDimensionsSVG(t *testing.T) {
	cases := []struct {
		name string
		data string
		w, h float64
	}{
		{
			name: "viewBox",
			data: `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 50"><rect width="100" height="50"/></svg>`,
			w:    100, h: 50,
		},
		{
			name: "leading declaration and whitespace",
			data: "\n  <?xml version=\"1.0\"?>\n<svg xmlns=\"http://www.w3.org/2000/svg\" viewBox=\"0 0 30 40\"></svg>",
			w:    30, h: 40,
		},
		{
			name: "no viewBox falls back",
			data: `<svg xmlns="http://www.w3.org/2000/svg"></svg>`,
			w:    defaultSVGSize, h: defaultSVGSize,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w, h, err := Dimensions([]byte(c.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if w != c.w || h != c.h {
				t.Errorf("got %gx%g, want %gx%g", w, h, c.w, c.h)
			}
		})
	}
}

func TestDimensionsRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not an image"), []byte("<html><body/></html>")} {
		if _, _, err := Dimensions(data); err == nil {
			t.Errorf("Dimensions(%q) accepted non-image data", data)
		}
	}
}
