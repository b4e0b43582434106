package bridge

import (
	"fmt"
	"sync"

	"github.com/beevik/etree"

	"rdr/slice"
)

// RenderSurface is the command side of the display contract. Implementations
// may be native (PageView below) or remote; remote ones report faults as
// *SurfaceError so the bridge knows a rebuild may help.
type RenderSurface interface {
	LoadDocument(doc *etree.Document, meta *slice.Metadata) error
	GoToPage(page int) error
	GoToPageWithOffset(chapter, offset int) error
	PageCount() (int, error)
	CurrentPage() (int, error)
}

// SurfaceFactory builds a fresh surface after the previous one faulted.
type SurfaceFactory func() RenderSurface

// SurfaceError reports that the rendering host became unavailable or failed
// a command. It is retriable by rebuilding the surface.
type SurfaceError struct {
	Op  string
	Err error
}

func (e *SurfaceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("render surface failed: %s", e.Op)
	}
	return fmt.Sprintf("render surface failed: %s: %s", e.Op, e.Err.Error())
}

func (e *SurfaceError) Unwrap() error {
	return e.Err
}

// PageSink receives page changes from a surface. The arguments are the new
// page and its chapter and chapter-local start offset from the loaded
// metadata.
type PageSink func(page, chapter, charOffset int)

// PageView is the native render surface: it tracks the loaded window
// document and its page metadata and resolves navigation commands against
// them without any host boundary.
type PageView struct {
	mu   sync.Mutex
	doc  *etree.Document
	meta *slice.Metadata
	page int
	sink PageSink
}

func NewPageView() *PageView {
	return &PageView{}
}

// SetSink registers the page-changed callback. The callback runs with the
// view unlocked.
func (v *PageView) SetSink(sink PageSink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = sink
}

func (v *PageView) LoadDocument(doc *etree.Document, meta *slice.Metadata) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.doc = doc
	v.meta = meta
	v.page = 0
	return nil
}

func (v *PageView) GoToPage(page int) error {
	v.mu.Lock()
	count := v.pageCountLocked()
	if page < 0 || page >= count {
		v.mu.Unlock()
		return fmt.Errorf("page %d out of range, window has %d", page, count)
	}
	changed := page != v.page
	v.page = page
	sink, chapter, offset := v.sink, 0, 0
	if v.meta != nil {
		s := v.meta.Slices[page]
		chapter, offset = s.Chapter, s.StartChar
	}
	v.mu.Unlock()
	if changed && sink != nil {
		sink(page, chapter, offset)
	}
	return nil
}

func (v *PageView) GoToPageWithOffset(chapter, offset int) error {
	v.mu.Lock()
	if v.meta == nil {
		v.mu.Unlock()
		return fmt.Errorf("no page metadata loaded")
	}
	page, ok := v.meta.FindPageByOffset(chapter, offset)
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("chapter %d not present in loaded window", chapter)
	}
	return v.GoToPage(page)
}

func (v *PageView) PageCount() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pageCountLocked(), nil
}

// metadata not yet available reads as a single page
func (v *PageView) pageCountLocked() int {
	if v.meta == nil || v.meta.TotalPages == 0 {
		return 1
	}
	return v.meta.TotalPages
}

func (v *PageView) CurrentPage() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page, nil
}
