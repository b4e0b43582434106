// Package slice computes viewport-sized page slices over a window document.
package slice

import (
	"fmt"
	"unicode/utf8"

	"rdr/book"
)

// PageSlice maps one page of a window to its chapter and character range.
// StartChar/EndChar are chapter-local rune offsets - they reset to zero at
// each chapter's first page, they are not whole-book offsets.
type PageSlice struct {
	Page      int
	Chapter   int
	StartChar int
	EndChar   int
	Height    float64
}

// Metadata is the slicing result for a single window.
type Metadata struct {
	WindowIndex int
	TotalPages  int
	Slices      []PageSlice
}

// ValidationError reports an internally computed structure that violates its
// invariants and was rejected before caching.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid slice metadata: " + e.Reason
}

// Validate checks metadata invariants: pages present, sorted and sequential,
// chapters contiguous, offsets sane with every chapter starting at zero.
func (m *Metadata) Validate() error {
	if m.TotalPages == 0 || len(m.Slices) == 0 {
		return &ValidationError{Reason: "no pages"}
	}
	if m.TotalPages != len(m.Slices) {
		return &ValidationError{Reason: fmt.Sprintf("total pages %d does not match %d slices", m.TotalPages, len(m.Slices))}
	}
	seen := make(map[int]bool)
	prevChapter := -1
	for i, s := range m.Slices {
		if s.Page != i {
			return &ValidationError{Reason: fmt.Sprintf("slice %d carries page number %d", i, s.Page)}
		}
		if s.StartChar > s.EndChar {
			return &ValidationError{Reason: fmt.Sprintf("page %d: start offset %d after end offset %d", i, s.StartChar, s.EndChar)}
		}
		if s.Chapter != prevChapter {
			if seen[s.Chapter] {
				return &ValidationError{Reason: fmt.Sprintf("chapter %d pages are not contiguous", s.Chapter)}
			}
			if s.StartChar != 0 {
				return &ValidationError{Reason: fmt.Sprintf("chapter %d first page starts at offset %d", s.Chapter, s.StartChar)}
			}
			seen[s.Chapter] = true
			prevChapter = s.Chapter
		}
	}
	return nil
}

// FindPageByOffset returns the page whose character range contains the given
// chapter-local offset, used to restore reading position after re-slicing.
// Falls back to the chapter's last page when the offset lies beyond its text.
func (m *Metadata) FindPageByOffset(chapter, offset int) (int, bool) {
	last := -1
	for _, s := range m.Slices {
		if s.Chapter != chapter {
			continue
		}
		if offset >= s.StartChar && offset <= s.EndChar {
			return s.Page, true
		}
		last = s.Page
	}
	if last >= 0 {
		return last, true
	}
	return 0, false
}

// Chapters returns distinct chapter indices in page order.
func (m *Metadata) Chapters() []int {
	var out []int
	prev := -1
	for _, s := range m.Slices {
		if s.Chapter != prev {
			out = append(out, s.Chapter)
			prev = s.Chapter
		}
	}
	return out
}

// Degraded builds one-page-per-chapter metadata. Used as the circuit breaker
// fallback when real measurement keeps failing - every chapter becomes a
// single oversized page so the reader stays usable.
func Degraded(windowIndex int, chapters []*book.Chapter) *Metadata {
	m := &Metadata{WindowIndex: windowIndex}
	for i, c := range chapters {
		m.Slices = append(m.Slices, PageSlice{
			Page:    i,
			Chapter: c.Index,
			EndChar: utf8.RuneCountInString(c.Text),
		})
	}
	m.TotalPages = len(m.Slices)
	return m
}
