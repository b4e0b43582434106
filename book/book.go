// Package book defines the chapter source abstraction the pagination engine
// reads from and provides an EPUB-backed implementation.
package book

import (
	"context"
	"strings"
	"unicode"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Chapter is a single unit of book content. Immutable once fetched.
type Chapter struct {
	Index int
	Title string
	// Body holds chapter markup - children of the source XHTML <body>.
	Body *etree.Element
	// Text is plain text extracted from Body with Flatten/BlockText rules,
	// blocks joined by single newlines. Character offsets in page slices are
	// rune offsets into this string.
	Text string
}

// Empty reports whether the chapter carries no meaningful content.
func (c *Chapter) Empty() bool {
	for _, r := range c.Text {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Info describes the book a provider serves.
type Info struct {
	ID       uuid.UUID
	Title    string
	Language language.Tag
}

// Provider supplies chapters by index. Implementations must be safe for
// concurrent use - windows are assembled off the interactive path.
type Provider interface {
	Info() Info
	ChapterCount() int
	Chapter(ctx context.Context, index int) (*Chapter, error)
}

// Container elements are descended into when flattening, everything else is
// treated as a leaf block.
var containerTags = map[string]bool{
	"html": true, "body": true, "div": true, "section": true,
	"article": true, "blockquote": true, "ul": true, "ol": true,
	"table": true, "tbody": true, "tr": true,
}

// Flatten returns leaf block elements of e in document order. Slicing and
// text extraction both walk blocks through here so character offsets always
// agree between the two.
func Flatten(e *etree.Element) []*etree.Element {
	var blocks []*etree.Element
	for _, child := range e.ChildElements() {
		if containerTags[child.Tag] {
			blocks = append(blocks, Flatten(child)...)
			continue
		}
		blocks = append(blocks, child)
	}
	return blocks
}

// BlockText returns collapsed, trimmed inline text of a single block element.
func BlockText(e *etree.Element) string {
	var b strings.Builder
	writeInlineText(&b, e)
	return strings.TrimSpace(collapseSpace(b.String()))
}

// ExtractText gathers plain text of the whole element: flattened blocks
// joined by single newlines. Empty blocks (images, rules) contribute nothing.
func ExtractText(e *etree.Element) string {
	var parts []string
	for _, blk := range Flatten(e) {
		if t := BlockText(blk); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func writeInlineText(b *strings.Builder, e *etree.Element) {
	for _, child := range e.Child {
		switch n := child.(type) {
		case *etree.CharData:
			b.WriteString(n.Data)
		case *etree.Element:
			if n.Tag == "br" {
				b.WriteString(" ")
				continue
			}
			writeInlineText(b, n)
		}
	}
}

// collapseSpace folds runs of whitespace into single spaces, the way layout
// engines treat XHTML text.
func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteRune(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
