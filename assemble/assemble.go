// Package assemble combines a contiguous range of chapters into a single
// window document for slicing.
package assemble

import (
	"context"
	"fmt"
	"strconv"

	"github.com/beevik/etree"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rdr/book"
)

// Error reports a window assembly failure. The partially assembled document
// is still usable as a degraded fallback.
type Error struct {
	First, Last int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("unable to assemble window (chapters %d-%d): %v", e.First, e.Last, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is an assembled window document plus the chapters retained in it.
type Result struct {
	Document *etree.Document
	Chapters []*book.Chapter
}

// Window fetches chapters [first, last] and concatenates them into one
// document, each retained chapter wrapped in an addressable boundary marker:
//
//	<section class="chapter" data-chapter="N" data-title="...">
//
// Chapters without meaningful content are skipped. Assembly is a pure
// function of its inputs. When some chapter fetches fail the partial result
// is returned together with an *Error describing what is missing.
func Window(ctx context.Context, p book.Provider, first, last int, log *zap.Logger) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if first > last {
		return nil, &Error{First: first, Last: last, Err: fmt.Errorf("invalid chapter range")}
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	html := doc.CreateElement("html")
	html.CreateAttr("xmlns", "http://www.w3.org/1999/xhtml")
	bodyElem := html.CreateElement("body")

	res := &Result{Document: doc}

	var failed error
	for i := first; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := p.Chapter(ctx, i)
		if err != nil {
			log.Warn("Chapter fetch failed during window assembly", zap.Int("chapter", i), zap.Error(err))
			failed = multierr.Append(failed, fmt.Errorf("chapter %d: %w", i, err))
			continue
		}
		if c.Empty() {
			log.Debug("Skipping chapter without meaningful content", zap.Int("chapter", i))
			continue
		}

		section := bodyElem.CreateElement("section")
		section.CreateAttr("class", "chapter")
		section.CreateAttr("data-chapter", strconv.Itoa(c.Index))
		section.CreateAttr("data-title", c.Title)
		for _, child := range c.Body.ChildElements() {
			section.AddChild(child.Copy())
		}

		res.Chapters = append(res.Chapters, c)
	}

	if failed != nil {
		return res, &Error{First: first, Last: last, Err: failed}
	}
	return res, nil
}

// ChapterOf returns the chapter index carried by a window document boundary
// marker, or -1 when the element is not one.
func ChapterOf(e *etree.Element) int {
	if e.Tag != "section" || e.SelectAttrValue("class", "") != "chapter" {
		return -1
	}
	n, err := strconv.Atoi(e.SelectAttrValue("data-chapter", ""))
	if err != nil {
		return -1
	}
	return n
}
