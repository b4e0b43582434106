package slice

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"rdr/assemble"
	"rdr/book"
)

// Engine slices window documents into pages against a Measurer.
type Engine struct {
	m   Measurer
	log *zap.Logger
}

func NewEngine(m Measurer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{m: m, log: log.Named("slicer")}
}

// Slice walks the window document in order and accumulates measured block
// heights up to the viewport height. Chapter boundary markers finalize the
// current page unconditionally - no page ever spans two chapters - and reset
// the character counter. A block taller than the viewport is placed alone on
// its own overflowing page rather than split mid-block. Identical inputs
// always produce identical metadata.
func (e *Engine) Slice(ctx context.Context, windowIndex int, doc *etree.Document, view Viewport, typo Typography) (*Metadata, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	body := doc.FindElement("//body")
	if body == nil {
		return nil, &Error{Reason: ReasonValidation, Err: fmt.Errorf("window document has no body")}
	}

	if err := e.m.Prepare(view, typo); err != nil {
		return nil, asSliceError(err)
	}

	meta := &Metadata{WindowIndex: windowIndex}

	for _, section := range body.ChildElements() {
		chapter := assemble.ChapterOf(section)
		if chapter < 0 {
			e.log.Warn("Skipping unexpected node in window document", zap.String("tag", section.Tag))
			continue
		}
		if err := e.sliceChapter(ctx, meta, chapter, section, view); err != nil {
			return nil, err
		}
	}

	meta.TotalPages = len(meta.Slices)
	if err := meta.Validate(); err != nil {
		return nil, &Error{Reason: ReasonValidation, Err: err}
	}

	e.log.Debug("Sliced window",
		zap.Int("window", windowIndex),
		zap.Int("pages", meta.TotalPages),
		zap.Ints("chapters", meta.Chapters()))
	return meta, nil
}

// sliceChapter accumulates one chapter's blocks into pages. Character
// offsets are chapter-local rune positions into book.ExtractText output.
func (e *Engine) sliceChapter(ctx context.Context, meta *Metadata, chapter int, section *etree.Element, view Viewport) error {
	var (
		charPos   int
		pageStart int
		pageEnd   int
		height    float64
		empty     = true
		firstText = true
	)

	finalize := func() {
		meta.Slices = append(meta.Slices, PageSlice{
			Page:      len(meta.Slices),
			Chapter:   chapter,
			StartChar: pageStart,
			EndChar:   pageEnd,
			Height:    height,
		})
		height = 0
		empty = true
	}

	for _, blk := range book.Flatten(section) {
		if err := ctxErr(ctx); err != nil {
			return err
		}

		text := book.BlockText(blk)
		blockStart := charPos
		if text != "" {
			if !firstText {
				charPos++ // newline joining blocks in extracted text
			}
			blockStart = charPos
			charPos += utf8.RuneCountInString(text)
			firstText = false
		}

		h, err := e.m.Block(blk)
		if err != nil {
			return asSliceError(err)
		}

		if height+h > view.Height && !empty {
			finalize()
			pageStart = blockStart
			pageEnd = blockStart
		}

		height += h
		if text != "" {
			pageEnd = charPos
		}
		if h > 0 || text != "" {
			empty = false
		}

		// overflowing block occupies its own page
		if h > view.Height {
			finalize()
			pageStart = charPos
			pageEnd = charPos
		}
	}

	// hard break: chapter end always finalizes the page regardless of
	// leftover space
	if !empty {
		finalize()
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	return err
}

func asSliceError(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Reason: ReasonSurface, Err: err}
}
