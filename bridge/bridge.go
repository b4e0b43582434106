// Package bridge sits between the display layer and the conveyor: it
// answers page queries with safe defaults, snaps scroll offsets to pages,
// guards boundary events against post-navigation bounce and keeps the
// render surface alive through faults.
package bridge

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"rdr/conveyor"
	"rdr/slice"
)

// Position is a restorable reading position. CharOffset is chapter-local.
type Position struct {
	Window     int
	Page       int
	Chapter    int
	CharOffset int
}

// Events are delivered after the bridge has finished its own handling of
// the underlying change. Either callback may be nil.
type Events struct {
	PageChanged     func(page, chapter, charOffset int)
	BoundaryReached func(dir conveyor.Direction, accepted bool)
}

type Options struct {
	// Cooldown suppresses boundary events opposite to a just-completed
	// cross-window navigation.
	Cooldown time.Duration
	// MaxFailures is the consecutive surface fault count that trips the
	// degraded-pagination circuit breaker.
	MaxFailures int
}

func (o *Options) sane() {
	if o.Cooldown <= 0 {
		o.Cooldown = 300 * time.Millisecond
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
}

// Bridge forwards accepted boundary events to the conveyor and drives the
// render surface across window transitions.
type Bridge struct {
	conv    *conveyor.Conveyor
	factory SurfaceFactory
	events  Events
	opts    Options
	log     *zap.Logger

	mu         sync.Mutex
	surface    RenderSurface
	lastNavDir conveyor.Direction
	lastNavAt  time.Time
	failures   int
	tripped    bool

	now func() time.Time
}

func New(conv *conveyor.Conveyor, factory SurfaceFactory, events Events, opts Options, log *zap.Logger) *Bridge {
	opts.sane()
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		conv:    conv,
		factory: factory,
		events:  events,
		opts:    opts,
		log:     log.Named("bridge"),
		surface: factory(),
		now:     time.Now,
	}
}

// Attach loads the active window into the surface and navigates to the
// given page. Call once after conveyor initialization.
func (b *Bridge) Attach(ctx context.Context, page int) error {
	return b.showActive(ctx, page)
}

// PageCount returns the active window's page count, or 1 while its slicing
// is still pending.
func (b *Bridge) PageCount() int {
	w, ok := b.conv.Snapshot(b.conv.ActiveWindow())
	if !ok || w.Meta == nil {
		return 1
	}
	return w.Meta.TotalPages
}

// CurrentPage returns the surface's page, or 0 when the surface cannot
// answer.
func (b *Bridge) CurrentPage() int {
	b.mu.Lock()
	s := b.surface
	b.mu.Unlock()
	page, err := s.CurrentPage()
	if err != nil {
		return 0
	}
	return page
}

// Position captures the current reading position for persistence or
// re-slice restore.
func (b *Bridge) Position() Position {
	pos := Position{Window: b.conv.ActiveWindow(), Page: b.CurrentPage()}
	if w, ok := b.conv.Snapshot(pos.Window); ok && w.Meta != nil && pos.Page < len(w.Meta.Slices) {
		s := w.Meta.Slices[pos.Page]
		pos.Chapter = s.Chapter
		pos.CharOffset = s.StartChar
	}
	return pos
}

// ResolvePage snaps a continuous scroll offset to the page already entered.
// Always floors: rounding to nearest bounces the reader backward on
// sub-pixel scroll discrepancies.
func (b *Bridge) ResolvePage(scrollOffset, pageHeight float64) int {
	if pageHeight <= 0 || scrollOffset <= 0 {
		return 0
	}
	return int(math.Floor(scrollOffset / pageHeight))
}

// HandlePageChanged records a page change on the active window, reports it,
// and fires a boundary event when the page is the window's first or last.
func (b *Bridge) HandlePageChanged(ctx context.Context, page int) {
	w, ok := b.conv.Snapshot(b.conv.ActiveWindow())
	if !ok || w.Meta == nil {
		if b.events.PageChanged != nil {
			b.events.PageChanged(page, 0, 0)
		}
		return
	}
	if page < 0 || page >= len(w.Meta.Slices) {
		b.log.Warn("Page out of metadata range", zap.Int("page", page), zap.Int("window", w.Index))
		return
	}
	s := w.Meta.Slices[page]
	if b.events.PageChanged != nil {
		b.events.PageChanged(page, s.Chapter, s.StartChar)
	}

	switch {
	case page == w.Meta.TotalPages-1:
		b.HandleBoundary(ctx, conveyor.Forward)
	case page == 0:
		b.HandleBoundary(ctx, conveyor.Backward)
	}
}

// HandleBoundary applies the spurious-boundary guard and forwards accepted
// events to the conveyor. An accepted event that moved the active window
// navigates the surface into the new window: first page when moving
// forward, last page when moving backward.
func (b *Bridge) HandleBoundary(ctx context.Context, dir conveyor.Direction) bool {
	b.mu.Lock()
	if dir == -b.lastNavDir && b.now().Sub(b.lastNavAt) < b.opts.Cooldown {
		b.mu.Unlock()
		b.log.Debug("Boundary event suppressed by cooldown", zap.Stringer("direction", dir))
		if b.events.BoundaryReached != nil {
			b.events.BoundaryReached(dir, false)
		}
		return false
	}
	b.mu.Unlock()

	was := b.conv.ActiveWindow()
	accepted := b.conv.OnBoundaryReached(ctx, dir)
	if accepted && b.conv.ActiveWindow() != was {
		page := 0
		if dir == conveyor.Backward {
			if w, ok := b.conv.Snapshot(b.conv.ActiveWindow()); ok && w.Meta != nil {
				page = w.Meta.TotalPages - 1
			}
		}
		// arm the guard before the surface move: GoToPage delivers the
		// page-changed event synchronously, and landing on a window edge
		// re-enters HandleBoundary with the opposite direction
		b.mu.Lock()
		b.lastNavDir = dir
		b.lastNavAt = b.now()
		b.mu.Unlock()
		if err := b.showActive(ctx, page); err != nil {
			b.log.Warn("Window transition display failed", zap.Error(err))
		}
	}
	if b.events.BoundaryReached != nil {
		b.events.BoundaryReached(dir, accepted)
	}
	return accepted
}

// GoToPage navigates within the active window.
func (b *Bridge) GoToPage(ctx context.Context, page int) error {
	b.mu.Lock()
	s := b.surface
	b.mu.Unlock()
	if err := s.GoToPage(page); err != nil {
		return b.recover(ctx, err, page)
	}
	return nil
}

// GoToPageWithOffset navigates the active window to the page containing the
// chapter-local offset.
func (b *Bridge) GoToPageWithOffset(ctx context.Context, chapter, offset int) error {
	b.mu.Lock()
	s := b.surface
	b.mu.Unlock()
	if err := s.GoToPageWithOffset(chapter, offset); err != nil {
		var serr *SurfaceError
		if errors.As(err, &serr) {
			return b.recover(ctx, err, 0)
		}
		return err
	}
	return nil
}

// showActive loads the active window's document and metadata into the
// surface and positions it.
func (b *Bridge) showActive(ctx context.Context, page int) error {
	w, ok := b.conv.Snapshot(b.conv.ActiveWindow())
	if !ok {
		return errors.New("active window is not resident")
	}

	b.mu.Lock()
	s := b.surface
	b.mu.Unlock()

	if err := s.LoadDocument(w.Document, w.Meta); err != nil {
		return b.recover(ctx, err, page)
	}
	if w.Meta == nil {
		// slicing still pending; the surface stays on its default page
		return nil
	}
	if page < 0 {
		page = 0
	}
	if page >= w.Meta.TotalPages {
		page = w.Meta.TotalPages - 1
	}
	if err := s.GoToPage(page); err != nil {
		return b.recover(ctx, err, page)
	}

	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
	return nil
}

// recover handles a surface fault: rebuild the surface and retry the active
// window. Repeated faults trip a circuit breaker that swaps the active
// window to degraded one-page-per-chapter metadata before the retry.
func (b *Bridge) recover(ctx context.Context, cause error, page int) error {
	var serr *SurfaceError
	if !errors.As(cause, &serr) {
		return cause
	}

	b.mu.Lock()
	b.failures++
	failures := b.failures
	trip := failures >= b.opts.MaxFailures && !b.tripped
	if trip {
		b.tripped = true
	}
	b.surface = b.factory()
	b.mu.Unlock()

	b.log.Warn("Render surface fault, rebuilding",
		zap.Int("failures", failures),
		zap.Bool("degraded", trip),
		zap.Error(cause))

	if trip {
		if w, ok := b.conv.Snapshot(b.conv.ActiveWindow()); ok && len(w.Chapters) > 0 {
			b.conv.SwapMetadata(w.Index, slice.Degraded(w.Index, w.Chapters))
		}
	}

	if failures > b.opts.MaxFailures {
		// breaker already tripped and the rebuilt surface still fails
		return cause
	}
	return b.showActive(ctx, page)
}

// Degraded reports whether the circuit breaker has tripped.
func (b *Bridge) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}
