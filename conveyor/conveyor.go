// Package conveyor owns the sliding buffer of resident windows: a small,
// book-scoped cache that is shifted forward and backward as the reader
// crosses window boundaries.
package conveyor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rdr/assemble"
	"rdr/book"
	"rdr/slice"
)

// Options configure the conveyor.
type Options struct {
	// Windows is K - the number of resident windows. Kept odd so the
	// active window can sit at the exact center slot.
	Windows           int
	ChaptersPerWindow int
	SliceTimeout      time.Duration
	View              slice.Viewport
	Typo              slice.Typography
}

func (o *Options) sane() error {
	if o.Windows < 3 || o.Windows%2 == 0 {
		return fmt.Errorf("resident window count must be odd and at least 3, got %d", o.Windows)
	}
	if o.ChaptersPerWindow < 1 {
		return fmt.Errorf("chapters per window must be positive, got %d", o.ChaptersPerWindow)
	}
	if o.SliceTimeout <= 0 {
		o.SliceTimeout = 5 * time.Second
	}
	return nil
}

// allocator hands out window indices monotonically outward from the buffer
// so a stale slot position is never mistaken for a window identity.
type allocator struct {
	lo, hi int
}

func (a *allocator) nextForward() int {
	a.hi++
	return a.hi
}

func (a *allocator) nextBackward() int {
	a.lo--
	return a.lo
}

// Conveyor keeps exactly K windows resident, anchored on the active window
// once the steady phase is reached. All state mutation happens under one
// lock; assembly and slicing of incoming windows run off the interactive
// path and publish their results when done.
type Conveyor struct {
	provider book.Provider
	engine   *slice.Engine
	opts     Options
	log      *zap.Logger

	total int // window count for the whole book

	mu        sync.Mutex
	cache     map[int]*Window
	buffer    []int
	active    int
	phase     Phase
	shifting  bool       // single-flight guard for async shift loads
	shiftDone *sync.Cond // signalled when an async shift load publishes
	navLocked bool       // set for the duration of a re-slice pass
	alloc     allocator

	// typography is owned here so shifts triggered mid-session slice new
	// windows with current settings
	typo slice.Typography
}

func New(provider book.Provider, engine *slice.Engine, opts Options, log *zap.Logger) (*Conveyor, error) {
	if err := opts.sane(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	count := provider.ChapterCount()
	if count == 0 {
		return nil, fmt.Errorf("book has no chapters")
	}
	total := (count + opts.ChaptersPerWindow - 1) / opts.ChaptersPerWindow

	c := &Conveyor{
		provider: provider,
		engine:   engine,
		opts:     opts,
		log:      log.Named("conveyor"),
		total:    total,
		cache:    make(map[int]*Window),
		typo:     opts.Typo,
	}
	c.shiftDone = sync.NewCond(&c.mu)
	return c, nil
}

// TotalWindows returns the number of windows the whole book divides into.
func (c *Conveyor) TotalWindows() int {
	return c.total
}

// WindowForChapter maps a chapter index to its window index.
func (c *Conveyor) WindowForChapter(chapter int) int {
	if chapter < 0 {
		return 0
	}
	return chapter / c.opts.ChaptersPerWindow
}

// Initialize synchronously assembles and slices K windows centered on
// startWindow (clamped at book boundaries) and marks it active. Individual
// window failures leave that window in Error state without failing startup.
func (c *Conveyor) Initialize(ctx context.Context, startWindow int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if startWindow < 0 || startWindow >= c.total {
		return fmt.Errorf("start window out of range: %d (have %d)", startWindow, c.total)
	}

	k := c.opts.Windows
	first := startWindow - k/2
	if first+k > c.total {
		first = c.total - k
	}
	if first < 0 {
		first = 0
	}
	last := first + k - 1
	if last >= c.total {
		last = c.total - 1
	}

	typo := c.Typography()

	windows := make([]*Window, 0, last-first+1)
	for i := first; i <= last; i++ {
		w := c.newWindow(i)
		c.build(ctx, w, typo)
		windows = append(windows, w)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = c.buffer[:0]
	c.cache = make(map[int]*Window)
	for _, w := range windows {
		c.buffer = append(c.buffer, w.Index)
		c.cache[w.Index] = w
	}
	c.alloc = allocator{lo: first, hi: last}
	c.active = startWindow
	c.phase = PhaseStartup
	if c.centerLocked() == c.active {
		c.phase = PhaseSteady
	}

	c.log.Info("Conveyor initialized",
		zap.Int("start", startWindow),
		zap.Ints("buffer", c.buffer),
		zap.Int("total", c.total),
		zap.Stringer("phase", c.phase))
	return nil
}

func (c *Conveyor) newWindow(index int) *Window {
	firstChapter := index * c.opts.ChaptersPerWindow
	lastChapter := firstChapter + c.opts.ChaptersPerWindow - 1
	if max := c.provider.ChapterCount() - 1; lastChapter > max {
		lastChapter = max
	}
	return &Window{
		Index:        index,
		FirstChapter: firstChapter,
		LastChapter:  lastChapter,
		State:        LoadStatePending,
	}
}

// build assembles and slices a detached window in place. The window must not
// be visible to other goroutines yet.
func (c *Conveyor) build(ctx context.Context, w *Window, typo slice.Typography) {
	w.State = LoadStateLoading

	res, err := assemble.Window(ctx, c.provider, w.FirstChapter, w.LastChapter, c.log)
	if res != nil {
		w.Document = res.Document
		w.Chapters = res.Chapters
	}
	if err != nil {
		w.State = LoadStateError
		w.Err = err
		c.log.Warn("Window assembly failed", zap.Int("window", w.Index), zap.Error(err))
		if res == nil || len(res.Chapters) == 0 {
			return
		}
		// partial document is still sliceable as a degraded fallback
	}

	sliceCtx, cancel := context.WithTimeout(ctx, c.opts.SliceTimeout)
	defer cancel()
	meta, err := c.engine.Slice(sliceCtx, w.Index, w.Document, c.opts.View, typo)
	if err != nil {
		w.State = LoadStateError
		w.Err = err
		c.log.Warn("Window slicing failed", zap.Int("window", w.Index), zap.Error(err))
		return
	}
	w.Meta = meta
	w.State = LoadStateReady
	w.Err = nil
}

// center slot index of the buffer
func (c *Conveyor) centerLocked() int {
	if len(c.buffer) == 0 {
		return -1
	}
	return c.buffer[len(c.buffer)/2]
}

// ActiveWindow returns the active window index.
func (c *Conveyor) ActiveWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Buffer returns a read-only snapshot of resident window indices.
func (c *Conveyor) Buffer() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// Phase returns the current lifecycle phase.
func (c *Conveyor) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// HasNext reports whether a window exists after the active one.
func (c *Conveyor) HasNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active+1 < c.total
}

// HasPrevious reports whether a window exists before the active one.
func (c *Conveyor) HasPrevious() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active > 0
}

// Snapshot returns a copy of the window cache entry.
func (c *Conveyor) Snapshot(index int) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.cache[index]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Resident reports whether the index is backed by a cache entry.
func (c *Conveyor) Resident(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cache[index]
	return ok
}

// OnBoundaryReached moves the active window in the given direction and, in
// the steady phase, shifts the buffer to keep the active window anchored at
// the center slot. Returns false when the event is ignored: at a book edge,
// while a shift is already in flight, or while navigation is locked for
// re-slicing.
func (c *Conveyor) OnBoundaryReached(ctx context.Context, dir Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.navLocked || c.shifting {
		return false
	}

	next := c.active + int(dir)
	if next < 0 || next >= c.total {
		// book edge
		return false
	}
	if _, ok := c.cache[next]; !ok {
		c.log.Warn("Boundary event into non-resident window ignored", zap.Int("window", next))
		return false
	}
	c.active = next

	if c.phase == PhaseStartup {
		if c.centerLocked() == c.active {
			c.phase = PhaseSteady
			c.log.Debug("Conveyor reached steady phase", zap.Int("active", c.active))
		}
		return true
	}

	c.shiftLocked(ctx, dir)
	return true
}

// shiftLocked evicts exactly one window and creates exactly one window,
// preserving buffer size. Buffer indices update atomically with the
// eviction; the incoming window is assembled and sliced asynchronously and
// published when done.
func (c *Conveyor) shiftLocked(ctx context.Context, dir Direction) {
	var evicted, incoming int
	switch dir {
	case Forward:
		if c.alloc.hi+1 >= c.total {
			return // buffer already touches the end of the book
		}
		incoming = c.alloc.nextForward()
		evicted = c.buffer[0]
		c.alloc.lo = evicted + 1
		c.buffer = append(c.buffer[1:len(c.buffer):len(c.buffer)], incoming)
	case Backward:
		if c.alloc.lo-1 < 0 {
			return
		}
		incoming = c.alloc.nextBackward()
		evicted = c.buffer[len(c.buffer)-1]
		c.alloc.hi = evicted - 1
		c.buffer = append([]int{incoming}, c.buffer[:len(c.buffer)-1]...)
	}

	c.evictLocked(evicted)

	placeholder := c.newWindow(incoming)
	placeholder.State = LoadStateLoading
	c.cache[incoming] = placeholder
	c.shifting = true
	typo := c.typo

	c.log.Debug("Shifting buffer",
		zap.Stringer("direction", dir),
		zap.Int("evicted", evicted),
		zap.Int("incoming", incoming),
		zap.Ints("buffer", c.buffer))

	go func() {
		fresh := c.newWindow(incoming)
		c.build(ctx, fresh, typo)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.shifting = false
		if cur, ok := c.cache[incoming]; ok && cur == placeholder {
			*placeholder = *fresh
		}
		c.shiftDone.Broadcast()
	}()
}

// evictLocked frees the outgoing window's cached document and metadata
// immediately.
func (c *Conveyor) evictLocked(index int) {
	w, ok := c.cache[index]
	if !ok {
		return
	}
	w.Document = nil
	w.Chapters = nil
	w.Meta = nil
	delete(c.cache, index)
}

// LockShifts disables boundary handling for the duration of a re-slice pass
// and waits out any shift load already in flight, so the pass starts with
// every resident window published.
func (c *Conveyor) LockShifts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navLocked = true
	for c.shifting {
		c.shiftDone.Wait()
	}
}

// UnlockShifts re-enables boundary handling.
func (c *Conveyor) UnlockShifts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navLocked = false
}

// SwapMetadata atomically replaces a resident window's page metadata.
// Returns false if the window was evicted since the caller looked at it.
func (c *Conveyor) SwapMetadata(index int, meta *slice.Metadata) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.cache[index]
	if !ok {
		return false
	}
	w.Meta = meta
	w.State = LoadStateReady
	w.Err = nil
	return true
}

// Typography returns the typography new windows are sliced with.
func (c *Conveyor) Typography() slice.Typography {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typo
}

// SetTypography records new typography for future window loads.
func (c *Conveyor) SetTypography(typo slice.Typography) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typo = typo
}

// Viewport returns the viewport windows are sliced into.
func (c *Conveyor) Viewport() slice.Viewport {
	return c.opts.View
}

// Engine exposes the slicing engine for coordinated re-slicing.
func (c *Conveyor) Engine() *slice.Engine {
	return c.engine
}
