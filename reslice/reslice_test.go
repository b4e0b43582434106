package reslice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap/zaptest"

	"rdr/book"
	"rdr/bridge"
	"rdr/conveyor"
	"rdr/slice"
)

// scalingMeasurer makes block height proportional to the font size, so a
// typography change visibly changes page counts. Blocks containing the
// poison marker fail while failPoison is set; a positive hold slows every
// measurement down so in-flight shift loads can be observed.
type scalingMeasurer struct {
	mu         sync.Mutex
	typo       slice.Typography
	failPoison bool
	hold       time.Duration
}

func (m *scalingMeasurer) setFailPoison(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPoison = v
}

func (m *scalingMeasurer) setHold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = d
}

func (m *scalingMeasurer) Prepare(view slice.Viewport, typo slice.Typography) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typo = typo
	return nil
}

func (m *scalingMeasurer) Block(e *etree.Element) (float64, error) {
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	if hold > 0 {
		time.Sleep(hold)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	text := book.BlockText(e)
	if text == "" {
		return 0, nil
	}
	if m.failPoison && strings.Contains(text, "poison") {
		return 0, fmt.Errorf("measurement of poisoned block failed")
	}
	return m.typo.FontSize * 3, nil
}

type fixture struct {
	conv  *conveyor.Conveyor
	brd   *bridge.Bridge
	coord *Coordinator
	m     *scalingMeasurer
}

// setup builds a 20-chapter book, one chapter per window, two blocks per
// chapter. At font size 16 a window is one page, at 30 two pages.
func setup(t *testing.T, start int, poisonChapter int) *fixture {
	t.Helper()
	var list []*book.Chapter
	for i := 0; i < 20; i++ {
		second := fmt.Sprintf("Second block of chapter %d.", i+1)
		if i == poisonChapter {
			second = "This block is poison."
		}
		list = append(list, book.NewChapter("",
			fmt.Sprintf("First block of chapter %d.", i+1), second))
	}

	m := &scalingMeasurer{}
	log := zaptest.NewLogger(t)
	engine := slice.NewEngine(m, log)
	conv, err := conveyor.New(book.NewMemory("Test", list...), engine, conveyor.Options{
		Windows:           5,
		ChaptersPerWindow: 1,
		SliceTimeout:      time.Second,
		View:              slice.Viewport{Width: 300, Height: 100},
		Typo:              slice.Typography{FontSize: 16, LineHeight: 1.4, FontFamily: "serif"},
	}, log)
	if err != nil {
		t.Fatalf("failed to build conveyor: %v", err)
	}
	if err := conv.Initialize(context.Background(), start); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	brd := bridge.New(conv,
		func() bridge.RenderSurface { return bridge.NewPageView() },
		bridge.Events{},
		bridge.Options{},
		log)
	if err := brd.Attach(context.Background(), 0); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	return &fixture{conv: conv, brd: brd, coord: New(conv, brd, log), m: m}
}

func pages(t *testing.T, conv *conveyor.Conveyor, index int) int {
	t.Helper()
	w, ok := conv.Snapshot(index)
	if !ok || w.Meta == nil {
		t.Fatalf("window %d has no metadata", index)
	}
	return w.Meta.TotalPages
}

func TestPassAppliesCoalescedTypography(t *testing.T) {
	f := setup(t, 2, -1)
	for _, idx := range f.conv.Buffer() {
		if got := pages(t, f.conv, idx); got != 1 {
			t.Fatalf("window %d has %d pages before pass, want 1", idx, got)
		}
	}

	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	// both changes land in the same session; only the last combination
	// is ever applied
	if err := f.coord.SetTypography(slice.Typography{FontSize: 20, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := f.coord.SetTypography(slice.Typography{FontSize: 30, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := f.coord.CloseSession(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	for _, idx := range f.conv.Buffer() {
		if got := pages(t, f.conv, idx); got != 2 {
			t.Errorf("window %d has %d pages after pass, want 2", idx, got)
		}
	}
	if got := f.conv.Typography().FontSize; got != 30 {
		t.Errorf("conveyor typography font size = %g, want 30", got)
	}
}

func TestPassWithoutChangesIsFree(t *testing.T) {
	f := setup(t, 2, -1)
	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.coord.CloseSession(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := f.conv.Typography().FontSize; got != 16 {
		t.Errorf("typography changed without a pending operation: %g", got)
	}
}

func TestSessionProtocol(t *testing.T) {
	f := setup(t, 2, -1)

	if err := f.coord.SetTypography(slice.Typography{FontSize: 20, LineHeight: 1.4}); err == nil {
		t.Error("SetTypography outside a session must fail")
	}
	if err := f.coord.CloseSession(context.Background()); err == nil {
		t.Error("CloseSession without a session must fail")
	}

	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.coord.OpenSession(); err == nil {
		t.Error("second OpenSession must fail")
	}

	// navigation is locked for the whole session
	if f.conv.OnBoundaryReached(context.Background(), conveyor.Forward) {
		t.Error("boundary accepted during settings session")
	}
	if err := f.coord.CloseSession(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !f.conv.OnBoundaryReached(context.Background(), conveyor.Forward) {
		t.Error("boundary rejected after session close")
	}
	waitShift(t, f.conv, 5)
}

func waitShift(t *testing.T, c *conveyor.Conveyor, index int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w, ok := c.Snapshot(index); ok && w.Ready() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("window %d did not finish loading", index)
}

func TestPartialFailureKeepsOldMetadataAndRetries(t *testing.T) {
	poisoned := 3
	f := setup(t, 2, poisoned)
	f.m.setFailPoison(true)

	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.coord.SetTypography(slice.Typography{FontSize: 30, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	err := f.coord.CloseSession(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error from failed window")
	}

	// the failed window keeps its old one-page layout, the rest moved on
	if got := pages(t, f.conv, poisoned); got != 1 {
		t.Errorf("failed window has %d pages, want old 1", got)
	}
	for _, idx := range f.conv.Buffer() {
		if idx == poisoned {
			continue
		}
		if got := pages(t, f.conv, idx); got != 2 {
			t.Errorf("window %d has %d pages, want 2", idx, got)
		}
	}
	// mixed buffer is temporary: the window is individually retriable
	f.m.setFailPoison(false)
	if err := f.coord.Retry(context.Background(), poisoned); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := pages(t, f.conv, poisoned); got != 2 {
		t.Errorf("retried window has %d pages, want 2", got)
	}
}

func TestPassCoversWindowLoadedDuringShift(t *testing.T) {
	f := setup(t, 2, -1)

	// window 5 is still slicing with the old settings when the session
	// opens; OpenSession must wait for it to publish so the pass sees it
	f.m.setHold(30 * time.Millisecond)
	if !f.conv.OnBoundaryReached(context.Background(), conveyor.Forward) {
		t.Fatal("boundary rejected")
	}
	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	f.m.setHold(0)

	w, ok := f.conv.Snapshot(5)
	if !ok || !w.Ready() {
		t.Fatalf("window 5 not published when session opened: %+v", w)
	}
	if err := f.coord.SetTypography(slice.Typography{FontSize: 30, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := f.coord.CloseSession(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// no window keeps the pre-pass layout, the shifted-in one included
	for _, idx := range f.conv.Buffer() {
		if got := pages(t, f.conv, idx); got != 2 {
			t.Errorf("window %d has %d pages after pass, want 2", idx, got)
		}
	}
}

func TestCancellationDropsPendingOperation(t *testing.T) {
	f := setup(t, 2, -1)

	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.coord.SetTypography(slice.Typography{FontSize: 30, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.coord.CloseSession(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}

	// pending typography was dropped, windows keep their old layout
	if got := f.conv.Typography().FontSize; got != 16 {
		t.Errorf("typography applied despite cancellation: %g", got)
	}
	for _, idx := range f.conv.Buffer() {
		if got := pages(t, f.conv, idx); got != 1 {
			t.Errorf("window %d has %d pages, want 1", idx, got)
		}
	}
	// navigation is unlocked even on the cancel path
	if !f.conv.OnBoundaryReached(context.Background(), conveyor.Forward) {
		t.Error("boundary rejected after cancelled session")
	}
	waitShift(t, f.conv, 5)
}

func TestPositionRestoredAfterPass(t *testing.T) {
	f := setup(t, 2, -1)

	// move to a two-page layout and stand on the second page
	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.coord.SetTypography(slice.Typography{FontSize: 30, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := f.coord.CloseSession(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := f.brd.GoToPage(context.Background(), 1); err != nil {
		t.Fatalf("navigation failed: %v", err)
	}
	anchor := f.brd.Position()
	if anchor.Page != 1 || anchor.CharOffset == 0 {
		t.Fatalf("unexpected anchor %+v", anchor)
	}

	// an identical-typography pass must land back on the same page
	if err := f.coord.OpenSession(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := f.coord.SetTypography(slice.Typography{FontSize: 30, LineHeight: 1.4, FontFamily: "serif"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := f.coord.CloseSession(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := f.brd.CurrentPage(); got != 1 {
		t.Errorf("restored page = %d, want 1", got)
	}
}
