// Package reader wires the pagination engine together for the command line:
// it opens a book, builds the measurement and slicing stack, runs the
// conveyor and talks to the position store.
package reader

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rdr/book"
	"rdr/bridge"
	"rdr/config"
	"rdr/conveyor"
	"rdr/css"
	"rdr/slice"
	"rdr/state"
	"rdr/store"
)

// session is everything needed to page through one book.
type session struct {
	prov *book.Epub
	conv *conveyor.Conveyor
	brd  *bridge.Bridge
	pos  *store.Store // nil when no positions path is configured
	key  string
	log  *zap.Logger
}

func (s *session) close() (err error) {
	if s.pos != nil {
		err = multierr.Append(err, s.pos.Close())
	}
	if s.prov != nil {
		err = multierr.Append(err, s.prov.Close())
	}
	return
}

// typography merges the configured defaults with the optional user
// stylesheet.
func typography(cfg *config.Config, log *zap.Logger) (slice.Typography, error) {
	typo := slice.Typography{
		FontSize:   cfg.Reader.Typography.FontSize,
		LineHeight: cfg.Reader.Typography.LineHeight,
		FontFamily: cfg.Reader.Typography.FontFamily,
	}
	if len(cfg.Reader.StylesheetPath) == 0 {
		return typo, nil
	}
	data, err := os.ReadFile(cfg.Reader.StylesheetPath)
	if err != nil {
		return typo, fmt.Errorf("unable to read stylesheet: %w", err)
	}
	over := css.ExtractTypography(data, log)
	if over.FontSize > 0 {
		typo.FontSize = over.FontSize
	}
	if over.LineHeight > 0 {
		typo.LineHeight = over.LineHeight
	}
	if len(over.FontFamily) > 0 {
		typo.FontFamily = over.FontFamily
	}
	log.Debug("Typography resolved",
		zap.Float64("font_size", typo.FontSize),
		zap.Float64("line_height", typo.LineHeight),
		zap.String("font_family", typo.FontFamily))
	return typo, nil
}

func openSession(ctx context.Context, path string) (*session, error) {
	env := state.EnvFromContext(ctx)
	cfg := env.Cfg

	prov, err := book.OpenEpub(path, env.Log)
	if err != nil {
		return nil, err
	}

	s := &session{prov: prov, key: store.BookKey(prov.Info()), log: env.Log}

	typo, err := typography(cfg, env.Log)
	if err != nil {
		s.close()
		return nil, err
	}

	m, err := slice.NewTextMeasurer(slice.WithImages(prov.OpenImage))
	if err != nil {
		s.close()
		return nil, err
	}
	engine := slice.NewEngine(m, env.Log)

	s.conv, err = conveyor.New(prov, engine, conveyor.Options{
		Windows:           cfg.Reader.Conveyor.Windows,
		ChaptersPerWindow: cfg.Reader.Conveyor.ChaptersPerWindow,
		SliceTimeout:      cfg.Reader.Conveyor.Timeout(),
		View: slice.Viewport{
			Width:  float64(cfg.Reader.Viewport.Width),
			Height: float64(cfg.Reader.Viewport.Height),
		},
		Typo: typo,
	}, env.Log)
	if err != nil {
		s.close()
		return nil, err
	}

	s.brd = bridge.New(s.conv,
		func() bridge.RenderSurface { return bridge.NewPageView() },
		bridge.Events{},
		bridge.Options{Cooldown: cfg.Reader.Conveyor.Cooldown()},
		env.Log)

	if len(cfg.Reader.PositionsPath) > 0 {
		if s.pos, err = store.Open(cfg.Reader.PositionsPath, env.Log); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func bookArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() == 0 {
		return "", fmt.Errorf("no book specified")
	}
	return cmd.Args().Get(0), nil
}

// Run opens a book, initializes the window buffer and prints the window
// map. With --resume the stored position picks the start window.
func Run(ctx context.Context, cmd *cli.Command) error {
	path, err := bookArg(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, path)
	if err != nil {
		return err
	}
	defer s.close()

	start := int(cmd.Int("window"))
	resumed := bridge.Position{}
	if cmd.Bool("resume") && s.pos != nil {
		if p, ok, err := s.pos.Load(s.key); err != nil {
			return err
		} else if ok {
			resumed = p
			start = s.conv.WindowForChapter(p.Chapter)
			s.log.Info("Resuming stored position",
				zap.Int("chapter", p.Chapter),
				zap.Int("offset", p.CharOffset),
				zap.Int("window", start))
		}
	}
	if start < 0 || start >= s.conv.TotalWindows() {
		return fmt.Errorf("start window out of range: %d (book has %d)", start, s.conv.TotalWindows())
	}

	if err := s.conv.Initialize(ctx, start); err != nil {
		return err
	}
	if err := s.brd.Attach(ctx, 0); err != nil {
		return err
	}
	if cmd.Bool("resume") && s.pos != nil {
		if err := s.brd.GoToPageWithOffset(ctx, resumed.Chapter, resumed.CharOffset); err != nil {
			s.log.Warn("Unable to restore exact page", zap.Error(err))
		}
	}

	info := s.prov.Info()
	fmt.Printf("%s (%s)\n", info.Title, info.Language)
	fmt.Printf("chapters: %d, windows: %d, phase: %s\n",
		s.prov.ChapterCount(), s.conv.TotalWindows(), s.conv.Phase())
	for _, idx := range s.conv.Buffer() {
		w, ok := s.conv.Snapshot(idx)
		if !ok {
			continue
		}
		marker := " "
		if idx == s.conv.ActiveWindow() {
			marker = "*"
		}
		pages := "-"
		if w.Meta != nil {
			pages = strconv.Itoa(w.Meta.TotalPages)
		}
		fmt.Printf("%s window %d: chapters %d-%d, state %s, pages %s\n",
			marker, w.Index, w.FirstChapter, w.LastChapter, w.State, pages)
	}

	if s.pos != nil {
		if err := s.pos.Save(s.key, s.brd.Position()); err != nil {
			return err
		}
	}
	return nil
}

// Slices prints the page table of one window.
func Slices(ctx context.Context, cmd *cli.Command) error {
	path, err := bookArg(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, path)
	if err != nil {
		return err
	}
	defer s.close()

	window := int(cmd.Int("window"))
	if window < 0 || window >= s.conv.TotalWindows() {
		return fmt.Errorf("window out of range: %d (book has %d)", window, s.conv.TotalWindows())
	}
	if err := s.conv.Initialize(ctx, window); err != nil {
		return err
	}
	w, ok := s.conv.Snapshot(window)
	if !ok {
		return fmt.Errorf("window %d is not resident after initialization", window)
	}
	if !w.Ready() {
		return fmt.Errorf("window %d failed to slice: %w", window, w.Err)
	}

	fmt.Printf("window %d: %d pages\n", window, w.Meta.TotalPages)
	for _, ps := range w.Meta.Slices {
		fmt.Printf("page %3d: chapter %3d, chars %6d-%6d, height %7.1f\n",
			ps.Page, ps.Chapter, ps.StartChar, ps.EndChar, ps.Height)
	}
	return nil
}

// Position shows the stored position for a book, or stores one passed as
// --set CHAPTER:OFFSET.
func Position(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	path, err := bookArg(cmd)
	if err != nil {
		return err
	}
	if len(env.Cfg.Reader.PositionsPath) == 0 {
		return fmt.Errorf("no positions path configured")
	}

	prov, err := book.OpenEpub(path, env.Log)
	if err != nil {
		return err
	}
	key := store.BookKey(prov.Info())
	title := prov.Info().Title
	prov.Close()

	st, err := store.Open(env.Cfg.Reader.PositionsPath, env.Log)
	if err != nil {
		return err
	}
	defer st.Close()

	if set := cmd.String("set"); len(set) > 0 {
		chapter, offset, err := parseChapterOffset(set)
		if err != nil {
			return err
		}
		pos := bridge.Position{Chapter: chapter, CharOffset: offset}
		if err := st.Save(key, pos); err != nil {
			return err
		}
		fmt.Printf("%s: stored chapter %d, offset %d\n", title, chapter, offset)
		return nil
	}

	pos, ok, err := st.Load(key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s: no stored position\n", title)
		return nil
	}
	fmt.Printf("%s: window %d, page %d, chapter %d, offset %d\n",
		title, pos.Window, pos.Page, pos.Chapter, pos.CharOffset)
	return nil
}

func parseChapterOffset(s string) (int, int, error) {
	c, o, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("malformed position %q, expected CHAPTER:OFFSET", s)
	}
	chapter, err := strconv.Atoi(c)
	if err != nil || chapter < 0 {
		return 0, 0, fmt.Errorf("malformed chapter in %q", s)
	}
	offset, err := strconv.Atoi(o)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("malformed offset in %q", s)
	}
	return chapter, offset, nil
}
