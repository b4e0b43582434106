// Package reslice re-runs pagination over resident windows when typography
// settings change, without ever leaving a window metadata-less.
package reslice

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rdr/bridge"
	"rdr/conveyor"
	"rdr/slice"
)

// Operation is the pending typography change of an open settings session.
// Repeated changes coalesce into it; only the final combination is applied.
type Operation struct {
	Typo slice.Typography
}

// Coordinator owns the settings-session protocol: lock navigation, coalesce
// changes, run one re-slice pass over the buffer on close, restore the
// captured position.
type Coordinator struct {
	conv *conveyor.Conveyor
	brd  *bridge.Bridge
	log  *zap.Logger

	passMu sync.Mutex // one re-slice pass at a time

	mu      sync.Mutex
	open    bool
	pending *Operation
	anchor  bridge.Position
}

func New(conv *conveyor.Conveyor, brd *bridge.Bridge, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		conv: conv,
		brd:  brd,
		log:  log.Named("reslice"),
	}
}

// OpenSession locks navigation and buffer shifts and captures the current
// position for restore on close.
func (c *Coordinator) OpenSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return fmt.Errorf("settings session already open")
	}
	c.open = true
	c.pending = nil
	c.anchor = c.brd.Position()
	c.conv.LockShifts()
	c.log.Debug("Settings session opened",
		zap.Int("window", c.anchor.Window),
		zap.Int("chapter", c.anchor.Chapter),
		zap.Int("offset", c.anchor.CharOffset))
	return nil
}

// SetTypography records a typography change, overwriting any previous one
// in this session.
func (c *Coordinator) SetTypography(typo slice.Typography) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("no settings session open")
	}
	c.pending = &Operation{Typo: typo}
	return nil
}

// CloseSession ends the session. With a pending operation it re-slices
// every resident window with the new typography, restores the captured
// position and unlocks navigation. Per-window failures keep that window's
// old metadata and are aggregated in the returned error; cancellation
// between windows keeps completed swaps and drops the pending typography.
func (c *Coordinator) CloseSession(ctx context.Context) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("no settings session open")
	}
	c.open = false
	pending := c.pending
	c.pending = nil
	anchor := c.anchor
	c.mu.Unlock()

	defer c.conv.UnlockShifts()

	if pending == nil {
		return nil
	}
	if err := c.runPass(ctx, pending.Typo); err != nil {
		if ctx.Err() != nil {
			// cancelled between windows; completed swaps stay, the rest
			// of the buffer keeps its old layout
			c.log.Info("Re-slice pass cancelled", zap.Error(err))
			return err
		}
		c.log.Warn("Re-slice pass finished with failures", zap.Error(err))
		c.restore(ctx, anchor)
		return err
	}
	c.restore(ctx, anchor)
	return nil
}

// Retry re-slices a single window that failed in a previous pass, using the
// typography the conveyor currently carries.
func (c *Coordinator) Retry(ctx context.Context, window int) error {
	c.passMu.Lock()
	defer c.passMu.Unlock()
	c.conv.LockShifts()
	defer c.conv.UnlockShifts()
	return c.resliceWindow(ctx, window, c.conv.Typography())
}

func (c *Coordinator) runPass(ctx context.Context, typo slice.Typography) error {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	var errs error
	for _, idx := range c.conv.Buffer() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, c.resliceWindow(ctx, idx, typo))
	}
	// windows loaded by future shifts pick up the new settings too
	c.conv.SetTypography(typo)
	return errs
}

// resliceWindow computes fresh metadata and swaps it in atomically; on
// failure the window keeps its previous metadata.
func (c *Coordinator) resliceWindow(ctx context.Context, index int, typo slice.Typography) error {
	w, ok := c.conv.Snapshot(index)
	if !ok || w.Document == nil {
		// evicted or never assembled; nothing to re-layout
		return nil
	}
	meta, err := c.conv.Engine().Slice(ctx, index, w.Document, c.conv.Viewport(), typo)
	if err != nil {
		return fmt.Errorf("unable to re-slice window %d: %w", index, err)
	}
	c.conv.SwapMetadata(index, meta)
	c.log.Debug("Window re-sliced", zap.Int("window", index), zap.Int("pages", meta.TotalPages))
	return nil
}

// restore reloads the active window on the surface and navigates to the
// page now containing the captured chapter offset.
func (c *Coordinator) restore(ctx context.Context, anchor bridge.Position) {
	if err := c.brd.Attach(ctx, 0); err != nil {
		c.log.Warn("Unable to refresh surface after re-slice", zap.Error(err))
		return
	}
	if err := c.brd.GoToPageWithOffset(ctx, anchor.Chapter, anchor.CharOffset); err != nil {
		c.log.Warn("Unable to restore position after re-slice",
			zap.Int("chapter", anchor.Chapter),
			zap.Int("offset", anchor.CharOffset),
			zap.Error(err))
	}
}
