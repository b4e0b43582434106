package conveyor

import (
	"fmt"

	"github.com/beevik/etree"

	"rdr/book"
	"rdr/slice"
)

// LoadState tracks window readiness.
type LoadState int

const (
	LoadStatePending LoadState = iota
	LoadStateLoading
	LoadStateReady
	LoadStateError
)

func (s LoadState) String() string {
	switch s {
	case LoadStatePending:
		return "pending"
	case LoadStateLoading:
		return "loading"
	case LoadStateReady:
		return "ready"
	case LoadStateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Phase of the conveyor lifecycle.
type Phase int

const (
	// PhaseStartup - buffer was just built, active window has not yet
	// reached the center slot.
	PhaseStartup Phase = iota
	// PhaseSteady - buffer is kept anchored so the active window sits at
	// the center slot.
	PhaseSteady
)

func (p Phase) String() string {
	if p == PhaseSteady {
		return "steady"
	}
	return "startup"
}

// Direction of reading / boundary crossing.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Window is one resident group of chapters. Owned exclusively by the
// conveyor cache: created on demand, destroyed on eviction.
type Window struct {
	Index        int
	FirstChapter int
	LastChapter  int
	Document     *etree.Document
	Chapters     []*book.Chapter
	Meta         *slice.Metadata
	State        LoadState
	Err          error
}

// Ready reports whether the window can be displayed with full pagination.
func (w *Window) Ready() bool {
	return w.State == LoadStateReady && w.Meta != nil
}
