package admission

import (
	"time"

	"github.com/3xpluto/quotagate/internal/window"
)

// Request is one admission check. CallerID and Plan come from the identity
// layer in front of the engine.
type Request struct {
	CallerID string
	Plan     string
	Action   string
}

// WindowState reports one window's part of a decision.
type WindowState struct {
	// Enforced is false when the schedule sets no limit for this window.
	Enforced bool
	// Evaluated is true once the window's counter was incremented during
	// this check.
	Evaluated bool
	Limit     int64
	Count     int64
	Remaining int64
}

func (w *WindowState) record(count int64) {
	w.Evaluated = true
	w.Count = count
	w.Remaining = w.Limit - count
	if w.Remaining < 0 {
		w.Remaining = 0
	}
}

func (w WindowState) exceeded() bool {
	return w.Evaluated && w.Count > w.Limit
}

// Decision is the outcome of one Check. It is not persisted.
type Decision struct {
	Allowed bool
	// Remaining is left in the window that decided the outcome: the
	// violated window on reject, the tighter enforced window on allow, and
	// -1 for an unlimited action.
	Remaining int64
	Violated  window.Kind

	Plan   string // resolved plan
	Action string

	Unlimited bool
	// Degraded is set when any counter in this check came from the
	// fallback store, or when a fault was absorbed under FailOpen.
	Degraded bool

	Short WindowState
	Long  WindowState

	// At is the single instant both windows were derived from.
	At time.Time
}

func (d *Decision) settleRemaining() {
	switch d.Violated {
	case window.Short:
		d.Remaining = d.Short.Remaining
		return
	case window.Long:
		d.Remaining = d.Long.Remaining
		return
	}
	d.Remaining = -1
	for _, w := range []WindowState{d.Short, d.Long} {
		if !w.Enforced || !w.Evaluated {
			continue
		}
		if d.Remaining < 0 || w.Remaining < d.Remaining {
			d.Remaining = w.Remaining
		}
	}
}
