// Package window derives UTC-aligned counting slots and the bucket keys
// that identify one counter per (caller, action, window, slot).
package window

import (
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	None  Kind = "none"
	Short Kind = "short"
	Long  Kind = "long"
)

const (
	shortLayout = "2006-01-02T15:04"
	longLayout  = "2006-01-02"
)

// Length is the natural length of a slot of this kind.
func (k Kind) Length() time.Duration {
	switch k {
	case Short:
		return time.Minute
	case Long:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Slot is one UTC-aligned counting interval, [Start, End).
type Slot struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Derive returns the slot containing now. Callers capture now once per
// admission check and pass the same value for both kinds.
func Derive(now time.Time, k Kind) Slot {
	now = now.UTC()
	switch k {
	case Short:
		start := now.Truncate(time.Minute)
		return Slot{ID: start.Format(shortLayout), Start: start, End: start.Add(time.Minute)}
	case Long:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return Slot{ID: start.Format(longLayout), Start: start, End: start.AddDate(0, 0, 1)}
	default:
		return Slot{}
	}
}

// UntilRollover is the time left in the slot containing now.
func UntilRollover(now time.Time, k Kind) time.Duration {
	return Derive(now, k).End.Sub(now)
}

var (
	ErrEmptyKeyPart  = errors.New("bucket key parts must be non-empty")
	ErrColonInAction = errors.New("action must not contain ':'")
)

// BucketKey identifies a single counter.
type BucketKey struct {
	CallerID string
	Action   string
	Kind     Kind
	Slot     string
}

// NewKey builds the bucket key for caller/action at slot.
func NewKey(callerID, action string, k Kind, slot Slot) (BucketKey, error) {
	if strings.TrimSpace(callerID) == "" || action == "" || slot.ID == "" {
		return BucketKey{}, ErrEmptyKeyPart
	}
	if strings.Contains(action, ":") {
		return BucketKey{}, ErrColonInAction
	}
	return BucketKey{CallerID: callerID, Action: action, Kind: k, Slot: slot.ID}, nil
}

// String flattens the key, e.g. "user_1:summaryGenerate:short:2024-05-01T10:04".
// Caller ids may contain ':' ("ip:203.0.113.7") since the action that follows
// never does, so two distinct keys never flatten to the same string.
func (k BucketKey) String() string {
	var b strings.Builder
	b.Grow(len(k.CallerID) + len(k.Action) + len(k.Slot) + 10)
	b.WriteString(k.CallerID)
	b.WriteByte(':')
	b.WriteString(k.Action)
	b.WriteByte(':')
	b.WriteString(string(k.Kind))
	b.WriteByte(':')
	b.WriteString(k.Slot)
	return b.String()
}
