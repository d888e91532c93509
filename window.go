package secevents

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is the time range of an extraction. It is either an ExplicitWindow
// or a ResumeWindow; the two cannot be combined.
type Window interface {
	window()
	// RequestedBegin is the begin timestamp the caller asked for
	RequestedBegin() time.Time
}

// ExplicitWindow extracts events inserted in [Begin, End]. A zero End means now.
type ExplicitWindow struct {
	Begin time.Time
	End   time.Time
}

func (ExplicitWindow) window() {}

func (w ExplicitWindow) RequestedBegin() time.Time { return w.Begin }

// ResumeWindow continues from the stored checkpoint, or from Begin when there
// is none. A zero Begin means the oldest timestamp the look-back limit allows.
type ResumeWindow struct {
	Begin time.Time
}

func (ResumeWindow) window() {}

func (w ResumeWindow) RequestedBegin() time.Time { return w.Begin }

// NewWindow builds a window from loosely typed inputs, as a CLI would collect
// them. An end timestamp together with resume is ErrConflictingWindow.
func NewWindow(begin, end time.Time, resume bool) (Window, error) {
	if resume {
		if !end.IsZero() {
			return nil, ErrConflictingWindow
		}
		return ResumeWindow{Begin: begin}, nil
	}
	if begin.IsZero() {
		return nil, validationErrorf("a begin timestamp is required unless resuming from a checkpoint")
	}
	return ExplicitWindow{Begin: begin, End: end}, nil
}

// ValidateWindow checks w against now. It never touches storage or the network.
func ValidateWindow(w Window, now time.Time) error {
	oldest := now.Add(-LookbackLimit)

	switch w := w.(type) {
	case nil:
		return validationErrorf("an extraction window is required")
	case ExplicitWindow:
		if w.Begin.IsZero() {
			return validationErrorf("a begin timestamp is required unless resuming from a checkpoint")
		}
		if w.Begin.Before(oldest) {
			return fmt.Errorf("%w: %s is before %s", ErrWindowTooOld,
				w.Begin.UTC().Format(time.RFC3339), oldest.UTC().Format(time.RFC3339))
		}
		if !w.End.IsZero() && !w.End.After(w.Begin) {
			return validationErrorf("end timestamp must be after begin timestamp")
		}
	case *ExplicitWindow:
		return ValidateWindow(*w, now)
	case ResumeWindow:
		if !w.Begin.IsZero() && w.Begin.Before(oldest) {
			return fmt.Errorf("%w: %s is before %s", ErrWindowTooOld,
				w.Begin.UTC().Format(time.RFC3339), oldest.UTC().Format(time.RFC3339))
		}
	case *ResumeWindow:
		return ValidateWindow(*w, now)
	default:
		return validationErrorf("unsupported window type %T", w)
	}
	return nil
}

// timestampLayouts are accepted by ParseTimestamp, most specific first
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses an absolute timestamp (RFC 3339 or "yyyy-MM-dd HH:MM:SS",
// UTC assumed) or a relative one such as "3d", "12h" or "30m" meaning that long
// before now.
func ParseTimestamp(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	if d, ok := parseRelative(value); ok {
		return now.Add(-d), nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, validationErrorf("unrecognized timestamp %q", value)
}

func parseRelative(value string) (time.Duration, bool) {
	if len(value) < 2 {
		return 0, false
	}

	unit := value[len(value)-1]
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n < 0 {
		return 0, false
	}

	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	default:
		return 0, false
	}
}
