package dispatch

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

var groupShape = regexp.MustCompile(`^\d+-\d+$`)

// IsGroupAddress reports whether addr names a group chat rather than a phone.
func IsGroupAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	return strings.HasSuffix(addr, "@g.us") || groupShape.MatchString(addr)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalidConfig, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func windowLocation(w *model.SendingWindow) (*time.Location, error) {
	if w == nil || w.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, w.Timezone, err)
	}
	return loc, nil
}

// ValidateWindow checks the window's clock times, weekdays and timezone.
func ValidateWindow(w model.SendingWindow) error {
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	if _, err := parseClock(w.End); err != nil {
		return err
	}
	for _, d := range w.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidConfig, d)
		}
	}
	_, err := windowLocation(&w)
	return err
}

// InWindow reports whether now falls inside the window. Equal start and end
// times allow the whole day.
func InWindow(w model.SendingWindow, now time.Time) (bool, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}
	loc, err := windowLocation(&w)
	if err != nil {
		return false, err
	}
	now = now.In(loc)

	if len(w.Days) > 0 {
		today := int(now.Weekday())
		allowed := false
		for _, d := range w.Days {
			if d == today {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	m := now.Hour()*60 + now.Minute()
	switch {
	case start == end:
		return true, nil
	case start < end:
		return m >= start && m < end, nil
	default:
		return m >= start || m < end, nil
	}
}

// timeVariables are merged into every recipient's template variables.
func timeVariables(now time.Time) map[string]string {
	greeting := "Good evening"
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		greeting = "Good morning"
	case h >= 12 && h < 18:
		greeting = "Good afternoon"
	}
	return map[string]string{
		"greeting": greeting,
		"date":     now.Format("02/01/2006"),
	}
}
