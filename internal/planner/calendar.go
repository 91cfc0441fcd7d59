package planner

import "time"

// WorkingHours limits task starts to a daily window on the given weekdays.
// The zero value allows any time.
type WorkingHours struct {
	Start    time.Duration  `json:"start" yaml:"start"` // offset from midnight
	End      time.Duration  `json:"end" yaml:"end"`
	Days     []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"` // empty means every day
	Location *time.Location `json:"-" yaml:"-"`                           // nil means the start time's zone
}

func (w WorkingHours) enabled() bool {
	return w.End > w.Start
}

func (w WorkingHours) length() time.Duration {
	return w.End - w.Start
}

func (w WorkingHours) workday(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, wd := range w.Days {
		if wd == d {
			return true
		}
	}
	return false
}

// window returns the working window of the day containing t.
func (w WorkingHours) window(t time.Time) (time.Time, time.Time) {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.Add(w.Start), midnight.Add(w.End)
}

// next returns the earliest instant at or after t where a task of length dur
// may start. Tasks longer than a working day only need to start inside one.
func (w WorkingHours) next(t time.Time, dur time.Duration) time.Time {
	if !w.enabled() {
		return t
	}
	fits := dur <= w.length()
	for range 8 * 7 {
		open, shut := w.window(t)
		if w.workday(open.Weekday()) {
			if t.Before(open) {
				t = open
			}
			if t.Before(shut) && (!fits || !t.Add(dur).After(shut)) {
				return t
			}
		}
		// Next day's opening. AddDate keeps wall-clock time across DST changes.
		day := open.Add(-w.Start)
		t = day.AddDate(0, 0, 1).Add(w.Start)
	}
	return t
}

// Window is a closed period, such as a maintenance blackout.
type Window struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

func (b Window) overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && start.Before(b.End)
}

// fit moves t forward until [t, t+dur) respects working hours and avoids
// every blackout.
func (c Context) fit(t time.Time, dur time.Duration) time.Time {
	for range maxCalendarSteps {
		moved := false
		if next := c.WorkingHours.next(t, dur); next.After(t) {
			t, moved = next, true
		}
		end := t.Add(max(dur, time.Nanosecond))
		for _, b := range c.Blackouts {
			if b.overlaps(t, end) {
				t, moved = b.End, true
				break
			}
		}
		if !moved {
			return t
		}
	}
	return t
}

const maxCalendarSteps = 1024
