package module

import (
	"time"

	"postbot/internal/config"
)

// Window is a daily posting window in UTC. An end at or before the start
// means the window crosses midnight.
type Window struct {
	StartHour, StartMinute int
	EndHour, EndMinute     int
}

func ParseWindow(start, end string) (Window, error) {
	sh, sm, err := config.ParseHHMM(start)
	if err != nil {
		return Window{}, err
	}
	eh, em, err := config.ParseHHMM(end)
	if err != nil {
		return Window{}, err
	}
	return Window{StartHour: sh, StartMinute: sm, EndHour: eh, EndMinute: em}, nil
}

// Current returns the window occurrence that contains now, or the next one
// when now is already past today's end.
func (w Window) Current(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), now.Day(), w.StartHour, w.StartMinute, 0, 0, time.UTC)
	end = time.Date(now.Year(), now.Month(), now.Day(), w.EndHour, w.EndMinute, 0, 0, time.UTC)
	if !end.After(start) {
		end = end.Add(24 * time.Hour)
	}
	if !now.Before(end) {
		start = start.Add(24 * time.Hour)
		end = end.Add(24 * time.Hour)
	}
	return start, end
}

// SpreadTimes distributes n posting slots uniformly across the window
// occurrence relevant at now. The first slot never lands in the past: when
// now is inside the window the spread starts at now.
func (w Window) SpreadTimes(now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	start, end := w.Current(now)
	if now.After(start) {
		start = now
	}
	if n == 1 {
		return []time.Time{start}
	}
	step := end.Sub(start) / time.Duration(n-1)
	times := make([]time.Time, n)
	for i := range times {
		times[i] = start.Add(time.Duration(i) * step)
	}
	return times
}

// NextDaily returns the next occurrence of hour:minute UTC: today's when
// not yet passed, otherwise tomorrow's.
func NextDaily(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if t.Before(now) {
		t = t.Add(24 * time.Hour)
	}
	return t
}
