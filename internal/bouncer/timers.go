package bouncer

import "time"

// timer is a reactor callback. It fires from tick, never from its own
// goroutine, so callbacks may touch session state freely.
type timer struct {
	at      time.Time
	every   time.Duration
	fn      func(now time.Time)
	stopped bool
}

// Stop cancels the timer. A stopped timer is dropped on the next tick.
func (t *timer) Stop() {
	if t != nil {
		t.stopped = true
	}
}

type timers struct {
	list []*timer
}

// after schedules fn once, d from now.
func (ts *timers) after(now time.Time, d time.Duration, fn func(time.Time)) *timer {
	t := &timer{at: now.Add(d), fn: fn}
	ts.list = append(ts.list, t)
	return t
}

// every schedules fn repeatedly, first after the given delay.
func (ts *timers) every(now time.Time, first, interval time.Duration, fn func(time.Time)) *timer {
	t := &timer{at: now.Add(first), every: interval, fn: fn}
	ts.list = append(ts.list, t)
	return t
}

// run fires every due timer and drops finished ones.
func (ts *timers) run(now time.Time) {
	due := ts.list
	ts.list = nil
	for _, t := range due {
		if t.stopped {
			continue
		}
		if now.Before(t.at) {
			ts.list = append(ts.list, t)
			continue
		}
		t.fn(now)
		if t.every > 0 && !t.stopped {
			t.at = now.Add(t.every)
			ts.list = append(ts.list, t)
		}
	}
}

func (ts *timers) len() int {
	n := 0
	for _, t := range ts.list {
		if !t.stopped {
			n++
		}
	}
	return n
}
