package bouncer

import (
	"time"

	"golang.org/x/time/rate"
)

// floodQueue throttles outbound server lines with a token bucket. Lines
// that find the bucket empty wait in order and go out from drain.
type floodQueue struct {
	limiter *rate.Limiter
	queue   []string
}

// newFloodQueue returns a queue refilling perSecond tokens up to burst. A
// rate of zero or below disables throttling.
func newFloodQueue(perSecond float64, burst int) *floodQueue {
	f := &floodQueue{}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return f
}

func (f *floodQueue) enabled() bool {
	return f.limiter != nil
}

// send writes line now if a token is free and nothing is waiting ahead of
// it, otherwise queues it. It reports whether the line went out.
func (f *floodQueue) send(now time.Time, line string, write func(string)) bool {
	if len(f.queue) == 0 && (f.limiter == nil || f.limiter.AllowN(now, 1)) {
		write(line)
		return true
	}
	f.queue = append(f.queue, line)
	return false
}

// sendFirst is send for lines that must overtake the queue, such as PONG.
func (f *floodQueue) sendFirst(now time.Time, line string, write func(string)) bool {
	if f.limiter == nil || f.limiter.AllowN(now, 1) {
		write(line)
		return true
	}
	f.queue = append([]string{line}, f.queue...)
	return false
}

// drain writes queued lines while tokens last and returns how many went
// out.
func (f *floodQueue) drain(now time.Time, write func(string)) int {
	n := 0
	for len(f.queue) > 0 {
		if f.limiter != nil && !f.limiter.AllowN(now, 1) {
			break
		}
		line := f.queue[0]
		f.queue[0] = ""
		f.queue = f.queue[1:]
		write(line)
		n++
	}
	if len(f.queue) == 0 {
		f.queue = nil
	}
	return n
}

// tokens reports the bucket level at now.
func (f *floodQueue) tokens(now time.Time) float64 {
	if f.limiter == nil {
		return 0
	}
	return f.limiter.TokensAt(now)
}

func (f *floodQueue) len() int {
	return len(f.queue)
}

func (f *floodQueue) clear() {
	f.queue = nil
}
