// Package buffer holds bounded logs of lines replayed to clients when
// they attach.
package buffer

import (
	"time"

	"github.com/dalnet/rbounce/internal/irc"
)

// DefaultMaxSize is the process-wide ceiling on buffer capacity when none
// is configured.
const DefaultMaxSize = 500

// Line is one buffered entry. Format may contain {text} and {target}
// placeholders which are expanded per recipient.
type Line struct {
	Time   time.Time
	Tags   map[string]string
	Format string
	Text   string
}

// Recipient describes what a client can receive when a line is rendered.
type Recipient struct {
	Nick       string
	ServerTime bool
	// TimestampFormat is a time layout prefixed to {text} for clients
	// without server-time. Empty disables the prefix.
	TimestampFormat string
	Location        *time.Location
}

// Render expands the line for one recipient, adding a time tag when the
// recipient supports server-time.
func (l Line) Render(r Recipient, extra map[string]string) *irc.Message {
	params := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		params[k] = v
	}
	if _, ok := params["target"]; !ok {
		params["target"] = r.Nick
	}
	text := l.Text
	if !r.ServerTime && r.TimestampFormat != "" {
		ts := l.Time
		if r.Location != nil {
			ts = ts.In(r.Location)
		}
		text = ts.Format(r.TimestampFormat) + " " + text
	}
	params["text"] = text

	msg := irc.ParseMessage(irc.NamedFormat(l.Format, params))
	msg.Time = l.Time
	for k, v := range l.Tags {
		msg.SetTag(k, v)
	}
	if r.ServerTime {
		msg.SetTag("time", irc.FormatServerTime(l.Time))
	}
	return msg
}

// Buffer is a FIFO of lines bounded by a line count.
type Buffer struct {
	lines []Line
	count int
	// ceiling is the process-wide maximum enforced by SetLineCount.
	ceiling int
	now     func() time.Time
}

// New returns a buffer holding at most count lines, capped by ceiling.
func New(count, ceiling int) *Buffer {
	if ceiling <= 0 {
		ceiling = DefaultMaxSize
	}
	if count > ceiling {
		count = ceiling
	}
	return &Buffer{count: count, ceiling: ceiling, now: time.Now}
}

// AddLine appends a line, evicting the oldest lines to stay within
// capacity. It returns the new size; a zero-capacity buffer stores
// nothing and returns 0.
func (b *Buffer) AddLine(format, text string, ts time.Time, tags map[string]string) int {
	if b.count <= 0 {
		return 0
	}
	for len(b.lines) >= b.count {
		b.lines = b.lines[1:]
	}
	if ts.IsZero() {
		ts = b.now()
	}
	b.lines = append(b.lines, Line{Time: ts, Tags: tags, Format: format, Text: text})
	return len(b.lines)
}

// UpdateLine replaces the most recent line whose format starts with
// match, or appends when none does.
func (b *Buffer) UpdateLine(match, format, text string) int {
	for i := len(b.lines) - 1; i >= 0; i-- {
		if len(b.lines[i].Format) >= len(match) && b.lines[i].Format[:len(match)] == match {
			b.lines[i] = Line{Time: b.now(), Format: format, Text: text}
			return len(b.lines)
		}
	}
	return b.AddLine(format, text, time.Time{}, nil)
}

// UpdateExactLine refreshes the line identical to format and text, or
// appends when there is none.
func (b *Buffer) UpdateExactLine(format, text string) int {
	for i := range b.lines {
		if b.lines[i].Format == format && b.lines[i].Text == text {
			b.lines[i].Time = b.now()
			return len(b.lines)
		}
	}
	return b.AddLine(format, text, time.Time{}, nil)
}

// SetLineCount changes the capacity, dropping the oldest lines when it
// shrinks. Counts above the process-wide ceiling are refused unless force
// is set.
func (b *Buffer) SetLineCount(count int, force bool) bool {
	if count < 0 || (!force && count > b.ceiling) {
		return false
	}
	b.count = count
	if len(b.lines) > count {
		b.lines = b.lines[len(b.lines)-count:]
	}
	return true
}

// LineCount returns the capacity.
func (b *Buffer) LineCount() int { return b.count }

// Size returns the number of stored lines.
func (b *Buffer) Size() int { return len(b.lines) }

// IsEmpty reports whether the buffer holds no lines.
func (b *Buffer) IsEmpty() bool { return len(b.lines) == 0 }

// Line returns the stored line at idx, oldest first.
func (b *Buffer) Line(idx int) Line { return b.lines[idx] }

// Lines returns a copy of the stored lines, oldest first.
func (b *Buffer) Lines() []Line {
	return append([]Line(nil), b.lines...)
}

// Clear drops every line.
func (b *Buffer) Clear() {
	b.lines = nil
}

// SetClock replaces the time source used to stamp lines.
func (b *Buffer) SetClock(now func() time.Time) {
	b.now = now
}
