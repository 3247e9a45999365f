package bouncer

import (
	"strings"

	"github.com/dalnet/rbounce/internal/buffer"
	"github.com/dalnet/rbounce/internal/storage"
)

func toRecords(buf *buffer.Buffer) []storage.Record {
	lines := buf.Lines()
	records := make([]storage.Record, 0, len(lines))
	for _, l := range lines {
		records = append(records, storage.Record{Time: l.Time, Format: l.Format, Text: l.Text})
	}
	return records
}

func fromRecords(buf *buffer.Buffer, records []storage.Record) {
	for _, r := range records {
		buf.AddLine(r.Format, r.Text, r.Time, nil)
	}
}

// loadBuffers restores the saved buffers of n. Files for channels that
// are no longer configured are ignored; anything else that is not a
// channel name becomes a query.
func (b *Bouncer) loadBuffers(n *Network) {
	dir := b.cfg.DataDir
	if dir == "" {
		return
	}
	user := n.user.name
	targets, err := storage.ListBuffers(dir, user, n.name)
	if err != nil {
		n.logger.Warn("failed to list buffers", "error", err)
		return
	}
	for _, target := range targets {
		var buf *buffer.Buffer
		if ch := n.FindChan(target); ch != nil {
			buf = ch.buffer
		} else if !n.isupport().isChan(target) {
			if q := n.AddQuery(target); q != nil {
				buf = q.buffer
			}
		}
		if buf == nil {
			continue
		}
		records, err := storage.LoadBuffer(dir, user, n.name, target)
		if err != nil {
			n.logger.Warn("failed to load buffer", "target", target, "error", err)
			continue
		}
		fromRecords(buf, records)
	}
}

// flushBuffers writes every channel and query buffer to disk.
func (b *Bouncer) flushBuffers() {
	if b.cfg.DataDir == "" {
		return
	}
	for _, u := range b.users {
		for _, n := range u.networks {
			b.saveNetwork(n)
		}
	}
}

// saveNetwork saves the buffers of n and removes files for targets it no
// longer has.
func (b *Bouncer) saveNetwork(n *Network) {
	dir := b.cfg.DataDir
	user := n.user.name
	kept := make(map[string]bool)
	save := func(target string, buf *buffer.Buffer) {
		kept[strings.ToLower(target)] = true
		if err := storage.SaveBuffer(dir, user, n.name, target, toRecords(buf)); err != nil {
			n.logger.Warn("failed to save buffer", "target", target, "error", err)
		}
	}
	for _, ch := range n.chans {
		save(ch.name, ch.buffer)
	}
	for _, q := range n.queries {
		save(q.name, q.buffer)
	}

	stale, err := storage.ListBuffers(dir, user, n.name)
	if err != nil {
		n.logger.Warn("failed to list buffers", "error", err)
		return
	}
	for _, target := range stale {
		if kept[target] {
			continue
		}
		if err := storage.SaveBuffer(dir, user, n.name, target, nil); err != nil {
			n.logger.Warn("failed to remove buffer", "target", target, "error", err)
		}
	}
}
