package bouncer

import (
	"net"
	"time"
)

// queueConnect adds n to the connect queue unless it is already there.
func (b *Bouncer) queueConnect(n *Network) {
	for _, other := range b.connectQueue {
		if other == n {
			return
		}
	}
	b.connectQueue = append(b.connectQueue, n)
}

func (b *Bouncer) unqueueConnect(n *Network) {
	for i, other := range b.connectQueue {
		if other == n {
			b.connectQueue = append(b.connectQueue[:i], b.connectQueue[i+1:]...)
			return
		}
	}
}

// runConnectQueue starts at most one connection attempt per tick, so a
// restart does not flood every server at once. Networks that could not
// start keep their place unless they requeued themselves.
func (b *Bouncer) runConnectQueue(time.Time) {
	queue := b.connectQueue
	b.connectQueue = nil
	for i, n := range queue {
		if !n.Connect() {
			continue
		}
		rest := queue[i+1:]
		requeued := b.connectQueue
		b.connectQueue = nil
		for _, other := range rest {
			b.queueConnect(other)
		}
		for _, other := range requeued {
			b.queueConnect(other)
		}
		return
	}
}

// serverThrottled reports whether ip was dialed too recently.
func (b *Bouncer) serverThrottled(ip net.IP) bool {
	until, ok := b.throttle[ip.String()]
	if !ok {
		return false
	}
	if !b.now().Before(until) {
		delete(b.throttle, ip.String())
		return false
	}
	return true
}

func (b *Bouncer) throttleServer(ip net.IP) {
	if b.cfg.ServerThrottle <= 0 {
		return
	}
	b.throttle[ip.String()] = b.now().Add(b.cfg.ServerThrottle)
}

// anonConnected counts a new unauthenticated connection from ip. It
// reports false, counting nothing, when ip is at the limit.
func (b *Bouncer) anonConnected(ip string) bool {
	if limit := b.cfg.AnonIPLimit; limit > 0 && b.anon[ip] >= limit {
		return false
	}
	b.anon[ip]++
	return true
}

func (b *Bouncer) anonDisconnected(ip string) {
	if b.anon[ip] <= 1 {
		delete(b.anon, ip)
		return
	}
	b.anon[ip]--
}
