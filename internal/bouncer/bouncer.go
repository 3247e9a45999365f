// Package bouncer is the session core: users, their networks and the
// upstream and downstream connections, all driven by one reactor
// goroutine.
package bouncer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/metrics"
	"github.com/dalnet/rbounce/internal/resolver"
	"github.com/google/uuid"
)

// Version information (set at build time or here)
var (
	Version   = "1.0.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

var (
	// ErrAuthFailed is the result of a password check that did not match.
	ErrAuthFailed = errors.New("bouncer: authentication failed")
	// ErrUnknownNetwork is returned when a user has no network by a name.
	ErrUnknownNetwork = errors.New("bouncer: unknown network")

	errNoAddress = errors.New("no address found")
)

const (
	tickInterval  = 250 * time.Millisecond
	eventQueueLen = 4096
	dialTimeout   = 30 * time.Second
)

// DialFunc opens a connection to an upstream server.
type DialFunc func(server config.Server, addr string) (net.Conn, error)

// Bouncer owns every user, listener and process-wide table. All of its
// state, and the state of everything it owns, is only touched from the
// goroutine running Run.
type Bouncer struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	hooks   Hooks

	users   []*User
	clients map[*Client]struct{}

	pool     *resolver.Pool
	resolver *resolver.Resolver
	dial     DialFunc
	now      func() time.Time
	timers   timers

	connectQueue []*Network
	// throttle maps a server IP to when it may be dialed again.
	throttle map[string]time.Time
	// anon counts unauthenticated clients per IP.
	anon map[string]int

	listeners    []net.Listener
	events       chan event
	done         chan struct{}
	shutdownOnce sync.Once
}

// New builds the bouncer from cfg and loads saved buffers. A nil m gets
// a private metrics registry.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Bouncer, error) {
	if m == nil {
		m = metrics.New()
	}
	pool := resolver.NewPool(cfg.Resolver.MaxIdle, cfg.Resolver.MaxWorkers)
	b := &Bouncer{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		clients:  make(map[*Client]struct{}),
		pool:     pool,
		resolver: resolver.New(pool, nil, 0),
		dial:     dialServer,
		now:      time.Now,
		throttle: make(map[string]time.Time),
		anon:     make(map[string]int),
		events:   make(chan event, eventQueueLen),
		done:     make(chan struct{}),
	}
	for i := range cfg.Users {
		u, err := newUser(b, &cfg.Users[i])
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to set up user %q: %w", cfg.Users[i].Name, err)
		}
		b.users = append(b.users, u)
	}
	for _, u := range b.users {
		for _, n := range u.networks {
			b.loadBuffers(n)
		}
	}
	return b, nil
}

func (b *Bouncer) Users() []*User       { return b.users }
func (b *Bouncer) Hooks() *Hooks        { return &b.hooks }
func (b *Bouncer) SetDialer(d DialFunc) { b.dial = d }

// FindUser returns the user called name, or nil.
func (b *Bouncer) FindUser(name string) *User {
	for _, u := range b.users {
		if u.name == name {
			return u
		}
	}
	return nil
}

// Run listens, connects networks and runs the reactor until ctx is done,
// then shuts down.
func (b *Bouncer) Run(ctx context.Context) error {
	if err := b.listen(); err != nil {
		b.Shutdown()
		return err
	}
	now := b.now()
	for _, u := range b.users {
		for _, n := range u.networks {
			if n.connectEnabled {
				b.queueConnect(n)
			}
		}
	}
	b.timers.every(now, 0, b.cfg.ConnectDelay, b.runConnectQueue)
	if b.cfg.FlushInterval > 0 {
		b.timers.every(now, b.cfg.FlushInterval, b.cfg.FlushInterval, func(time.Time) {
			b.flushBuffers()
		})
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	b.logger.Info("bouncer running", "listen", b.cfg.Listen, "users", len(b.users))
	for {
		select {
		case <-ctx.Done():
			b.Shutdown()
			return nil
		case ev := <-b.events:
			ev.handle(b)
		case <-b.pool.Ready():
			b.pool.Dispatch()
		case <-ticker.C:
			b.tick(b.now())
		}
	}
}

// tick runs timers and drains flood queues.
func (b *Bouncer) tick(now time.Time) {
	b.timers.run(now)
	queued := 0
	for _, u := range b.users {
		for _, n := range u.networks {
			if n.link != nil {
				n.link.drainFlood(now)
			}
			queued += n.floodQueued()
		}
	}
	b.metrics.FloodQueueLines.Set(float64(queued))
}

// Shutdown quits every upstream, closes clients and listeners and saves
// buffers. It must run on the reactor goroutine or after Run returned.
func (b *Bouncer) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.done)
		for _, ln := range b.listeners {
			ln.Close()
		}
		for _, u := range b.users {
			for _, n := range u.networks {
				if n.resolving != nil {
					n.resolving.Cancel()
					n.resolving = nil
				}
				if n.link != nil {
					n.link.Quit("rbounce shutting down")
				}
			}
		}
		for c := range b.clients {
			c.conn.Close()
		}
		b.flushBuffers()
		b.pool.Close()
		b.logger.Info("bouncer stopped")
	})
}

// Listeners.

func (b *Bouncer) listen() error {
	var tlsConfig *tls.Config
	if b.cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(b.cfg.TLS.Cert, b.cfg.TLS.Key)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	for _, addr := range b.cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		b.listeners = append(b.listeners, ln)
		go b.acceptLoop(ln)
	}
	return nil
}

func (b *Bouncer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("accept failed", "error", err)
			continue
		}
		if !b.post(clientAccepted{conn: conn}) {
			conn.Close()
			return
		}
	}
}

// acceptClient sets up a new downstream connection, refusing it when the
// IP has too many unauthenticated connections.
func (b *Bouncer) acceptClient(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		ip = addr
	}
	lc := newLineConn(conn, nil)
	if !b.anonConnected(ip) {
		b.logger.Warn("too many anonymous connections", "ip", ip)
		lc.start(func(string) {}, func(error) {})
		lc.SendLine("ERROR :Closing link [Too many anonymous connections from your IP]")
		lc.Close()
		return
	}
	c := newClient(b, lc, addr, ip)
	b.clients[c] = struct{}{}
	c.logger.Info("client connected")
	lc.start(func(line string) {
		b.post(clientLine{client: c, line: line})
	}, func(error) {
		b.post(clientClosed{client: c})
	})
}

func (b *Bouncer) removeClient(c *Client) {
	delete(b.clients, c)
}

// Upstream dialing.

func dialServer(server config.Server, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if server.TLS {
		return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: server.Host})
	}
	return dialer.Dial("tcp", addr)
}

// dialUpstream dials in the background and reports back as an event.
func (b *Bouncer) dialUpstream(n *Network, server config.Server, addr string) {
	dial := b.dial
	go func() {
		conn, err := dial(server, addr)
		if !b.post(upstreamDialed{net: n, server: server, addr: addr, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

// Events.

// event is work posted to the reactor by socket goroutines.
type event interface {
	handle(b *Bouncer)
}

// post queues ev for the reactor. It reports false once the bouncer shut
// down.
func (b *Bouncer) post(ev event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

type upstreamLine struct {
	link *Upstream
	line string
}

func (e upstreamLine) handle(b *Bouncer) {
	if e.link.net.link != e.link {
		return
	}
	e.link.handleLine(e.line)
}

type upstreamClosed struct {
	link *Upstream
	err  error
}

func (e upstreamClosed) handle(b *Bouncer) {
	e.link.net.IRCDisconnected(e.link, e.err)
}

type upstreamDialed struct {
	net    *Network
	server config.Server
	addr   string
	conn   net.Conn
	err    error
}

func (e upstreamDialed) handle(b *Bouncer) {
	e.net.dialed(e.server, e.addr, e.conn, e.err)
}

type clientAccepted struct {
	conn net.Conn
}

func (e clientAccepted) handle(b *Bouncer) {
	b.acceptClient(e.conn)
}

type clientLine struct {
	client *Client
	line   string
}

func (e clientLine) handle(b *Bouncer) {
	e.client.handleLine(e.line)
}

type clientClosed struct {
	client *Client
}

func (e clientClosed) handle(b *Bouncer) {
	e.client.disconnected()
}

// newBatchID returns a fresh BATCH reference.
func newBatchID() string {
	return uuid.NewString()
}
