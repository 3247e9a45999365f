package bouncer

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dalnet/rbounce/internal/buffer"
	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/irc"
	"github.com/dalnet/rbounce/internal/resolver"
	"golang.org/x/text/encoding"
)

const (
	// joinInterval is how often unjoined channels are retried.
	joinInterval = 30 * time.Second
	maxJoinLine  = irc.MaxLineLength - 2
	statusServer = "irc.znc.in"
)

// serverCaps are client capabilities that only make sense while the
// server provides them.
var serverCaps = map[string]bool{
	irc.CapAwayNotify:    true,
	irc.CapAccountNotify: true,
	irc.CapExtendedJoin:  true,
	irc.CapInviteNotify:  true,
	irc.CapChghost:       true,
}

// Network is one user's session on one IRC network. It outlives any
// single server connection: channels, queries and buffers survive
// reconnects.
type Network struct {
	user   *User
	cfg    *config.Network
	name   string
	logger *slog.Logger
	hooks  Hooks

	link    *Upstream
	clients []*Client

	chans   []*Channel
	queries []*Query

	serverIdx int

	raw    *buffer.Buffer
	motd   *buffer.Buffer
	notice *buffer.Buffer

	// ircNick is our identity as last seen from the server.
	ircNick        irc.Nick
	connectEnabled bool
	joinTimer      *timer
	enc            encoding.Encoding

	resolving *resolver.Job
	dialing   bool
	// defaults stands in for ISUPPORT while disconnected.
	defaults *isupport
}

func newNetwork(u *User, cfg *config.Network) (*Network, error) {
	enc, err := lookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	ceiling := u.b.cfg.MaxBufferSize
	n := &Network{
		user:           u,
		cfg:            cfg,
		name:           cfg.Name,
		logger:         u.logger.With("network", cfg.Name),
		raw:            buffer.New(100, 100),
		motd:           buffer.New(200, 200),
		notice:         buffer.New(u.cfg.BufferSize, ceiling),
		connectEnabled: cfg.ConnectEnabled(),
		enc:            enc,
		defaults:       newISupport(),
	}
	for _, cc := range cfg.Channels {
		ch := n.AddChan(cc.Name, true)
		ch.key = cc.Key
		ch.detached = cc.Detached
		if cc.BufferSize > 0 {
			ch.buffer.SetLineCount(cc.BufferSize, false)
		}
		if cc.AutoClearBuffer != nil {
			ch.autoClear = *cc.AutoClearBuffer
		}
	}
	return n, nil
}

func (n *Network) Name() string              { return n.name }
func (n *Network) User() *User               { return n.user }
func (n *Network) Link() *Upstream           { return n.link }
func (n *Network) Clients() []*Client        { return n.clients }
func (n *Network) Channels() []*Channel      { return n.chans }
func (n *Network) Queries() []*Query         { return n.queries }
func (n *Network) IsIRCConnected() bool      { return n.link != nil && n.link.registered }
func (n *Network) IsUserAttached() bool      { return len(n.clients) > 0 }
func (n *Network) ConnectEnabled() bool      { return n.connectEnabled }
func (n *Network) RawBuffer() *buffer.Buffer { return n.raw }
func (n *Network) Hooks() *Hooks             { return &n.hooks }

// ConfNick is the nick to register with.
func (n *Network) ConfNick() string {
	if n.cfg.Nick != "" {
		return n.cfg.Nick
	}
	return n.user.cfg.Nick
}

func (n *Network) AltNick() string {
	if n.cfg.AltNick != "" {
		return n.cfg.AltNick
	}
	return n.user.cfg.AltNick
}

func (n *Network) Ident() string {
	if n.cfg.Ident != "" {
		return n.cfg.Ident
	}
	return n.user.cfg.Ident
}

func (n *Network) Realname() string {
	if n.cfg.Realname != "" {
		return n.cfg.Realname
	}
	return n.user.cfg.Realname
}

// IRCNick returns our current identity, falling back to the configured
// nick while disconnected.
func (n *Network) IRCNick() irc.Nick {
	nick := n.ircNick
	if n.link != nil && n.link.nick != "" {
		nick.Name = n.link.nick
	}
	if nick.Name == "" {
		nick.Name = n.ConfNick()
	}
	return nick
}

// ServerName is the name numerics to clients come from.
func (n *Network) ServerName() string {
	if n.link != nil && n.link.serverName != "" {
		return n.link.serverName
	}
	return statusServer
}

func (n *Network) isupport() *isupport {
	if n.link != nil {
		return n.link.support
	}
	return n.defaults
}

// PutIRC sends a line upstream. It is dropped while disconnected.
func (n *Network) PutIRC(line string) {
	if n.link != nil {
		n.link.PutIRC(line)
	}
}

// Fan-out.

// PutUser sends m to every attached client, or to only when it is set,
// skipping skip.
func (n *Network) PutUser(m *irc.Message, only, skip *Client) {
	for _, c := range n.clients {
		if (only != nil && c != only) || c == skip {
			continue
		}
		c.PutClient(m)
	}
}

// FindClients returns the attached clients that logged in with
// identifier.
func (n *Network) FindClients(identifier string) []*Client {
	var found []*Client
	for _, c := range n.clients {
		if c.identifier == identifier {
			found = append(found, c)
		}
	}
	return found
}

// PutUserTo sends m to the clients logged in with identifier and
// reports how many received it.
func (n *Network) PutUserTo(identifier string, m *irc.Message) int {
	sent := 0
	for _, c := range n.FindClients(identifier) {
		if c.PutClient(m) {
			sent++
		}
	}
	return sent
}

// PutUserLine is PutUser for a raw line.
func (n *Network) PutUserLine(line string, only, skip *Client) {
	n.PutUser(irc.ParseMessage(line), only, skip)
}

// PutStatus sends a *status message to every attached client.
func (n *Network) PutStatus(text string) {
	n.PutModule("status", text)
}

// PutStatusNotice is PutStatus as a NOTICE.
func (n *Network) PutStatusNotice(text string) {
	for _, c := range n.clients {
		c.PutStatusNotice(text)
	}
}

// PutModule sends text from the *module pseudo-user to every client.
func (n *Network) PutModule(module, text string) {
	for _, c := range n.clients {
		c.PutModule(module, text)
	}
}

// Server rotation.

// GetNextServer returns the server to try next and advances the index,
// wrapping at the end of the list.
func (n *Network) GetNextServer() (config.Server, bool) {
	if len(n.cfg.Servers) == 0 {
		return config.Server{}, false
	}
	if n.serverIdx >= len(n.cfg.Servers) {
		n.serverIdx = 0
	}
	s := n.cfg.Servers[n.serverIdx]
	n.serverIdx++
	return s, true
}

// IsLastServer reports whether the next GetNextServer wraps around.
func (n *Network) IsLastServer() bool {
	return n.serverIdx >= len(n.cfg.Servers)
}

// Channels and queries.

// FindChan looks a channel up case-insensitively.
func (n *Network) FindChan(name string) *Channel {
	for _, ch := range n.chans {
		if strings.EqualFold(ch.name, name) {
			return ch
		}
	}
	return nil
}

// AddChan returns the named channel, creating it with the user's buffer
// settings when missing.
func (n *Network) AddChan(name string, inConfig bool) *Channel {
	if ch := n.FindChan(name); ch != nil {
		ch.inConfig = ch.inConfig || inConfig
		return ch
	}
	u := n.user
	ch := newChannel(name, buffer.New(u.cfg.BufferSize, u.b.cfg.MaxBufferSize), u.cfg.ChanAutoClear())
	ch.inConfig = inConfig
	n.chans = append(n.chans, ch)
	return ch
}

// DelChan forgets a channel and its buffer.
func (n *Network) DelChan(name string) bool {
	for i, ch := range n.chans {
		if strings.EqualFold(ch.name, name) {
			n.chans = append(n.chans[:i], n.chans[i+1:]...)
			return true
		}
	}
	return false
}

func (n *Network) FindQuery(name string) *Query {
	for _, q := range n.queries {
		if strings.EqualFold(q.name, name) {
			return q
		}
	}
	return nil
}

// AddQuery returns the query with name, creating it unless the user is
// at max_query_buffers, in which case it returns nil.
func (n *Network) AddQuery(name string) *Query {
	if q := n.FindQuery(name); q != nil {
		return q
	}
	u := n.user
	if u.cfg.MaxQueryBuffers > 0 && len(n.queries) >= u.cfg.MaxQueryBuffers {
		return nil
	}
	q := &Query{name: name, buffer: buffer.New(u.cfg.BufferSize, u.b.cfg.MaxBufferSize)}
	n.queries = append(n.queries, q)
	return q
}

func (n *Network) DelQuery(name string) bool {
	for i, q := range n.queries {
		if strings.EqualFold(q.name, name) {
			n.queries = append(n.queries[:i], n.queries[i+1:]...)
			return true
		}
	}
	return false
}

// addQueryLine buffers a private message received from another nick.
func (n *Network) addQueryLine(m *irc.Message) {
	q := n.AddQuery(m.Source.Name)
	if q == nil {
		return
	}
	format, text := bufferFormat(m, "{target}")
	q.buffer.AddLine(format, text, m.Time, bufferTags(m))
}

// addOwnLine buffers a message a client sent, so other sessions see it on
// replay.
func (n *Network) addOwnLine(m *irc.Message) {
	target := m.Param(0)
	own := m.Clone()
	own.Source = n.IRCNick()
	if n.isupport().isChan(target) {
		ch := n.FindChan(target)
		if ch == nil || ch.autoClear {
			return
		}
		format, text := bufferFormat(own, irc.EscapeNamed(ch.name))
		ch.buffer.AddLine(format, text, time.Time{}, nil)
		return
	}
	if n.user.cfg.QueryAutoClear() {
		return
	}
	if q := n.AddQuery(target); q != nil {
		format, text := bufferFormat(own, irc.EscapeNamed(target))
		q.buffer.AddLine(format, text, time.Time{}, nil)
	}
}

// joinLine packs channels into one JOIN, keyed channels first so the
// keys line up with their names.
func joinLine(chans []*Channel) string {
	names := make([]string, 0, len(chans))
	var keys, open []string
	for _, ch := range chans {
		if ch.key != "" {
			names = append(names, ch.name)
			keys = append(keys, ch.key)
		} else {
			open = append(open, ch.name)
		}
	}
	line := "JOIN " + strings.Join(append(names, open...), ",")
	if len(keys) > 0 {
		line += " " + strings.Join(keys, ",")
	}
	return line
}

// joinChan counts one join attempt. A channel that used up its tries is
// disabled instead.
func (n *Network) joinChan(ch *Channel) bool {
	limit := n.user.cfg.JoinTries
	if limit > 0 && ch.joinTries >= limit {
		n.PutStatus("The channel " + ch.name + " could not be joined, disabling it.")
		ch.disabled = true
		return false
	}
	ch.joinTries++
	return true
}

// JoinChans joins every enabled channel we are not in, packed into as
// few lines as fit.
func (n *Network) JoinChans() {
	var batch []*Channel
	for _, ch := range n.chans {
		if ch.on || ch.disabled || !n.joinChan(ch) {
			continue
		}
		candidate := append(append([]*Channel(nil), batch...), ch)
		if len(batch) > 0 && len(joinLine(candidate)) > maxJoinLine {
			n.PutIRC(joinLine(batch))
			batch = []*Channel{ch}
			continue
		}
		batch = candidate
	}
	if len(batch) > 0 {
		n.PutIRC(joinLine(batch))
	}
}

// Connection lifecycle.

// Connect starts a connection attempt and reports whether it did.
func (n *Network) Connect() bool {
	b := n.user.b
	if !n.connectEnabled || n.link != nil || n.resolving != nil || n.dialing {
		return false
	}
	server, ok := n.GetNextServer()
	if !ok {
		n.PutStatus("No servers configured, use the config file to add one.")
		return false
	}
	host, port, err := net.SplitHostPort(server.Address())
	if err != nil {
		n.PutStatus("Cannot connect to IRC (" + err.Error() + "). Retrying...")
		b.queueConnect(n)
		return false
	}
	n.logger.Info("connecting", "server", server.Address())
	job, err := b.resolver.Resolve(host, func(addrs []net.IP, err error) {
		n.resolved(server, port, addrs, err)
	})
	if err != nil {
		n.logger.Warn("resolve failed", "host", host, "error", err)
		b.queueConnect(n)
		return false
	}
	n.resolving = job
	return true
}

func (n *Network) resolved(server config.Server, port string, addrs []net.IP, err error) {
	b := n.user.b
	n.resolving = nil
	if err == nil && len(addrs) == 0 {
		err = errNoAddress
	}
	if err != nil {
		n.PutStatus("Cannot connect to IRC (" + err.Error() + "). Retrying...")
		b.queueConnect(n)
		return
	}
	ip := addrs[0]
	if b.serverThrottled(ip) {
		n.logger.Debug("server throttled", "ip", ip.String())
		// Retry the same server once the throttle expires.
		if n.serverIdx > 0 {
			n.serverIdx--
		}
		b.queueConnect(n)
		return
	}
	b.throttleServer(ip)
	n.dialing = true
	b.dialUpstream(n, server, net.JoinHostPort(ip.String(), port))
}

// dialed takes over a connected socket, or reports the dial failure.
func (n *Network) dialed(server config.Server, addr string, conn net.Conn, err error) {
	b := n.user.b
	n.dialing = false
	if err != nil {
		n.PutStatus("Cannot connect to IRC (" + err.Error() + "). Retrying...")
		b.queueConnect(n)
		return
	}
	if !n.connectEnabled || n.link != nil {
		conn.Close()
		return
	}
	lc := newLineConn(conn, n.enc)
	u := n.setLink(lc, server, addr)
	lc.start(func(line string) {
		b.post(upstreamLine{link: u, line: line})
	}, func(err error) {
		b.post(upstreamClosed{link: u, err: err})
	})
	u.register()
}

// setLink installs a new upstream on conn.
func (n *Network) setLink(conn lineSender, server config.Server, addr string) *Upstream {
	u := newUpstream(n, conn, server, addr)
	n.link = u
	n.user.b.metrics.UpstreamsConnected.Inc()
	n.PutStatus("Connected!")
	return u
}

// IRCConnected runs once the server accepted registration.
func (n *Network) IRCConnected() {
	u := n.link
	b := n.user.b
	n.ircNick.Name = u.nick
	for _, c := range n.clients {
		if c.nick != u.nick {
			c.PutClientRaw(":" + c.nick + " NICK :" + u.nick)
			c.nick = u.nick
		}
	}
	n.joinTimer.Stop()
	n.joinTimer = b.timers.every(b.now(), n.cfg.JoinDelay, joinInterval, func(time.Time) {
		if n.link == u && u.registered {
			n.JoinChans()
		}
	})
	n.logger.Info("registered", "server", u.addr, "nick", u.nick)
}

// IRCDisconnected cleans up after the link closed. Channels, queries and
// buffers are kept; the network is queued to reconnect when enabled.
func (n *Network) IRCDisconnected(u *Upstream, err error) {
	if n.link != u {
		return
	}
	b := n.user.b
	n.link = nil
	b.metrics.UpstreamsConnected.Dec()
	n.joinTimer.Stop()
	n.joinTimer = nil
	n.logger.Info("disconnected", "server", u.addr, "error", err)

	switch {
	case !u.registered && err != nil && n.connectEnabled:
		n.PutStatus("Cannot connect to IRC (" + err.Error() + "). Retrying...")
	case n.connectEnabled:
		n.PutStatus("Disconnected from IRC. Reconnecting...")
	default:
		n.PutStatus("Disconnected from IRC. Use 'connect' to reconnect.")
	}

	n.raw.Clear()
	n.motd.Clear()
	if modes := u.UserModes(); modes != "" {
		nick := n.IRCNick()
		n.PutUserLine(":"+nick.NickMask()+" MODE "+nick.Name+" :-"+modes, nil, nil)
	}
	for _, ch := range n.chans {
		ch.Reset()
	}
	for name := range u.caps {
		n.notifyServerCap(name, false)
	}

	if n.connectEnabled {
		b.queueConnect(n)
	}
}

// SetConnectEnabled turns automatic connection on or off. Turning it off
// quits the current link and cancels a pending lookup.
func (n *Network) SetConnectEnabled(on bool, reason string) {
	b := n.user.b
	n.connectEnabled = on
	if on {
		if n.link == nil {
			b.queueConnect(n)
		}
		return
	}
	b.unqueueConnect(n)
	if n.resolving != nil {
		n.resolving.Cancel()
		n.resolving = nil
	}
	if n.link != nil {
		n.link.Quit(reason)
	}
}

// notifyServerCap tells cap-notify clients that a server-dependent
// capability came or went.
func (n *Network) notifyServerCap(name string, on bool) {
	if !serverCaps[name] {
		return
	}
	for _, c := range n.clients {
		c.notifyCap(name, on)
	}
}

// Client attachment.

// ClientConnected brings a freshly logged-in client up to date.
func (n *Network) ClientConnected(c *Client) {
	b := n.user.b
	n.clients = append(n.clients, c)

	if n.raw.IsEmpty() {
		c.PutClientRaw(":" + statusServer + " 001 " + c.nick + " :Welcome to rbounce")
	} else {
		n.replayServerBuffer(c, n.raw)
	}

	u := n.link
	if u != nil && u.nick != "" && c.nick != u.nick {
		c.PutClientRaw(":" + c.nick + " NICK :" + u.nick)
		c.nick = u.nick
	}
	n.replayServerBuffer(c, n.motd)

	if u != nil {
		nick := n.IRCNick()
		if modes := u.UserModes(); modes != "" {
			c.PutClientRaw(":" + nick.NickMask() + " MODE " + c.nick + " :+" + modes)
		}
		if u.away {
			c.PutClientRaw(":" + n.ServerName() + " " + irc.RPL_NOWAWAY + " " + c.nick + " :You have been marked as being away")
		}
	}

	for _, ch := range n.chans {
		if ch.on && !ch.detached {
			ch.AttachUser(n, c)
		}
	}

	for _, q := range n.queries {
		q.SendBuffer(n, c)
	}
	if n.user.cfg.QueryAutoClear() {
		n.queries = nil
	}

	playBuffer(n, c, nil, c.nick, n.notice, false)
	n.notice.Clear()

	if u != nil {
		for name := range u.caps {
			if serverCaps[name] {
				c.notifyCap(name, true)
			}
		}
	}
	if u == nil && !n.connectEnabled {
		c.PutStatus("You are currently disconnected from IRC. Use 'connect' to reconnect.")
	}

	runHooks(b, n.user, n, &ClientEvent{Route: Route{Network: n, Client: c}}, pickClientAttached)
}

func (n *Network) replayServerBuffer(c *Client, buf *buffer.Buffer) {
	recipient := c.recipient()
	recipient.TimestampFormat = ""
	for _, line := range buf.Lines() {
		c.PutClient(line.Render(recipient, nil))
	}
}

// ClientDisconnected detaches c from the network.
func (n *Network) ClientDisconnected(c *Client) {
	for i, other := range n.clients {
		if other == c {
			n.clients = append(n.clients[:i], n.clients[i+1:]...)
			runHooks(n.user.b, n.user, n, &ClientEvent{Route: Route{Network: n, Client: c}}, pickClientDetached)
			return
		}
	}
}

// floodQueued reports the number of lines waiting in the flood queue.
func (n *Network) floodQueued() int {
	if n.link == nil {
		return 0
	}
	return n.link.flood.len()
}
