package bouncer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dalnet/rbounce/internal/buffer"
	"github.com/dalnet/rbounce/internal/irc"
	"github.com/dalnet/rbounce/internal/metrics"
	"github.com/dalnet/rbounce/internal/resolver"
	"github.com/ergochat/irc-go/ircutils"
	"github.com/google/uuid"
)

// maxReasonLen bounds PART and QUIT reasons passed upstream.
const maxReasonLen = 390

// Client is one downstream connection. Before login it only speaks the
// registration subset; afterwards it is bound to a user and, usually, one
// of the user's networks.
type Client struct {
	b      *Bouncer
	conn   lineSender
	addr   string
	ip     string
	id     string
	logger *slog.Logger

	nick        string
	pass        string
	username    string
	identifier  string
	networkName string

	user *User
	net  *Network

	authed  bool
	authing bool
	authJob *resolver.Job
	gone    bool

	gotNick bool
	gotUser bool
	gotPass bool

	inCap      bool
	capVersion int
	caps       map[string]bool
	// tags are the message tags registered for this client beyond
	// time and batch.
	tags map[string]bool

	sasl clientSASL
}

func newClient(b *Bouncer, conn lineSender, addr, ip string) *Client {
	id := uuid.NewString()
	return &Client{
		b:      b,
		conn:   conn,
		addr:   addr,
		ip:     ip,
		id:     id,
		logger: b.logger.With("client", addr, "id", id),
		nick:   "*",
		caps:   make(map[string]bool),
		tags:   make(map[string]bool),
		sasl:   newClientSASL(),
	}
}

func (c *Client) Nick() string       { return c.nick }
func (c *Client) ID() string         { return c.id }
func (c *Client) Addr() string       { return c.addr }
func (c *Client) User() *User        { return c.user }
func (c *Client) Network() *Network  { return c.net }
func (c *Client) Identifier() string { return c.identifier }
func (c *Client) IsAuthed() bool     { return c.authed }

// HasCap reports whether the client enabled a capability.
func (c *Client) HasCap(name string) bool { return c.caps[name] }

func (c *Client) recipient() buffer.Recipient {
	if c.user == nil {
		return buffer.Recipient{Nick: c.nick, ServerTime: c.HasCap(irc.CapServerTime)}
	}
	return c.user.recipient(c.nick, c.HasCap(irc.CapServerTime))
}

// ParseUser splits "user[@identifier][/network]". An identifier that is
// not a valid name stays part of the username.
func ParseUser(login string) (user, identifier, network string) {
	if i := strings.LastIndexByte(login, '/'); i >= 0 {
		network = login[i+1:]
		login = login[:i]
	}
	if i := strings.LastIndexByte(login, '@'); i >= 0 && validIdentifier(login[i+1:]) {
		return login[:i], login[i+1:], network
	}
	return login, "", network
}

// ParsePass splits "[user[@identifier][/network]:]password". hasUser is
// false when only a password was given.
func ParsePass(line string) (password, user, identifier, network string, hasUser bool) {
	login, password, found := strings.Cut(line, ":")
	if !found {
		return line, "", "", "", false
	}
	user, identifier, network = ParseUser(login)
	return password, user, identifier, network, true
}

func validIdentifier(id string) bool {
	if id == "" {
		return false
	}
	for i, r := range id {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		switch {
		case alpha:
		case i > 0 && ((r >= '0' && r <= '9') || r == '-' || r == '_'):
		default:
			return false
		}
	}
	return true
}

// handleLine processes one line from the socket.
func (c *Client) handleLine(line string) {
	if c.gone {
		return
	}
	c.logger.Debug("client <-", "line", line)
	c.b.metrics.ClientLines.WithLabelValues(metrics.In).Inc()
	m := irc.ParseMessage(line)
	if m.Command() == "" {
		return
	}
	if !c.authed {
		c.handlePreAuth(m)
		return
	}
	c.handle(m)
}

// Registration.

func (c *Client) handlePreAuth(m *irc.Message) {
	switch strings.ToUpper(m.Command()) {
	case "CAP":
		c.handleCap(m)
	case "PASS":
		c.gotPass = true
		pass, user, identifier, network, hasUser := ParsePass(m.Param(0))
		c.pass = pass
		if hasUser {
			c.username, c.identifier, c.networkName = user, identifier, network
		}
	case "NICK":
		if nick := m.Param(0); nick != "" {
			c.nick = nick
			c.gotNick = true
		}
	case "USER":
		if c.gotUser {
			return
		}
		c.gotUser = true
		if c.username == "" {
			c.username, c.identifier, c.networkName = ParseUser(m.Param(0))
		}
		if !c.gotPass && !c.inCap && c.sasl.user == nil {
			c.sendRequiredPasswordNotice()
		}
	case "AUTHENTICATE":
		c.handleAuthenticate(m)
	case "PING":
		c.PutClientRaw(":" + statusServer + " PONG " + statusServer + " :" + m.Param(0))
	case "QUIT":
		c.Close()
		return
	}
	c.maybeAuth()
}

func (c *Client) sendRequiredPasswordNotice() {
	c.PutClientRaw(":" + statusServer + " " + irc.ERR_PASSWDMISMATCH + " " + c.nick + " :Password required")
	c.PutClientRaw(":" + statusServer + " NOTICE " + c.nick + " :*** You need to send your password. Configure your client to send a server password.")
	c.PutClientRaw(":" + statusServer + " NOTICE " + c.nick + " :*** To connect now, you can use /quote PASS <username>:<password>, or /quote PASS <username>/<network>:<password> to connect to a specific network.")
}

// maybeAuth starts the login once NICK, USER and a password or SASL
// success are in and CAP negotiation is over.
func (c *Client) maybeAuth() {
	if c.gone || c.authed || c.authing || c.inCap || !c.gotNick || !c.gotUser {
		return
	}
	if c.sasl.user != nil {
		c.loginUser(c.sasl.user)
		return
	}
	if !c.gotPass {
		return
	}
	c.checkPassword(c.username, c.pass, c.authFinished)
}

// checkPassword runs the bcrypt comparison on the worker pool and calls
// done from the reactor.
func (c *Client) checkPassword(username, password string, done func(u *User, ok bool)) {
	user := c.b.FindUser(username)
	job, err := c.b.pool.Submit(func(context.Context) error {
		if user == nil || !user.cfg.CheckPassword(password) {
			return ErrAuthFailed
		}
		return nil
	}, func(j *resolver.Job) {
		c.authJob = nil
		c.authing = false
		done(user, j.Err() == nil)
	})
	if err != nil {
		c.logger.Warn("password check failed", "error", err)
		done(user, false)
		return
	}
	c.authing = true
	c.authJob = job
}

func (c *Client) authFinished(user *User, ok bool) {
	if c.gone {
		return
	}
	if !ok {
		c.logger.Info("login failed", "username", c.username)
		c.PutStatus("Bad username and/or password.")
		c.PutClientRaw(":" + statusServer + " " + irc.ERR_PASSWDMISMATCH + " " + c.nick + " :Invalid Password")
		c.Close()
		return
	}
	c.loginUser(user)
}

// loginUser binds the client to user and picks its network.
func (c *Client) loginUser(user *User) {
	b := c.b
	c.authed = true
	c.user = user
	c.pass = ""
	c.logger = c.logger.With("user", user.name)
	b.anonDisconnected(c.ip)

	if !user.cfg.MultiClientsOn() {
		for _, other := range append([]*Client(nil), user.clients...) {
			other.PutStatusNotice("Another client authenticated as your user. Use the 'ListClients' command to see all clients")
			other.Close()
		}
	}
	user.addClient(c)
	b.metrics.ClientsConnected.Inc()
	c.logger.Info("client logged in")

	var n *Network
	if c.networkName != "" {
		if n = user.FindNetwork(c.networkName); n == nil {
			c.PutStatus("Network " + c.networkName + " doesn't exist.")
		}
	} else if n = user.defaultNetwork(); n != nil && len(user.networks) > 1 {
		c.PutStatusNotice("You have several networks configured, but no network was specified for the connection.")
		c.PutStatusNotice("Selecting network " + n.name + ". To see list of all configured networks, use /msg *status ListNetworks")
		c.PutStatusNotice("If you want to choose another network, use /msg *status JumpNetwork <network>, or connect with username " + user.name + "/<network> (instead of just " + user.name + ")")
	}
	c.setNetwork(n)
}

// setNetwork moves the client to n, parting it from the channels of the
// network it was on.
func (c *Client) setNetwork(n *Network) {
	if old := c.net; old != nil {
		nick := old.IRCNick()
		for _, ch := range old.chans {
			if ch.on && !ch.detached {
				c.PutClientRaw(":" + nick.NickMask() + " PART " + ch.name)
			}
		}
		old.ClientDisconnected(c)
		if old.link != nil {
			for name := range old.link.caps {
				if serverCaps[name] {
					c.notifyCap(name, false)
				}
			}
		}
	}
	c.net = n
	if n == nil {
		c.PutClientRaw(":" + statusServer + " 001 " + c.nick + " :Welcome to rbounce")
		c.PutStatus("You have no network selected. Use /msg *status JumpNetwork <network> to pick one.")
		return
	}
	n.ClientConnected(c)
}

// Close disconnects the client. It is safe to call more than once.
func (c *Client) Close() {
	c.conn.Close()
	c.disconnected()
}

// disconnected releases everything the client holds.
func (c *Client) disconnected() {
	if c.gone {
		return
	}
	c.gone = true
	b := c.b
	if c.authJob != nil {
		c.authJob.Cancel()
		c.authJob = nil
	}
	if c.authed {
		if c.net != nil {
			c.net.ClientDisconnected(c)
		}
		c.user.removeClient(c)
		b.metrics.ClientsConnected.Dec()
	} else {
		b.anonDisconnected(c.ip)
	}
	b.removeClient(c)
	c.logger.Info("client disconnected")
}

// Post-login commands.

func (c *Client) handle(m *irc.Message) {
	n := c.net
	ev := &MessageEvent{Route: Route{Network: n, Client: c}, Message: m}
	if runHooks(c.b, c.user, n, ev, pickClientLine).Suppressed() {
		return
	}
	m = ev.Message
	m.Source = irc.Nick{}

	switch strings.ToUpper(m.Command()) {
	case "PING":
		c.PutClientRaw(":" + statusServer + " PONG " + statusServer + " :" + m.Param(0))
		return
	case "PONG", "PASS", "USER", "AUTHENTICATE":
		return
	case "QUIT":
		c.Close()
		return
	case "CAP":
		c.handleCap(m)
		return
	case "JOIN":
		c.onJoin(m)
		return
	case "PART":
		c.onPart(m)
		return
	case "PRIVMSG", "NOTICE":
		c.onMessage(m)
		return
	}
	c.putIRC(m)
}

// putIRC forwards m upstream and reports whether there was a link.
func (c *Client) putIRC(m *irc.Message) bool {
	if c.net == nil || c.net.link == nil {
		return false
	}
	c.net.link.PutIRCMessage(m)
	return true
}

func (c *Client) onJoin(m *irc.Message) {
	n := c.net
	if n == nil {
		return
	}
	join := m.AsJoin()
	names := strings.Split(join.Target(), ",")
	keys := strings.Split(join.Key(), ",")

	var forward []*Channel
	for i, name := range names {
		if name == "" {
			continue
		}
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		ch := n.FindChan(name)
		if ch != nil && ch.on && ch.detached {
			ch.AttachUser(n, nil)
			continue
		}
		if ch == nil {
			ch = n.AddChan(name, false)
		}
		if key != "" {
			ch.key = key
		}
		ch.detached = false
		ch.disabled = false
		forward = append(forward, ch)
	}
	if len(forward) > 0 {
		n.PutIRC(joinLine(forward))
	}
}

func (c *Client) onPart(m *irc.Message) {
	n := c.net
	if n == nil {
		return
	}
	part := m.AsPart()
	var forward []string
	for _, name := range strings.Split(part.Target(), ",") {
		if name == "" {
			continue
		}
		if ch := n.FindChan(name); ch != nil && !ch.on {
			c.PutStatusNotice("Removing channel " + ch.name)
			n.DelChan(ch.name)
			continue
		}
		forward = append(forward, name)
	}
	if len(forward) == 0 {
		return
	}
	line := "PART " + strings.Join(forward, ",")
	if reason := part.Reason(); reason != "" {
		line += " :" + ircutils.TruncateUTF8Safe(reason, maxReasonLen)
	}
	n.PutIRC(line)
}

// onMessage relays PRIVMSG and NOTICE upstream and mirrors it to the
// user's other sessions.
func (c *Client) onMessage(m *irc.Message) {
	n := c.net
	target := m.Param(0)
	if strings.EqualFold(target, "*status") {
		if strings.EqualFold(m.Command(), "PRIVMSG") {
			c.handleStatusCommand(m.Param(1))
		}
		return
	}
	if n == nil || n.link == nil {
		if strings.EqualFold(m.Command(), "PRIVMSG") {
			c.PutStatus("Your message to " + target + " got lost, you are not connected to IRC!")
		}
		return
	}
	n.link.PutIRCMessage(m)

	echo := m.Clone()
	echo.Source = n.IRCNick()
	echo.Time = c.b.now()
	if c.HasCap(irc.CapEchoMessage) {
		c.PutClient(echo)
	}
	channel := n.isupport().isChan(target)
	for _, other := range n.clients {
		if other == c {
			continue
		}
		if channel || other.HasCap(irc.CapSelfMessage) {
			other.PutClient(echo)
		}
	}

	switch m.Type() {
	case irc.TypeText, irc.TypeAction, irc.TypeNotice:
		n.addOwnLine(m)
	}
}

// Output.

// allowed reports whether m may reach this client at all given its
// capabilities.
func (c *Client) allowed(m *irc.Message) bool {
	switch m.Type() {
	case irc.TypeAccount:
		return c.HasCap(irc.CapAccountNotify)
	case irc.TypeAway:
		return c.HasCap(irc.CapAwayNotify)
	case irc.TypeInvite:
		return c.HasCap(irc.CapInviteNotify) || strings.EqualFold(m.AsInvite().InvitedNick(), c.nick)
	}
	switch strings.ToUpper(m.Command()) {
	case "TAGMSG":
		return c.HasCap(irc.CapMessageTags)
	case "CHGHOST":
		return c.HasCap(irc.CapChghost)
	case "BATCH":
		return c.HasCap(irc.CapBatch)
	}
	return true
}

func (c *Client) tagAllowed(key string) bool {
	switch key {
	case "time":
		return c.HasCap(irc.CapServerTime)
	case "batch":
		return c.HasCap(irc.CapBatch)
	}
	return c.tags[key]
}

// SetTagSupport registers or withdraws a message tag this client
// receives. Unregistered tags other than time and batch are stripped.
func (c *Client) SetTagSupport(tag string, on bool) {
	if on {
		c.tags[tag] = true
	} else {
		delete(c.tags, tag)
	}
}

// PutClient sends m to this client after capability filtering. It
// reports whether the message was sent.
func (c *Client) PutClient(m *irc.Message) bool {
	if c.gone || !c.allowed(m) {
		return false
	}
	m = m.Clone()
	for k := range m.Tags {
		if !c.tagAllowed(k) {
			delete(m.Tags, k)
		}
	}
	if c.HasCap(irc.CapServerTime) && m.Tag("time") == "" {
		ts := m.Time
		if ts.IsZero() {
			ts = c.b.now()
		}
		m.SetTag("time", irc.FormatServerTime(ts))
	}

	switch strings.ToUpper(m.Command()) {
	case "JOIN":
		if !c.HasCap(irc.CapExtendedJoin) && len(m.Params()) > 1 {
			m.SetParams(m.Params()[:1])
		}
	case irc.RPL_NAMREPLY:
		c.fixNames(m)
	}

	ev := &MessageEvent{Route: Route{Network: c.net, Client: c}, Message: m}
	if runHooks(c.b, c.user, c.net, ev, pickSendToClient).Suppressed() {
		return false
	}
	c.writeLine(ev.Message.String())
	return true
}

// PutClientRaw parses line and sends it through PutClient.
func (c *Client) PutClientRaw(line string) {
	c.PutClient(irc.ParseMessage(line))
}

func (c *Client) writeLine(line string) {
	c.logger.Debug("client ->", "line", line)
	c.b.metrics.ClientLines.WithLabelValues(metrics.Out).Inc()
	c.conn.SendLine(line)
}

// fixNames strips NAMES decorations the client did not ask for.
func (c *Client) fixNames(m *irc.Message) {
	multi := c.HasCap(irc.CapMultiPrefix)
	uhnames := c.HasCap(irc.CapUserhostInNames)
	if multi && uhnames {
		return
	}
	perms := irc.DefaultPermissions
	if c.net != nil {
		perms = c.net.isupport().perms
	}
	tokens := strings.Fields(m.Param(3))
	for i, tok := range tokens {
		j := 0
		for j < len(tok) && strings.IndexByte(perms, tok[j]) >= 0 {
			j++
		}
		prefix, rest := tok[:j], tok[j:]
		if !multi && len(prefix) > 1 {
			prefix = prefix[:1]
		}
		if !uhnames {
			if k := strings.IndexByte(rest, '!'); k >= 0 {
				rest = rest[:k]
			}
		}
		tokens[i] = prefix + rest
	}
	m.SetParam(3, strings.Join(tokens, " "))
}

// PutModule sends text from the *module pseudo-user.
func (c *Client) PutModule(module, text string) {
	c.PutClientRaw(":*" + module + "!znc@znc.in PRIVMSG " + c.nick + " :" + text)
}

func (c *Client) PutStatus(text string) {
	c.PutModule("status", text)
}

func (c *Client) PutStatusNotice(text string) {
	c.PutClientRaw(":*status!znc@znc.in NOTICE " + c.nick + " :" + text)
}
