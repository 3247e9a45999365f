package bouncer

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/irc"
	"github.com/dalnet/rbounce/internal/metrics"
)

// Upstream is a network's one connection to an IRC server. A new one is
// made for every connection attempt.
type Upstream struct {
	net    *Network
	conn   lineSender
	server config.Server
	addr   string
	logger *slog.Logger

	handlers map[string]func(m *irc.Message) bool

	registered bool
	// nick is the last nick sent during registration, then the confirmed one.
	nick       string
	serverName string
	userModes  map[byte]bool
	away       bool

	support *isupport
	flood   *floodQueue

	capsAvailable map[string]string
	caps          map[string]bool
	pendingCaps   []string
	capPaused     int
	negotiating   bool
	tags          map[string]bool

	sasl *upstreamSASL
}

func newUpstream(n *Network, conn lineSender, server config.Server, addr string) *Upstream {
	u := &Upstream{
		net:           n,
		conn:          conn,
		server:        server,
		addr:          addr,
		logger:        n.logger.With("server", addr),
		userModes:     make(map[byte]bool),
		support:       newISupport(),
		flood:         newFloodQueue(n.cfg.Rate(), n.cfg.FloodBurst),
		capsAvailable: make(map[string]string),
		caps:          make(map[string]bool),
		tags:          make(map[string]bool),
	}
	u.registerHandlers()
	return u
}

func (u *Upstream) registerHandlers() {
	u.handlers = make(map[string]func(m *irc.Message) bool)

	u.handlers["PING"] = u.onPing
	u.handlers["PONG"] = func(*irc.Message) bool { return true }
	u.handlers["ERROR"] = u.onError
	u.handlers["CAP"] = u.onCap
	u.handlers["AUTHENTICATE"] = u.onAuthenticate

	u.handlers["JOIN"] = u.onJoin
	u.handlers["PART"] = u.onPart
	u.handlers["KICK"] = u.onKick
	u.handlers["QUIT"] = u.onQuit
	u.handlers["NICK"] = u.onNick
	u.handlers["MODE"] = u.onMode
	u.handlers["TOPIC"] = u.onTopic
	u.handlers["CHGHOST"] = u.onChghost
	u.handlers["PRIVMSG"] = u.onMessage
	u.handlers["NOTICE"] = u.onMessage

	// Registration and state numerics
	u.handlers[irc.RPL_WELCOME] = u.onWelcome
	for _, code := range []string{irc.RPL_YOURHOST, irc.RPL_CREATED, irc.RPL_MYINFO} {
		u.handlers[code] = u.onRawUpdate
	}
	for code := 250; code <= 266; code++ {
		u.handlers[strconv.Itoa(code)] = u.onRawUpdate
	}
	u.handlers[irc.RPL_ISUPPORT] = u.onISupport
	u.handlers[irc.RPL_MOTDSTART] = u.onMOTD
	u.handlers[irc.RPL_MOTD] = u.onMOTD
	u.handlers[irc.RPL_ENDOFMOTD] = u.onMOTD
	u.handlers[irc.ERR_NOMOTD] = u.onMOTD
	u.handlers[irc.RPL_UMODEIS] = u.onUserModeIs
	u.handlers[irc.RPL_UNAWAY] = u.onAwayState
	u.handlers[irc.RPL_NOWAWAY] = u.onAwayState

	// Channel numerics
	u.handlers[irc.RPL_CHANNELMODEIS] = u.onChannelModeIs
	u.handlers[irc.RPL_CREATIONTIME] = u.onChannelNumeric
	u.handlers[irc.RPL_NOTOPIC] = u.onNoTopic
	u.handlers[irc.RPL_TOPIC] = u.onTopicNumeric
	u.handlers[irc.RPL_TOPICWHOTIME] = u.onTopicWhoTime
	u.handlers[irc.RPL_NAMREPLY] = u.onNames
	u.handlers[irc.RPL_ENDOFNAMES] = u.onChannelNumeric

	// Nick collisions
	u.handlers[irc.ERR_ERRONEUSNICK] = u.onBadNick
	u.handlers[irc.ERR_NICKNAMEINUSE] = u.onBadNick
	u.handlers[irc.ERR_UNAVAILRESOURCE] = u.onBadNick

	// SASL
	u.handlers[irc.RPL_SASLSUCCESS] = u.onSASLSuccess
	u.handlers[irc.ERR_SASLALREADY] = u.onSASLSuccess
	u.handlers[irc.ERR_SASLFAIL] = u.onSASLFail
	u.handlers[irc.ERR_SASLTOOLONG] = u.onSASLFail
	u.handlers[irc.ERR_SASLABORTED] = u.onSASLFail
	u.handlers[irc.RPL_SASLMECHS] = func(*irc.Message) bool { return true }
}

// Nick returns the nick the server knows us by.
func (u *Upstream) Nick() string { return u.nick }

// IsRegistered reports whether 001 has been received.
func (u *Upstream) IsRegistered() bool { return u.registered }

// HasCap reports whether the server acknowledged a capability.
func (u *Upstream) HasCap(name string) bool { return u.caps[name] }

// register starts CAP negotiation and sends the login lines.
func (u *Upstream) register() {
	n := u.net
	u.negotiating = true
	u.PutIRC("CAP LS 302")
	if u.server.Password != "" {
		u.PutIRC("PASS :" + u.server.Password)
	}
	u.nick = n.ConfNick()
	u.PutIRC("NICK " + u.nick)
	u.PutIRC("USER " + n.Ident() + " 0 * :" + n.Realname())
}

// PutIRC sends a raw line through the flood queue.
func (u *Upstream) PutIRC(line string) {
	u.put(irc.ParseMessage(line), false)
}

// PutIRCMessage sends a message through the flood queue. Tags the server
// did not negotiate are stripped.
func (u *Upstream) PutIRCMessage(m *irc.Message) {
	u.put(m, false)
}

// PutIRCQuick sends a line ahead of anything waiting in the flood queue.
func (u *Upstream) PutIRCQuick(line string) {
	u.put(irc.ParseMessage(line), true)
}

func (u *Upstream) put(m *irc.Message, first bool) {
	if len(m.Tags) > 0 {
		m = m.Clone()
		for k := range m.Tags {
			if !u.tagSupported(k) {
				delete(m.Tags, k)
			}
		}
	}
	n := u.net
	b := n.user.b
	ev := &MessageEvent{Route: Route{Network: n}, Message: m}
	if runHooks(b, n.user, n, ev, pickSendToServer).Suppressed() {
		return
	}
	line := ev.Message.String()
	if first {
		u.flood.sendFirst(b.now(), line, u.write)
	} else {
		u.flood.send(b.now(), line, u.write)
	}
}

func (u *Upstream) write(line string) {
	u.logger.Debug("upstream ->", "line", line)
	u.net.user.b.metrics.UpstreamLines.WithLabelValues(metrics.Out).Inc()
	u.conn.SendLine(line)
}

// drainFlood sends queued lines the bucket allows at now.
func (u *Upstream) drainFlood(now time.Time) int {
	return u.flood.drain(now, u.write)
}

func (u *Upstream) tagSupported(key string) bool {
	if u.tags[key] {
		return true
	}
	return u.caps[irc.CapMessageTags] && strings.HasPrefix(key, "+")
}

// Quit sends QUIT past the flood queue and closes the socket.
func (u *Upstream) Quit(reason string) {
	if reason == "" {
		reason = "rbounce - https://github.com/dalnet/rbounce"
	}
	u.write("QUIT :" + reason)
	u.conn.Close()
}

// handleLine runs one received line through hooks, core state and out
// to clients.
func (u *Upstream) handleLine(line string) {
	n := u.net
	b := n.user.b
	u.logger.Debug("upstream <-", "line", line)
	b.metrics.UpstreamLines.WithLabelValues(metrics.In).Inc()

	ev := &MessageEvent{Route: Route{Network: n}, Message: irc.ParseMessage(line)}
	if runHooks(b, n.user, n, ev, pickUpstreamLine).Suppressed() {
		return
	}
	m := ev.Message
	if m.Command() == "" {
		return
	}
	if h, ok := u.handlers[strings.ToUpper(m.Command())]; ok && h(m) {
		return
	}
	n.PutUser(m, nil, nil)
}

func (u *Upstream) onPing(m *irc.Message) bool {
	u.PutIRCQuick("PONG " + m.ParamsFrom(0))
	return true
}

func (u *Upstream) onError(m *irc.Message) bool {
	u.net.PutStatus("Error from server: " + m.Param(0))
	return true
}

// rawFormat turns a registration numeric into a buffer format addressed
// to {target}.
func rawFormat(m *irc.Message) string {
	format := ":" + irc.EscapeNamed(m.Source.HostMask()) + " " + m.Command() + " {target}"
	if rest := m.ParamsFrom(1); rest != "" {
		format += " " + irc.EscapeNamed(rest)
	}
	return format
}

func (u *Upstream) onWelcome(m *irc.Message) bool {
	n := u.net
	u.registered = true
	u.negotiating = false
	if nick := m.Param(0); nick != "" {
		u.nick = nick
	}
	u.serverName = m.Source.Name
	n.raw.Clear()
	n.raw.AddLine(rawFormat(m), "", time.Time{}, nil)
	n.IRCConnected()
	return false
}

func (u *Upstream) onRawUpdate(m *irc.Message) bool {
	match := ":" + irc.EscapeNamed(m.Source.HostMask()) + " " + m.Command()
	u.net.raw.UpdateLine(match, rawFormat(m), "")
	return false
}

func (u *Upstream) onISupport(m *irc.Message) bool {
	params := m.Params()
	if len(params) > 2 {
		u.support.parse(params[1 : len(params)-1])
	} else if len(params) == 2 {
		u.support.parse(params[1:])
	}
	u.net.raw.UpdateExactLine(rawFormat(m), "")
	return false
}

func (u *Upstream) onMOTD(m *irc.Message) bool {
	n := u.net
	switch m.Command() {
	case irc.RPL_MOTDSTART, irc.ERR_NOMOTD:
		n.motd.Clear()
	}
	n.motd.AddLine(rawFormat(m), "", time.Time{}, nil)
	return false
}

func (u *Upstream) onUserModeIs(m *irc.Message) bool {
	u.userModes = make(map[byte]bool)
	u.applyUserModes(m.Param(1))
	return false
}

func (u *Upstream) applyUserModes(modes string) {
	add := true
	for i := 0; i < len(modes); i++ {
		switch c := modes[i]; c {
		case '+':
			add = true
		case '-':
			add = false
		default:
			if add {
				u.userModes[c] = true
			} else {
				delete(u.userModes, c)
			}
		}
	}
}

// UserModes returns the set user modes, sorted.
func (u *Upstream) UserModes() string {
	var modes []byte
	for c := byte('A'); c <= 'z'; c++ {
		if u.userModes[c] {
			modes = append(modes, c)
		}
	}
	return string(modes)
}

func (u *Upstream) onAwayState(m *irc.Message) bool {
	u.away = m.Command() == irc.RPL_NOWAWAY
	return false
}

// Channel state.

// chanFor returns the channel a numeric or command is about, or nil.
func (u *Upstream) chanFor(name string) *Channel {
	return u.net.FindChan(name)
}

func (u *Upstream) onChannelModeIs(m *irc.Message) bool {
	ch := u.chanFor(m.Param(1))
	if ch == nil {
		return false
	}
	params := m.Params()
	var args []string
	if len(params) > 3 {
		args = params[3:]
	}
	ch.SetModes(u.support, m.Param(2), args, u.nick)
	return ch.detached
}

// onChannelNumeric hides channel numerics from clients while the channel
// is detached.
func (u *Upstream) onChannelNumeric(m *irc.Message) bool {
	ch := u.chanFor(m.Param(1))
	return ch != nil && ch.detached
}

func (u *Upstream) onNoTopic(m *irc.Message) bool {
	ch := u.chanFor(m.Param(1))
	if ch == nil {
		return false
	}
	ch.SetTopic("", "", time.Time{})
	return ch.detached
}

func (u *Upstream) onTopicNumeric(m *irc.Message) bool {
	ch := u.chanFor(m.Param(1))
	if ch == nil {
		return false
	}
	ch.topic = m.Param(2)
	return ch.detached
}

func (u *Upstream) onTopicWhoTime(m *irc.Message) bool {
	ch := u.chanFor(m.Param(1))
	if ch == nil {
		return false
	}
	ch.topicOwner = m.Param(2)
	if ts, err := strconv.ParseInt(m.Param(3), 10, 64); err == nil {
		ch.topicDate = time.Unix(ts, 0)
	}
	return ch.detached
}

func (u *Upstream) onNames(m *irc.Message) bool {
	ch := u.chanFor(m.Param(2))
	if ch == nil {
		return false
	}
	for _, token := range strings.Fields(m.Param(3)) {
		ch.AddNick(token, u.support.perms)
	}
	return ch.detached
}

func (u *Upstream) onJoin(m *irc.Message) bool {
	n := u.net
	name := m.AsJoin().Target()
	if m.Source.Equals(u.nick) {
		ch := n.FindChan(name)
		if ch == nil {
			ch = n.AddChan(name, false)
		}
		ch.disabled = false
		ch.joinTries = 0
		ch.on = true
		if m.Source.Host != "" {
			n.ircNick = m.Source
		}
		u.PutIRC("MODE " + name)
	}
	ch := n.FindChan(name)
	if ch == nil {
		return false
	}
	ch.AddNick(m.Source.HostMask(), "")
	return ch.detached
}

func (u *Upstream) onPart(m *irc.Message) bool {
	n := u.net
	ch := n.FindChan(m.AsPart().Target())
	if ch == nil {
		return false
	}
	ch.RemNick(m.Source.Name)
	detached := ch.detached
	if m.Source.Equals(u.nick) {
		n.DelChan(ch.name)
	}
	return detached
}

func (u *Upstream) onKick(m *irc.Message) bool {
	kick := m.AsKick()
	ch := u.chanFor(kick.Target())
	if ch == nil {
		return false
	}
	ch.RemNick(kick.KickedNick())
	if strings.EqualFold(kick.KickedNick(), u.nick) {
		ch.Reset()
		// A kick is not a reason to rejoin on the next join pass.
		ch.disabled = true
	}
	return ch.detached
}

// onQuit forwards a QUIT only to clients that can see the nick in an
// attached channel.
func (u *Upstream) onQuit(m *irc.Message) bool {
	n := u.net
	if m.Source.Equals(u.nick) {
		n.PutStatus("You quit: " + m.AsQuit().Reason())
		return true
	}
	visible := false
	for _, ch := range n.chans {
		if ch.RemNick(m.Source.Name) && !ch.detached {
			visible = true
		}
	}
	return !visible
}

func (u *Upstream) onNick(m *irc.Message) bool {
	n := u.net
	oldNick := m.Source.Name
	newNick := m.AsNick().NewNick()
	visible := false
	for _, ch := range n.chans {
		if ch.ChangeNick(oldNick, newNick) && !ch.detached {
			visible = true
		}
	}
	if m.Source.Equals(u.nick) {
		u.nick = newNick
		n.ircNick.Name = newNick
		for _, c := range n.clients {
			c.nick = newNick
		}
		visible = true
	}
	return !visible
}

func (u *Upstream) onMode(m *irc.Message) bool {
	mode := m.AsMode()
	target := mode.Target()
	if u.support.isChan(target) {
		ch := u.chanFor(target)
		if ch == nil {
			return false
		}
		params := m.Params()
		var args []string
		if len(params) > 2 {
			args = params[2:]
		}
		ch.ModeChange(u.support, m.Param(1), args, u.nick)
		return ch.detached
	}
	if strings.EqualFold(target, u.nick) {
		u.applyUserModes(m.Param(1))
	}
	return false
}

func (u *Upstream) onTopic(m *irc.Message) bool {
	topic := m.AsTopic()
	ch := u.chanFor(topic.Target())
	if ch == nil {
		return false
	}
	ch.SetTopic(topic.Topic(), m.Source.Name, u.net.user.b.now())
	return ch.detached
}

func (u *Upstream) onChghost(m *irc.Message) bool {
	n := u.net
	for _, ch := range n.chans {
		if nick := ch.FindNick(m.Source.Name); nick != nil {
			nick.Ident = m.Param(0)
			nick.Host = m.Param(1)
		}
	}
	if m.Source.Equals(u.nick) {
		n.ircNick.Ident = m.Param(0)
		n.ircNick.Host = m.Param(1)
	}
	return false
}

// onMessage buffers PRIVMSG and NOTICE traffic per the buffering policy.
func (u *Upstream) onMessage(m *irc.Message) bool {
	n := u.net
	target := m.Param(0)

	if m.Type() == irc.TypeCTCP && !m.AsCTCP().IsReply() && !u.support.isChan(target) && !n.IsUserAttached() {
		u.replyCTCP(m)
		return true
	}

	if u.support.isChan(target) {
		ch := n.FindChan(target)
		if ch == nil {
			return false
		}
		if ch.detached || !n.IsUserAttached() || !ch.autoClear {
			format, text := bufferFormat(m, irc.EscapeNamed(ch.name))
			ch.buffer.AddLine(format, text, m.Time, bufferTags(m))
		}
		return ch.detached
	}

	if n.IsUserAttached() {
		if m.Type() == irc.TypeText || m.Type() == irc.TypeAction {
			if !n.user.cfg.QueryAutoClear() {
				n.addQueryLine(m)
			}
		}
		return false
	}
	switch m.Type() {
	case irc.TypeText, irc.TypeAction:
		n.addQueryLine(m)
	case irc.TypeNotice, irc.TypeCTCP:
		format, text := bufferFormat(m, "{target}")
		n.notice.AddLine(format, text, m.Time, bufferTags(m))
	}
	return false
}

// replyCTCP answers CTCP requests while nobody is attached to do it.
func (u *Upstream) replyCTCP(m *irc.Message) {
	query, arg, _ := strings.Cut(m.AsCTCP().Text(), " ")
	var reply string
	switch strings.ToUpper(query) {
	case "VERSION":
		reply = "VERSION rbounce " + Version
	case "PING":
		reply = "PING " + arg
	default:
		return
	}
	u.PutIRC("NOTICE " + m.Source.Name + " :\x01" + reply + "\x01")
}

// bufferFormat returns a PRIVMSG or NOTICE as a buffer format with the
// message text split out as {text}.
func bufferFormat(m *irc.Message, target string) (format, text string) {
	text = m.Param(1)
	body := "{text}"
	switch m.Type() {
	case irc.TypeAction:
		text = m.AsAction().Text()
		body = "\x01ACTION {text}\x01"
	case irc.TypeCTCP:
		// A timestamp prefix goes after the CTCP command so the
		// framing survives.
		command, arg, found := strings.Cut(m.AsCTCP().Text(), " ")
		text = arg
		body = "\x01" + irc.EscapeNamed(command) + " {text}\x01"
		if !found {
			body = "\x01" + irc.EscapeNamed(command) + "\x01"
		}
	}
	format = ":" + irc.EscapeNamed(m.Source.HostMask()) + " " + m.Command() + " " + target + " :" + body
	return format, text
}

// bufferTags keeps the tags worth replaying. time and batch are
// regenerated on replay.
func bufferTags(m *irc.Message) map[string]string {
	var tags map[string]string
	for k, v := range m.Tags {
		if k == "time" || k == "batch" {
			continue
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[k] = v
	}
	return tags
}

// Nick collisions.

func (u *Upstream) onBadNick(m *irc.Message) bool {
	if u.registered {
		return false
	}
	bad := m.Param(1)
	if m.Command() == irc.ERR_UNAVAILRESOURCE && u.support.isChan(bad) {
		return false
	}
	u.sendAltNick(bad)
	return true
}

// sendAltNick picks the next nick after the server refused one: the
// configured nick, the alternate, then the configured nick cut short and
// suffixed with '-', '|', '^' and letters from 'a'.
func (u *Upstream) sendAltNick(bad string) {
	n := u.net
	last := u.nick
	// A shorter echo than what we sent means the server truncated it.
	if len(bad) < len(last) {
		u.support.maxNickLen = len(bad)
	}
	maxLen := u.support.maxNickLen

	conf := n.ConfNick()
	alt := n.AltNick()
	base := conf
	if maxLen > 0 && len(base) > maxLen-1 {
		base = base[:maxLen-1]
	}

	var next string
	switch {
	case strings.EqualFold(last, conf):
		if alt != "" && !strings.EqualFold(alt, conf) {
			next = alt
		} else {
			next = base + "-"
		}
	case strings.EqualFold(last, alt) && !strings.EqualFold(alt, base+"-"):
		next = base + "-"
	case strings.EqualFold(last, base+"-") && !strings.EqualFold(alt, base+"|"):
		next = base + "|"
	case strings.EqualFold(last, base+"|") && !strings.EqualFold(alt, base+"^"):
		next = base + "^"
	case strings.EqualFold(last, base+"^") && !strings.EqualFold(alt, base+"a"):
		next = base + "a"
	default:
		if bad == "" {
			n.PutStatus("No free nick available")
			u.Quit("")
			return
		}
		letter := bad[len(bad)-1]
		if letter < 'a' || letter >= 'z' {
			n.PutStatus("No free nick found")
			u.Quit("")
			return
		}
		letter++
		next = base + string(letter)
		if strings.EqualFold(next, alt) {
			if letter == 'z' {
				n.PutStatus("No free nick found")
				u.Quit("")
				return
			}
			letter++
			next = base + string(letter)
		}
	}
	u.nick = next
	u.PutIRC("NICK " + next)
}
