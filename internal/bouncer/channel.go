package bouncer

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/rbounce/internal/buffer"
	"github.com/dalnet/rbounce/internal/irc"
)

// namesLineLimit is where a synthetic NAMES reply is wrapped.
const namesLineLimit = 490

// Channel is one channel of a network: roster, modes, topic and the
// buffer replayed to clients on attach.
type Channel struct {
	name string
	key  string

	topic      string
	topicOwner string
	topicDate  time.Time

	// modes maps a mode letter to its argument; NoArg modes map to "".
	modes map[byte]string
	// nicks is keyed by the nick exactly as the server sent it.
	nicks map[string]*irc.Nick
	// self holds the bouncer's own permissions in the channel.
	self irc.Nick

	on        bool
	modeKnown bool
	detached  bool
	disabled  bool
	inConfig  bool
	joinTries int
	autoClear bool

	buffer *buffer.Buffer
}

func newChannel(name string, buf *buffer.Buffer, autoClear bool) *Channel {
	return &Channel{
		name:      name,
		modes:     make(map[byte]string),
		nicks:     make(map[string]*irc.Nick),
		autoClear: autoClear,
		buffer:    buf,
	}
}

func (ch *Channel) Name() string           { return ch.name }
func (ch *Channel) Key() string            { return ch.key }
func (ch *Channel) Topic() string          { return ch.topic }
func (ch *Channel) IsOn() bool             { return ch.on }
func (ch *Channel) IsDetached() bool       { return ch.detached }
func (ch *Channel) IsDisabled() bool       { return ch.disabled }
func (ch *Channel) ModeKnown() bool        { return ch.modeKnown }
func (ch *Channel) JoinTries() int         { return ch.joinTries }
func (ch *Channel) Buffer() *buffer.Buffer { return ch.buffer }

// SetKey replaces the stored join key.
func (ch *Channel) SetKey(key string) { ch.key = key }

// Reset returns the channel to the off state, keeping its buffer and
// configuration.
func (ch *Channel) Reset() {
	ch.on = false
	ch.modeKnown = false
	ch.modes = make(map[byte]string)
	ch.topic = ""
	ch.topicOwner = ""
	ch.topicDate = time.Time{}
	ch.self.ResetPerms()
	ch.nicks = make(map[string]*irc.Nick)
	ch.joinTries = 0
}

// Nick roster. Lookups are case-sensitive.

// AddNick adds or updates a roster entry from a NAMES token or JOIN
// source. Leading permission characters in perms order are stripped and
// recorded.
func (ch *Channel) AddNick(token, perms string) *irc.Nick {
	var held []byte
	for token != "" && strings.IndexByte(perms, token[0]) >= 0 {
		held = append(held, token[0])
		token = token[1:]
	}
	parsed := irc.ParseNick(token)
	if parsed.Name == "" {
		return nil
	}
	nick, ok := ch.nicks[parsed.Name]
	if !ok {
		nick = &parsed
		ch.nicks[parsed.Name] = nick
	} else {
		if parsed.Ident != "" {
			nick.Ident = parsed.Ident
		}
		if parsed.Host != "" {
			nick.Host = parsed.Host
		}
	}
	for _, p := range held {
		nick.AddPerm(p)
	}
	return nick
}

// RemNick drops a nick and reports whether it was present.
func (ch *Channel) RemNick(name string) bool {
	if _, ok := ch.nicks[name]; !ok {
		return false
	}
	delete(ch.nicks, name)
	return true
}

// ChangeNick renames a roster entry, keeping its permissions.
func (ch *Channel) ChangeNick(oldName, newName string) bool {
	nick, ok := ch.nicks[oldName]
	if !ok {
		return false
	}
	delete(ch.nicks, oldName)
	nick.Name = newName
	ch.nicks[newName] = nick
	return true
}

// FindNick returns the roster entry for name, or nil.
func (ch *Channel) FindNick(name string) *irc.Nick {
	return ch.nicks[name]
}

// NickCount returns the roster size.
func (ch *Channel) NickCount() int { return len(ch.nicks) }

func (ch *Channel) sortedNicks() []*irc.Nick {
	names := make([]string, 0, len(ch.nicks))
	for name := range ch.nicks {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*irc.Nick, len(names))
	for i, name := range names {
		out[i] = ch.nicks[name]
	}
	return out
}

// Modes.

// ModeDelta is one applied mode letter.
type ModeDelta struct {
	Add  bool
	Mode byte
	Arg  string
	// NoChange is set when the channel already was in the resulting state.
	NoChange bool
}

// SetModes replaces the mode table with the result of a mode burst.
func (ch *Channel) SetModes(s *isupport, modes string, args []string, self string) {
	ch.modes = make(map[byte]string)
	ch.ModeChange(s, modes, args, self)
	ch.modeKnown = true
}

// ModeChange applies a mode string with its arguments. Permission modes
// update the roster and, when they target self, the channel's own
// permissions. Missing arguments are treated as empty.
func (ch *Channel) ModeChange(s *isupport, modes string, args []string, self string) []ModeDelta {
	var deltas []ModeDelta
	add := true
	next := func() string {
		if len(args) == 0 {
			return ""
		}
		arg := args[0]
		args = args[1:]
		return arg
	}

	for i := 0; i < len(modes); i++ {
		mode := modes[i]
		switch mode {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}

		if perm := s.permForMode(mode); perm != 0 {
			arg := next()
			d := ModeDelta{Add: add, Mode: mode, Arg: arg}
			if nick := ch.nicks[arg]; nick != nil {
				if add {
					d.NoChange = !nick.AddPerm(perm)
				} else {
					d.NoChange = !nick.RemPerm(perm)
				}
			}
			if strings.EqualFold(arg, self) {
				if add {
					ch.self.AddPerm(perm)
				} else {
					ch.self.RemPerm(perm)
				}
			}
			deltas = append(deltas, d)
			continue
		}

		d := ModeDelta{Add: add, Mode: mode}
		kind := s.modeArg(mode)
		switch kind {
		case ListArg, HasArg:
			d.Arg = next()
		case ArgWhenSet:
			if add {
				d.Arg = next()
			}
		}

		if kind != ListArg {
			old, had := ch.modes[mode]
			if add {
				d.NoChange = had && old == d.Arg
				ch.modes[mode] = d.Arg
			} else {
				d.NoChange = !had
				delete(ch.modes, mode)
			}
		}

		// Some networks show a set key as "*".
		if mode == 'k' && add && !d.NoChange && d.Arg != "*" {
			ch.key = d.Arg
		}
		deltas = append(deltas, d)
	}
	return deltas
}

// HasMode reports whether a mode is set.
func (ch *Channel) HasMode(mode byte) bool {
	_, ok := ch.modes[mode]
	return ok
}

// ModeArg returns the stored argument of a mode.
func (ch *Channel) ModeArg(mode byte) string {
	return ch.modes[mode]
}

// ModeString renders the mode table as "+klnt key 10", letters sorted.
// It is empty when no modes are set.
func (ch *Channel) ModeString() string {
	if len(ch.modes) == 0 {
		return ""
	}
	letters := make([]byte, 0, len(ch.modes))
	for m := range ch.modes {
		letters = append(letters, m)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })

	var sb strings.Builder
	sb.WriteByte('+')
	sb.Write(letters)
	for _, m := range letters {
		if arg := ch.modes[m]; arg != "" {
			sb.WriteByte(' ')
			sb.WriteString(arg)
		}
	}
	return sb.String()
}

// namesSymbol is the 353 channel-type symbol.
func (ch *Channel) namesSymbol() string {
	switch {
	case ch.HasMode('s'):
		return "@"
	case ch.HasMode('p'):
		return "*"
	}
	return "="
}

// Topic handling.

func (ch *Channel) SetTopic(topic, owner string, date time.Time) {
	ch.topic = topic
	ch.topicOwner = owner
	ch.topicDate = date
}

// Client attachment.

// JoinUser handles a client asking to join. It asks the server unless the
// channel is joined and only detached, in which case the client attaches.
func (ch *Channel) JoinUser(n *Network, key string) {
	if key != "" {
		ch.key = key
	}
	if !ch.on || !ch.detached {
		n.PutIRC(joinLine([]*Channel{ch}))
		ch.detached = false
		return
	}
	ch.AttachUser(n, nil)
}

// AttachUser replays the channel to c, or to every client of n when c is
// nil: JOIN, topic, NAMES built from the roster, then the buffer. The
// channel is no longer detached afterwards.
func (ch *Channel) AttachUser(n *Network, c *Client) {
	for _, target := range ch.clientsFor(n, c) {
		ch.sendJoin(n, target)
		playBuffer(n, target, ch, ch.name, ch.buffer, true)
	}
	ch.detached = false
	if ch.autoClear {
		ch.buffer.Clear()
	}
}

func (ch *Channel) clientsFor(n *Network, c *Client) []*Client {
	if c != nil {
		return []*Client{c}
	}
	return append([]*Client(nil), n.clients...)
}

// sendJoin synthesizes the JOIN, topic and NAMES lines for one client.
func (ch *Channel) sendJoin(n *Network, c *Client) {
	nick := n.IRCNick()
	server := n.ServerName()
	s := n.isupport()

	c.PutClientRaw(":" + nick.NickMask() + " JOIN :" + ch.name)

	if ch.topic != "" {
		c.PutClientRaw(":" + server + " " + irc.RPL_TOPIC + " " + c.nick + " " + ch.name + " :" + ch.topic)
		if ch.topicOwner != "" {
			c.PutClientRaw(":" + server + " " + irc.RPL_TOPICWHOTIME + " " + c.nick + " " + ch.name + " " +
				ch.topicOwner + " " + strconv.FormatInt(ch.topicDate.Unix(), 10))
		}
	}

	for _, line := range ch.namesLines(server, c, s.perms) {
		c.PutClientRaw(line)
	}
	c.PutClientRaw(":" + server + " " + irc.RPL_ENDOFNAMES + " " + c.nick + " " + ch.name + " :End of /NAMES list.")
}

// namesLines renders the roster for one client, honouring its
// multi-prefix and userhost-in-names capabilities.
func (ch *Channel) namesLines(server string, c *Client, perms string) []string {
	prefix := ":" + server + " " + irc.RPL_NAMREPLY + " " + c.nick + " " + ch.namesSymbol() + " " + ch.name + " :"
	multiPrefix := c.HasCap(irc.CapMultiPrefix)
	uhnames := c.HasCap(irc.CapUserhostInNames)

	var lines []string
	nicks := ch.sortedNicks()
	line := prefix
	for i, nick := range nicks {
		if multiPrefix {
			line += nick.PermString(perms)
		} else if p := nick.PermChar(perms); p != 0 {
			line += string(p)
		}
		if uhnames && nick.Ident != "" && nick.Host != "" {
			line += nick.Name + "!" + nick.Ident + "@" + nick.Host
		} else {
			line += nick.Name
		}
		if len(line) >= namesLineLimit || i == len(nicks)-1 {
			lines = append(lines, line)
			line = prefix
		} else {
			line += " "
		}
	}
	return lines
}

// DetachUser parts every client from the channel while staying joined
// upstream. It does nothing when already detached.
func (ch *Channel) DetachUser(n *Network) {
	if ch.detached {
		return
	}
	nick := n.IRCNick()
	for _, c := range n.clients {
		c.PutClientRaw(":" + nick.NickMask() + " PART " + ch.name)
	}
	ch.detached = true
}

// SendBuffer replays the buffer to c, or to every client when c is nil,
// then clears it when the channel auto-clears.
func (ch *Channel) SendBuffer(n *Network, c *Client) {
	for _, target := range ch.clientsFor(n, c) {
		playBuffer(n, target, ch, ch.name, ch.buffer, true)
	}
	if ch.autoClear {
		ch.buffer.Clear()
	}
}

// playBuffer sends buf to c wrapped in a playback batch when the client
// supports batches. Status lines bracket channel replays for clients
// without server-time.
func playBuffer(n *Network, c *Client, ch *Channel, target string, buf *buffer.Buffer, statusLines bool) {
	if buf.IsEmpty() {
		return
	}
	b := n.user.b
	route := Route{Network: n, Client: c, Channel: ch}

	skipStatus := !statusLines || c.HasCap(irc.CapServerTime)
	if runHooks(b, n.user, n, &BufferEvent{Route: route, Target: target}, pickBufferStarting).Suppressed() {
		skipStatus = true
	}

	batch := ""
	if c.HasCap(irc.CapBatch) {
		batch = newBatchID()
		c.PutClientRaw(":irc.znc.in BATCH +" + batch + " znc.in/playback " + target)
	}
	if !skipStatus {
		c.PutClientRaw(":***!znc@znc.in PRIVMSG " + target + " :Buffer Playback...")
	}

	recipient := c.recipient()
	hideOwn := !c.HasCap(irc.CapEchoMessage) && !c.HasCap(irc.CapSelfMessage)
	for _, line := range buf.Lines() {
		msg := line.Render(recipient, nil)
		if hideOwn && msg.Source.Equals(c.nick) {
			continue
		}
		if batch != "" {
			msg.SetTag("batch", batch)
		}
		if runHooks(b, n.user, n, &BufferLineEvent{Route: route, Target: target, Message: msg}, pickBufferLine).Suppressed() {
			continue
		}
		c.PutClient(msg)
	}

	skipStatus = !statusLines || c.HasCap(irc.CapServerTime)
	if runHooks(b, n.user, n, &BufferEvent{Route: route, Target: target}, pickBufferEnding).Suppressed() {
		skipStatus = true
	}
	if !skipStatus {
		c.PutClientRaw(":***!znc@znc.in PRIVMSG " + target + " :Playback Complete.")
	}
	if batch != "" {
		c.PutClientRaw(":irc.znc.in BATCH -" + batch)
	}
}
