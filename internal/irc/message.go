package irc

import (
	"sort"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

// Type classifies a message by what it means rather than by its command.
type Type int

const (
	TypeUnknown Type = iota
	TypeAccount
	TypeAction
	TypeAuthenticate
	TypeAway
	TypeCapability
	TypeCTCP
	TypeError
	TypeInvite
	TypeJoin
	TypeKick
	TypeMode
	TypeNick
	TypeNotice
	TypeNumeric
	TypePart
	TypePing
	TypePong
	TypeQuit
	TypeText
	TypeTopic
	TypeWallops
)

var typeNames = [...]string{
	TypeUnknown:      "Unknown",
	TypeAccount:      "Account",
	TypeAction:       "Action",
	TypeAuthenticate: "Authenticate",
	TypeAway:         "Away",
	TypeCapability:   "Capability",
	TypeCTCP:         "CTCP",
	TypeError:        "Error",
	TypeInvite:       "Invite",
	TypeJoin:         "Join",
	TypeKick:         "Kick",
	TypeMode:         "Mode",
	TypeNick:         "Nick",
	TypeNotice:       "Notice",
	TypeNumeric:      "Numeric",
	TypePart:         "Part",
	TypePing:         "Ping",
	TypePong:         "Pong",
	TypeQuit:         "Quit",
	TypeText:         "Text",
	TypeTopic:        "Topic",
	TypeWallops:      "Wallops",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "Unknown"
	}
	return typeNames[t]
}

var commandTypes = map[string]Type{
	"ACCOUNT":      TypeAccount,
	"AUTHENTICATE": TypeAuthenticate,
	"AWAY":         TypeAway,
	"CAP":          TypeCapability,
	"ERROR":        TypeError,
	"INVITE":       TypeInvite,
	"JOIN":         TypeJoin,
	"KICK":         TypeKick,
	"MODE":         TypeMode,
	"NICK":         TypeNick,
	"PART":         TypePart,
	"PING":         TypePing,
	"PONG":         TypePong,
	"QUIT":         TypeQuit,
	"TOPIC":        TypeTopic,
	"WALLOPS":      TypeWallops,
}

// CTCPDelim wraps CTCP payloads inside PRIVMSG and NOTICE text.
const CTCPDelim = '\x01'

// Classify derives the message type from the command and its first two
// parameters. It is the only place classification is decided.
func Classify(command string, params []string) Type {
	if isNumeric(command) {
		return TypeNumeric
	}
	cmd := strings.ToUpper(command)
	switch cmd {
	case "PRIVMSG", "NOTICE":
		text := ""
		if len(params) > 1 {
			text = params[1]
		}
		if isCTCP(text) {
			if cmd == "PRIVMSG" && strings.HasPrefix(text[1:], "ACTION ") {
				return TypeAction
			}
			return TypeCTCP
		}
		if cmd == "NOTICE" {
			return TypeNotice
		}
		return TypeText
	}
	if t, ok := commandTypes[cmd]; ok {
		return t
	}
	return TypeUnknown
}

func isNumeric(command string) bool {
	if len(command) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if command[i] < '0' || command[i] > '9' {
			return false
		}
	}
	return true
}

func isCTCP(text string) bool {
	return len(text) >= 2 && text[0] == CTCPDelim && text[len(text)-1] == CTCPDelim
}

// Flags alter how a Message is serialized.
type Flags uint

const (
	ExcludePrefix Flags = 1 << iota
	ExcludeTags

	IncludeAll Flags = 0
)

// Message is one IRC line. Command and parameters are reached through
// accessors so that the classification always matches them.
type Message struct {
	Tags   map[string]string
	Source Nick
	// Time is when the message was received or created.
	Time time.Time

	command string
	params  []string
	colon   bool
	typ     Type
}

// NewMessage builds a message from a source mask, command and params.
func NewMessage(source, command string, params ...string) *Message {
	m := &Message{
		Source:  ParseNick(source),
		Time:    time.Now(),
		command: command,
		params:  params,
	}
	m.classify()
	return m
}

// ParseMessage parses a wire line. It never fails: malformed input yields
// a message with whatever could be recovered, in the worst case an empty
// command and no parameters.
func ParseMessage(line string) *Message {
	m := &Message{Time: time.Now()}
	line = strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(line, "@") {
		var raw string
		raw, line = cutToken(line[1:])
		m.Tags = parseTags(raw)
		if ts, ok := m.Tags["time"]; ok {
			if t, err := time.Parse(ServerTimeLayout, ts); err == nil {
				m.Time = t
			}
		}
	}
	line = strings.TrimLeft(line, " ")
	if strings.HasPrefix(line, ":") {
		var prefix string
		prefix, line = cutToken(line[1:])
		m.Source = ParseNick(prefix)
	}
	m.command, line = cutToken(line)

	for line != "" {
		if line[0] == ':' {
			m.params = append(m.params, line[1:])
			m.colon = true
			break
		}
		var param string
		param, line = cutToken(line)
		if param != "" {
			m.params = append(m.params, param)
		}
	}
	m.classify()
	return m
}

// cutToken splits off the first space-delimited token and skips the run
// of spaces after it.
func cutToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, " ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " ")
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, tag := range strings.Split(raw, ";") {
		if tag == "" {
			continue
		}
		key, value, _ := strings.Cut(tag, "=")
		tags[key] = ircmsg.UnescapeTagValue(value)
	}
	return tags
}

// String serializes the message with every part included.
func (m *Message) String() string {
	return m.Format(IncludeAll)
}

// Format serializes the message. The final parameter is written as a
// trailing parameter when it was one at parse time, is empty, starts with
// a colon or contains a space.
func (m *Message) Format(flags Flags) string {
	var sb strings.Builder
	if flags&ExcludeTags == 0 && len(m.Tags) > 0 {
		keys := make([]string, 0, len(m.Tags))
		for k := range m.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(';')
			}
			sb.WriteString(k)
			if v := m.Tags[k]; v != "" {
				sb.WriteByte('=')
				sb.WriteString(ircmsg.EscapeTagValue(v))
			}
		}
	}
	if flags&ExcludePrefix == 0 {
		if prefix := m.Source.HostMask(); prefix != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteByte(':')
			sb.WriteString(prefix)
		}
	}
	if m.command != "" {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(m.command)
	}
	if len(m.params) > 0 {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(m.ParamsFrom(0))
	}
	return sb.String()
}

// ParamsFrom joins the parameters starting at idx, prefixing the last one
// with a colon when it has to be sent as a trailing parameter.
func (m *Message) ParamsFrom(idx int) string {
	if idx >= len(m.params) {
		return ""
	}
	parts := make([]string, 0, len(m.params)-idx)
	for i := idx; i < len(m.params); i++ {
		p := m.params[i]
		if i == len(m.params)-1 && (m.colon || p == "" || strings.HasPrefix(p, ":") || strings.Contains(p, " ")) {
			p = ":" + p
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

func (m *Message) classify() {
	m.typ = Classify(m.command, m.params)
}

// Type returns the message classification.
func (m *Message) Type() Type { return m.typ }

// Command returns the command as received, e.g. "PRIVMSG" or "001".
func (m *Message) Command() string { return m.command }

// SetCommand replaces the command and reclassifies.
func (m *Message) SetCommand(cmd string) {
	m.command = cmd
	m.classify()
}

// Params returns the parameter list. Callers must not modify it.
func (m *Message) Params() []string { return m.params }

// Param returns the parameter at idx, or "" when absent.
func (m *Message) Param(idx int) string {
	if idx < 0 || idx >= len(m.params) {
		return ""
	}
	return m.params[idx]
}

// SetParam replaces the parameter at idx, growing the list with empty
// parameters as needed.
func (m *Message) SetParam(idx int, value string) {
	if idx < 0 {
		return
	}
	for len(m.params) <= idx {
		m.params = append(m.params, "")
	}
	m.params[idx] = value
	if idx <= 1 {
		m.classify()
	}
}

// SetParams replaces the whole parameter list.
func (m *Message) SetParams(params []string) {
	m.params = append([]string(nil), params...)
	m.colon = false
	m.classify()
}

// Colon reports whether the final parameter was sent as a trailing one.
func (m *Message) Colon() bool { return m.colon }

// Tag returns a tag value, or "" when unset.
func (m *Message) Tag(key string) string { return m.Tags[key] }

// SetTag sets a tag, allocating the map on first use.
func (m *Message) SetTag(key, value string) {
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[key] = value
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.params = append([]string(nil), m.params...)
	if m.Tags != nil {
		c.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// Equals reports whether two messages serialize to the same line.
func (m *Message) Equals(other *Message) bool {
	return other != nil && m.String() == other.String()
}
