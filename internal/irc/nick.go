package irc

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// DefaultPermissions is the prefix order assumed until the server sends
// PREFIX in ISUPPORT.
const DefaultPermissions = "@+"

// Nick is one IRC participant: identity, hostmask and the permission
// characters it holds in a channel.
type Nick struct {
	Name  string
	Ident string
	Host  string

	// perms holds permission characters such as '@' or '+', each at most once.
	perms string
}

// ParseNick parses "nick!ident@host" (with an optional leading colon).
// Missing parts are left empty; an empty mask yields an empty Nick.
func ParseNick(mask string) Nick {
	mask = strings.TrimPrefix(mask, ":")
	if mask == "" {
		return Nick{}
	}
	if !strings.Contains(mask, "!") {
		// A bare server name or nick, possibly with "@host".
		if i := strings.IndexByte(mask, '@'); i > 0 {
			return Nick{Name: mask[:i], Host: mask[i+1:]}
		}
		return Nick{Name: mask}
	}
	nuh, err := ircmsg.ParseNUH(mask)
	if err != nil {
		return Nick{Name: mask}
	}
	return Nick{Name: nuh.Name, Ident: nuh.User, Host: nuh.Host}
}

// NickMask renders the nick the way servers address it: "nick!ident@host",
// leaving out ident and host when the host is unknown.
func (n Nick) NickMask() string {
	if n.Host == "" {
		return n.Name
	}
	var sb strings.Builder
	sb.WriteString(n.Name)
	if n.Ident != "" {
		sb.WriteByte('!')
		sb.WriteString(n.Ident)
	}
	sb.WriteByte('@')
	sb.WriteString(n.Host)
	return sb.String()
}

// HostMask renders every known part of the mask.
func (n Nick) HostMask() string {
	s := n.Name
	if n.Ident != "" {
		s += "!" + n.Ident
	}
	if n.Host != "" {
		s += "@" + n.Host
	}
	return s
}

// Equals compares nicks ASCII case-insensitively.
func (n Nick) Equals(name string) bool {
	return strings.EqualFold(n.Name, name)
}

// IsEmpty reports whether no part of the mask is known.
func (n Nick) IsEmpty() bool {
	return n.Name == "" && n.Ident == "" && n.Host == ""
}

// HasPerm reports whether the nick holds the permission character.
func (n *Nick) HasPerm(c byte) bool {
	return c != 0 && strings.IndexByte(n.perms, c) >= 0
}

// AddPerm adds a permission character. It returns false if the nick
// already had it.
func (n *Nick) AddPerm(c byte) bool {
	if c == 0 || n.HasPerm(c) {
		return false
	}
	n.perms += string(c)
	return true
}

// RemPerm removes a permission character. It returns false if the nick
// did not have it.
func (n *Nick) RemPerm(c byte) bool {
	i := strings.IndexByte(n.perms, c)
	if c == 0 || i < 0 {
		return false
	}
	n.perms = n.perms[:i] + n.perms[i+1:]
	return true
}

// ResetPerms drops every permission.
func (n *Nick) ResetPerms() {
	n.perms = ""
}

// PermChar returns the highest permission held, in the network's prefix
// order, or 0 if none.
func (n *Nick) PermChar(order string) byte {
	if order == "" {
		order = DefaultPermissions
	}
	for i := 0; i < len(order); i++ {
		if n.HasPerm(order[i]) {
			return order[i]
		}
	}
	return 0
}

// PermString returns every held permission ordered by rank.
func (n *Nick) PermString(order string) string {
	if order == "" {
		order = DefaultPermissions
	}
	var sb strings.Builder
	for i := 0; i < len(order); i++ {
		if n.HasPerm(order[i]) {
			sb.WriteByte(order[i])
		}
	}
	return sb.String()
}
