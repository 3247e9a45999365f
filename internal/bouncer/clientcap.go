package bouncer

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dalnet/rbounce/internal/irc"
	"github.com/emersion/go-sasl"
	"github.com/ergochat/irc-go/ircutils"
)

// clientCaps are offered to every client.
var clientCaps = []string{
	irc.CapMultiPrefix,
	irc.CapUserhostInNames,
	irc.CapEchoMessage,
	irc.CapServerTime,
	irc.CapBatch,
	irc.CapCapNotify,
	irc.CapMessageTags,
	irc.CapSASL,
	irc.CapSelfMessage,
}

// availableCaps returns what this client may request right now, with
// CAP 302 values.
func (c *Client) availableCaps() map[string]string {
	caps := make(map[string]string, len(clientCaps)+len(serverCaps))
	for _, name := range clientCaps {
		caps[name] = ""
	}
	if c.capVersion >= 302 {
		caps[irc.CapSASL] = sasl.Plain
	}
	if c.net != nil && c.net.link != nil {
		for name := range serverCaps {
			if c.net.link.HasCap(name) {
				caps[name] = ""
			}
		}
	}
	return caps
}

func (c *Client) capReply(sub, text string) {
	c.PutClientRaw(":" + statusServer + " CAP " + c.nick + " " + sub + " :" + text)
}

func (c *Client) handleCap(m *irc.Message) {
	sub := strings.ToUpper(m.Param(0))
	switch sub {
	case "LS":
		if !c.authed {
			c.inCap = true
		}
		if v, err := strconv.Atoi(m.Param(1)); err == nil && v > c.capVersion {
			c.capVersion = v
		}
		if c.capVersion >= 302 {
			c.caps[irc.CapCapNotify] = true
		}
		var list []string
		for name, value := range c.availableCaps() {
			if value != "" {
				name += "=" + value
			}
			list = append(list, name)
		}
		sort.Strings(list)
		c.capReply("LS", strings.Join(list, " "))
	case "REQ":
		if !c.authed {
			c.inCap = true
		}
		requested := m.Param(1)
		available := c.availableCaps()
		tokens := strings.Fields(requested)
		for _, token := range tokens {
			if _, ok := available[strings.TrimPrefix(token, "-")]; !ok {
				c.capReply("NAK", requested)
				return
			}
		}
		for _, token := range tokens {
			if name, off := strings.CutPrefix(token, "-"); off {
				delete(c.caps, name)
			} else {
				c.caps[name] = true
			}
		}
		c.capReply("ACK", requested)
	case "LIST":
		var list []string
		for name := range c.caps {
			list = append(list, name)
		}
		sort.Strings(list)
		c.capReply("LIST", strings.Join(list, " "))
	case "END":
		if !c.authed && c.inCap {
			c.inCap = false
			c.maybeAuth()
		}
	default:
		c.PutClientRaw(":" + statusServer + " " + irc.ERR_INVALIDCAPCMD + " " + c.nick + " " + sub + " :Invalid CAP command")
	}
}

// notifyCap tells a cap-notify client that a server-dependent capability
// came or went. Clients without cap-notify silently lose it.
func (c *Client) notifyCap(name string, on bool) {
	if !c.HasCap(irc.CapCapNotify) {
		if !on {
			delete(c.caps, name)
		}
		return
	}
	if on {
		c.capReply("NEW", name)
		return
	}
	delete(c.caps, name)
	c.capReply("DEL", name)
}

// clientSASL is a client's SASL PLAIN exchange with the bouncer.
type clientSASL struct {
	mech   string
	server sasl.Server
	buf    *ircutils.SASLBuffer
	failed map[string]bool
	// user is set once the exchange succeeded.
	user *User

	username string
	password string
}

func newClientSASL() clientSASL {
	return clientSASL{
		buf:    ircutils.NewSASLBuffer(8192),
		failed: make(map[string]bool),
	}
}

func (c *Client) saslNumeric(code, text string) {
	c.PutClientRaw(":" + statusServer + " " + code + " " + c.nick + " :" + text)
}

func (c *Client) resetSASL() {
	c.sasl.mech = ""
	c.sasl.server = nil
	c.sasl.username = ""
	c.sasl.password = ""
	c.sasl.buf.Clear()
}

func (c *Client) handleAuthenticate(m *irc.Message) {
	s := &c.sasl
	payload := m.Param(0)
	switch {
	case !c.HasCap(irc.CapSASL):
		c.saslNumeric(irc.ERR_SASLFAIL, "SASL authentication failed")
		return
	case s.user != nil:
		c.saslNumeric(irc.ERR_SASLALREADY, "You have already authenticated using SASL")
		return
	case c.authing:
		return
	case payload == "*":
		c.resetSASL()
		c.saslNumeric(irc.ERR_SASLABORTED, "SASL authentication aborted")
		return
	}

	if s.mech == "" {
		mech := strings.ToUpper(payload)
		if mech != sasl.Plain || s.failed[mech] {
			c.PutClientRaw(":" + statusServer + " " + irc.RPL_SASLMECHS + " " + c.nick + " " + sasl.Plain + " :are available SASL mechanisms")
			c.saslNumeric(irc.ERR_SASLFAIL, "SASL authentication failed")
			return
		}
		s.mech = mech
		s.server = sasl.NewPlainServer(func(identity, username, password string) error {
			s.username = username
			s.password = password
			return nil
		})
		c.PutClientRaw("AUTHENTICATE +")
		return
	}

	done, data, err := s.buf.Add(payload)
	if err != nil {
		c.resetSASL()
		c.saslNumeric(irc.ERR_SASLTOOLONG, "SASL message too long")
		return
	}
	if !done {
		return
	}
	if _, finished, err := s.server.Next(data); err != nil || !finished {
		c.saslFailed()
		return
	}

	user, identifier, network := ParseUser(s.username)
	c.checkPassword(user, s.password, func(u *User, ok bool) {
		if c.gone {
			return
		}
		if !ok {
			c.saslFailed()
			return
		}
		c.username = user
		if identifier != "" {
			c.identifier = identifier
		}
		if network != "" {
			c.networkName = network
		}
		s.user = u
		s.password = ""
		c.PutClientRaw(":" + statusServer + " " + irc.RPL_LOGGEDIN + " " + c.nick + " " + c.nick + "!" + user + "@" + c.ip + " " + user + " :You are now logged in as " + user)
		c.saslNumeric(irc.RPL_SASLSUCCESS, "SASL authentication successful")
		c.maybeAuth()
	})
}

// saslFailed rejects the exchange and remembers the mechanism so the
// client cannot retry it.
func (c *Client) saslFailed() {
	c.sasl.failed[c.sasl.mech] = true
	c.resetSASL()
	c.saslNumeric(irc.ERR_SASLFAIL, "SASL authentication failed")
}
