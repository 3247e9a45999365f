package bouncer

import (
	"encoding/base64"
	"strings"

	"github.com/dalnet/rbounce/internal/irc"
	"github.com/emersion/go-sasl"
	"github.com/ergochat/irc-go/ircutils"
)

// supportedServerCaps are requested whenever a server offers them.
var supportedServerCaps = map[string]bool{
	irc.CapMultiPrefix:     true,
	irc.CapUserhostInNames: true,
	irc.CapAwayNotify:      true,
	irc.CapAccountNotify:   true,
	irc.CapExtendedJoin:    true,
	irc.CapInviteNotify:    true,
	irc.CapChghost:         true,
	irc.CapServerTime:      true,
	irc.CapCapNotify:       true,
	irc.CapMessageTags:     true,
}

// upstreamSASL walks the configured mechanism list.
type upstreamSASL struct {
	mechs   []string
	idx     int
	client  sasl.Client
	started bool
}

// PauseCap holds back CAP END until a matching ResumeCap. Pauses nest.
func (u *Upstream) PauseCap() {
	u.capPaused++
}

// ResumeCap releases one PauseCap and continues negotiation once no
// pause is left.
func (u *Upstream) ResumeCap() {
	if u.capPaused > 0 {
		u.capPaused--
	}
	if u.capPaused == 0 {
		u.sendNextCap()
	}
}

// sendNextCap requests the next wanted capability, or ends negotiation
// when none are left.
func (u *Upstream) sendNextCap() {
	if !u.negotiating || u.capPaused > 0 {
		return
	}
	if len(u.pendingCaps) == 0 {
		u.negotiating = false
		u.PutIRC("CAP END")
		return
	}
	next := u.pendingCaps[0]
	u.pendingCaps = u.pendingCaps[1:]
	u.PutIRC("CAP REQ :" + next)
}

func (u *Upstream) wantCap(name string) bool {
	if name == irc.CapSASL {
		return len(u.net.cfg.SASL.Mechanisms) > 0
	}
	return supportedServerCaps[name]
}

// offerCap runs the availability hook for one advertised capability and
// reports whether to request it.
func (u *Upstream) offerCap(name, value string) bool {
	n := u.net
	u.capsAvailable[name] = value
	ev := &CapEvent{Network: n, Cap: name, Value: value, Want: u.wantCap(name)}
	if runHooks(n.user.b, n.user, n, ev, pickServerCapAvailable).Suppressed() {
		return false
	}
	return ev.Want
}

func (u *Upstream) onCap(m *irc.Message) bool {
	n := u.net
	params := m.Params()
	list := ""
	if len(params) > 2 {
		list = params[len(params)-1]
	}

	switch strings.ToUpper(m.Param(1)) {
	case "LS":
		// "CAP * LS * :..." announces more lines to come.
		more := len(params) > 3 && params[2] == "*"
		for _, token := range strings.Fields(list) {
			name, value, _ := strings.Cut(token, "=")
			if u.offerCap(name, value) {
				u.pendingCaps = append(u.pendingCaps, name)
			}
		}
		if !more {
			u.sendNextCap()
		}
	case "ACK":
		for _, token := range strings.Fields(list) {
			name := strings.TrimPrefix(token, "-")
			if strings.HasPrefix(token, "-") {
				u.removeCap(name)
				continue
			}
			u.caps[name] = true
			u.capResult(name, true)
			u.capAccepted(name)
		}
		u.sendNextCap()
	case "NAK":
		for _, name := range strings.Fields(list) {
			u.capResult(name, false)
		}
		u.sendNextCap()
	case "NEW":
		for _, token := range strings.Fields(list) {
			name, value, _ := strings.Cut(token, "=")
			if !u.caps[name] && u.offerCap(name, value) {
				u.PutIRC("CAP REQ :" + name)
			}
		}
	case "DEL":
		for _, name := range strings.Fields(list) {
			delete(u.capsAvailable, name)
			u.removeCap(name)
		}
	default:
		n.logger.Debug("unknown CAP subcommand", "line", m.String())
	}
	return true
}

func (u *Upstream) capResult(name string, accepted bool) {
	n := u.net
	ev := &CapEvent{Network: n, Cap: name, Value: u.capsAvailable[name], Accepted: accepted}
	runHooks(n.user.b, n.user, n, ev, pickServerCapResult)
}

func (u *Upstream) capAccepted(name string) {
	switch name {
	case irc.CapSASL:
		u.startSASL()
	case irc.CapServerTime:
		u.tags["time"] = true
	case irc.CapMessageTags:
		u.tags["msgid"] = true
	}
	u.net.notifyServerCap(name, true)
}

func (u *Upstream) removeCap(name string) {
	if !u.caps[name] {
		return
	}
	delete(u.caps, name)
	switch name {
	case irc.CapServerTime:
		delete(u.tags, "time")
	case irc.CapMessageTags:
		delete(u.tags, "msgid")
	}
	u.capResult(name, false)
	u.net.notifyServerCap(name, false)
}

// SASL.

func (u *Upstream) startSASL() {
	mechs := u.net.cfg.SASL.Mechanisms
	if len(mechs) == 0 || u.sasl != nil {
		return
	}
	u.PauseCap()
	u.sasl = &upstreamSASL{mechs: mechs}
	if !u.nextSASLMechanism() {
		u.saslExhausted()
	}
}

// nextSASLMechanism announces the mechanism at the current index,
// skipping ones this build cannot speak. It reports false when the list
// is used up.
func (u *Upstream) nextSASLMechanism() bool {
	s := u.sasl
	cfg := u.net.cfg.SASL
	username := cfg.Username
	if username == "" {
		username = u.net.user.name
	}
	for ; s.idx < len(s.mechs); s.idx++ {
		mech := strings.ToUpper(s.mechs[s.idx])
		switch mech {
		case sasl.Plain:
			s.client = sasl.NewPlainClient("", username, cfg.Password)
		case sasl.External:
			s.client = sasl.NewExternalClient("")
		default:
			u.logger.Warn("unsupported SASL mechanism", "mechanism", mech)
			continue
		}
		s.started = false
		u.PutIRC("AUTHENTICATE " + mech)
		return true
	}
	return false
}

func (u *Upstream) onAuthenticate(m *irc.Message) bool {
	s := u.sasl
	if s == nil || s.client == nil {
		return true
	}
	var resp []byte
	var err error
	if !s.started {
		s.started = true
		_, resp, err = s.client.Start()
	} else {
		var challenge []byte
		if payload := m.Param(0); payload != "+" {
			challenge, err = base64.StdEncoding.DecodeString(payload)
		}
		if err == nil {
			resp, err = s.client.Next(challenge)
		}
	}
	if err != nil {
		u.logger.Warn("SASL step failed", "error", err)
		u.PutIRC("AUTHENTICATE *")
		return true
	}
	for _, chunk := range ircutils.EncodeSASLResponse(resp) {
		u.PutIRC("AUTHENTICATE " + chunk)
	}
	return true
}

func (u *Upstream) onSASLSuccess(m *irc.Message) bool {
	if u.sasl == nil {
		return true
	}
	u.sasl = nil
	u.ResumeCap()
	return true
}

func (u *Upstream) onSASLFail(m *irc.Message) bool {
	s := u.sasl
	if s == nil {
		return true
	}
	s.idx++
	if u.nextSASLMechanism() {
		return true
	}
	u.saslExhausted()
	return true
}

// saslExhausted gives up on SASL. Registration continues without it
// unless the network requires it, in which case the network is disabled.
func (u *Upstream) saslExhausted() {
	n := u.net
	u.sasl = nil
	if n.cfg.SASL.Require {
		n.PutStatus("SASL authentication failed and is required, disabling the network. Use 'connect' to try again.")
		n.SetConnectEnabled(false, "")
		return
	}
	n.PutStatus("SASL authentication failed, continuing without it.")
	u.ResumeCap()
}
