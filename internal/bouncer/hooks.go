package bouncer

import (
	"github.com/dalnet/rbounce/internal/hooks"
	"github.com/dalnet/rbounce/internal/irc"
)

// Route names where a message came from during one routing pass. It is
// built when a line arrives and dropped once the line has been handled,
// so handlers must not keep it.
type Route struct {
	Network *Network
	Client  *Client
	Channel *Channel
}

// MessageEvent carries a line through a hook. Handlers may modify Message
// in place; HaltCore drops it.
type MessageEvent struct {
	Route
	Message *irc.Message
}

// ClientEvent reports a client attaching to or leaving a network.
type ClientEvent struct {
	Route
}

// BufferEvent brackets a replay. HaltCore on BufferStarting or
// BufferEnding skips the synthetic status line.
type BufferEvent struct {
	Route
	Target string
}

// BufferLineEvent carries one replayed line. HaltCore skips it.
type BufferLineEvent struct {
	Route
	Target  string
	Message *irc.Message
}

// CapEvent reports a server capability. On ServerCapAvailable, Want starts
// as whether the core supports the capability and handlers may flip it;
// HaltCore refuses the capability outright.
type CapEvent struct {
	Network  *Network
	Cap      string
	Value    string
	Want     bool
	Accepted bool
}

// Hooks is one scope's set of extension points.
type Hooks struct {
	UpstreamLine       hooks.Chain[*MessageEvent]
	ClientLine         hooks.Chain[*MessageEvent]
	SendToClient       hooks.Chain[*MessageEvent]
	SendToServer       hooks.Chain[*MessageEvent]
	ClientAttached     hooks.Chain[*ClientEvent]
	ClientDetached     hooks.Chain[*ClientEvent]
	BufferStarting     hooks.Chain[*BufferEvent]
	BufferLine         hooks.Chain[*BufferLineEvent]
	BufferEnding       hooks.Chain[*BufferEvent]
	ServerCapAvailable hooks.Chain[*CapEvent]
	ServerCapResult    hooks.Chain[*CapEvent]
}

// runHooks folds the chain chosen by pick across the global, user and
// network scopes. A nil user or network skips that scope.
func runHooks[E any](b *Bouncer, u *User, n *Network, ev E, pick func(*Hooks) *hooks.Chain[E]) hooks.Outcome {
	var user, network *hooks.Chain[E]
	if u != nil {
		user = pick(&u.hooks)
	}
	if n != nil {
		network = pick(&n.hooks)
	}
	return hooks.Run(ev, pick(&b.hooks), user, network)
}

func pickUpstreamLine(h *Hooks) *hooks.Chain[*MessageEvent]   { return &h.UpstreamLine }
func pickClientLine(h *Hooks) *hooks.Chain[*MessageEvent]     { return &h.ClientLine }
func pickSendToClient(h *Hooks) *hooks.Chain[*MessageEvent]   { return &h.SendToClient }
func pickSendToServer(h *Hooks) *hooks.Chain[*MessageEvent]   { return &h.SendToServer }
func pickClientAttached(h *Hooks) *hooks.Chain[*ClientEvent]  { return &h.ClientAttached }
func pickClientDetached(h *Hooks) *hooks.Chain[*ClientEvent]  { return &h.ClientDetached }
func pickBufferStarting(h *Hooks) *hooks.Chain[*BufferEvent]  { return &h.BufferStarting }
func pickBufferLine(h *Hooks) *hooks.Chain[*BufferLineEvent]  { return &h.BufferLine }
func pickBufferEnding(h *Hooks) *hooks.Chain[*BufferEvent]    { return &h.BufferEnding }
func pickServerCapAvailable(h *Hooks) *hooks.Chain[*CapEvent] { return &h.ServerCapAvailable }
func pickServerCapResult(h *Hooks) *hooks.Chain[*CapEvent]    { return &h.ServerCapResult }
