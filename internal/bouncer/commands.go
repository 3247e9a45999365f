package bouncer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dalnet/rbounce/internal/irc"
	"github.com/ergochat/irc-go/ircutils"
)

// maxStatusLine bounds one status reply.
const maxStatusLine = 400

// handleStatusCommand runs a command sent to *status.
func (c *Client) handleStatusCommand(message string) {
	message = strings.TrimSpace(message)
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	c.logCommand(message)

	switch cmd {
	case "help":
		c.cmdHelp()
	case "version":
		c.cmdVersion()
	case "listchans":
		c.cmdListChans()
	case "listclients":
		c.cmdListClients(fields)
	case "listnetworks":
		c.cmdListNetworks()
	case "listservers":
		c.cmdListServers()
	case "connect":
		c.cmdConnect()
	case "disconnect":
		c.cmdDisconnect(message)
	case "jump":
		c.cmdJump()
	case "jumpnetwork":
		c.cmdJumpNetwork(fields)
	case "detach":
		c.cmdDetach(fields)
	case "clearbuffer":
		c.cmdClearBuffer(fields)
	case "clearallbuffers":
		c.cmdClearAllBuffers()
	case "playbuffer":
		c.cmdPlayBuffer(fields)
	case "setbuffer":
		c.cmdSetBuffer(fields)
	case "tellclient":
		c.cmdTellClient(fields)
	default:
		c.PutStatus("Unknown command [" + fields[0] + "] try 'Help'")
	}
}

func (c *Client) logCommand(message string) {
	c.logger.Info("status command", "command", message)
}

// reply sends one status line, truncated to fit.
func (c *Client) reply(format string, args ...interface{}) {
	c.PutStatus(ircutils.TruncateUTF8Safe(fmt.Sprintf(format, args...), maxStatusLine))
}

// needNetwork reports whether the client is on a network, telling it
// otherwise.
func (c *Client) needNetwork() bool {
	if c.net == nil {
		c.PutStatus("You must be connected with a network to use this command")
		return false
	}
	return true
}

func (c *Client) cmdHelp() {
	c.PutStatus("Available commands:")
	c.PutStatus("Version - show version information")
	c.PutStatus("ListChans - list the channels of this network")
	c.PutStatus("ListClients [identifier] - list the clients attached to your user")
	c.PutStatus("ListNetworks - list your networks")
	c.PutStatus("ListServers - list the servers of this network")
	c.PutStatus("Connect - connect to IRC")
	c.PutStatus("Disconnect [message] - disconnect from IRC")
	c.PutStatus("Jump - reconnect to the next server")
	c.PutStatus("JumpNetwork <network> - switch this client to another network")
	c.PutStatus("Detach <#chans> - detach from channels")
	c.PutStatus("ClearBuffer <target> - clear a channel or query buffer")
	c.PutStatus("ClearAllBuffers - clear every channel and query buffer")
	c.PutStatus("PlayBuffer <target> - replay a channel or query buffer")
	c.PutStatus("SetBuffer <target> <lines> - set a buffer's line count")
	c.PutStatus("TellClient <identifier> <text> - send a note to the clients logged in with identifier")
}

func (c *Client) cmdVersion() {
	c.reply("rbounce version %s", Version)
	c.reply("Built: %s", BuildDate)
	c.reply("Commit: %s", GitCommit)
}

func (c *Client) cmdListChans() {
	if !c.needNetwork() {
		return
	}
	n := c.net
	if len(n.chans) == 0 {
		c.PutStatus("There are no channels defined.")
		return
	}
	for _, ch := range n.chans {
		status := "Joined"
		switch {
		case ch.disabled:
			status = "Disabled"
		case !ch.on:
			status = "Trying"
		case ch.detached:
			status = "Detached"
		}
		modes := ch.ModeString()
		if modes == "" {
			modes = "none"
		}
		c.reply("%s [%s] %d users, modes %s, buffer %d/%d", ch.name, status, len(ch.nicks), modes, ch.buffer.Size(), ch.buffer.LineCount())
	}
}

func (c *Client) cmdListClients(fields []string) {
	clients := c.user.clients
	if len(fields) > 1 {
		if !c.needNetwork() {
			return
		}
		clients = c.net.FindClients(fields[1])
		if len(clients) == 0 {
			c.reply("No client with identifier %s is attached", fields[1])
			return
		}
	}
	for _, other := range clients {
		network := "-"
		if other.net != nil {
			network = other.net.name
		}
		marker := ""
		if other == c {
			marker = "*"
		}
		c.reply("%s%s %s network=%s identifier=%s", marker, other.addr, other.nick, network, other.identifier)
	}
}

func (c *Client) cmdTellClient(fields []string) {
	if !c.needNetwork() {
		return
	}
	if len(fields) < 3 {
		c.PutStatus("Usage: TellClient <identifier> <text>")
		return
	}
	from := c.identifier
	if from == "" {
		from = c.addr
	}
	line := ":*status!znc@znc.in PRIVMSG " + c.nick + " :" + from + ": " + strings.Join(fields[2:], " ")
	if c.net.PutUserTo(fields[1], irc.ParseMessage(line)) == 0 {
		c.reply("No client with identifier %s is attached", fields[1])
	}
}

func (c *Client) cmdListNetworks() {
	for _, n := range c.user.networks {
		state := "disconnected"
		switch {
		case n.IsIRCConnected():
			state = "connected to " + n.ServerName() + " as " + n.IRCNick().Name
		case n.link != nil:
			state = "registering"
		}
		c.reply("%s: %s, %d clients", n.name, state, len(n.clients))
	}
}

func (c *Client) cmdListServers() {
	if !c.needNetwork() {
		return
	}
	n := c.net
	if len(n.cfg.Servers) == 0 {
		c.PutStatus("You don't have any servers added.")
		return
	}
	for i, s := range n.cfg.Servers {
		marker := ""
		if n.link != nil && n.link.server == s {
			marker = "*"
		}
		tls := ""
		if s.TLS {
			tls = " (tls)"
		}
		c.reply("%s%d: %s%s", marker, i+1, s.Address(), tls)
	}
}

func (c *Client) cmdConnect() {
	if !c.needNetwork() {
		return
	}
	n := c.net
	if n.link != nil {
		c.PutStatus("You are already connected with this network.")
		return
	}
	n.SetConnectEnabled(true, "")
	c.PutStatus("Connecting to " + n.name + "...")
}

func (c *Client) cmdDisconnect(message string) {
	if !c.needNetwork() {
		return
	}
	reason := ""
	if _, rest, found := strings.Cut(message, " "); found {
		reason = ircutils.TruncateUTF8Safe(strings.TrimSpace(rest), maxReasonLen)
	}
	c.net.SetConnectEnabled(false, reason)
	c.PutStatus("Disconnected from IRC. Use 'connect' to reconnect.")
}

func (c *Client) cmdJump() {
	if !c.needNetwork() {
		return
	}
	n := c.net
	if n.link == nil {
		c.PutStatus("You are not connected to IRC.")
		n.SetConnectEnabled(true, "")
		return
	}
	c.PutStatus("Jumping to the next server in the list...")
	n.link.Quit("Changing server")
}

func (c *Client) cmdJumpNetwork(fields []string) {
	if len(fields) < 2 {
		c.PutStatus("Usage: JumpNetwork <network>")
		return
	}
	n, err := c.user.Network(fields[1])
	switch {
	case err != nil:
		c.PutStatus("Network " + fields[1] + " doesn't exist.")
	case n == c.net:
		c.PutStatus("You are already connected with this network.")
	default:
		c.PutStatus("Switched to " + n.name)
		c.setNetwork(n)
	}
}

func (c *Client) cmdDetach(fields []string) {
	if !c.needNetwork() {
		return
	}
	if len(fields) < 2 {
		c.PutStatus("Usage: Detach <#chans>")
		return
	}
	count := 0
	for _, name := range strings.Split(fields[1], ",") {
		if ch := c.net.FindChan(name); ch != nil && !ch.detached {
			ch.DetachUser(c.net)
			count++
		}
	}
	c.reply("Detached %d channels", count)
}

// findTarget returns the channel or query buffer called target.
func (c *Client) findTarget(target string) (*Channel, *Query) {
	if ch := c.net.FindChan(target); ch != nil {
		return ch, nil
	}
	return nil, c.net.FindQuery(target)
}

func (c *Client) cmdClearBuffer(fields []string) {
	if !c.needNetwork() {
		return
	}
	if len(fields) < 2 {
		c.PutStatus("Usage: ClearBuffer <#chan|query>")
		return
	}
	ch, q := c.findTarget(fields[1])
	switch {
	case ch != nil:
		ch.buffer.Clear()
	case q != nil:
		c.net.DelQuery(q.name)
	default:
		c.PutStatus("No buffer matching " + fields[1] + " found")
		return
	}
	c.PutStatus("Buffer for " + fields[1] + " cleared")
}

func (c *Client) cmdClearAllBuffers() {
	if !c.needNetwork() {
		return
	}
	for _, ch := range c.net.chans {
		ch.buffer.Clear()
	}
	c.net.queries = nil
	c.PutStatus("All buffers have been cleared")
}

func (c *Client) cmdPlayBuffer(fields []string) {
	if !c.needNetwork() {
		return
	}
	if len(fields) < 2 {
		c.PutStatus("Usage: PlayBuffer <#chan|query>")
		return
	}
	ch, q := c.findTarget(fields[1])
	switch {
	case ch != nil:
		if !ch.on {
			c.PutStatus("You are not on " + ch.name)
			return
		}
		if ch.buffer.IsEmpty() {
			c.PutStatus("The buffer for channel " + ch.name + " is empty")
			return
		}
		ch.SendBuffer(c.net, c)
	case q != nil:
		if q.buffer.IsEmpty() {
			c.PutStatus("The buffer for " + q.name + " is empty")
			return
		}
		q.SendBuffer(c.net, c)
	default:
		c.PutStatus("No active query with " + fields[1])
	}
}

func (c *Client) cmdSetBuffer(fields []string) {
	if !c.needNetwork() {
		return
	}
	if len(fields) < 3 {
		c.PutStatus("Usage: SetBuffer <#chan|query> <linecount>")
		return
	}
	count, err := strconv.Atoi(fields[2])
	if err != nil || count < 0 {
		c.PutStatus("Invalid line count " + fields[2])
		return
	}
	ch, q := c.findTarget(fields[1])
	var ok bool
	switch {
	case ch != nil:
		ok = ch.buffer.SetLineCount(count, false)
	case q != nil:
		ok = q.buffer.SetLineCount(count, false)
	default:
		c.PutStatus("No buffer matching " + fields[1] + " found")
		return
	}
	if !ok {
		c.reply("Setting the buffer size of %s failed, the maximum is %d", fields[1], c.b.cfg.MaxBufferSize)
		return
	}
	c.reply("Buffer size of %s set to %d", fields[1], count)
}
