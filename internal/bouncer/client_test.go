package bouncer

import (
	"bufio"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUser(t *testing.T) {
	tests := []struct {
		login, user, identifier, network string
	}{
		{"alice", "alice", "", ""},
		{"alice/libera", "alice", "", "libera"},
		{"alice@phone", "alice", "phone", ""},
		{"alice@phone/libera", "alice", "phone", "libera"},
		{"alice@laptop-2/oftc", "alice", "laptop-2", "oftc"},
		// Not a valid identifier, so it stays in the username.
		{"alice@2phone", "alice@2phone", "", ""},
		{"alice@", "alice@", "", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.login, func(t *testing.T) {
			user, identifier, network := ParseUser(tt.login)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.identifier, identifier)
			assert.Equal(t, tt.network, network)
		})
	}
}

func TestParsePass(t *testing.T) {
	pass, user, identifier, network, hasUser := ParsePass("alice@phone/libera:secret:with:colons")
	assert.True(t, hasUser)
	assert.Equal(t, "secret:with:colons", pass)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "phone", identifier)
	assert.Equal(t, "libera", network)

	pass, user, _, _, hasUser = ParsePass("justapassword")
	assert.False(t, hasUser)
	assert.Equal(t, "justapassword", pass)
	assert.Empty(t, user)
}

func TestLoginWithPass(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")
	require.True(t, b.anonConnected(c.ip))

	c.handleLine("PASS alice@phone/libera:" + testPassword)
	c.handleLine("NICK alice")
	c.handleLine("USER alice 0 * :Alice")
	require.True(t, c.authing)
	settle(t, b)

	require.True(t, c.IsAuthed())
	assert.Same(t, n, c.Network())
	assert.Equal(t, "phone", c.Identifier())
	assert.True(t, rec.has(" 001 alice "))
	assert.Equal(t, []*Client{c}, n.Clients())
	assert.Empty(t, b.anon, "a logged in client no longer counts as anonymous")
}

func TestLoginWrongPassword(t *testing.T) {
	b := newTestBouncer(t, nil)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")

	c.handleLine("PASS alice:wrong")
	c.handleLine("NICK alice")
	c.handleLine("USER alice 0 * :Alice")
	settle(t, b)

	assert.False(t, c.IsAuthed())
	assert.True(t, rec.has("464 alice :Invalid Password"))
	assert.True(t, rec.closed)
}

func TestLoginWithoutPasswordAsksForOne(t *testing.T) {
	b := newTestBouncer(t, nil)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")

	c.handleLine("NICK alice")
	c.handleLine("USER alice 0 * :Alice")

	assert.False(t, c.authing)
	assert.True(t, rec.has("464 alice :Password required"))
	assert.False(t, rec.closed)
}

func TestLoginWaitsForCapEnd(t *testing.T) {
	b := newTestBouncer(t, nil)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")

	c.handleLine("CAP LS 302")
	c.handleLine("PASS alice:" + testPassword)
	c.handleLine("NICK alice")
	c.handleLine("USER alice 0 * :Alice")
	assert.False(t, c.authing)

	c.handleLine("CAP REQ :server-time")
	c.handleLine("CAP END")
	require.True(t, c.authing)
	settle(t, b)
	assert.True(t, c.IsAuthed())
	assert.True(t, c.HasCap(irc.CapServerTime))
}

func TestCapReqIsAllOrNothing(t *testing.T) {
	b := newTestBouncer(t, nil)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")

	c.handleLine("CAP LS 302")
	ls := rec.with(" CAP * LS ")
	require.Len(t, ls, 1)
	assert.Contains(t, ls[0], "sasl=PLAIN")
	assert.NotContains(t, ls[0], "away-notify", "server-dependent caps need a connected network")
	assert.True(t, c.HasCap(irc.CapCapNotify), "CAP 302 implies cap-notify")

	c.handleLine("CAP REQ :server-time bogus-cap")
	assert.True(t, rec.has("CAP * NAK :server-time bogus-cap"))
	assert.False(t, c.HasCap(irc.CapServerTime))

	c.handleLine("CAP REQ :server-time echo-message")
	assert.True(t, rec.has("CAP * ACK :server-time echo-message"))
	assert.True(t, c.HasCap(irc.CapServerTime))
	assert.True(t, c.HasCap(irc.CapEchoMessage))

	c.handleLine("CAP REQ :-echo-message")
	assert.False(t, c.HasCap(irc.CapEchoMessage))

	c.handleLine("CAP FROB")
	assert.True(t, rec.has(" 410 * FROB :Invalid CAP command"))
}

func TestClientSASLPlain(t *testing.T) {
	b := newTestBouncer(t, nil)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")

	c.handleLine("CAP LS 302")
	c.handleLine("CAP REQ :sasl")
	c.handleLine("NICK alice")
	c.handleLine("USER alice 0 * :Alice")
	c.handleLine("AUTHENTICATE PLAIN")
	require.True(t, rec.has("AUTHENTICATE +"))

	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice/libera\x00" + testPassword))
	c.handleLine("AUTHENTICATE " + payload)
	settle(t, b)
	assert.True(t, rec.has(" 903 alice :SASL authentication successful"))
	assert.False(t, c.IsAuthed(), "login completes at CAP END")

	c.handleLine("CAP END")
	require.True(t, c.IsAuthed())
	assert.Equal(t, "libera", c.Network().Name())
}

func TestClientSASLFailedMechanismIsNotRetried(t *testing.T) {
	b := newTestBouncer(t, nil)
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")

	c.handleLine("CAP LS 302")
	c.handleLine("CAP REQ :sasl")
	c.handleLine("AUTHENTICATE PLAIN")
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	c.handleLine("AUTHENTICATE " + payload)
	settle(t, b)
	require.True(t, rec.has(" 904 * :SASL authentication failed"))
	rec.take()

	c.handleLine("AUTHENTICATE PLAIN")
	assert.True(t, rec.has(" 908 * PLAIN :are available SASL mechanisms"))
	assert.True(t, rec.has(" 904 * "))
	assert.False(t, rec.has("AUTHENTICATE +"))

	c.handleLine("AUTHENTICATE *")
	assert.True(t, rec.has(" 906 * :SASL authentication aborted"))
}

func TestAccountNeedsAccountNotify(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	_, plain := attachClient(t, n)
	_, notify := attachClient(t, n, irc.CapAccountNotify)

	n.link.handleLine(":bob!bob@host.test ACCOUNT bobsaccount")

	assert.False(t, plain.has("ACCOUNT"))
	assert.Equal(t, []string{":bob!bob@host.test ACCOUNT bobsaccount"}, notify.lines)
}

func TestAwayNeedsAwayNotify(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	_, plain := attachClient(t, n)
	_, notify := attachClient(t, n, irc.CapAwayNotify)

	n.link.handleLine(":bob!bob@host.test AWAY :gone fishing")

	assert.False(t, plain.has("AWAY"))
	assert.Equal(t, []string{":bob!bob@host.test AWAY :gone fishing"}, notify.lines)
}

func TestInviteForSelfSkipsInviteNotify(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	_, rec := attachClient(t, n)

	n.link.handleLine(":bob!bob@host.test INVITE carol #secret")
	assert.Empty(t, rec.lines)

	n.link.handleLine(":bob!bob@host.test INVITE alice #secret")
	assert.Equal(t, []string{":bob!bob@host.test INVITE alice #secret"}, rec.lines)
}

func TestUnsupportedTagsAreStripped(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	_, plain := attachClient(t, n)
	_, timed := attachClient(t, n, irc.CapServerTime)

	n.link.handleLine("@time=2024-03-01T11:00:00.000Z;+draft/reply=abc :bob!bob@host.test PRIVMSG alice :hi")

	assert.Equal(t, []string{":bob!bob@host.test PRIVMSG alice :hi"}, plain.lines)
	assert.Equal(t, []string{"@time=2024-03-01T11:00:00.000Z :bob!bob@host.test PRIVMSG alice :hi"}, timed.lines)
}

func TestTagmsgNeedsMessageTags(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	_, plain := attachClient(t, n)
	tagged, taggedRec := attachClient(t, n, irc.CapMessageTags)

	tagged.SetTagSupport("+typing", true)
	n.link.handleLine("@+typing=active :bob!bob@host.test TAGMSG alice")

	assert.Empty(t, plain.lines)
	assert.Equal(t, []string{"@+typing=active :bob!bob@host.test TAGMSG alice"}, taggedRec.lines)
}

func TestOnlyRegisteredTagsAreForwarded(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	c, rec := attachClient(t, n, irc.CapMessageTags)
	line := "@account=bob;msgid=42;+draft/reply=abc :bob!bob@host.test PRIVMSG alice :hi"

	n.link.handleLine(line)
	assert.Equal(t, []string{":bob!bob@host.test PRIVMSG alice :hi"}, rec.take(), "message-tags alone forwards nothing")

	c.SetTagSupport("msgid", true)
	n.link.handleLine(line)
	assert.Equal(t, []string{"@msgid=42 :bob!bob@host.test PRIVMSG alice :hi"}, rec.take())

	c.SetTagSupport("msgid", false)
	n.link.handleLine(line)
	assert.Equal(t, []string{":bob!bob@host.test PRIVMSG alice :hi"}, rec.take())
}

func TestMessageToChannelReachesOtherClients(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	up := connectNetwork(t, n)
	joinChannel(t, n, "#go", "@alice bob")
	sender, senderRec := attachClient(t, n)
	_, otherRec := attachClient(t, n)
	_, echoRec := attachClient(t, n, irc.CapEchoMessage)
	up.take()

	sender.handleLine("PRIVMSG #go :hello there")

	assert.Equal(t, []string{"PRIVMSG #go :hello there"}, up.lines)
	assert.Empty(t, senderRec.lines)
	assert.Equal(t, []string{":alice!alice@host.test PRIVMSG #go :hello there"}, otherRec.lines)
	assert.Equal(t, []string{":alice!alice@host.test PRIVMSG #go :hello there"}, echoRec.lines)
}

func TestMessageWhileDisconnectedIsReported(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	c, rec := attachClient(t, n)

	c.handleLine("PRIVMSG bob :are you there")
	assert.True(t, rec.has("Your message to bob got lost, you are not connected to IRC!"))
}

func TestPartOfUnjoinedChannelRemovesIt(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	up := connectNetwork(t, n)
	c, rec := attachClient(t, n)

	c.handleLine("PART #go")
	assert.Nil(t, n.FindChan("#go"))
	assert.True(t, rec.has("Removing channel #go"))
	assert.Empty(t, up.lines)
}

func TestSingleClientModeKicksPreviousClient(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].MultiClients = boolPtr(false)
	})
	n := testNetwork(t, b)
	first, firstRec := attachClient(t, n)
	second, _ := attachClient(t, n)

	assert.True(t, firstRec.closed)
	assert.True(t, first.gone)
	assert.Equal(t, []*Client{second}, n.Clients())
}

func TestAnonymousConnectionLimit(t *testing.T) {
	b := newTestBouncer(t, nil)

	assert.True(t, b.anonConnected("192.0.2.1"))
	assert.True(t, b.anonConnected("192.0.2.1"))
	assert.False(t, b.anonConnected("192.0.2.1"))
	assert.True(t, b.anonConnected("192.0.2.2"))

	b.anonDisconnected("192.0.2.1")
	assert.True(t, b.anonConnected("192.0.2.1"))
}

func TestAcceptRefusesOverAnonymousLimit(t *testing.T) {
	b := newTestBouncer(t, nil)
	b.anonConnected("pipe")
	b.anonConnected("pipe")

	server, client := net.Pipe()
	defer client.Close()
	b.acceptClient(server)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERROR :Closing link [Too many anonymous connections from your IP]\r\n", line)
	assert.Empty(t, b.clients)
}
