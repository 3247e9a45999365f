package bouncer

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registering installs a link that has sent its registration lines but
// not yet seen 001.
func registering(t *testing.T, n *Network) (*Upstream, *recorder) {
	t.Helper()
	rec := &recorder{}
	u := n.setLink(rec, n.cfg.Servers[0], "127.0.0.1:6667")
	u.register()
	require.Equal(t, []string{"CAP LS 302", "NICK alice", "USER alice 0 * :Alice"}, rec.take())
	return u, rec
}

func TestCapEndWaitsForEveryResume(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	u, rec := registering(t, n)

	u.handleLine(":irc.test CAP * LS :multi-prefix")
	assert.Equal(t, []string{"CAP REQ :multi-prefix"}, rec.take())

	u.PauseCap()
	u.PauseCap()
	u.handleLine(":irc.test CAP * ACK :multi-prefix")
	assert.True(t, u.HasCap("multi-prefix"))
	assert.Empty(t, rec.lines)

	u.ResumeCap()
	assert.Empty(t, rec.lines, "one pause is still held")

	u.ResumeCap()
	assert.Equal(t, []string{"CAP END"}, rec.take())

	u.ResumeCap()
	assert.Empty(t, rec.lines, "an unmatched resume does nothing")
}

func TestCapLSContinuation(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	u, rec := registering(t, n)

	u.handleLine(":irc.test CAP * LS * :multi-prefix unknown-cap")
	assert.Empty(t, rec.lines)

	u.handleLine(":irc.test CAP * LS :server-time")
	assert.Equal(t, []string{"CAP REQ :multi-prefix"}, rec.take())

	u.handleLine(":irc.test CAP * ACK :multi-prefix")
	assert.Equal(t, []string{"CAP REQ :server-time"}, rec.take())

	u.handleLine(":irc.test CAP * NAK :server-time")
	assert.Equal(t, []string{"CAP END"}, rec.take())
	assert.False(t, u.HasCap("server-time"))
}

func TestCapAvailableHookCanRefuse(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	var seen []string
	b.Hooks().ServerCapAvailable.Register("no-multi-prefix", func(ev *CapEvent) hooks.Result {
		seen = append(seen, ev.Cap)
		if ev.Cap == "multi-prefix" {
			return hooks.HaltCore
		}
		return hooks.Continue
	})
	u, rec := registering(t, n)

	u.handleLine(":irc.test CAP * LS :multi-prefix server-time")
	assert.Equal(t, []string{"multi-prefix", "server-time"}, seen)
	assert.Equal(t, []string{"CAP REQ :server-time"}, rec.take())
}

func TestSASLFallsBackToNextMechanism(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Networks[0].SASL = config.SASL{
			Mechanisms: []string{"EXTERNAL", "PLAIN"},
			Username:   "alice",
			Password:   "sekrit",
		}
	})
	n := testNetwork(t, b)
	u, rec := registering(t, n)

	u.handleLine(":irc.test CAP * LS :sasl=EXTERNAL,PLAIN")
	assert.Equal(t, []string{"CAP REQ :sasl"}, rec.take())

	u.handleLine(":irc.test CAP * ACK :sasl")
	assert.Equal(t, []string{"AUTHENTICATE EXTERNAL"}, rec.take())

	u.handleLine("AUTHENTICATE +")
	assert.Equal(t, []string{"AUTHENTICATE +"}, rec.take())

	u.handleLine(":irc.test 904 alice :SASL authentication failed")
	assert.Equal(t, []string{"AUTHENTICATE PLAIN"}, rec.take())

	u.handleLine("AUTHENTICATE +")
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00sekrit"))
	assert.Equal(t, []string{"AUTHENTICATE " + payload}, rec.take())

	u.handleLine(":irc.test 903 alice :SASL authentication successful")
	assert.Equal(t, []string{"CAP END"}, rec.take())
}

func TestSASLExhaustedContinuesWithoutIt(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Networks[0].SASL = config.SASL{Mechanisms: []string{"PLAIN"}, Password: "sekrit"}
	})
	n := testNetwork(t, b)
	u, rec := registering(t, n)

	u.handleLine(":irc.test CAP * LS :sasl")
	u.handleLine(":irc.test CAP * ACK :sasl")
	rec.take()
	u.handleLine(":irc.test 904 alice :SASL authentication failed")

	assert.Equal(t, []string{"CAP END"}, rec.take())
	assert.True(t, n.ConnectEnabled())
}

func TestRequiredSASLFailureDisablesNetwork(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Networks[0].SASL = config.SASL{Mechanisms: []string{"EXTERNAL"}, Require: true}
	})
	n := testNetwork(t, b)
	_, clientRec := attachClient(t, n)
	u, rec := registering(t, n)

	u.handleLine(":irc.test CAP * LS :sasl")
	u.handleLine(":irc.test CAP * ACK :sasl")
	u.handleLine(":irc.test 904 alice :SASL authentication failed")

	assert.False(t, n.ConnectEnabled())
	assert.False(t, rec.has("CAP END"))
	assert.True(t, rec.has("QUIT"))
	assert.True(t, rec.closed)
	assert.True(t, clientRec.has("SASL authentication failed and is required"))
}

func TestAltNickSequence(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	u, rec := registering(t, n)

	var sent []string
	bad := "alice"
	for i := 0; i < 6; i++ {
		u.handleLine(":irc.test 433 * " + bad + " :Nickname is already in use")
		lines := rec.take()
		require.Len(t, lines, 1)
		bad = lines[0][len("NICK "):]
		sent = append(sent, bad)
	}
	assert.Equal(t, []string{"alice_", "alice-", "alice|", "alice^", "alicea", "aliceb"}, sent)
	assert.Equal(t, "aliceb", u.Nick())
}

func TestAltNickHonoursTruncation(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Nick = "averylongnick"
		cfg.Users[0].AltNick = ""
	})
	n := testNetwork(t, b)
	rec := &recorder{}
	u := n.setLink(rec, n.cfg.Servers[0], "127.0.0.1:6667")
	u.register()
	rec.take()

	u.handleLine(":irc.test 433 * averylong :Nickname is already in use")
	assert.Equal(t, []string{"NICK averylon-"}, rec.take())
}

func TestNoFreeNick(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	u, rec := registering(t, n)
	u.nick = "alicez"

	u.handleLine(":irc.test 433 * alicez :Nickname is already in use")
	assert.True(t, rec.has("QUIT"))
	assert.True(t, rec.closed)
}

func TestISupportParsing(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	u := n.link

	u.handleLine(":irc.test 005 alice CHANMODES=b,k,l,imnpst PREFIX=(qov)~@+ NICKLEN=30 CHANTYPES=# :are supported by this server")

	s := u.support
	assert.Equal(t, "~@+", s.perms)
	assert.Equal(t, "qov", s.permModes)
	assert.Equal(t, 30, s.maxNickLen)
	assert.True(t, s.isChan("#go"))
	assert.False(t, s.isChan("&local"))
	assert.Equal(t, ListArg, s.modeArg('b'))
	assert.Equal(t, ArgWhenSet, s.modeArg('l'))
	value, ok := s.get("NICKLEN")
	assert.True(t, ok)
	assert.Equal(t, "30", value)

	// Repeating the line on reconnect does not grow the raw buffer.
	size := n.RawBuffer().Size()
	u.handleLine(":irc.test 005 alice CHANMODES=b,k,l,imnpst PREFIX=(qov)~@+ NICKLEN=30 CHANTYPES=# :are supported by this server")
	assert.Equal(t, size, n.RawBuffer().Size())
}

func TestISupportNegationRestoresDefaults(t *testing.T) {
	s := newISupport()
	s.parse([]string{"CHANMODES=b,k,l,imnpst", "PREFIX=(qov)~@+", "NICKLEN=30", "CHANTYPES=#"})
	require.Equal(t, "~@+", s.perms)
	require.NotEqual(t, ListArg, s.modeArg('I'))

	s.parse([]string{"-CHANMODES", "-PREFIX", "-NICKLEN", "-CHANTYPES"})
	assert.Equal(t, defaultPerms, s.perms)
	assert.Equal(t, defaultPermModes, s.permModes)
	assert.Equal(t, defaultMaxNickLen, s.maxNickLen)
	assert.True(t, s.isChan("&local"))
	assert.Equal(t, ListArg, s.modeArg('I'))
	_, ok := s.get("PREFIX")
	assert.False(t, ok)
}

func TestRawBufferIsReplayedToNewClients(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	n.link.handleLine(":irc.test 002 alice :Your host is irc.test")
	n.link.handleLine(":irc.test 002 alice :Your host is irc.test, running v2")
	n.link.handleLine(":irc.test 375 alice :- irc.test Message of the Day -")
	n.link.handleLine(":irc.test 372 alice :- be nice")
	n.link.handleLine(":irc.test 376 alice :End of /MOTD command.")
	assert.Equal(t, 2, n.RawBuffer().Size(), "002 replaces its earlier copy")

	_, rec := attachClient(t, n)
	hosts := rec.with(" 002 ")
	require.Len(t, hosts, 1)
	assert.Contains(t, hosts[0], "running v2")
	assert.True(t, rec.has("be nice"))
	assert.False(t, rec.has("Welcome to rbounce"))
}

func TestPingIsAnsweredAheadOfQueue(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Networks[0].FloodRate = floatPtr(1)
		cfg.Users[0].Networks[0].FloodBurst = 1
	})
	n := testNetwork(t, b)
	rec := connectNetwork(t, n)
	u := n.link

	u.PutIRC("PRIVMSG #go :one")
	assert.Equal(t, []string{"PRIVMSG #go :one"}, rec.take())
	u.PutIRC("PRIVMSG #go :two")
	u.handleLine("PING :abc")
	assert.Empty(t, rec.lines, "the bucket is empty")
	assert.Equal(t, 2, n.floodQueued())

	u.drainFlood(testEpoch.Add(time.Second))
	assert.Equal(t, []string{"PONG :abc"}, rec.take())
	assert.Equal(t, 1, n.floodQueued())
}

func TestQueryIsBufferedWhileNobodyIsAttached(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)

	n.link.handleLine(":bob!bob@host.test PRIVMSG alice :are you there?")
	n.link.handleLine(":bob!bob@host.test NOTICE alice :psst")
	require.NotNil(t, n.FindQuery("bob"))

	_, rec := attachClient(t, n)
	assert.True(t, rec.has("are you there?"))
	assert.True(t, rec.has("psst"))
	assert.Nil(t, n.FindQuery("bob"), "queries auto-clear once replayed")
	assert.True(t, n.notice.IsEmpty())
}

func TestCTCPVersionIsAnsweredWhileDetached(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	rec := connectNetwork(t, n)

	n.link.handleLine(":bob!bob@host.test PRIVMSG alice :\x01VERSION\x01")
	assert.Equal(t, []string{"NOTICE bob :\x01VERSION rbounce " + Version + "\x01"}, rec.take())

	_, clientRec := attachClient(t, n)
	rec.take()
	n.link.handleLine(":bob!bob@host.test PRIVMSG alice :\x01VERSION\x01")
	assert.True(t, clientRec.has("VERSION"))
	assert.Empty(t, rec.lines, "attached clients answer for themselves")
}

func TestSendToServerHookSuppresses(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	rec := connectNetwork(t, n)
	n.Hooks().SendToServer.Register("drop-away", func(ev *MessageEvent) hooks.Result {
		if ev.Message.Command() == "AWAY" {
			return hooks.HaltCore
		}
		return hooks.Continue
	})

	n.PutIRC("AWAY :lunch")
	n.PutIRC("PRIVMSG bob :hi")
	assert.Equal(t, []string{"PRIVMSG bob :hi"}, rec.lines)
}

func TestDisconnectKeepsChannelsAndRequeues(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	ch := joinChannel(t, n, "#go", "@alice bob")
	ch.DetachUser(n)
	n.link.handleLine(":bob!bob@host.test PRIVMSG #go :still here")
	_, rec := attachClient(t, n)

	n.IRCDisconnected(n.link, errors.New("connection reset"))

	assert.Nil(t, n.Link())
	assert.Same(t, ch, n.FindChan("#go"))
	assert.False(t, ch.IsOn())
	assert.Equal(t, 0, ch.NickCount())
	assert.Equal(t, 1, ch.Buffer().Size())
	assert.True(t, n.RawBuffer().IsEmpty())
	assert.Equal(t, []*Network{n}, b.connectQueue)
	assert.True(t, rec.has("Disconnected from IRC. Reconnecting..."))
}

func TestStaleLinkEventsAreIgnored(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	old := n.link
	n.IRCDisconnected(old, nil)
	connectNetwork(t, n)

	upstreamLine{link: old, line: ":bob!bob@host.test PRIVMSG alice :late"}.handle(b)
	assert.Nil(t, n.FindQuery("bob"))

	upstreamClosed{link: old}.handle(b)
	assert.True(t, n.IsIRCConnected())
}

func TestCTCPReplyKeepsFramingOnReplay(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	n.user.location = time.UTC
	connectNetwork(t, n)

	n.link.handleLine("@time=2024-03-01T11:00:00.000Z :bob!bob@host.test NOTICE alice :\x01PING 123\x01")

	_, rec := attachClient(t, n)
	lines := rec.with("NOTICE alice")
	require.Len(t, lines, 1)
	assert.Equal(t, ":bob!bob@host.test NOTICE alice :\x01PING [11:00:00] 123\x01", lines[0])
}
