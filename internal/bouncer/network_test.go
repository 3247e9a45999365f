package bouncer

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dalnet/rbounce/internal/buffer"
	"github.com/dalnet/rbounce/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nextEvent handles one event posted by a background goroutine.
func nextEvent(t *testing.T, b *Bouncer) {
	t.Helper()
	select {
	case ev := <-b.events:
		ev.handle(b)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
}

func TestJoinLinePutsKeyedChannelsFirst(t *testing.T) {
	chans := []*Channel{
		newChannel("#open", buffer.New(1, 1), true),
		newChannel("#secret", buffer.New(1, 1), true),
		newChannel("#other", buffer.New(1, 1), true),
	}
	chans[1].key = "sesame"

	assert.Equal(t, "JOIN #secret,#open,#other sesame", joinLine(chans))
	assert.Equal(t, "JOIN #open", joinLine(chans[:1]))
}

func TestJoinChansPacksLines(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		var chans []config.Channel
		for i := 0; i < 60; i++ {
			chans = append(chans, config.Channel{Name: "#channel-number-" + strings.Repeat("x", 5) + string(rune('A'+i%26)) + string(rune('a'+i/26))})
		}
		cfg.Users[0].Networks[0].Channels = chans
	})
	n := testNetwork(t, b)
	rec := connectNetwork(t, n)

	n.JoinChans()
	lines := rec.take()
	require.Greater(t, len(lines), 1)
	total := 0
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), maxJoinLine)
		total += len(strings.Split(strings.TrimPrefix(line, "JOIN "), ","))
	}
	assert.Equal(t, 60, total)
}

func TestJoinTriesDisableChannel(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].JoinTries = 2
	})
	n := testNetwork(t, b)
	rec := connectNetwork(t, n)
	ch := n.FindChan("#go")

	n.JoinChans()
	n.JoinChans()
	assert.Len(t, rec.take(), 2)

	n.JoinChans()
	assert.Empty(t, rec.lines)
	assert.True(t, ch.IsDisabled())
}

func TestJoinTimerFiresAfterWelcome(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	rec := connectNetwork(t, n)

	b.tick(testEpoch)
	assert.Equal(t, []string{"JOIN #go"}, rec.take())

	b.tick(testEpoch.Add(time.Second))
	assert.Empty(t, rec.lines)

	b.tick(testEpoch.Add(joinInterval))
	assert.Equal(t, []string{"JOIN #go"}, rec.take(), "unjoined channels are retried")

	joinChannel(t, n, "#go", "@alice")
	rec.take()
	b.tick(testEpoch.Add(2 * joinInterval))
	assert.Empty(t, rec.lines)
}

func TestGetNextServerWraps(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Networks[0].Servers = []config.Server{
			{Host: "one.test", Port: 6667},
			{Host: "two.test", Port: 6697, TLS: true},
		}
	})
	n := testNetwork(t, b)

	var hosts []string
	for i := 0; i < 3; i++ {
		s, ok := n.GetNextServer()
		require.True(t, ok)
		hosts = append(hosts, s.Host)
	}
	assert.Equal(t, []string{"one.test", "two.test", "one.test"}, hosts)
	assert.False(t, n.IsLastServer())
}

func TestGetNextServerWithoutServers(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.Users[0].Networks[0].Servers = nil
	})
	n := testNetwork(t, b)

	_, ok := n.GetNextServer()
	assert.False(t, ok)
	assert.False(t, n.Connect())
}

func TestConnectResolvesAndDials(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	var dialed string
	b.SetDialer(func(server config.Server, addr string) (net.Conn, error) {
		dialed = addr
		return local, nil
	})

	require.True(t, n.Connect())
	assert.False(t, n.Connect(), "a lookup is already running")
	settle(t, b)
	nextEvent(t, b)

	assert.Equal(t, "127.0.0.1:6667", dialed)
	require.NotNil(t, n.Link())
	line, err := bufio.NewReader(remote).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "CAP LS 302\r\n", line)
}

func TestFailedDialRequeues(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	b.SetDialer(func(config.Server, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	_, rec := attachClient(t, n)

	require.True(t, n.Connect())
	settle(t, b)
	nextEvent(t, b)

	assert.Nil(t, n.Link())
	assert.Equal(t, []*Network{n}, b.connectQueue)
	assert.True(t, rec.has("Cannot connect to IRC (connection refused). Retrying..."))
}

func TestServerThrottle(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	b.SetDialer(func(config.Server, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	require.True(t, n.Connect())
	settle(t, b)
	nextEvent(t, b)
	b.connectQueue = nil

	ip := net.ParseIP("127.0.0.1")
	assert.True(t, b.serverThrottled(ip))

	require.True(t, n.Connect())
	settle(t, b)
	assert.False(t, n.dialing, "a throttled server is not dialed")
	assert.Equal(t, []*Network{n}, b.connectQueue)

	b.now = func() time.Time { return testEpoch.Add(b.cfg.ServerThrottle) }
	assert.False(t, b.serverThrottled(ip))
	assert.Empty(t, b.throttle)
}

func TestServerThrottleDisabled(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		cfg.ServerThrottle = 0
	})
	ip := net.ParseIP("192.0.2.1")
	b.throttleServer(ip)
	assert.False(t, b.serverThrottled(ip))
}

func TestConnectQueueStartsOneNetworkPerRun(t *testing.T) {
	b := newTestBouncer(t, func(cfg *config.Config) {
		second := cfg.Users[0].Networks[0]
		second.Name = "oftc"
		second.Channels = nil
		disabled := second
		disabled.Name = "efnet"
		disabled.Connect = boolPtr(false)
		cfg.Users[0].Networks = append(cfg.Users[0].Networks, second, disabled)
	})
	u := b.FindUser("alice")
	libera, oftc, efnet := u.FindNetwork("libera"), u.FindNetwork("oftc"), u.FindNetwork("efnet")

	b.queueConnect(efnet)
	b.queueConnect(libera)
	b.queueConnect(oftc)
	b.queueConnect(libera)
	require.Equal(t, []*Network{efnet, libera, oftc}, b.connectQueue)

	b.runConnectQueue(testEpoch)
	assert.NotNil(t, libera.resolving)
	assert.Nil(t, oftc.resolving)
	assert.Equal(t, []*Network{oftc}, b.connectQueue, "disabled networks leave the queue")

	b.runConnectQueue(testEpoch)
	assert.NotNil(t, oftc.resolving)
	assert.Empty(t, b.connectQueue)
}

func TestDisableCancelsLookup(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	require.True(t, n.Connect())
	require.NotNil(t, n.resolving)
	b.queueConnect(n)

	n.SetConnectEnabled(false, "")
	assert.Nil(t, n.resolving)
	assert.Empty(t, b.connectQueue)
	assert.False(t, n.ConnectEnabled())
}

func TestDisconnectCommandQuits(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	up := connectNetwork(t, n)
	c, _ := attachClient(t, n)

	c.handleLine("PRIVMSG *status :disconnect going home")
	assert.Equal(t, []string{"QUIT :going home"}, up.take())
	assert.True(t, up.closed)

	n.IRCDisconnected(n.link, nil)
	assert.Empty(t, b.connectQueue)
}

func TestUserModesAreReplayed(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	connectNetwork(t, n)
	n.link.handleLine(":alice MODE alice :+iw")
	n.link.handleLine(":irc.test 306 alice :You have been marked as being away")

	_, rec := attachClient(t, n)
	assert.True(t, rec.has("MODE alice :+iw"))
	assert.True(t, rec.has(" 306 alice "))

	n.IRCDisconnected(n.link, nil)
	assert.True(t, rec.has("MODE alice :-iw"))
}
