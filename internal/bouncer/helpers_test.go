package bouncer

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dalnet/rbounce/internal/config"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "hunter2"

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder stands in for a socket and keeps what was sent.
type recorder struct {
	lines  []string
	closed bool
}

func (r *recorder) SendLine(line string) { r.lines = append(r.lines, line) }
func (r *recorder) Close()               { r.closed = true }

// take returns the recorded lines and forgets them.
func (r *recorder) take() []string {
	lines := r.lines
	r.lines = nil
	return lines
}

// with returns the recorded lines containing substr.
func (r *recorder) with(substr string) []string {
	var out []string
	for _, line := range r.lines {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

func (r *recorder) has(substr string) bool {
	return len(r.with(substr)) > 0
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }

func testHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxBufferSize:  500,
		ConnectDelay:   time.Second,
		ServerThrottle: 30 * time.Second,
		AnonIPLimit:    2,
		Resolver:       config.Resolver{MaxIdle: 1, MaxWorkers: 2},
		Users: []config.User{{
			Name:       "alice",
			Password:   testHash(t, testPassword),
			Nick:       "alice",
			AltNick:    "alice_",
			Ident:      "alice",
			Realname:   "Alice",
			BufferSize: 50,
			Networks: []config.Network{{
				Name:      "libera",
				Servers:   []config.Server{{Host: "127.0.0.1", Port: 6667}},
				Channels:  []config.Channel{{Name: "#go"}},
				FloodRate: floatPtr(-1),
			}},
		}},
	}
}

// newTestBouncer builds a bouncer on a fixed clock. mutate may adjust the
// configuration first.
func newTestBouncer(t *testing.T, mutate func(*config.Config)) *Bouncer {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := New(cfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(b.pool.Close)
	b.now = func() time.Time { return testEpoch }
	return b
}

func testNetwork(t *testing.T, b *Bouncer) *Network {
	t.Helper()
	n := b.FindUser("alice").FindNetwork("libera")
	require.NotNil(t, n)
	return n
}

// connectNetwork installs a registered upstream link on n.
func connectNetwork(t *testing.T, n *Network) *recorder {
	t.Helper()
	rec := &recorder{}
	u := n.setLink(rec, n.cfg.Servers[0], "127.0.0.1:6667")
	u.handleLine(":irc.test 001 alice :Welcome to the test network alice")
	require.True(t, n.IsIRCConnected())
	rec.take()
	return rec
}

// attachClient logs a client into n with the given capabilities.
func attachClient(t *testing.T, n *Network, caps ...string) (*Client, *recorder) {
	t.Helper()
	b := n.user.b
	rec := &recorder{}
	c := newClient(b, rec, "10.0.0.1:50000", "10.0.0.1")
	b.clients[c] = struct{}{}
	c.nick = "alice"
	c.networkName = n.name
	for _, name := range caps {
		c.caps[name] = true
	}
	c.loginUser(n.user)
	require.Same(t, n, c.net)
	rec.take()
	return c, rec
}

// joinChannel makes the network joined to name with the given NAMES
// tokens.
func joinChannel(t *testing.T, n *Network, name string, names string) *Channel {
	t.Helper()
	u := n.link
	u.handleLine(":alice!alice@host.test JOIN " + name)
	u.handleLine(":irc.test 353 alice = " + name + " :" + names)
	u.handleLine(":irc.test 366 alice " + name + " :End of /NAMES list.")
	ch := n.FindChan(name)
	require.NotNil(t, ch)
	require.True(t, ch.on)
	return ch
}

// settle waits for one finished background job and dispatches it.
func settle(t *testing.T, b *Bouncer) {
	t.Helper()
	select {
	case <-b.pool.Ready():
		b.pool.Dispatch()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a background job")
	}
}
