package bouncer

import (
	"testing"

	"github.com/dalnet/rbounce/internal/config"
	"github.com/dalnet/rbounce/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffersSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	withDir := func(cfg *config.Config) { cfg.DataDir = dir }

	b := newTestBouncer(t, withDir)
	n := testNetwork(t, b)
	n.FindChan("#go").Buffer().AddLine(":bob!b@h PRIVMSG {target} :{text}", "hello #go", testEpoch, nil)
	n.AddQuery("Bob").Buffer().AddLine(":bob!b@h PRIVMSG {target} :{text}", "hello you", testEpoch, nil)
	b.flushBuffers()

	targets, err := storage.ListBuffers(dir, "alice", "libera")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"#go", "bob"}, targets)

	restarted := newTestBouncer(t, withDir)
	n = testNetwork(t, restarted)
	lines := n.FindChan("#go").Buffer().Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "hello #go", lines[0].Text)
	assert.True(t, testEpoch.Equal(lines[0].Time))

	q := n.FindQuery("bob")
	require.NotNil(t, q)
	assert.Equal(t, 1, q.Buffer().Size())
}

func TestFlushRemovesStaleBuffers(t *testing.T) {
	dir := t.TempDir()
	b := newTestBouncer(t, func(cfg *config.Config) { cfg.DataDir = dir })
	n := testNetwork(t, b)
	n.AddQuery("carol").Buffer().AddLine(":carol!c@h PRIVMSG {target} :{text}", "hi", testEpoch, nil)
	b.flushBuffers()

	n.DelQuery("carol")
	b.flushBuffers()

	targets, err := storage.ListBuffers(dir, "alice", "libera")
	require.NoError(t, err)
	assert.Empty(t, targets, "empty buffers leave no file behind")
}

func TestUnconfiguredChannelBuffersAreIgnored(t *testing.T) {
	dir := t.TempDir()
	records := []storage.Record{{Time: testEpoch, Format: ":x PRIVMSG {target} :{text}", Text: "old"}}
	require.NoError(t, storage.SaveBuffer(dir, "alice", "libera", "#gone", records))

	b := newTestBouncer(t, func(cfg *config.Config) { cfg.DataDir = dir })
	n := testNetwork(t, b)
	assert.Nil(t, n.FindChan("#gone"))
	assert.Empty(t, n.Queries())
}

func TestNoDataDirSkipsPersistence(t *testing.T) {
	b := newTestBouncer(t, nil)
	n := testNetwork(t, b)
	n.AddQuery("bob")
	assert.NotPanics(t, b.flushBuffers)
}
