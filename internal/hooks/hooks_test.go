package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func recorder(calls *[]string, name string, r Result) Handler[string] {
	return func(ev string) Result {
		*calls = append(*calls, name+":"+ev)
		return r
	}
}

func TestChainRunsInOrder(t *testing.T) {
	var calls []string
	var c Chain[string]
	c.Register("a", recorder(&calls, "a", Continue))
	c.Register("b", recorder(&calls, "b", Continue))

	assert.Equal(t, Continue, c.Run("ev"))
	assert.Equal(t, []string{"a:ev", "b:ev"}, calls)
}

func TestChainStopsOnHalt(t *testing.T) {
	for _, r := range []Result{Halt, HaltCore} {
		var calls []string
		var c Chain[string]
		c.Register("a", recorder(&calls, "a", r))
		c.Register("b", recorder(&calls, "b", Continue))

		assert.Equal(t, r, c.Run("ev"))
		assert.Equal(t, []string{"a:ev"}, calls, r.String())
	}
}

func TestNilChainContinues(t *testing.T) {
	var c *Chain[string]
	assert.Equal(t, Continue, c.Run("ev"))
	assert.Equal(t, 0, c.Len())
}

func TestUnregister(t *testing.T) {
	var calls []string
	var c Chain[string]
	c.Register("a", recorder(&calls, "a", Continue))
	c.Register("b", recorder(&calls, "b", Continue))
	c.Register("a", recorder(&calls, "a2", Continue))
	c.Unregister("a")

	c.Run("x")
	assert.Equal(t, []string{"b:x"}, calls)
	assert.Equal(t, 1, c.Len())
}

func TestRunFoldsScopes(t *testing.T) {
	var calls []string
	var global, user, network Chain[string]
	global.Register("g", recorder(&calls, "g", Continue))
	user.Register("u", recorder(&calls, "u", Halt))
	network.Register("n", recorder(&calls, "n", Continue))

	out := Run("ev", &global, &user, &network)

	assert.Equal(t, []string{"g:ev", "u:ev"}, calls)
	assert.Equal(t, Halt, out.Result)
	assert.Equal(t, ScopeUser, out.Scope)
	assert.Equal(t, "u", out.Handler)
	assert.False(t, out.Suppressed())
}

func TestRunHaltCoreSuppresses(t *testing.T) {
	var calls []string
	var network Chain[string]
	network.Register("n", recorder(&calls, "n", HaltCore))

	out := Run("ev", nil, nil, &network)

	assert.True(t, out.Suppressed())
	assert.Equal(t, ScopeNetwork, out.Scope)
}

func TestRunAllContinue(t *testing.T) {
	var calls []string
	var global Chain[string]
	global.Register("g", recorder(&calls, "g", Continue))

	out := Run("ev", &global, nil, nil)
	assert.Equal(t, Continue, out.Result)
	assert.False(t, out.Suppressed())
}
