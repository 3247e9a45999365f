// Package hooks runs ordered handler chains at the bouncer's extension
// points.
package hooks

// Result is what a handler tells the chain to do next.
type Result int

const (
	// Continue passes the event to the next handler.
	Continue Result = iota
	// Halt stops the chain. The core still performs its default action.
	Halt
	// HaltCore stops the chain and suppresses the core's default action.
	HaltCore
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Halt:
		return "halt"
	case HaltCore:
		return "halt-core"
	}
	return "unknown"
}

// Scope is the level a handler was registered at.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeUser
	ScopeNetwork
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		return "user"
	case ScopeNetwork:
		return "network"
	}
	return "unknown"
}

// Handler handles one event.
type Handler[E any] func(ev E) Result

type entry[E any] struct {
	name string
	fn   Handler[E]
}

// Chain is an ordered list of named handlers.
type Chain[E any] struct {
	entries []entry[E]
}

// Register appends a handler. Handlers run in registration order.
func (c *Chain[E]) Register(name string, fn Handler[E]) {
	c.entries = append(c.entries, entry[E]{name: name, fn: fn})
}

// Unregister removes every handler registered under name.
func (c *Chain[E]) Unregister(name string) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.name != name {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Len returns the number of registered handlers.
func (c *Chain[E]) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Run calls handlers in order until one returns something other than
// Continue, and returns that result.
func (c *Chain[E]) Run(ev E) Result {
	if c == nil {
		return Continue
	}
	for _, e := range c.entries {
		if r := e.fn(ev); r != Continue {
			return r
		}
	}
	return Continue
}

// Outcome is the folded result of running a scoped set of chains.
type Outcome struct {
	Result Result
	// Scope is where the chain stopped. It is only meaningful when Result
	// is not Continue.
	Scope Scope
	// Handler is the name of the handler that stopped the chain.
	Handler string
}

// Suppressed reports whether the core default action must be skipped.
func (o Outcome) Suppressed() bool {
	return o.Result == HaltCore
}

// Run folds the chains in scope order: global, then user, then network.
// Nil chains are skipped. The first non-Continue result ends the fold.
func Run[E any](ev E, global, user, network *Chain[E]) Outcome {
	scoped := [...]struct {
		scope Scope
		chain *Chain[E]
	}{
		{ScopeGlobal, global},
		{ScopeUser, user},
		{ScopeNetwork, network},
	}
	for _, s := range scoped {
		if s.chain == nil {
			continue
		}
		for _, e := range s.chain.entries {
			if r := e.fn(ev); r != Continue {
				return Outcome{Result: r, Scope: s.scope, Handler: e.name}
			}
		}
	}
	return Outcome{Result: Continue}
}
