package expression

import (
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
)

// Context is the snapshot an expression is evaluated against. Status functions
// read Needs rather than any process-wide state.
type Context struct {
	contexts              map[string]Value
	needs                 domain.NeedsTable
	runCancelled          bool
	skippedSatisfiesNeeds bool
}

func NewContext() *Context {
	return &Context{
		contexts:              make(map[string]Value),
		skippedSatisfiesNeeds: true,
	}
}

// With binds a named context such as github, env, matrix or steps.
func (c *Context) With(name string, value any) *Context {
	c.contexts[strings.ToLower(name)] = FromGo(value)
	return c
}

// WithNeeds sets the needs table and binds it as the needs context.
func (c *Context) WithNeeds(needs domain.NeedsTable) *Context {
	c.needs = needs
	c.contexts["needs"] = needsValue(needs)
	return c
}

func (c *Context) WithRunCancelled(cancelled bool) *Context {
	c.runCancelled = cancelled
	return c
}

func (c *Context) WithSkippedSatisfiesNeeds(enabled bool) *Context {
	c.skippedSatisfiesNeeds = enabled
	return c
}

func (c *Context) Needs() domain.NeedsTable {
	return c.needs
}

// lookup resolves a top-level identifier. Direct needs are also reachable by job name.
func (c *Context) lookup(name string) (Value, bool) {
	if c == nil {
		return Null(), false
	}
	if v, ok := c.contexts[strings.ToLower(name)]; ok {
		return v, true
	}
	if need, ok := c.needs[name]; ok {
		return needValue(need), true
	}
	for job, need := range c.needs {
		if strings.EqualFold(job, name) {
			return needValue(need), true
		}
	}
	return Null(), false
}

func (c *Context) success() bool {
	if c == nil {
		return true
	}
	if c.runCancelled {
		return false
	}
	for _, need := range c.needs {
		switch need.Result {
		case domain.NodeStatusSuccess:
		case domain.NodeStatusSkipped:
			if !c.skippedSatisfiesNeeds {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (c *Context) failure() bool {
	if c == nil {
		return false
	}
	for _, need := range c.needs {
		if need.Result == domain.NodeStatusFailure {
			return true
		}
	}
	return false
}

func (c *Context) cancelled() bool {
	if c == nil {
		return false
	}
	if c.runCancelled {
		return true
	}
	for _, need := range c.needs {
		if need.Result == domain.NodeStatusCancelled {
			return true
		}
	}
	return false
}

func needsValue(needs domain.NeedsTable) Value {
	m := make(map[string]Value, len(needs))
	for job, need := range needs {
		m[job] = needValue(need)
	}
	return Map(m)
}

func needValue(need domain.NeedResult) Value {
	return Map(map[string]Value{
		"result":  String(string(need.Result)),
		"outputs": FromGo(need.Outputs),
	})
}
