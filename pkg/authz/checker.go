// Package authz gates individual tool calls. A call is allowed only if
// it clears the identity's blacklist, the content-danger patterns, and
// the identity's autonomy threshold. Denials always carry a
// human-readable reason naming the offending rule.
package authz

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/risk"
	"github.com/stewardlabs/steward/pkg/stream"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Checker evaluates tool calls for one process. The risk registry and
// blacklists are explicit construction-time inputs, not globals.
type Checker struct {
	registry *risk.Registry
	logger   zerolog.Logger

	mu        sync.RWMutex
	blacklist map[string]map[string]bool // identity -> tool -> denied
}

// NewChecker creates a checker over a risk registry and a per-identity
// blacklist table.
func NewChecker(registry *risk.Registry, blacklist map[string][]string, logger zerolog.Logger) *Checker {
	c := &Checker{
		registry:  registry,
		logger:    logger,
		blacklist: make(map[string]map[string]bool),
	}
	c.ReplaceBlacklist(blacklist)
	return c
}

// ReplaceBlacklist swaps the whole blacklist table, used by the policy
// watcher on file change.
func (c *Checker) ReplaceBlacklist(blacklist map[string][]string) {
	next := make(map[string]map[string]bool, len(blacklist))
	for identity, tools := range blacklist {
		set := make(map[string]bool, len(tools))
		for _, tool := range tools {
			set[tool] = true
		}
		next[identity] = set
	}

	c.mu.Lock()
	c.blacklist = next
	c.mu.Unlock()
}

// Blacklisted reports whether a tool is hard-denied for an identity.
func (c *Checker) Blacklisted(identity, tool string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blacklist[identity][tool]
}

// Check authorizes one extracted tool call for an identity at an
// autonomy level. The blacklist and content patterns are hard denies
// regardless of risk tier; the threshold check comes last.
func (c *Checker) Check(identity string, autonomy risk.Autonomy, call stream.ToolCall) Decision {
	if decision := c.checkPolicy(identity, call); !decision.Allowed {
		return decision
	}

	level := c.registry.Classify(call.Name)
	if risk.RequiresApproval(level, autonomy) {
		return deny("tool %q is %s risk, above the %s autonomy threshold",
			call.Name, level, autonomy)
	}

	return allow()
}

// CheckApproved authorizes a call inside an explicitly approved plan.
// The approval satisfies the autonomy threshold; the blacklist and
// content patterns still apply.
func (c *Checker) CheckApproved(identity string, call stream.ToolCall) Decision {
	return c.checkPolicy(identity, call)
}

func (c *Checker) checkPolicy(identity string, call stream.ToolCall) Decision {
	if c.Blacklisted(identity, call.Name) {
		c.logger.Warn().
			Str("identity", identity).
			Str("tool", call.Name).
			Msg("Tool call blocked by blacklist")
		return deny("tool %q is blacklisted for this identity", call.Name)
	}

	if pattern, value, hit := scanArguments(call.Arguments); hit {
		c.logger.Warn().
			Str("identity", identity).
			Str("tool", call.Name).
			Str("pattern", pattern).
			Msg("Tool call blocked by content-danger pattern")
		return deny("argument %q matches blocked pattern (%s)", value, pattern)
	}

	return allow()
}
