package risk

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps tool names to risk tiers. It is an explicit configuration
// object handed to the authorization checker and the approval manager at
// construction time; there is no process-global table.
//
// Unregistered tools classify as Critical. That is the safe assumption:
// a tool nobody vetted must not slip under an identity's threshold.
type Registry struct {
	mu     sync.RWMutex
	levels map[string]Level
	logger zerolog.Logger
}

// NewRegistry creates a registry seeded from a tool→level table.
func NewRegistry(table map[string]Level, logger zerolog.Logger) *Registry {
	levels := make(map[string]Level, len(table))
	for name, level := range table {
		levels[name] = level
	}
	return &Registry{
		levels: levels,
		logger: logger,
	}
}

// Register sets or overrides the risk tier for a tool.
func (r *Registry) Register(tool string, level Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[tool] = level
}

// Classify returns the risk tier for a tool. Unknown tools are Critical;
// the fallback is logged so unregistered tools show up in operation.
func (r *Registry) Classify(tool string) Level {
	r.mu.RLock()
	level, ok := r.levels[tool]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn().
			Str("tool", tool).
			Msg("Tool not in risk registry, classifying as critical")
		return Critical
	}
	return level
}

// Known reports whether a tool has an explicit entry.
func (r *Registry) Known(tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.levels[tool]
	return ok
}

// Snapshot returns a copy of the registered table.
func (r *Registry) Snapshot() map[string]Level {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Level, len(r.levels))
	for name, level := range r.levels {
		out[name] = level
	}
	return out
}
