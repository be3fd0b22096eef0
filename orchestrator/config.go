package orchestrator

import (
	"time"

	"goa.design/pipeline/orchestrator/pipeline"
)

// Config tunes retry, staleness, and pagination behavior. The zero value is
// usable; missing fields are filled from DefaultConfig.
type Config struct {
	// MaxRetries is the default retry budget for pipelines that do not set
	// their own.
	MaxRetries int
	// RetryBaseDelay is the first retry backoff interval.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the exponential retry backoff.
	RetryMaxDelay time.Duration
	// StaleThreshold is how long a pipeline may sit in one state before the
	// sweeper treats it as stalled.
	StaleThreshold time.Duration
	// ContextTTL is the retention window for hot pipeline contexts.
	ContextTTL time.Duration
	// HistoryPageCap bounds the page size of history queries.
	HistoryPageCap int
	// AgentTypes maps each phase to its agent types, primary first. Entries
	// past the first are reassignment fallbacks.
	AgentTypes map[pipeline.Phase][]string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  300 * time.Second,
		StaleThreshold: 30 * time.Minute,
		ContextTTL:     7 * 24 * time.Hour,
		HistoryPageCap: 100,
		AgentTypes:     defaultAgentTypes(),
	}
}

func defaultAgentTypes() map[pipeline.Phase][]string {
	return map[pipeline.Phase][]string{
		pipeline.PhasePlanning:     {"planner", "architect"},
		pipeline.PhaseImplementing: {"implementer", "senior-implementer"},
		pipeline.PhaseQA:           {"qa", "code-reviewer"},
		pipeline.PhaseDeploying:    {"deployer", "release-manager"},
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.ContextTTL <= 0 {
		c.ContextTTL = def.ContextTTL
	}
	if c.HistoryPageCap <= 0 {
		c.HistoryPageCap = def.HistoryPageCap
	}
	if c.AgentTypes == nil {
		c.AgentTypes = def.AgentTypes
	}
	return c
}

// agentsFor returns the agent types configured for phase, primary first.
func (c Config) agentsFor(phase pipeline.Phase) []string {
	return c.AgentTypes[phase]
}

// primaryAgent returns the primary agent type for phase, or "" when none is
// configured.
func (c Config) primaryAgent(phase pipeline.Phase) string {
	agents := c.AgentTypes[phase]
	if len(agents) == 0 {
		return ""
	}
	return agents[0]
}

// retryDelay computes the exponential backoff delay for the given attempt
// (1-based), capped at RetryMaxDelay.
func (c Config) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if delay > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return delay
}
