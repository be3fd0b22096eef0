package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"goa.design/pipeline/orchestrator/pipeline"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 300*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 30*time.Minute, cfg.StaleThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.ContextTTL)
	assert.Equal(t, 100, cfg.HistoryPageCap)
	assert.Equal(t, "planner", cfg.primaryAgent(pipeline.PhasePlanning))
	assert.Equal(t, "deployer", cfg.primaryAgent(pipeline.PhaseDeploying))
}

func TestConfigPartialOverride(t *testing.T) {
	cfg := Config{MaxRetries: 5, HistoryPageCap: 20}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 20, cfg.HistoryPageCap)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 160 * time.Second},
		{7, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cfg.retryDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestPrimaryAgentUnknownPhase(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.primaryAgent("shipping"))
	assert.Empty(t, cfg.agentsFor("shipping"))
}
