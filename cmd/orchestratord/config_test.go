package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/pipeline/orchestrator/pipeline"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "pipeline", cfg.Mongo.Database)
	assert.Equal(t, Duration(5*time.Minute), cfg.Pipeline.SweepInterval)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
redis:
  addr: "redis:6379"
  db: 2
mongo:
  uri: "mongodb://mongo:27017"
  database: "orchestrator"
pipeline:
  max_retries: 5
  retry_base_delay: 10s
  stale_threshold: 45m
  sweep_interval: 1m
  agents:
    planning: ["planner"]
    qa: ["qa", "code-reviewer"]
dispatch:
  pool_name: "agents"
  rate_limit: 25
events:
  stream: "events"
  max_len: 5000
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "orchestrator", cfg.Mongo.Database)
	assert.Equal(t, Duration(time.Minute), cfg.Pipeline.SweepInterval)
	assert.Equal(t, "agents", cfg.Dispatch.PoolName)
	assert.Equal(t, float64(25), cfg.Dispatch.RateLimit)
	assert.Equal(t, 5000, cfg.Events.MaxLen)

	pcfg := cfg.pipelineConfig()
	assert.Equal(t, 5, pcfg.MaxRetries)
	assert.Equal(t, 10*time.Second, pcfg.RetryBaseDelay)
	assert.Equal(t, 45*time.Minute, pcfg.StaleThreshold)
	assert.Equal(t, []string{"planner"}, pcfg.AgentTypes[pipeline.PhasePlanning])
	assert.Equal(t, []string{"qa", "code-reviewer"}, pcfg.AgentTypes[pipeline.PhaseQA])
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig("/does/not/exist.yaml")
	require.Error(t, err)
}
