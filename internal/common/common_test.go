package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:9000", cfg.ClickHouseAddr())
	assert.Equal(t, "measurements.measurement_raw", cfg.TableFQN())
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, filepath.Join("/var/lib/solar-data-pipeline", "matrices"), cfg.OutputDir())

	n := cfg.NormalizerConfig()
	assert.Equal(t, solar.SamplesPerDay, n.SamplesPerDay)
	assert.Equal(t, solar.DegenerateZero, n.OnDegenerateDay)
}

func TestLoadLayers(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"clickhouse_host: ch.internal",
		"clickhouse_database: pv",
		"file_url: file:///data/site.csv",
		"transform: simple",
		"cache_ttl: 2h",
		"matrix_start: 2020-01-01",
	}, "\n")), 0o644))

	t.Setenv("CLICKHOUSE_DATABASE", "pv_env")
	t.Setenv("STORE_SITES", "a,b")
	t.Setenv("SEED", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ch.internal", cfg.ClickHouseHost)
	assert.Equal(t, "pv_env", cfg.ClickHouseDatabase)
	assert.Equal(t, "file:///data/site.csv", cfg.FileURL)
	assert.Equal(t, "simple", cfg.Transform)
	assert.Equal(t, 2*time.Hour, cfg.CacheTTL)
	assert.Equal(t, []string{"a", "b"}, cfg.StoreSites)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), cfg.MatrixStartTime())
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CLICKHOUSE_HOST=from-dotenv\n"), 0o644))
	// godotenv never overrides variables that are already set.
	t.Setenv("CLICKHOUSE_HOST", "")
	os.Unsetenv("CLICKHOUSE_HOST")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.ClickHouseHost)
}

func TestLoadRejectsUnknownYAMLKey(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad transform", func(c *Config) { c.Transform = "fancy" }},
		{"bad degenerate policy", func(c *Config) { c.OnDegenerateDay = "drop" }},
		{"bad ratio policy", func(c *Config) { c.RatioPolicy = "round" }},
		{"uneven grid", func(c *Config) { c.SamplesPerDay = 7 }},
		{"no sources", func(c *Config) { c.StoreEnabled = false }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"bad matrix start", func(c *Config) { c.MatrixStart = "01/02/2020" }},
		{"threshold", func(c *Config) { c.NightThreshold = 1.5 }},
		{"port", func(c *Config) { c.ClickHousePort = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsZeroSentinelAndThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sentinel = 0
	cfg.NightThreshold = 0
	require.NoError(t, cfg.Validate())
	n := cfg.NormalizerConfig()
	assert.Equal(t, 0.0, n.Sentinel)
	assert.Equal(t, 0.0, n.NightThreshold)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("loud")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.ObserveDays(solar.SourceStore, 10)
	m.ObserveDegenerate(solar.SourceFile)
	m.ObserveBlend(solar.SourceStore, 3)
	m.ObserveBlend(solar.SourceStore, 2)
	m.ObserveSourceError(solar.SourceFile)
	m.ObserveRetrieval(150 * time.Millisecond)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.DaysNormalized.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegenerateDays.WithLabelValues("file")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.BlendColumns.WithLabelValues("store")))

	path := filepath.Join(t.TempDir(), "solar.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `solar_source_errors_total{source="file"} 1`)
	assert.Contains(t, string(data), "solar_retrieval_duration_seconds_count 1")
}

func TestStatsReporter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewStats(zap.New(core), 10*time.Millisecond)
	s.StartReporter()
	s.StartReporter()
	s.AddRows(500)
	s.AddBytes(1024)
	s.AddFile()
	s.SetFlushLatency(3 * time.Millisecond)

	require.Eventually(t, func() bool { return logs.FilterMessage("progress").Len() > 0 }, time.Second, 5*time.Millisecond)
	s.StopReporter()
	s.StopReporter()

	s.Summary()
	summary := logs.FilterMessage("final statistics").All()
	require.Len(t, summary, 1)
	assert.Equal(t, uint64(500), summary[0].ContextMap()["rows"])
	assert.Equal(t, uint64(1), s.Files())
}
