package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"STATEFLOW_AGENT_FILE", "STATEFLOW_BUFFER_ENABLED", "STATEFLOW_BUFFER_DELAY_MS",
	"STATEFLOW_MAX_SKIP_DEPTH", "STATEFLOW_RETRY_CEILING", "STATEFLOW_MAX_REPEATS",
	"STATEFLOW_HISTORY_WINDOW", "STATEFLOW_APPROVAL_CONFIDENCE", "STATEFLOW_TIMEZONE",
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "OPENAI_API_KEY", "OPENAI_MODEL",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
	"STATEFLOW_METRICS_ADDR", "STATEFLOW_PURGE_SCHEDULE", "STATEFLOW_BUFFER_RETENTION",
	"STATEFLOW_LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentFile, cfg.AgentFile)
	assert.True(t, cfg.BufferEnabled)
	assert.Equal(t, 3*time.Second, cfg.BufferDelay)
	assert.Equal(t, 5, cfg.MaxSkipDepth)
	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, 2, cfg.MaxRepeats)
	assert.Equal(t, 10, cfg.HistoryWindow)
	assert.InDelta(t, 0.9, cfg.ApprovalConfidence, 1e-9)
	assert.Equal(t, "America/Sao_Paulo", cfg.Timezone)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.TwilioEnabled())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STATEFLOW_AGENT_FILE", "configs/clinic.yaml")
	t.Setenv("STATEFLOW_BUFFER_ENABLED", "off")
	t.Setenv("STATEFLOW_BUFFER_DELAY_MS", "250")
	t.Setenv("STATEFLOW_RETRY_CEILING", "4")
	t.Setenv("STATEFLOW_APPROVAL_CONFIDENCE", "0.75")
	t.Setenv("STATEFLOW_TIMEZONE", "UTC")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_FROM_NUMBER", "whatsapp:+14155238886")
	t.Setenv("STATEFLOW_BUFFER_RETENTION", "48h")
	t.Setenv("STATEFLOW_LOG_LEVEL", "DEBUG")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "configs/clinic.yaml", cfg.AgentFile)
	assert.False(t, cfg.BufferEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.BufferDelay)
	assert.Equal(t, 4, cfg.RetryCeiling)
	assert.InDelta(t, 0.75, cfg.ApprovalConfidence, 1e-9)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.True(t, cfg.TwilioEnabled())
	assert.Equal(t, 48*time.Hour, cfg.BufferRetention)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestFromEnvInvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("STATEFLOW_MAX_SKIP_DEPTH", "many")
	t.Setenv("STATEFLOW_APPROVAL_CONFIDENCE", "high")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSkipDepth, cfg.MaxSkipDepth)
	assert.InDelta(t, DefaultApprovalConfidence, cfg.ApprovalConfidence, 1e-9)
}

func TestFromEnvRejectsOutOfRange(t *testing.T) {
	cases := map[string]string{
		"STATEFLOW_BUFFER_DELAY_MS":     "-1",
		"STATEFLOW_RETRY_CEILING":       "0",
		"STATEFLOW_HISTORY_WINDOW":      "0",
		"STATEFLOW_APPROVAL_CONFIDENCE": "1.5",
		"STATEFLOW_TIMEZONE":            "Mars/Olympus",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestFromEnvWindowMustCoverRepeats(t *testing.T) {
	clearEnv(t)
	t.Setenv("STATEFLOW_MAX_REPEATS", "10")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATEFLOW_HISTORY_WINDOW")

	t.Setenv("STATEFLOW_HISTORY_WINDOW", "11")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxRepeats)
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("STATEFLOW_TEST_BOOL", tt.val)
		assert.Equal(t, tt.want, ParseBoolEnv("STATEFLOW_TEST_BOOL", tt.def), tt.val)
	}
}
