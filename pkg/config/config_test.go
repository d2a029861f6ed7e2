package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSessionConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadSessionConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, SessionPolicyPool, cfg.Policy)
		assert.Equal(t, 10, cfg.PoolSize)
		assert.Equal(t, 101, cfg.BaseDisplay)
		assert.Equal(t, 6080, cfg.BaseVNCPort)
		assert.Equal(t, 5080, cfg.BaseWebPort)
		assert.Equal(t, 10*time.Second, cfg.DisplayReadyTimeout)
		assert.Equal(t, 3, cfg.BrowserAttachAttempts)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("SESSION_POLICY", "single")
		t.Setenv("SESSION_POOL_SIZE", "3")
		t.Setenv("BASE_DISPLAY", "200")
		t.Setenv("VNC_BASE_URL", "https://vnc.example.com")

		cfg, err := LoadSessionConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, SessionPolicySingle, cfg.Policy)
		assert.Equal(t, 3, cfg.PoolSize)
		assert.Equal(t, 200, cfg.BaseDisplay)
		assert.Equal(t, "https://vnc.example.com", cfg.VNCBaseURL)
	})

	t.Run("rejects unknown policy", func(t *testing.T) {
		t.Setenv("SESSION_POLICY", "elastic")
		_, err := LoadSessionConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session policy")
	})

	t.Run("rejects non-numeric pool size", func(t *testing.T) {
		t.Setenv("SESSION_POOL_SIZE", "many")
		_, err := LoadSessionConfigFromEnv()
		assert.Error(t, err)
	})
}

func TestLoadDispatchConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadDispatchConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8001/api/planner-preauth", cfg.ProcessorURL)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
		assert.Equal(t, 20*time.Second, cfg.ReadTimeout)
		assert.Equal(t, 600*time.Second, cfg.InflightTTL)
		assert.Equal(t, 86400*time.Second, cfg.DedupTTL)
		assert.Equal(t, 50, cfg.MaxOutstandingMessages)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxOutstandingBytes)
		assert.True(t, cfg.AckOnFailure)
	})

	t.Run("timeouts are whole seconds", func(t *testing.T) {
		t.Setenv("HTTP_READ_TIMEOUT", "45")
		t.Setenv("INFLIGHT_TTL_SECONDS", "120")
		t.Setenv("ACK_ON_FAILURE", "false")

		cfg, err := LoadDispatchConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.InflightTTL)
		assert.False(t, cfg.AckOnFailure)
	})

	t.Run("rejects zero workers", func(t *testing.T) {
		t.Setenv("WORKER_COUNT", "0")
		_, err := LoadDispatchConfigFromEnv()
		assert.Error(t, err)
	})

	t.Run("rejects a processor URL without a scheme", func(t *testing.T) {
		t.Setenv("PROCESSOR_URL", "localhost:8001/api/planner-preauth")
		_, err := LoadDispatchConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PROCESSOR_URL")
	})
}

func TestLoadRedisConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadRedisConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "redis://localhost:6379/0", cfg.URL)
		assert.Equal(t, "browser_use_logs", cfg.StreamPrefix)
		assert.Equal(t, "prior_auth_requests", cfg.WorkTopic)
		assert.Equal(t, "planner-dispatch", cfg.ConsumerGroup)
		assert.Equal(t, 5000*time.Millisecond, cfg.SSEBlock)
	})

	t.Run("stream key composition", func(t *testing.T) {
		cfg := DefaultRedisConfig()
		assert.Equal(t, "browser_use_logs:req-1", cfg.LogStreamKey("req-1"))
	})

	t.Run("topic and group from env", func(t *testing.T) {
		t.Setenv("TOPIC_NAME", "pa_work")
		t.Setenv("PUBSUB_SUBSCRIPTION", "pa_dispatch")
		cfg, err := LoadRedisConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "pa_work", cfg.WorkTopic)
		assert.Equal(t, "pa_dispatch", cfg.ConsumerGroup)
	})
}

func TestLoadAgentConfigFromEnv(t *testing.T) {
	t.Run("missing API key is not a load error", func(t *testing.T) {
		t.Setenv("GOOGLE_API_KEY", "")
		cfg, err := LoadAgentConfigFromEnv()
		require.NoError(t, err)
		assert.Empty(t, cfg.APIKey)
		assert.Equal(t, "gemini-2.0-flash", cfg.Model)
		assert.Nil(t, cfg.Temperature)
	})

	t.Run("temperature parsed", func(t *testing.T) {
		t.Setenv("GEMINI_TEMPERATURE", "0.4")
		cfg, err := LoadAgentConfigFromEnv()
		require.NoError(t, err)
		require.NotNil(t, cfg.Temperature)
		assert.InDelta(t, 0.4, float64(*cfg.Temperature), 0.001)
	})

	t.Run("invalid temperature rejected", func(t *testing.T) {
		t.Setenv("GEMINI_TEMPERATURE", "warm")
		_, err := LoadAgentConfigFromEnv()
		assert.Error(t, err)
	})
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Run("addr composition", func(t *testing.T) {
		t.Setenv("HOST", "127.0.0.1")
		t.Setenv("PORT", "9000")
		cfg, err := LoadServerConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	})

	t.Run("rejects out-of-range port", func(t *testing.T) {
		t.Setenv("PORT", "70000")
		_, err := LoadServerConfigFromEnv()
		assert.Error(t, err)
	})
}
