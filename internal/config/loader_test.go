package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLoader(t *testing.T, path string, env map[string]string) *Loader {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	l := NewLoader(path, logger)
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_EnvOnly(t *testing.T) {
	l := newTestLoader(t, "", map[string]string{
		EnvEmail:    "user@example.com",
		EnvPassword: "secret",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", cfg.Octopus.Email)
	assert.Equal(t, "https://api.oees-kraken.energy/v1/graphql/", cfg.Octopus.GraphQLURL)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.Refresh.Devices))
	assert.Equal(t, time.Hour, time.Duration(cfg.Refresh.Billing))
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoader_FileWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `octopus:
  email: file@example.com
  password: from-file
  timeout: 10s
refresh:
  devices: 2m
  billing: 30m
http:
  port: 9000
mqtt:
  broker: tcp://file:1883
  topic_prefix: octo
kafka:
  topic: events
`)
	l := newTestLoader(t, path, map[string]string{
		EnvEmail:       "env@example.com",
		EnvHTTPPort:    "9100",
		EnvKafkaBroker: "k1:9092, k2:9092,",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.Octopus.Email)
	assert.Equal(t, "from-file", cfg.Octopus.Password)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.Octopus.Timeout))
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Refresh.Devices))
	assert.Equal(t, 30*time.Minute, time.Duration(cfg.Refresh.Billing))
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, "tcp://file:1883", cfg.MQTT.Broker)
	assert.Equal(t, "octo", cfg.MQTT.TopicPrefix)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "events", cfg.Kafka.Topic)
}

func TestLoader_Errors(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		_, err := newTestLoader(t, "", nil).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "email is required")
		assert.Contains(t, err.Error(), "password is required")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := newTestLoader(t, "/nonexistent/config.yaml", nil).Load()
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, "refresh:\n  devices: soon\n")
		_, err := newTestLoader(t, path, map[string]string{EnvEmail: "a", EnvPassword: "b"}).Load()
		assert.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		_, err := newTestLoader(t, "", map[string]string{
			EnvEmail: "a", EnvPassword: "b", EnvHTTPPort: "http",
		}).Load()
		assert.Error(t, err)
	})
}
