package saga

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readConfig(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.MaxInstances)
	assert.Equal(t, []time.Duration(DefaultRetrySchedule), cfg.RetryIntervals)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendMemory, cfg.History.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfigFromYAML(t *testing.T) {
	v := readConfig(t, `
maxInstances: 8
retryIntervals: [50ms, 1s]
log:
  level: debug
  development: true
history:
  backend: file
  dir: /var/lib/saga
redis:
  addr: redis:6380
  db: 2
  keyPrefix: "app:"
`)

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxInstances)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, time.Second}, cfg.RetryIntervals)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, BackendFile, cfg.History.Backend)
	assert.Equal(t, "/var/lib/saga", cfg.History.Dir)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "app:", cfg.Redis.KeyPrefix)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SAGA_REDIS_ADDR", "cache:6379")
	t.Setenv("SAGA_HISTORY_BACKEND", "redis")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, BackendRedis, cfg.History.Backend)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "negative cap", yaml: "maxInstances: -1", want: "maxInstances"},
		{name: "negative interval", yaml: "retryIntervals: [-1s]", want: "retryIntervals[0]"},
		{name: "unknown backend", yaml: "history: {backend: etcd}", want: "unknown history backend"},
		{name: "bad level", yaml: "log: {level: loud}", want: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(readConfig(t, tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestConfigBuildsComponents(t *testing.T) {
	cfg, err := LoadConfig(readConfig(t, "history: {backend: file}\nmaxInstances: 3"))
	require.NoError(t, err)
	cfg.History.Dir = t.TempDir()

	logger, err := cfg.NewLogger()
	require.NoError(t, err)

	h, err := cfg.NewHistory(nil)
	require.NoError(t, err)
	assert.IsType(t, &FileHistory{}, h)

	_, client := newTestRedis(t)
	cfg.History.Backend = BackendRedis
	h, err = cfg.NewHistory(client)
	require.NoError(t, err)
	assert.IsType(t, &RedisHistory{}, h)

	cfg.History.Backend = BackendMemory
	h, err = cfg.NewHistory(nil)
	require.NoError(t, err)

	s := NewSaga("order", chain(), h, cfg.SagaOptions(logger, nil)...)
	assert.Equal(t, RetrySchedule(cfg.RetryIntervals), s.retry)

	registry, err := NewRegistry(s)
	require.NoError(t, err)
	sched := NewScheduler(registry, nil, nil, cfg.SchedulerOptions(logger)...)
	assert.Equal(t, 3, sched.maxInstances)
}
