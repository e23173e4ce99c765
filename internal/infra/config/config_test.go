package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeEnv кладёт временный .env. Переменные, влияющие на разбор, задаются через
// t.Setenv: godotenv не перекрывает уже установленное окружение, а t.Setenv
// откатывает значения после теста.
func writeEnv(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("API_ID", "12345")
	t.Setenv("API_HASH", "0123456789abcdef")
}

func warningsText(cfg *Config) string {
	return strings.Join(cfg.warnings, "\n")
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load .env")
}

func TestLoadConfigRequiredVars(t *testing.T) {
	envPath := writeEnv(t)

	t.Setenv("API_ID", "")
	t.Setenv("API_HASH", "0123456789abcdef")
	_, err := loadConfig(envPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_ID must be set")

	t.Setenv("API_ID", "not-a-number")
	_, err = loadConfig(envPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid integer")

	t.Setenv("API_ID", "12345")
	t.Setenv("API_HASH", "")
	_, err = loadConfig(envPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_HASH must be set")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := loadConfig(writeEnv(t))
	require.NoError(t, err)

	env := cfg.Env
	assert.Equal(t, 12345, env.APIID)
	assert.Equal(t, "0123456789abcdef", env.APIHash)
	assert.Equal(t, "data/sessions", env.SessionDir)
	assert.Equal(t, "data/catalog.bbolt", env.CatalogFile)
	assert.Equal(t, ".", env.StatsDir)
	assert.Equal(t, "info", env.LogLevel)
	assert.Equal(t, 1, env.ThrottleRPS)
	assert.False(t, env.TestDC)

	assert.Equal(t, 4, env.ActiveSlots)
	assert.Equal(t, 4*time.Hour, env.RotationInterval)
	assert.Equal(t, 3*time.Hour, env.MinRotationInterval)
	assert.Equal(t, 6*time.Hour, env.MaxRotationInterval)
	assert.Equal(t, 0.30, env.RotationJitter)
	assert.Equal(t, 50, env.MaxRotationHistory)
	assert.Equal(t, 100, env.MaxConcurrentConnections)

	assert.Equal(t, 5*time.Minute, env.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, env.PromotionInterval)
	assert.Equal(t, 5*time.Minute, env.AutoSaveInterval)
	assert.Zero(t, env.AppTimeout)

	assert.Equal(t, 30*time.Second, env.ConnectionTimeout)
	assert.Equal(t, 5*time.Second, env.DisconnectTimeout)

	assert.Equal(t, 10*time.Second, env.MessageCheckDelay)
	assert.Equal(t, 1000, env.MaxQueueSize)
	assert.Equal(t, 5000, env.MaxResultsSize)

	assert.Empty(t, env.LogFile, "файловый лог по умолчанию выключен")
	assert.Equal(t, "debug", env.LogFileLevel)
	assert.Equal(t, 50, env.LogFileMaxSize)
	assert.Equal(t, 3, env.LogFileMaxBackups)
	assert.Equal(t, 7, env.LogFileMaxAge)
	assert.True(t, env.LogFileCompress)

	assert.True(t, env.WebServerEnable)
	assert.Equal(t, "127.0.0.1:8080", env.WebServerAddress)
	assert.Empty(t, env.WebhookURL)
	assert.Empty(t, env.BannedChannelsURL)

	// Подстановка значений по умолчанию сопровождается предупреждениями,
	// но необязательный APP_TIMEOUT молчит.
	text := warningsText(cfg)
	assert.Contains(t, text, "env ACTIVE_SLOTS is not set")
	assert.NotContains(t, text, "APP_TIMEOUT")
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequired(t)
	for name, value := range map[string]string{
		"SESSION_DIR":                "/var/lib/promoter/sessions",
		"CATALOG_FILE":               "/var/lib/promoter/catalog.bbolt",
		"STATS_DIR":                  "/var/lib/promoter/stats",
		"LOG_LEVEL":                  "debug",
		"THROTTLE_RPS":               "3",
		"TEST_DC":                    "TRUE",
		"ACTIVE_SLOTS":               "8",
		"ROTATION_INTERVAL":          "5h",
		"MIN_ROTATION_INTERVAL":      "4h",
		"MAX_ROTATION_INTERVAL":      "7h",
		"ROTATION_JITTER_PERCENTAGE": "0.5",
		"MAX_ROTATION_HISTORY":       "10",
		"MAX_CONCURRENT_CONNECTIONS": "25",
		"HEALTH_CHECK_INTERVAL":      "1m",
		"PROMOTION_INTERVAL":         "10s",
		"AUTO_SAVE_INTERVAL":         "30s",
		"APP_TIMEOUT":                "90m",
		"CONNECTION_TIMEOUT":         "10s",
		"DISCONNECT_TIMEOUT":         "2s",
		"MESSAGE_CHECK_DELAY":        "15s",
		"MAX_QUEUE_SIZE":             "500",
		"MAX_RESULTS_SIZE":           "100",
		"LOG_FILE":                   "logs/promoter.log",
		"LOG_FILE_LEVEL":             "warn",
		"LOG_FILE_MAX_SIZE_MB":       "10",
		"LOG_FILE_MAX_BACKUPS":       "5",
		"LOG_FILE_MAX_AGE_DAYS":      "14",
		"LOG_FILE_COMPRESS":          "false",
		"WEB_SERVER_ENABLE":          "false",
		"WEB_SERVER_ADDRESS":         "0.0.0.0:9090",
		"WEBHOOK_URL":                "https://hooks.example.com/promo?kind={kind}",
		"BANNED_CHANNELS_URL":        "https://hooks.example.com/banned",
	} {
		t.Setenv(name, value)
	}

	cfg, err := loadConfig(writeEnv(t))
	require.NoError(t, err)

	env := cfg.Env
	assert.Equal(t, "/var/lib/promoter/sessions", env.SessionDir)
	assert.Equal(t, "debug", env.LogLevel)
	assert.Equal(t, 3, env.ThrottleRPS)
	assert.True(t, env.TestDC)
	assert.Equal(t, 8, env.ActiveSlots)
	assert.Equal(t, 5*time.Hour, env.RotationInterval)
	assert.Equal(t, 4*time.Hour, env.MinRotationInterval)
	assert.Equal(t, 7*time.Hour, env.MaxRotationInterval)
	assert.Equal(t, 0.5, env.RotationJitter)
	assert.Equal(t, 10, env.MaxRotationHistory)
	assert.Equal(t, 25, env.MaxConcurrentConnections)
	assert.Equal(t, time.Minute, env.HealthCheckInterval)
	assert.Equal(t, 10*time.Second, env.PromotionInterval)
	assert.Equal(t, 30*time.Second, env.AutoSaveInterval)
	assert.Equal(t, 90*time.Minute, env.AppTimeout)
	assert.Equal(t, 10*time.Second, env.ConnectionTimeout)
	assert.Equal(t, 2*time.Second, env.DisconnectTimeout)
	assert.Equal(t, 15*time.Second, env.MessageCheckDelay)
	assert.Equal(t, 500, env.MaxQueueSize)
	assert.Equal(t, 100, env.MaxResultsSize)
	assert.Equal(t, "logs/promoter.log", env.LogFile)
	assert.Equal(t, "warn", env.LogFileLevel)
	assert.Equal(t, 10, env.LogFileMaxSize)
	assert.Equal(t, 5, env.LogFileMaxBackups)
	assert.Equal(t, 14, env.LogFileMaxAge)
	assert.False(t, env.LogFileCompress)
	assert.False(t, env.WebServerEnable)
	assert.Equal(t, "0.0.0.0:9090", env.WebServerAddress)
	assert.Equal(t, "https://hooks.example.com/promo?kind={kind}", env.WebhookURL)
	assert.Equal(t, "https://hooks.example.com/banned", env.BannedChannelsURL)

	assert.Empty(t, cfg.warnings, "полное окружение не оставляет предупреждений")
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	setRequired(t)
	envPath := writeEnv(t,
		"SESSION_DIR=data/test-sessions",
		"CATALOG_FILE=data/test-catalog.bbolt",
	)
	// godotenv добавляет значения в окружение процесса; убираем их за собой.
	t.Cleanup(func() {
		os.Unsetenv("SESSION_DIR")
		os.Unsetenv("CATALOG_FILE")
	})

	cfg, err := loadConfig(envPath)
	require.NoError(t, err)
	assert.Equal(t, "data/test-sessions", cfg.Env.SessionDir)
	assert.Equal(t, "data/test-catalog.bbolt", cfg.Env.CatalogFile)
}

func TestLoadConfigInvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("ACTIVE_SLOTS", "-2")
	t.Setenv("MAX_QUEUE_SIZE", "many")
	t.Setenv("ROTATION_JITTER_PERCENTAGE", "1.5")
	t.Setenv("PROMOTION_INTERVAL", "-5s")
	t.Setenv("LOG_LEVEL", "verbose")
	t.Setenv("LOG_FILE_COMPRESS", "sometimes")

	cfg, err := loadConfig(writeEnv(t))
	require.NoError(t, err)

	env := cfg.Env
	assert.Equal(t, 4, env.ActiveSlots)
	assert.Equal(t, 1000, env.MaxQueueSize)
	assert.Equal(t, 0.30, env.RotationJitter)
	assert.Equal(t, 5*time.Second, env.PromotionInterval)
	assert.Equal(t, "info", env.LogLevel)
	assert.True(t, env.LogFileCompress)

	text := warningsText(cfg)
	assert.Contains(t, text, "env ACTIVE_SLOTS value -2")
	assert.Contains(t, text, `env MAX_QUEUE_SIZE value "many"`)
	assert.Contains(t, text, "env ROTATION_JITTER_PERCENTAGE value 1.5")
	assert.Contains(t, text, "env PROMOTION_INTERVAL must be positive")
	assert.Contains(t, text, `env LOG_LEVEL value "verbose"`)
	assert.Contains(t, text, `env LOG_FILE_COMPRESS value "sometimes"`)
}

func TestLoadConfigRotationBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("ROTATION_INTERVAL", "10h")
	t.Setenv("MIN_ROTATION_INTERVAL", "3h")
	t.Setenv("MAX_ROTATION_INTERVAL", "6h")

	cfg, err := loadConfig(writeEnv(t))
	require.NoError(t, err)

	// База вне [min, max] — откат всех трёх к значениям по умолчанию.
	assert.Equal(t, 4*time.Hour, cfg.Env.RotationInterval)
	assert.Equal(t, 3*time.Hour, cfg.Env.MinRotationInterval)
	assert.Equal(t, 6*time.Hour, cfg.Env.MaxRotationInterval)
	assert.Contains(t, warningsText(cfg), "rotation interval bounds are inconsistent")
}

func TestLoadConfigRotationBoundsInverted(t *testing.T) {
	setRequired(t)
	t.Setenv("ROTATION_INTERVAL", "5h")
	t.Setenv("MIN_ROTATION_INTERVAL", "6h")
	t.Setenv("MAX_ROTATION_INTERVAL", "4h")

	cfg, err := loadConfig(writeEnv(t))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, cfg.Env.RotationInterval)
	assert.Equal(t, 3*time.Hour, cfg.Env.MinRotationInterval)
	assert.Equal(t, 6*time.Hour, cfg.Env.MaxRotationInterval)
}

func TestLoadConfigOptionalAppTimeout(t *testing.T) {
	setRequired(t)

	t.Setenv("APP_TIMEOUT", "bogus")
	cfg, err := loadConfig(writeEnv(t))
	require.NoError(t, err)
	assert.Zero(t, cfg.Env.AppTimeout)
	assert.Contains(t, warningsText(cfg), `env APP_TIMEOUT value "bogus"`)

	t.Setenv("APP_TIMEOUT", "-5m")
	cfg, err = loadConfig(writeEnv(t))
	require.NoError(t, err)
	assert.Zero(t, cfg.Env.AppTimeout)
	assert.Contains(t, warningsText(cfg), "env APP_TIMEOUT must not be negative")
}

func TestLoadOnce(t *testing.T) {
	setRequired(t)
	envPath := writeEnv(t)

	require.NoError(t, Load(envPath))
	assert.Equal(t, 12345, Env().APIID)
	assert.NotEmpty(t, Warnings())

	err := Load(envPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already loaded")
}
