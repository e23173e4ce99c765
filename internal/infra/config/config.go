// Пакет config отвечает за сбор и предоставление конфигурации всего приложения.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения (интервалы, лимиты, пути),
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет доступ к результату через неизменяемый снимок EnvConfig.
//
// Бизнес-контекст: конфиг управляет размером активного набора мобильных, периодами
// ротации и продвижения, таймаутами соединений, лимитами очередей и истории,
// параметрами логирования и управляющими поверхностями (web, webhook).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учётные данные Telegram API, каталоги данных, лог-уровни,
// периоды ротации/продвижения/health-check и лимиты пула.
//
// NB: значения уже проходят валидацию и нормализацию в loadConfig. В рантайме
// по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	SessionDir  string
	CatalogFile string
	StatsDir    string
	LogLevel    string
	ThrottleRPS int
	TestDC      bool
	// Пул и ротация
	ActiveSlots              int
	RotationInterval         time.Duration
	MinRotationInterval      time.Duration
	MaxRotationInterval      time.Duration
	RotationJitter           float64
	MaxRotationHistory       int
	MaxConcurrentConnections int
	// Периодические драйверы
	HealthCheckInterval time.Duration
	PromotionInterval   time.Duration
	AutoSaveInterval    time.Duration
	// Ограничение времени работы процесса (0 — работать до сигнала)
	AppTimeout time.Duration
	// Таймауты соединений
	ConnectionTimeout time.Duration
	DisconnectTimeout time.Duration
	// Верификация отправленных сообщений
	MessageCheckDelay time.Duration
	MaxQueueSize      int
	MaxResultsSize    int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Управляющие поверхности
	WebServerEnable   bool
	WebServerAddress  string
	WebhookURL        string
	BannedChannelsURL string
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: снимок Env неизменяем после Load; warnings читаются под RLock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа
}

// Значения по умолчанию для параметров окружения.
const (
	defaultThrottleRPS = 1
	defaultLogLevel    = "info"
	defaultSessionDir  = "data/sessions"
	defaultCatalogFile = "data/catalog.bbolt"
	defaultStatsDir    = "."
	// Пул и ротация
	defaultActiveSlots              = 4
	defaultRotationInterval         = 4 * time.Hour
	defaultMinRotationInterval      = 3 * time.Hour
	defaultMaxRotationInterval      = 6 * time.Hour
	defaultRotationJitter           = 0.30
	defaultMaxRotationHistory       = 50
	defaultMaxConcurrentConnections = 100
	// Периодические драйверы
	defaultHealthCheckInterval = 5 * time.Minute
	defaultPromotionInterval   = 5 * time.Second
	defaultAutoSaveInterval    = 5 * time.Minute
	// Таймауты
	defaultConnectionTimeout = 30 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	// Верификация
	defaultMessageCheckDelay = 10 * time.Second
	defaultMaxQueueSize      = 1000
	defaultMaxResultsSize    = 5000
	// Файловое логирование (LOG_FILE без дефолта: пустое значение выключает файл)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	// Web Server
	defaultWebServerEnable  = true
	defaultWebServerAddress = "127.0.0.1:8080"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат
// в singleton. Повторный вызов запрещён, чтобы избежать гонок конфигурации.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	sessionDir := sanitizeFile("SESSION_DIR", os.Getenv("SESSION_DIR"), defaultSessionDir, &warnings)
	catalogFile := sanitizeFile("CATALOG_FILE", os.Getenv("CATALOG_FILE"), defaultCatalogFile, &warnings)
	statsDir := sanitizeFile("STATS_DIR", os.Getenv("STATS_DIR"), defaultStatsDir, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")

	activeSlots := parseIntDefault("ACTIVE_SLOTS", defaultActiveSlots, greaterThanZero, &warnings)
	rotationInterval := parseDurationDefault("ROTATION_INTERVAL", defaultRotationInterval, &warnings)
	minRotation := parseDurationDefault("MIN_ROTATION_INTERVAL", defaultMinRotationInterval, &warnings)
	maxRotation := parseDurationDefault("MAX_ROTATION_INTERVAL", defaultMaxRotationInterval, &warnings)
	rotationJitter := parseFloatDefault("ROTATION_JITTER_PERCENTAGE", defaultRotationJitter, fraction, &warnings)
	maxHistory := parseIntDefault("MAX_ROTATION_HISTORY", defaultMaxRotationHistory, greaterThanZero, &warnings)
	maxConns := parseIntDefault("MAX_CONCURRENT_CONNECTIONS", defaultMaxConcurrentConnections,
		greaterThanZero, &warnings)

	healthInterval := parseDurationDefault("HEALTH_CHECK_INTERVAL", defaultHealthCheckInterval, &warnings)
	promotionInterval := parseDurationDefault("PROMOTION_INTERVAL", defaultPromotionInterval, &warnings)
	autoSaveInterval := parseDurationDefault("AUTO_SAVE_INTERVAL", defaultAutoSaveInterval, &warnings)
	appTimeout := parseOptionalDuration("APP_TIMEOUT", &warnings)

	connectionTimeout := parseDurationDefault("CONNECTION_TIMEOUT", defaultConnectionTimeout, &warnings)
	disconnectTimeout := parseDurationDefault("DISCONNECT_TIMEOUT", defaultDisconnectTimeout, &warnings)

	messageCheckDelay := parseDurationDefault("MESSAGE_CHECK_DELAY", defaultMessageCheckDelay, &warnings)
	maxQueueSize := parseIntDefault("MAX_QUEUE_SIZE", defaultMaxQueueSize, greaterThanZero, &warnings)
	maxResultsSize := parseIntDefault("MAX_RESULTS_SIZE", defaultMaxResultsSize, greaterThanZero, &warnings)

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	webServerEnable := parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings)
	webServerAddress := sanitizeFile("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
		defaultWebServerAddress, &warnings)
	webhookURL := strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	bannedChannelsURL := strings.TrimSpace(os.Getenv("BANNED_CHANNELS_URL"))

	// Инвариант границ ротации: min ≤ base ≤ max. Нарушение — возврат ко всем дефолтам,
	// чтобы джиттер не вышел за осмысленные пределы.
	if minRotation > maxRotation || rotationInterval < minRotation || rotationInterval > maxRotation {
		appendWarningf(&warnings,
			"rotation interval bounds are inconsistent (%s ∉ [%s, %s]); using defaults",
			rotationInterval, minRotation, maxRotation)
		rotationInterval = defaultRotationInterval
		minRotation = defaultMinRotationInterval
		maxRotation = defaultMaxRotationInterval
	}

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		SessionDir:  sessionDir,
		CatalogFile: catalogFile,
		StatsDir:    statsDir,
		LogLevel:    logLevel,
		ThrottleRPS: throttleRPS,
		TestDC:      testDC,

		ActiveSlots:              activeSlots,
		RotationInterval:         rotationInterval,
		MinRotationInterval:      minRotation,
		MaxRotationInterval:      maxRotation,
		RotationJitter:           rotationJitter,
		MaxRotationHistory:       maxHistory,
		MaxConcurrentConnections: maxConns,

		HealthCheckInterval: healthInterval,
		PromotionInterval:   promotionInterval,
		AutoSaveInterval:    autoSaveInterval,
		AppTimeout:          appTimeout,

		ConnectionTimeout: connectionTimeout,
		DisconnectTimeout: disconnectTimeout,

		MessageCheckDelay: messageCheckDelay,
		MaxQueueSize:      maxQueueSize,
		MaxResultsSize:    maxResultsSize,

		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,

		WebServerEnable:   webServerEnable,
		WebServerAddress:  webServerAddress,
		WebhookURL:        webhookURL,
		BannedChannelsURL: bannedChannelsURL,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не число — возвращает ошибку. Используется для
// критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение. Это позволяет
// не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseDurationDefault читает name как time.Duration ("4h", "5m", "30s").
// Неположительные и некорректные значения заменяются defaultVal с предупреждением.
func parseDurationDefault(name string, defaultVal time.Duration, warnings *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %s", name, defaultVal)
		return defaultVal
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid duration; using default %s", name, value, defaultVal)
		return defaultVal
	}
	if v <= 0 {
		appendWarningf(warnings, "env %s must be positive; using default %s", name, defaultVal)
		return defaultVal
	}
	return v
}

// parseOptionalDuration читает name как time.Duration для необязательных настроек:
// пустое значение означает «выключено» (0) и предупреждения не даёт; некорректное
// или отрицательное — выключено с предупреждением.
func parseOptionalDuration(name string, warnings *[]string) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid duration; disabled", name, value)
		return 0
	}
	if v < 0 {
		appendWarningf(warnings, "env %s must not be negative; disabled", name)
		return 0
	}
	return v
}

// parseFloatDefault читает name как float64 с дополнительной проверкой validator.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %g", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — defaultVal с предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative / fraction — простые валидаторы. Используются в
// parse*Default, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func fraction(v float64) bool    { return v > 0 && v < 1 }

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла/каталога/адреса. Если переменная
// не задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
