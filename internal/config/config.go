// Пакет config — загрузка и валидация конфигурации Upload Manager
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Реализации Transfer Executor.
const (
	ExecutorSimulated = "simulated"
	ExecutorDisk      = "disk"
)

// Config содержит все параметры конфигурации Upload Manager.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Допустимые префиксы MIME-типов (пусто — любые)
	AllowedTypes []string
	// Бюджет одновременных передач
	Concurrency int
	// Реализация Transfer Executor (simulated, disk)
	Executor string
	// Директория приёма файлов для disk executor
	SpoolDir string
	// Ограничение скорости записи disk executor, байт/сек (0 — без ограничения)
	DiskRateLimit int64
	// Вероятность ошибки simulated executor (0..1)
	SimFailureRate float64
	// Базовый URL итогового расположения simulated executor
	SimBaseURL string
	// Порог простоя передачи для watchdog (0 — watchdog отключён)
	StallTimeout time.Duration
	// Интервал проверки watchdog
	WatchdogInterval time.Duration
	// Максимальная сторона превью в пикселях
	PreviewMaxDim int
	// Размер LRU-кэша превью
	PreviewCacheSize int
	// Время жизни превью в кэше
	PreviewCacheTTL time.Duration
	// Лимит тела multipart-запроса приёма файлов в байтах
	MaxUploadRequest int64
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера и передач
	ShutdownTimeout time.Duration
}

// Policy возвращает политику загрузки, неизменяемую в течение сессии.
func (c *Config) Policy() model.UploadPolicy {
	types := make([]string, len(c.AllowedTypes))
	copy(types, c.AllowedTypes)
	return model.UploadPolicy{
		MaxFileSize:  c.MaxFileSize,
		AllowedTypes: types,
		Concurrency:  c.Concurrency,
	}
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// UM_PORT — порт HTTP-сервера (по умолчанию 8080)
	port, err := getEnvInt("UM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("UM_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("UM_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// UM_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 10 MiB)
	cfg.MaxFileSize, err = getEnvInt64("UM_MAX_FILE_SIZE", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("UM_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("UM_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// UM_ALLOWED_TYPES — список префиксов через запятую
	cfg.AllowedTypes = parseList(getEnvDefault("UM_ALLOWED_TYPES", "image,application/pdf,text"))

	// UM_CONCURRENCY — бюджет одновременных передач (по умолчанию 3)
	cfg.Concurrency, err = getEnvInt("UM_CONCURRENCY", 3)
	if err != nil {
		return nil, fmt.Errorf("UM_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("UM_CONCURRENCY: значение должно быть >= 1, получено %d", cfg.Concurrency)
	}

	// UM_EXECUTOR — реализация передачи (по умолчанию simulated)
	cfg.Executor = getEnvDefault("UM_EXECUTOR", ExecutorSimulated)
	if cfg.Executor != ExecutorSimulated && cfg.Executor != ExecutorDisk {
		return nil, fmt.Errorf("UM_EXECUTOR: недопустимое значение %q, допустимые: simulated, disk", cfg.Executor)
	}

	// UM_SPOOL_DIR — обязательный для disk executor
	if cfg.Executor == ExecutorDisk {
		cfg.SpoolDir, err = getEnvRequired("UM_SPOOL_DIR")
		if err != nil {
			return nil, err
		}
	} else {
		cfg.SpoolDir = getEnvDefault("UM_SPOOL_DIR", "")
	}

	// UM_DISK_RATE_LIMIT — байт/сек (по умолчанию 1 MiB/s)
	cfg.DiskRateLimit, err = getEnvInt64("UM_DISK_RATE_LIMIT", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("UM_DISK_RATE_LIMIT: %w", err)
	}
	if cfg.DiskRateLimit < 0 {
		return nil, fmt.Errorf("UM_DISK_RATE_LIMIT: значение не может быть отрицательным")
	}

	// UM_SIM_FAILURE_RATE — вероятность ошибки (по умолчанию 0.1)
	cfg.SimFailureRate, err = getEnvFloat("UM_SIM_FAILURE_RATE", 0.1)
	if err != nil {
		return nil, fmt.Errorf("UM_SIM_FAILURE_RATE: %w", err)
	}
	if cfg.SimFailureRate < 0 || cfg.SimFailureRate > 1 {
		return nil, fmt.Errorf("UM_SIM_FAILURE_RATE: значение %v вне диапазона 0..1", cfg.SimFailureRate)
	}

	// UM_SIM_BASE_URL — базовый URL расположения
	cfg.SimBaseURL = getEnvDefault("UM_SIM_BASE_URL", "https://cdn.example.com/uploads")

	// UM_STALL_TIMEOUT — порог простоя (по умолчанию 0, watchdog отключён)
	cfg.StallTimeout, err = getEnvDuration("UM_STALL_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("UM_STALL_TIMEOUT: %w", err)
	}
	if cfg.StallTimeout < 0 {
		return nil, fmt.Errorf("UM_STALL_TIMEOUT: значение не может быть отрицательным")
	}

	// UM_WATCHDOG_INTERVAL — интервал проверки (по умолчанию 5s)
	cfg.WatchdogInterval, err = getEnvDuration("UM_WATCHDOG_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_WATCHDOG_INTERVAL: %w", err)
	}
	if cfg.StallTimeout > 0 && cfg.WatchdogInterval <= 0 {
		return nil, fmt.Errorf("UM_WATCHDOG_INTERVAL: значение должно быть положительным при включённом watchdog")
	}

	// UM_PREVIEW_MAX_DIM — сторона превью (по умолчанию 256)
	cfg.PreviewMaxDim, err = getEnvInt("UM_PREVIEW_MAX_DIM", 256)
	if err != nil {
		return nil, fmt.Errorf("UM_PREVIEW_MAX_DIM: %w", err)
	}
	if cfg.PreviewMaxDim < 1 {
		return nil, fmt.Errorf("UM_PREVIEW_MAX_DIM: значение должно быть положительным")
	}

	// UM_PREVIEW_CACHE_SIZE — размер кэша превью (по умолчанию 128)
	cfg.PreviewCacheSize, err = getEnvInt("UM_PREVIEW_CACHE_SIZE", 128)
	if err != nil {
		return nil, fmt.Errorf("UM_PREVIEW_CACHE_SIZE: %w", err)
	}
	if cfg.PreviewCacheSize < 1 {
		return nil, fmt.Errorf("UM_PREVIEW_CACHE_SIZE: значение должно быть положительным")
	}

	// UM_PREVIEW_CACHE_TTL — время жизни превью в кэше (по умолчанию 10m)
	cfg.PreviewCacheTTL, err = getEnvDuration("UM_PREVIEW_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("UM_PREVIEW_CACHE_TTL: %w", err)
	}

	// UM_MAX_UPLOAD_REQUEST — лимит multipart-запроса (по умолчанию 64 MiB)
	cfg.MaxUploadRequest, err = getEnvInt64("UM_MAX_UPLOAD_REQUEST", 64<<20)
	if err != nil {
		return nil, fmt.Errorf("UM_MAX_UPLOAD_REQUEST: %w", err)
	}
	if cfg.MaxUploadRequest < cfg.MaxFileSize {
		return nil, fmt.Errorf("UM_MAX_UPLOAD_REQUEST: значение %d должно быть >= UM_MAX_FILE_SIZE (%d)",
			cfg.MaxUploadRequest, cfg.MaxFileSize)
	}

	// UM_TLS_CERT, UM_TLS_KEY — задаются вместе или не задаются
	cfg.TLSCert = getEnvDefault("UM_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("UM_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("UM_TLS_CERT и UM_TLS_KEY должны задаваться вместе")
	}

	// UM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("UM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("UM_LOG_LEVEL: %w", err)
	}

	// UM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("UM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("UM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// UM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("UM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("UM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseList разбирает список через запятую, пропуская пустые элементы.
func parseList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
