package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type config struct {
	HTTPAddr string
	DBPath   string
	LogLevel slog.Level

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisWakeKey    string
	RedisGatePrefix string
	// SerializerShared routes background replacement through the Redis gate
	// so several server processes share one upstream slot.
	SerializerShared bool

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	MinioBucket    string
	MinioPublicURL string

	BackgroundAPIURL string
	BackgroundAPIKey string
	OutpaintAPIURL   string
	OutpaintAPIKey   string
	UpscaleAPIURL    string
	UpscaleAPIKey    string

	SerializerSpacing  time.Duration
	SerializerCooldown time.Duration
	PollInterval       time.Duration
	PollAttempts       int
	SubmitTimeout      time.Duration
	PollTimeout        time.Duration

	BatchSize    int
	Concurrency  int
	MaxRetries   int
	TickInterval time.Duration
	StartupDelay time.Duration

	InternalToken string
	WatermarkText string
}

// settings resolves a key from the environment first and then from the
// optional YAML file named by CONFIG_FILE, whose keys are the lower-cased
// variable names.
type settings map[string]string

func loadSettings(path string) (settings, error) {
	s := settings{}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return s, nil
}

func (s settings) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s[strings.ToLower(key)]
}

func loadConfig() (config, error) {
	s, err := loadSettings(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return config{}, err
	}

	return config{
		HTTPAddr: valueOrDefault(s.get("HTTP_ADDR"), ":8080"),
		DBPath:   valueOrDefault(s.get("DB_PATH"), "data/jobs.db"),
		LogLevel: parseLevel(s.get("LOG_LEVEL")),

		RedisAddr:        s.get("REDIS_ADDR"),
		RedisPassword:    s.get("REDIS_PASSWORD"),
		RedisDB:          parseInt(s.get("REDIS_DB"), 0),
		RedisWakeKey:     valueOrDefault(s.get("REDIS_WAKE_KEY"), "imageq:wake"),
		RedisGatePrefix:  valueOrDefault(s.get("REDIS_GATE_PREFIX"), "imageq:serializer:background"),
		SerializerShared: parseBool(s.get("SERIALIZER_SHARED"), false),

		MinioEndpoint:  valueOrDefault(s.get("MINIO_ENDPOINT"), "localhost:9000"),
		MinioAccessKey: valueOrDefault(s.get("MINIO_ACCESS_KEY"), "minio"),
		MinioSecretKey: valueOrDefault(s.get("MINIO_SECRET_KEY"), "minio123"),
		MinioUseSSL:    parseBool(s.get("MINIO_USE_SSL"), false),
		MinioRegion:    s.get("MINIO_REGION"),
		MinioBucket:    valueOrDefault(s.get("MINIO_BUCKET"), "images"),
		MinioPublicURL: s.get("MINIO_PUBLIC_URL"),

		BackgroundAPIURL: s.get("BACKGROUND_API_URL"),
		BackgroundAPIKey: s.get("BACKGROUND_API_KEY"),
		OutpaintAPIURL:   s.get("OUTPAINT_API_URL"),
		OutpaintAPIKey:   s.get("OUTPAINT_API_KEY"),
		UpscaleAPIURL:    s.get("UPSCALE_API_URL"),
		UpscaleAPIKey:    s.get("UPSCALE_API_KEY"),

		SerializerSpacing:  parseDuration(s.get("SERIALIZER_SPACING"), time.Second),
		SerializerCooldown: parseDuration(s.get("SERIALIZER_COOLDOWN"), 60*time.Second),
		PollInterval:       parseDuration(s.get("POLL_INTERVAL"), 2*time.Second),
		PollAttempts:       parseInt(s.get("POLL_ATTEMPTS"), 30),
		SubmitTimeout:      parseDuration(s.get("SUBMIT_TIMEOUT"), 30*time.Second),
		PollTimeout:        parseDuration(s.get("POLL_TIMEOUT"), 10*time.Second),

		BatchSize:    parseInt(s.get("WORKER_BATCH_SIZE"), 5),
		Concurrency:  parseInt(s.get("WORKER_CONCURRENCY"), 2),
		MaxRetries:   parseInt(s.get("WORKER_MAX_RETRIES"), 3),
		TickInterval: parseDuration(s.get("WORKER_TICK_INTERVAL"), 0),
		StartupDelay: parseDuration(s.get("STARTUP_DELAY"), 2*time.Second),

		InternalToken: s.get("INTERNAL_TOKEN"),
		WatermarkText: s.get("WATERMARK_TEXT"),
	}, nil
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
