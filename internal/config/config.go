// Package config implements C8: immutable run configuration loaded once
// from the environment and validated before any network or filesystem
// work begins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all settings for an ingestion or refinement run.
type Config struct {
	BaseURL       string
	CollectionID  string
	APICredential string

	RawRoot      string
	RefinedRoot  string
	MetadataRoot string

	Parallelism    int
	MaxRetries     int
	RequestTimeout time.Duration

	KafkaBrokers    []string
	KafkaEnabled    bool
	KafkaEventTopic string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, applying defaults
// where unset. The API credential is the one setting with no default: its
// absence is fatal, matching the upstream's own credential check.
func Load() (*Config, error) {
	credential := os.Getenv("EDR_API_KEY")
	if credential == "" {
		return nil, errors.New("config: EDR_API_KEY is required")
	}

	parallelism, err := envInt("EDR_PARALLELISM", 10)
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		return nil, errors.New("config: EDR_PARALLELISM must be positive")
	}

	maxRetries, err := envInt("EDR_MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	if maxRetries <= 0 {
		return nil, errors.New("config: EDR_MAX_RETRIES must be positive")
	}

	timeoutStr := envOrDefault("EDR_REQUEST_TIMEOUT", "60s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("config: invalid EDR_REQUEST_TIMEOUT %q", timeoutStr)
	}

	kafkaBrokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))

	cfg := &Config{
		BaseURL:       envOrDefault("EDR_BASE_URL", "https://api.dataplatform.knmi.nl/edr/v1"),
		CollectionID:  envOrDefault("EDR_COLLECTION", "observations"),
		APICredential: credential,

		RawRoot:      envOrDefault("EDR_RAW_ROOT", "./data/raw"),
		RefinedRoot:  envOrDefault("EDR_REFINED_ROOT", "./data/refined"),
		MetadataRoot: envOrDefault("EDR_METADATA_ROOT", "./data/metadata"),

		Parallelism:    parallelism,
		MaxRetries:     maxRetries,
		RequestTimeout: timeout,

		KafkaBrokers:    kafkaBrokers,
		KafkaEnabled:    len(kafkaBrokers) > 0,
		KafkaEventTopic: envOrDefault("KAFKA_EVENT_TOPIC", "run-events"),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
	}

	if cfg.RawRoot == "" || cfg.RefinedRoot == "" || cfg.MetadataRoot == "" {
		return nil, errors.New("config: raw, refined, and metadata roots must be set")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// parseBrokers splits a comma-separated broker list, dropping empty
// entries so a trailing comma or an unset variable yields nil rather than
// a slice of one empty string.
func parseBrokers(raw string) []string {
	if raw == "" {
		return nil
	}
	var brokers []string
	for _, seg := range strings.Split(raw, ",") {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			brokers = append(brokers, seg)
		}
	}
	return brokers
}
