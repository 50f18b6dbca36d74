// Package config reads runtime settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
)

// Config holds every runtime setting.
type Config struct {
	HistorySize         int
	QueueSize           int
	TopK                int
	TierHigh            float64
	TierMedium          float64
	TierLow             float64
	TieEpsilon          float64
	EscalationThreshold float64

	VLMTimeout      time.Duration
	RestoreTimeout  time.Duration
	ProbeInterval   time.Duration
	CaptureInterval time.Duration

	KnowledgePath  string
	KnowledgeWatch bool

	Embedder   string // "hash" or "openai"
	Index      string // "memory" or "pinecone"
	VLMBackend string // "openai" or "ws"
	VLMWSURL   string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIVisionModel string
	OpenAIEmbedModel  string

	PineconeAPIKey    string
	PineconeIndex     string
	PineconeNamespace string

	RedisHost     string
	RedisPassword string

	LogLevel string
	Camera   string
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables alone.
func FromEnv() (*Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		errs = append(errs, err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := getEnvFloat(key, def)
		errs = append(errs, err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		errs = append(errs, err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := &Config{
		HistorySize:         intVar("GUIDE_HISTORY_SIZE", 50),
		QueueSize:           intVar("GUIDE_QUEUE_SIZE", 16),
		TopK:                intVar("GUIDE_TOP_K", 5),
		TierHigh:            floatVar("GUIDE_TIER_HIGH", 0.70),
		TierMedium:          floatVar("GUIDE_TIER_MEDIUM", 0.45),
		TierLow:             floatVar("GUIDE_TIER_LOW", 0.25),
		TieEpsilon:          floatVar("GUIDE_TIE_EPSILON", 0.02),
		EscalationThreshold: floatVar("GUIDE_ESCALATION_THRESHOLD", 0.40),

		VLMTimeout:      durVar("GUIDE_VLM_TIMEOUT", 8*time.Second),
		RestoreTimeout:  durVar("GUIDE_RESTORE_TIMEOUT", 5*time.Second),
		ProbeInterval:   durVar("GUIDE_PROBE_INTERVAL", 10*time.Second),
		CaptureInterval: durVar("GUIDE_CAPTURE_INTERVAL", 3*time.Second),

		KnowledgePath:  getEnvOrDefault("GUIDE_KB_PATH", "knowledge"),
		KnowledgeWatch: boolVar("GUIDE_KB_WATCH", false),

		Embedder:   strings.ToLower(getEnvOrDefault("GUIDE_EMBEDDER", "hash")),
		Index:      strings.ToLower(getEnvOrDefault("GUIDE_INDEX", "memory")),
		VLMBackend: strings.ToLower(getEnvOrDefault("GUIDE_VLM_BACKEND", "openai")),
		VLMWSURL:   getEnvOrDefault("VLM_WS_URL", ""),

		OpenAIAPIKey:      getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIVisionModel: getEnvOrDefault("OPENAI_VISION_MODEL", "gpt-4o-mini"),
		OpenAIEmbedModel:  getEnvOrDefault("OPENAI_EMBED_MODEL", "text-embedding-3-small"),

		PineconeAPIKey:    getEnvOrDefault("PINECONE_API_KEY", ""),
		PineconeIndex:     getEnvOrDefault("PINECONE_INDEX", ""),
		PineconeNamespace: getEnvOrDefault("PINECONE_NAMESPACE", "task-steps"),

		RedisHost:     getEnvOrDefault("REDIS_HOST", ""),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		LogLevel: strings.ToLower(getEnvOrDefault("GUIDE_LOG_LEVEL", "info")),
		Camera:   getEnvOrDefault("GUIDE_CAMERA", ""),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("GUIDE_HISTORY_SIZE", c.HistorySize)
	positive("GUIDE_QUEUE_SIZE", c.QueueSize)
	positive("GUIDE_TOP_K", c.TopK)

	if !(c.TierHigh >= c.TierMedium && c.TierMedium >= c.TierLow && c.TierLow > 0 && c.TierHigh <= 1) {
		errs = append(errs, fmt.Errorf("tier thresholds must satisfy 0 < low <= medium <= high <= 1, got %.2f/%.2f/%.2f",
			c.TierLow, c.TierMedium, c.TierHigh))
	}
	if c.TieEpsilon < 0 || c.TieEpsilon >= 1 {
		errs = append(errs, fmt.Errorf("GUIDE_TIE_EPSILON out of range: %v", c.TieEpsilon))
	}
	if c.EscalationThreshold < 0 || c.EscalationThreshold > 1 {
		errs = append(errs, fmt.Errorf("GUIDE_ESCALATION_THRESHOLD out of range: %v", c.EscalationThreshold))
	}
	for name, d := range map[string]time.Duration{
		"GUIDE_VLM_TIMEOUT":      c.VLMTimeout,
		"GUIDE_RESTORE_TIMEOUT":  c.RestoreTimeout,
		"GUIDE_PROBE_INTERVAL":   c.ProbeInterval,
		"GUIDE_CAPTURE_INTERVAL": c.CaptureInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	switch c.Embedder {
	case "hash":
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai embedder"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GUIDE_EMBEDDER %q", c.Embedder))
	}
	switch c.Index {
	case "memory":
	case "pinecone":
		if c.PineconeAPIKey == "" || c.PineconeIndex == "" {
			errs = append(errs, errors.New("PINECONE_API_KEY and PINECONE_INDEX are required for the pinecone index"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GUIDE_INDEX %q", c.Index))
	}
	switch c.VLMBackend {
	case "openai":
	case "ws":
		if c.VLMWSURL == "" {
			errs = append(errs, errors.New("VLM_WS_URL is required for the ws vision backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GUIDE_VLM_BACKEND %q", c.VLMBackend))
	}
	return errors.Join(errs...)
}

// getEnvOrDefault retrieves an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, def int) (int, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
