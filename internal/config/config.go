package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/livekit"
)

// Config holds the configuration for the caption worker.
type Config struct {
	// LiveKit configuration
	LiveKitURL         string
	LiveKitAPIKey      string
	LiveKitAPISecret   string
	AgentName          string
	Namespace          string
	JobType            livekit.JobType
	DrainTimeout       time.Duration
	MaxConcurrentJobs  int
	LogLevel           string
	StatusAddr         string
	LoadUpdateInterval time.Duration

	// Speech recognizer configuration
	SpeechWSURL          string
	SpeechAPIKey         string
	SpeechSampleRate     int
	SpeechConnectTimeout time.Duration
	SpeechMaxReconnects  int
	SpeechBackoffBase    time.Duration

	// Translation provider configuration
	TranslateURL     string
	TranslateAPIKey  string
	TranslateTimeout time.Duration

	// Translation cache configuration
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Durable store configuration
	DatabaseURL string
}

// Load loads configuration from environment variables and flags.
func Load() (*Config, error) {
	cfg := &Config{}

	// Set defaults
	cfg.JobType = livekit.JobType_JT_ROOM
	cfg.DrainTimeout = 30 * time.Second
	cfg.MaxConcurrentJobs = 8
	cfg.LogLevel = "info"
	cfg.LoadUpdateInterval = 5 * time.Second
	cfg.SpeechSampleRate = 16000
	cfg.SpeechConnectTimeout = 10 * time.Second
	cfg.SpeechMaxReconnects = 5
	cfg.SpeechBackoffBase = time.Second
	cfg.TranslateTimeout = 5 * time.Second
	cfg.CacheTTL = 6 * time.Hour
	cfg.CacheMaxEntries = 10000

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	// Load from environment
	cfg.LiveKitURL = getEnv("LIVEKIT_URL", "")
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", "")
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", "")
	cfg.AgentName = getEnv("CW_AGENT_NAME", "caption-worker")
	cfg.Namespace = getEnv("CW_NAMESPACE", "")
	cfg.StatusAddr = getEnv("CW_STATUS_ADDR", "")
	cfg.SpeechWSURL = getEnv("SPEECH_WS_URL", "")
	cfg.SpeechAPIKey = getEnv("SPEECH_API_KEY", "")
	cfg.TranslateURL = getEnv("TRANSLATE_URL", "")
	cfg.TranslateAPIKey = getEnv("TRANSLATE_API_KEY", "")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")

	if v := getEnv("CW_LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnv("CW_DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DrainTimeout = d
		}
	}
	if v := getEnv("CW_MAX_CONCURRENT_JOBS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := getEnv("SPEECH_SAMPLE_RATE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SpeechSampleRate = n
		}
	}
	if v := getEnv("SPEECH_MAX_RECONNECTS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SpeechMaxReconnects = n
		}
	}
	if v := getEnv("SPEECH_CONNECT_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SpeechConnectTimeout = d
		}
	}
	if v := getEnv("TRANSLATE_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TranslateTimeout = d
		}
	}
	if v := getEnv("CACHE_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}
	if v := getEnv("CACHE_MAX_ENTRIES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxEntries = n
		}
	}

	// Override with flags
	flag.StringVar(&cfg.LiveKitURL, "url", cfg.LiveKitURL, "LiveKit server URL")
	flag.StringVar(&cfg.LiveKitAPIKey, "api-key", cfg.LiveKitAPIKey, "LiveKit API key")
	flag.StringVar(&cfg.LiveKitAPISecret, "api-secret", cfg.LiveKitAPISecret, "LiveKit API secret")
	flag.StringVar(&cfg.AgentName, "agent-name", cfg.AgentName, "Agent name")
	flag.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "Namespace")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Status/pprof HTTP server address")
	flag.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Drain timeout")
	flag.IntVar(&cfg.MaxConcurrentJobs, "max-jobs", cfg.MaxConcurrentJobs, "Maximum concurrent jobs")
	flag.StringVar(&cfg.SpeechWSURL, "speech-url", cfg.SpeechWSURL, "Speech recognizer websocket URL")
	flag.StringVar(&cfg.TranslateURL, "translate-url", cfg.TranslateURL, "Translation provider URL")
	flag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection URL")
	flag.Parse()

	// Validate required fields
	if cfg.LiveKitURL == "" {
		return nil, fmt.Errorf("LIVEKIT_URL is required")
	}
	if cfg.LiveKitAPIKey == "" {
		return nil, fmt.Errorf("LIVEKIT_API_KEY is required")
	}
	if cfg.LiveKitAPISecret == "" {
		return nil, fmt.Errorf("LIVEKIT_API_SECRET is required")
	}
	if cfg.SpeechWSURL == "" {
		return nil, fmt.Errorf("SPEECH_WS_URL is required")
	}
	if cfg.TranslateURL == "" {
		return nil, fmt.Errorf("TRANSLATE_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
