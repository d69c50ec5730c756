package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Config collects every environment-backed option the engine recognizes.
// Secrets (reputation API key, agent token) have no defaults; everything
// else falls back to a safe local-development value.
type Config struct {
	Port string

	// Enforcement policy.
	PolicyMode        string // simulate | rename | quarantine
	PolicyMinSeverity models.Severity

	// Scan fabric.
	MaxWorkers      int
	QueueCapacity   int
	WatchDirs       []string
	WatchRecursive  bool
	WatchDebounceMS int

	// Reputation client.
	RepAPIKey           string
	RepBaseURL          string
	RepMaxPerMinute     int
	RepPollIntervalS    int
	RepAnalysisTimeoutS int
	RepCacheTTLS        int // 0 = no expiry

	// Storage and directories.
	DBPath        string
	QuarantineDir string
	UploadsDir    string
	SignatureDir  string
	ModelPath     string

	// HTTP surface.
	AllowedOrigins  string
	AgentToken      string
	RateLimitPerMin int
	RateLimitBurst  int
}

// Load reads the full configuration from the environment. Invalid numeric
// values fall back to their defaults with a warning rather than aborting.
func Load() Config {
	return Config{
		Port: getEnv("PORT", "5380"),

		PolicyMode:        strings.ToLower(getEnv("POLICY_MODE", "simulate")),
		PolicyMinSeverity: models.ParseSeverity(strings.ToLower(getEnv("POLICY_MIN_SEVERITY", "high"))),

		MaxWorkers:      getEnvInt("MAX_WORKERS", 6),
		QueueCapacity:   getEnvInt("QUEUE_CAPACITY", 2000),
		WatchDirs:       splitList(os.Getenv("WATCH_DIRS")),
		WatchRecursive:  getEnv("WATCH_RECURSIVE", "true") != "false",
		WatchDebounceMS: getEnvInt("WATCH_DEBOUNCE_MS", 250),

		RepAPIKey:           os.Getenv("REP_API_KEY"),
		RepBaseURL:          getEnv("REP_BASE_URL", "https://www.virustotal.com/api/v3"),
		RepMaxPerMinute:     getEnvInt("REP_MAX_REQUESTS_PER_MINUTE", 4),
		RepPollIntervalS:    getEnvInt("REP_POLL_INTERVAL_S", 5),
		RepAnalysisTimeoutS: getEnvInt("REP_ANALYSIS_TIMEOUT_S", 300),
		RepCacheTTLS:        getEnvInt("REP_CACHE_TTL_S", 0),

		DBPath:        getEnv("STORAGE_DB_PATH", "data/sentrix.db"),
		QuarantineDir: getEnv("QUARANTINE_DIR", "quarantine"),
		UploadsDir:    getEnv("UPLOADS_DIR", "uploads"),
		SignatureDir:  getEnv("SIGNATURE_DIR", "signature"),
		ModelPath:     getEnv("ANOMALY_MODEL_PATH", "models/anomaly_iforest.json"),

		AllowedOrigins:  os.Getenv("ALLOWED_ORIGINS"),
		AgentToken:      strings.TrimSpace(os.Getenv("AGENT_TOKEN")),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 30),
	}
}

// getEnv returns the env var value or a safe default for non-secret settings.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[Config] Ignoring invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
