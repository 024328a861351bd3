package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	APIBaseURL string
	ProfileID  string
	// Storage
	StorageBackend    string // memory | redis | sqlite
	RedisURL          string
	SQLitePath        string
	StorageQuotaBytes int
	// Polling
	PollBase         time.Duration
	PollMax          time.Duration
	PollMaxFailures  int
	PollMinResumeGap time.Duration
	FetchTimeout     time.Duration
	// Drafts
	DebounceWindow time.Duration
	DraftCeiling   int
	// Notifications
	NotifyCap          int
	NotifyRateWindow   time.Duration
	NotifyRateLimit    int
	NotifyDedupeWindow time.Duration
	// Session
	SessionCacheTTL time.Duration
}

func Load() Config {
	return Config{
		Addr:       getenv("ASSEMBLY_ADDR", ":8077"),
		APIBaseURL: getenv("ASSEMBLY_API_URL", "http://localhost:8080"),
		ProfileID:  getenv("ASSEMBLY_PROFILE_ID", ""),
		// Storage - sqlite by default so state survives restarts
		StorageBackend:     getenv("ASSEMBLY_STORAGE", "sqlite"),
		RedisURL:           getenv("REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:         getenv("ASSEMBLY_SQLITE_PATH", "./data/assembly.db"),
		StorageQuotaBytes:  getenvInt("ASSEMBLY_STORAGE_QUOTA_BYTES", 0),
		PollBase:           getenvDuration("ASSEMBLY_POLL_BASE", 30*time.Second),
		PollMax:            getenvDuration("ASSEMBLY_POLL_MAX", 5*time.Minute),
		PollMaxFailures:    getenvInt("ASSEMBLY_POLL_MAX_FAILURES", 5),
		PollMinResumeGap:   getenvDuration("ASSEMBLY_POLL_MIN_RESUME_GAP", 10*time.Second),
		FetchTimeout:       getenvDuration("ASSEMBLY_FETCH_TIMEOUT", 30*time.Second),
		DebounceWindow:     getenvDuration("ASSEMBLY_DEBOUNCE_WINDOW", time.Second),
		DraftCeiling:       getenvInt("ASSEMBLY_DRAFT_CEILING", 50),
		NotifyCap:          getenvInt("ASSEMBLY_NOTIFY_CAP", 100),
		NotifyRateWindow:   getenvDuration("ASSEMBLY_NOTIFY_RATE_WINDOW", time.Hour),
		NotifyRateLimit:    getenvInt("ASSEMBLY_NOTIFY_RATE_LIMIT", 5),
		NotifyDedupeWindow: getenvDuration("ASSEMBLY_NOTIFY_DEDUPE_WINDOW", time.Hour),
		SessionCacheTTL:    getenvDuration("ASSEMBLY_SESSION_CACHE_TTL", 5*time.Minute),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
