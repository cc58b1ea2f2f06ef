package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"crm-activities/airtable"
	"crm-activities/board"
)

const (
	backendAirtable = "airtable"
	backendTables   = "aztables"
)

type config struct {
	Debug      bool
	ListenAddr string

	Backend  string
	Airtable airtable.Config

	StorageConn     string
	ActivitiesTable string
	EventsQueue     string

	Redis               *redis.Options
	CacheTTL            time.Duration
	SessionMaxAge       time.Duration
	SessionIdleTimeout  time.Duration
	DeduperTTL          time.Duration
	NotificationChannel string

	Writer       board.WriterConfig
	DrainTimeout time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		Debug:               envBool("DEBUG", false),
		ListenAddr:          ":" + envString("PORT", "8080"),
		Backend:             strings.ToLower(envString("ACTIVITY_BACKEND", backendAirtable)),
		StorageConn:         os.Getenv("STORAGE_CONNECTION_STRING"),
		ActivitiesTable:     envString("ACTIVITIES_TABLE", "Activities"),
		EventsQueue:         os.Getenv("ACTIVITY_EVENTS_QUEUE"),
		NotificationChannel: envString("NOTIFICATION_CHANNEL", "activity-notifications"),
	}
	var err error
	if cfg.CacheTTL, err = envDur("ACTIVITY_CACHE_TTL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SessionMaxAge, err = envDur("SESSION_MAX_AGE", cfg.CacheTTL); err != nil {
		return cfg, err
	}
	if cfg.SessionIdleTimeout, err = envDur("SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.DrainTimeout, err = envDur("DRAIN_TIMEOUT", 15*time.Second); err != nil {
		return cfg, err
	}

	switch cfg.Backend {
	case backendAirtable:
		cfg.Airtable = airtable.Config{
			BaseURL: envString("AIRTABLE_API_URL", airtable.DefaultBaseURL),
			APIKey:  os.Getenv("AIRTABLE_API_KEY"),
			BaseID:  os.Getenv("AIRTABLE_BASE_ID"),
			TableID: envString("AIRTABLE_ACTIVITIES_TABLE", "Activity"),
		}
		if cfg.Airtable.APIKey == "" || cfg.Airtable.BaseID == "" {
			return cfg, fmt.Errorf("missing airtable config")
		}
		if cfg.Airtable.PageSize, err = envInt("AIRTABLE_PAGE_SIZE", 100); err != nil {
			return cfg, err
		}
		if cfg.Airtable.Timeout, err = envDur("AIRTABLE_TIMEOUT", 30*time.Second); err != nil {
			return cfg, err
		}
	case backendTables:
		if cfg.StorageConn == "" {
			return cfg, fmt.Errorf("missing storage config")
		}
	default:
		return cfg, fmt.Errorf("invalid ACTIVITY_BACKEND %q", cfg.Backend)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		return cfg, fmt.Errorf("missing redis config")
	}
	cfg.Redis = parseRedisOptions(redisConn)

	w := &cfg.Writer
	if w.Workers, err = envInt("WRITE_WORKERS", 4); err != nil {
		return cfg, err
	}
	if w.Buffer, err = envInt("WRITE_BUFFER", 64); err != nil {
		return cfg, err
	}
	if w.MaxAttempts, err = envInt("WRITE_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if w.HandoffTimeout, err = envDur("WRITE_HANDOFF_TIMEOUT", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if w.WriteTimeout, err = envDur("WRITE_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if w.RetryInitial, err = envDur("WRITE_RETRY_INITIAL", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if w.RetryMax, err = envDur("WRITE_RETRY_MAX", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parseRedisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
