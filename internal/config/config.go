package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DBDSN    string
	RedisDSN string
	HTTPAddr string
	LogLevel string

	// initial-value settings; after first boot the settings store in the DB
	// is authoritative for the mutable ones
	Port                   int
	DebugMode              bool
	MonitorIntervalSeconds int
	AutoStartMonitor       bool

	MonitorWorkerCount  int
	FetchTimeoutSeconds int

	// payload archive (S3/R2 compatible); simulator is used when unset
	ArchiveEndpoint string
	ArchiveBucket   string
	ArchiveKeysRaw  string // json: access_key_id, secret_access_key, public_url

	AdminSecretKey string
	CORSOrigins    []string
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:           os.Getenv("DB_DSN"),
		RedisDSN:        getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ""),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		ArchiveEndpoint: getenvDefault("ARCHIVE_ENDPOINT", ""),
		ArchiveBucket:   getenvDefault("ARCHIVE_BUCKET", ""),
		ArchiveKeysRaw:  os.Getenv("ARCHIVE_KEYS"),
		AdminSecretKey:  getenvDefault("ADMIN_SECRET_KEY", ""),
	}

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	cfg.Port = getenvInt("PORT", 8000)
	cfg.DebugMode = getenvBool("DEBUG", true)
	cfg.MonitorIntervalSeconds = getenvInt("MONITOR_INTERVAL_SECONDS", 900)
	cfg.AutoStartMonitor = getenvBool("AUTO_START_MONITOR", true)
	cfg.MonitorWorkerCount = getenvInt("MONITOR_WORKER_COUNT", 4)
	cfg.FetchTimeoutSeconds = getenvInt("FETCH_TIMEOUT_SECONDS", 30)

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":" + strconv.Itoa(cfg.Port)
	}

	// light validation: archive keys must be valid json if set
	if cfg.ArchiveKeysRaw != "" {
		var tmp any
		if err := json.Unmarshal([]byte(cfg.ArchiveKeysRaw), &tmp); err != nil {
			return Config{}, errors.New("ARCHIVE_KEYS must be valid json")
		}
	}

	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
