package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deferlink/deferlink"
	"github.com/deferlink/deferlink/store"
)

// ServerConfig is the YAML server configuration. Zero values fall back to the
// engine defaults, so an empty file is a working development setup.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	Store struct {
		// Driver selects the session store backend:
		// memory, sqlite, mysql or redis.
		Driver string `yaml:"driver"`

		// Path is the SQLite database file (sqlite driver).
		Path string `yaml:"path"`

		// DSN is the MySQL connection string (mysql driver).
		DSN string `yaml:"dsn"`

		// MaxSessions bounds the memory driver; 0 means unbounded.
		MaxSessions int `yaml:"max_sessions"`

		Redis struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Engine struct {
		SessionTTLHours      int     `yaml:"session_ttl_hours"`
		MaxSessionTTLHours   int     `yaml:"max_session_ttl_hours"`
		SweepIntervalMinutes int     `yaml:"sweep_interval_minutes"`
		ResolvedRetentionMin int     `yaml:"resolved_retention_minutes"`
		MinConfidence        float64 `yaml:"min_confidence"`
		MinMatchedFields     int     `yaml:"min_matched_fields"`
		CandidateLimit       int     `yaml:"candidate_limit"`
		ScreenTolerance      int     `yaml:"screen_tolerance"`
	} `yaml:"engine"`

	Guard struct {
		RequestsPerMinute int     `yaml:"requests_per_minute"`
		Burst             int     `yaml:"burst"`
		RiskThreshold     float64 `yaml:"risk_threshold"`
		HardBlock         bool    `yaml:"hard_block"`
	} `yaml:"guard"`

	GeoIPDatabase string `yaml:"geoip_database"`

	CORSOrigins []string `yaml:"cors_origins"`

	Cookie struct {
		Name     string `yaml:"name"`
		Secure   *bool  `yaml:"secure"`
		HTTPOnly *bool  `yaml:"http_only"`
	} `yaml:"cookie"`

	// AppStoreURL is the iOS redirect target when the promo id is not a
	// numeric App Store id.
	AppStoreURL string `yaml:"app_store_url"`
}

func loadConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "deferlink.db"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = "dl_session_id"
	}
	if cfg.AppStoreURL == "" {
		cfg.AppStoreURL = "https://apps.apple.com"
	}
	return cfg, nil
}

func (c *ServerConfig) cookieSecure() bool {
	return c.Cookie.Secure == nil || *c.Cookie.Secure
}

func (c *ServerConfig) cookieHTTPOnly() bool {
	return c.Cookie.HTTPOnly == nil || *c.Cookie.HTTPOnly
}

// buildEngine assembles the matching engine from the server configuration.
func buildEngine(cfg *ServerConfig, logger *slog.Logger) (*deferlink.DeferLink, error) {
	ecfg := deferlink.DefaultConfig()
	ecfg.Logger = logger
	ecfg.GeoIPDatabasePath = cfg.GeoIPDatabase

	if v := cfg.Engine.SessionTTLHours; v > 0 {
		ecfg.SessionTTL = time.Duration(v) * time.Hour
	}
	if v := cfg.Engine.MaxSessionTTLHours; v > 0 {
		ecfg.MaxSessionTTL = time.Duration(v) * time.Hour
	}
	if v := cfg.Engine.SweepIntervalMinutes; v != 0 {
		ecfg.SweepInterval = time.Duration(v) * time.Minute
	}
	if v := cfg.Engine.ResolvedRetentionMin; v > 0 {
		ecfg.ResolvedRetention = time.Duration(v) * time.Minute
	}
	if v := cfg.Engine.MinConfidence; v > 0 {
		ecfg.MinConfidence = v
	}
	if v := cfg.Engine.MinMatchedFields; v > 0 {
		ecfg.MinMatchedFields = v
	}
	if v := cfg.Engine.CandidateLimit; v > 0 {
		ecfg.CandidateLimit = v
	}
	if v := cfg.Engine.ScreenTolerance; v > 0 {
		ecfg.ScreenTolerance = v
	}
	if v := cfg.Guard.RequestsPerMinute; v > 0 {
		ecfg.Guard.RequestsPerMinute = v
	}
	if v := cfg.Guard.Burst; v > 0 {
		ecfg.Guard.Burst = v
	}
	if v := cfg.Guard.RiskThreshold; v > 0 {
		ecfg.Guard.RiskThreshold = v
	}
	ecfg.Guard.HardBlockRisk = cfg.Guard.HardBlock

	switch cfg.Store.Driver {
	case "memory":
		if cfg.Store.MaxSessions > 0 {
			ecfg.SessionStore = store.NewBoundedMemoryStore(cfg.Store.MaxSessions)
		} else {
			ecfg.SessionStore = store.NewMemoryStore()
		}
	case "sqlite":
		ecfg.DatabasePath = cfg.Store.Path
	case "mysql":
		mysqlStore, err := store.NewMySQLFromDSN(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("mysql store: %w", err)
		}
		ecfg.SessionStore = mysqlStore
	case "redis":
		redisStore, err := store.NewRedisFromConfig(store.RedisConfig{
			Addr:              cfg.Store.Redis.Addr,
			Password:          cfg.Store.Redis.Password,
			DB:                cfg.Store.Redis.DB,
			KeyPrefix:         cfg.Store.Redis.KeyPrefix,
			ResolvedRetention: ecfg.ResolvedRetention,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		ecfg.SessionStore = redisStore
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	return deferlink.New(ecfg)
}
