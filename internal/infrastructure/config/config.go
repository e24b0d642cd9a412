package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type BoardConfig struct {
	Engine string `toml:"engine"`
	Market string `toml:"market"`
	Board  string `toml:"board"`
	Title  string `toml:"title"`
}

type Config struct {
	HTTP struct {
		BaseURL    string `toml:"base_url"`
		TimeoutSec int    `toml:"timeout_sec"`
		Retries    int    `toml:"retries"`
	} `toml:"http"`

	Cache struct {
		Backend string `toml:"backend"` // memory | redis
		TTLSec  int    `toml:"ttl_sec"`

		Redis struct {
			Addr     string `toml:"addr"`
			Password string `toml:"password"`
			DB       int    `toml:"db"`
		} `toml:"redis"`
	} `toml:"cache"`

	Storage struct {
		Backend string `toml:"backend"` // sqlite | postgres

		SQLite struct {
			Path string `toml:"path"`
		} `toml:"sqlite"`

		Postgres struct {
			DSN string `toml:"dsn"`
		} `toml:"postgres"`
	} `toml:"storage"`

	Server struct {
		Addr       string `toml:"addr"`
		AdminToken string `toml:"admin_token"`
	} `toml:"server"`

	Boards []BoardConfig `toml:"boards"`
}

// Load reads a toml config file and fills in defaults. A missing file is
// not an error: every setting has a usable default.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.BaseURL == "" {
		cfg.HTTP.BaseURL = "https://iss.moex.com/iss"
	}
	if cfg.HTTP.TimeoutSec <= 0 {
		cfg.HTTP.TimeoutSec = 10
	}
	if cfg.HTTP.Retries <= 0 {
		cfg.HTTP.Retries = 2
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTLSec <= 0 {
		cfg.Cache.TTLSec = 60
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "tileboard.sqlite3"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if len(cfg.Boards) == 0 {
		cfg.Boards = []BoardConfig{
			{Engine: "stock", Market: "shares", Board: "TQBR", Title: "T+ Stocks"},
			{Engine: "futures", Market: "forts", Board: "RFUD", Title: "Futures"},
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
			return errors.New("cache.redis.addr is empty but redis backend selected")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	switch cfg.Storage.Backend {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn is empty but postgres backend selected")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	for i, b := range cfg.Boards {
		if b.Engine == "" || b.Market == "" || b.Board == "" {
			return fmt.Errorf("boards[%d]: engine, market and board are all required", i)
		}
	}
	return nil
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}
