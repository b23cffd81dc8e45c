package cliparse

import (
	"errors"
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            int
	DatabaseURL     string
	DatabaseType    string
	SessionKeySalt  string
	PluginDir       string
	RedisAddr       string
	AutosaveDefault int
}

// ParseFlags resolves configuration from CLI flags, falling back to the
// environment (a .env file is loaded first if present).
func ParseFlags(args []string) (Config, error) {
	// Best-effort; absence of a .env file is not an error.
	_ = godotenv.Load()

	var cfg Config

	fs := flag.NewFlagSet("facilitator", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "p", 0, "Server port")
	fs.StringVar(&cfg.DatabaseURL, "d", "", "Database URL")
	fs.StringVar(&cfg.DatabaseType, "t", "", "Database type (sqlite or postgres)")
	fs.StringVar(&cfg.PluginDir, "plugins", "", "External tool plugin directory")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for session broadcasts (optional)")
	fs.IntVar(&cfg.AutosaveDefault, "autosave", 0, "Global default autosave interval in seconds")

	// Secrets (prefer env variables, but allow CLI for dev)
	fs.StringVar(&cfg.SessionKeySalt, "session-salt", "", "Session key salt (prefer env)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Fall back to environment variables
	if cfg.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Config{}, errors.New("invalid PORT env variable")
			}
			cfg.Port = port
		} else {
			cfg.Port = 3320 // default
		}
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("database URL required (use -d or DATABASE_URL env)")
	}

	if cfg.DatabaseType == "" {
		cfg.DatabaseType = os.Getenv("DATABASE_TYPE")
		if cfg.DatabaseType == "" {
			cfg.DatabaseType = "sqlite"
		}
	}
	if cfg.DatabaseType != "sqlite" && cfg.DatabaseType != "postgres" {
		return Config{}, errors.New("database type must be sqlite or postgres")
	}

	if cfg.PluginDir == "" {
		cfg.PluginDir = os.Getenv("PLUGIN_DIR")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	}

	if cfg.AutosaveDefault == 0 {
		if s := os.Getenv("AUTOSAVE_DEFAULT_SECONDS"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				return Config{}, errors.New("invalid AUTOSAVE_DEFAULT_SECONDS env variable")
			}
			cfg.AutosaveDefault = v
		} else {
			cfg.AutosaveDefault = 30
		}
	}

	// Secrets - MUST be provided
	if cfg.SessionKeySalt == "" {
		cfg.SessionKeySalt = os.Getenv("SESSION_KEY_SALT")
	}
	if cfg.SessionKeySalt == "" {
		return Config{}, errors.New("SESSION_KEY_SALT required")
	}

	return cfg, nil
}

// DriverName maps the configured database type to its sql driver name.
func (c Config) DriverName() string {
	if c.DatabaseType == "postgres" {
		return "postgres"
	}
	return "sqlite"
}
