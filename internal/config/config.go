// Package config loads reelmatch settings.
//
// Values are layered, later sources winning: built-in defaults, a TOML file,
// a .env file, REELMATCH_* environment variables, and finally explicitly set
// command-line flags (applied by the cmd package). The result is treated as
// immutable once a run starts.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "REELMATCH_"

// Config is the full configuration of a run.
type Config struct {
	Match    Match    `toml:"match" envPrefix:"MATCH_"`
	Detector Detector `toml:"detector" envPrefix:"DETECTOR_"`
	Output   Output   `toml:"output" envPrefix:"OUTPUT_"`
	Database Database `toml:"database" envPrefix:"DB_"`
	Publish  Publish  `toml:"publish" envPrefix:"MINIO_"`
	Logging  Logging  `toml:"logging" envPrefix:"LOG_"`
}

type Match struct {
	Threshold float64 `toml:"threshold" env:"THRESHOLD"`
}

type Detector struct {
	Backend        string `toml:"backend" env:"BACKEND"` // http or python
	URL            string `toml:"url" env:"URL"`
	Script         string `toml:"script" env:"SCRIPT"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

type Output struct {
	Path      string `toml:"path" env:"PATH"`
	FrameRate int    `toml:"frame_rate" env:"FRAME_RATE"`
	Geometry  string `toml:"geometry" env:"GEOMETRY"`
	Codec     string `toml:"codec" env:"CODEC"`
	Report    string `toml:"report" env:"REPORT"`
}

type Database struct {
	URL string `toml:"url" env:"URL"`
}

type Publish struct {
	Enabled   bool   `toml:"enabled" env:"ENABLED"`
	Endpoint  string `toml:"endpoint" env:"ENDPOINT"`
	AccessKey string `toml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `toml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `toml:"use_ssl" env:"USE_SSL"`
	Bucket    string `toml:"bucket" env:"BUCKET"`
}

type Logging struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // auto, console or json
}

// Load builds a Config from defaults, the TOML file at path (optional, a
// missing file is not an error), .env and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = PostgresURLFromEnv()
	}

	return &cfg, nil
}

// PostgresURLFromEnv builds a connection string from the POSTGRES_* variables
// used by the docker setup, or returns "" when POSTGRES_HOST is unset.
func PostgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
