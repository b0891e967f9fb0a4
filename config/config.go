package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "ASAR_LOADER_"

type Config struct {
	DataDir          string        `env:"DATA_DIR"`
	CatalogPath      string        `env:"CATALOG_PATH"`
	CatalogURL       string        `env:"CATALOG_URL" envDefault:"http://data.yannforget.me/asarapi/catalog.db"`
	SpatialExtension string        `env:"SPATIAL_EXTENSION" envDefault:"mod_spatialite"`
	SSOBaseURL       string        `env:"SSO_BASE_URL" envDefault:"https://eo-sso-idp.eo.esa.int"`
	SSOAdminURL      string        `env:"SSO_ADMIN_URL" envDefault:"https://eo-sso-idp.eo.esa.int/idp/umsso20/admin"`
	SSOLogoutURL     string        `env:"SSO_LOGOUT_URL" envDefault:"https://eo-sso-idp.eo.esa.int/idp/profile/Logout?execution=e3s1"`
	CABundle         string        `env:"CA_BUNDLE"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ChunkSize        int           `env:"CHUNK_SIZE" envDefault:"1048576"`
	MaxOrderWait     time.Duration `env:"MAX_ORDER_WAIT" envDefault:"6h"`
	MaxOrderPolls    int           `env:"MAX_ORDER_POLLS" envDefault:"0"`
	Passphrase       string        `env:"PASSPHRASE"`
	DBDriver         string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN            string        `env:"DB_DSN"`
	DevMode          bool          `env:"DEV_MODE"`

	S3Region          string `env:"S3_REGION" envDefault:"eu-central-1"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
}

// Load reads an optional .env file from the working directory, then the
// process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DataDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
		cfg.DataDir = filepath.Join(cacheDir, "asar-loader")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("%sCHUNK_SIZE must be positive, got %d", envPrefix, cfg.ChunkSize)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return cfg, nil
}

// CatalogFile is the local catalog database, CatalogPath when set.
func (c *Config) CatalogFile() string {
	if c.CatalogPath != "" {
		return c.CatalogPath
	}
	return filepath.Join(c.DataDir, "catalog.db")
}

// Extension is the sqlite extension loaded into catalog connections; "none"
// disables loading.
func (c *Config) Extension() string {
	if c.SpatialExtension == "none" {
		return ""
	}
	return c.SpatialExtension
}

// StatePath is the sqlite file holding download history, webhooks and settings.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "asar-loader.db")
}
