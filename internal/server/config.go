package server

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavel-fokin/files-depot/internal/files"
)

const (
	// slowest client throughput an upload of MaxSize is expected to sustain
	minUploadRate      = 256 << 10
	minUploadTimeout   = time.Minute
	multipartOverhead  = 1 << 20
	defaultMaxSize     = 100 << 20
	defaultSessionTTL  = 12 * time.Hour
	defaultCatalogName = "items.json"
	defaultDBName      = "users.db"
)

type Config struct {
	Addr              string        `env:"FILES_DEPOT_ADDR" envDefault:":3000" validate:"required"`
	DataDir           string        `env:"FILES_DEPOT_DATA_DIR,required" validate:"required"`
	CatalogPath       string        `env:"FILES_DEPOT_CATALOG_PATH"`
	DBPath            string        `env:"FILES_DEPOT_DB_PATH"`
	SecretKey         string        `env:"FILES_DEPOT_SECRET_KEY,required" validate:"min=16"`
	SessionTTL        time.Duration `env:"FILES_DEPOT_SESSION_TTL" envDefault:"12h" validate:"gt=0"`
	SecureCookies     bool          `env:"FILES_DEPOT_SECURE_COOKIES"`
	MaxSize           int64         `env:"FILES_DEPOT_MAX_SIZE" envDefault:"104857600" validate:"gt=0"`
	AllowedExtensions []string      `env:"FILES_DEPOT_ALLOWED_EXTENSIONS" envSeparator:"," validate:"min=1,dive,startswith=."`
	UploadTimeout     time.Duration `env:"FILES_DEPOT_UPLOAD_TIMEOUT" validate:"gte=0"`
	PublicDir         string        `env:"FILES_DEPOT_PUBLIC_DIR"`
	SeedUsers         []string      `env:"FILES_DEPOT_SEED_USERS" envSeparator:","`
	LoginRate         float64       `env:"FILES_DEPOT_LOGIN_RATE" envDefault:"1" validate:"gt=0"`
	LoginBurst        int           `env:"FILES_DEPOT_LOGIN_BURST" envDefault:"5" validate:"gt=0"`
	PruneOrphans      bool          `env:"FILES_DEPOT_PRUNE_ORPHANS"`
	LogLevel          string        `env:"FILES_DEPOT_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
}

// Normalize fills derived defaults and validates the result.
func (c *Config) Normalize() error {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.LoginRate == 0 {
		c.LoginRate = 1
	}
	if c.LoginBurst == 0 {
		c.LoginBurst = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = slices.Clone(files.DefaultAllowedExtensions)
	}
	if c.CatalogPath == "" && c.DataDir != "" {
		c.CatalogPath = filepath.Join(c.DataDir, defaultCatalogName)
	}
	if c.DBPath == "" && c.DataDir != "" {
		c.DBPath = filepath.Join(c.DataDir, defaultDBName)
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = max(time.Duration(c.MaxSize/minUploadRate)*time.Second, minUploadTimeout)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) uploadDir() string  { return filepath.Join(c.DataDir, "uploads") }
func (c *Config) stagingDir() string { return filepath.Join(c.DataDir, "staging") }
func (c *Config) trashDir() string   { return filepath.Join(c.DataDir, "trash") }

func (c *Config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
