package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "ARDOISE"

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	StoreDriver     string        `envconfig:"STORE_DRIVER" default:"sqlite"`
	StoreDSN        string        `envconfig:"STORE_DSN" default:"ardoise.db"`
	RedisAddr       string        `envconfig:"REDIS_ADDR"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	ReportCacheTTL  time.Duration `envconfig:"REPORT_CACHE_TTL" default:"5m"`
	CatalogPasscode string        `envconfig:"CATALOG_PASSCODE"`
	GateSecret      string        `envconfig:"GATE_SECRET"`
	GateTTL         time.Duration `envconfig:"GATE_TTL" default:"15m"`
	EmptySettlement string        `envconfig:"EMPTY_SETTLEMENT" default:"allow"`
	Timezone        string        `envconfig:"TIMEZONE" default:"Europe/Paris"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional .env file from the working directory, then the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.CatalogPasscode = strings.TrimSpace(cfg.CatalogPasscode)
	cfg.GateSecret = strings.TrimSpace(cfg.GateSecret)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return &cfg, nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%s_TIMEZONE: %w", EnvPrefix, err)
	}
	return loc, nil
}

// GateEnabled reports whether catalog editing can be unlocked at all.
func (c *Config) GateEnabled() bool {
	return c.CatalogPasscode != ""
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverBolt, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%s_STORE_DRIVER must be one of memory, bolt, sqlite, postgres; got %q", EnvPrefix, c.StoreDriver)
	}
	if c.StoreDriver != DriverMemory && c.StoreDSN == "" {
		return fmt.Errorf("%s_STORE_DSN must be set for driver %s", EnvPrefix, c.StoreDriver)
	}
	switch c.EmptySettlement {
	case "allow", "reject":
	default:
		return fmt.Errorf("%s_EMPTY_SETTLEMENT must be allow or reject; got %q", EnvPrefix, c.EmptySettlement)
	}
	if c.ReportCacheTTL <= 0 {
		return fmt.Errorf("%s_REPORT_CACHE_TTL must be positive", EnvPrefix)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.GateEnabled() {
		return c.validateGate()
	}
	return nil
}

func (c *Config) validateGate() error {
	if len(c.GateSecret) < 32 {
		return fmt.Errorf("%s_GATE_SECRET must be set and at least 32 characters when a catalog passcode is configured", EnvPrefix)
	}
	if c.GateTTL <= 0 {
		return fmt.Errorf("%s_GATE_TTL must be positive", EnvPrefix)
	}
	// A bcrypt hash produced by `ardoise hash-passcode` is accepted as is.
	if strings.HasPrefix(c.CatalogPasscode, "$2") {
		return nil
	}
	if err := validatePasscodeStrength(c.CatalogPasscode); err != nil {
		return fmt.Errorf("%s_CATALOG_PASSCODE is too weak: %w", EnvPrefix, err)
	}
	return nil
}

// validatePasscodeStrength rejects short codes, codes made of one repeated character,
// digit runs (ascending or descending) and a small list of common codes.
func validatePasscodeStrength(code string) error {
	if len(code) < 4 {
		return errors.New("at least 4 characters required")
	}
	known := map[string]bool{
		"1234": true, "0000": true, "1111": true, "4321": true,
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "password": true, "admin": true,
	}
	if known[strings.ToLower(code)] {
		return errors.New("common passcode not allowed")
	}

	allSame := true
	for i := 1; i < len(code); i++ {
		if code[i] != code[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return errors.New("repeated-character passcode not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(code); i++ {
		diff := int(code[i]) - int(code[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("sequential passcode not allowed")
	}
	return nil
}
