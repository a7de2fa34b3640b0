package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		StoreDriver:     DriverSQLite,
		StoreDSN:        "ardoise.db",
		ReportCacheTTL:  5 * time.Minute,
		GateTTL:         15 * time.Minute,
		EmptySettlement: "allow",
		Timezone:        "Europe/Paris",
	}
}

// unsetenv removes key for the duration of the test; envconfig treats an empty
// variable as set and would skip the default.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unsetenv %s: %v", key, err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"STORE_DRIVER", "STORE_DSN", "REPORT_CACHE_TTL", "GATE_TTL", "EMPTY_SETTLEMENT", "TIMEZONE", "CATALOG_PASSCODE"} {
		unsetenv(t, "ARDOISE_"+key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != DriverSQLite || cfg.StoreDSN != "ardoise.db" {
		t.Fatalf("unexpected store defaults %q %q", cfg.StoreDriver, cfg.StoreDSN)
	}
	if cfg.ReportCacheTTL != 5*time.Minute || cfg.GateTTL != 15*time.Minute {
		t.Fatalf("unexpected ttl defaults %v %v", cfg.ReportCacheTTL, cfg.GateTTL)
	}
	if cfg.EmptySettlement != "allow" || cfg.Timezone != "Europe/Paris" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.GateEnabled() {
		t.Fatalf("gate must stay disabled without a passcode")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadReadsPrefixedEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ARDOISE_STORE_DRIVER", " Bolt ")
	t.Setenv("ARDOISE_STORE_DSN", "/var/lib/ardoise/tabs.bolt")
	t.Setenv("ARDOISE_REPORT_CACHE_TTL", "90s")
	t.Setenv("ARDOISE_EMPTY_SETTLEMENT", "reject")
	unsetenv(t, "ARDOISE_CATALOG_PASSCODE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != DriverBolt {
		t.Fatalf("expected normalized driver bolt, got %q", cfg.StoreDriver)
	}
	if cfg.ReportCacheTTL != 90*time.Second {
		t.Fatalf("expected 90s ttl, got %v", cfg.ReportCacheTTL)
	}
	if cfg.EmptySettlement != "reject" {
		t.Fatalf("expected reject policy, got %q", cfg.EmptySettlement)
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"driver":   func(c *Config) { c.StoreDriver = "mysql" },
		"dsn":      func(c *Config) { c.StoreDSN = "" },
		"policy":   func(c *Config) { c.EmptySettlement = "maybe" },
		"timezone": func(c *Config) { c.Timezone = "Mars/Olympus" },
		"ttl":      func(c *Config) { c.ReportCacheTTL = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := validConfig()
	cfg.StoreDriver = DriverMemory
	cfg.StoreDSN = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory driver needs no dsn: %v", err)
	}
}

func TestValidateRejectsWeakGate(t *testing.T) {
	cfg := validConfig()
	cfg.CatalogPasscode = "zinc-42"
	cfg.GateSecret = "short"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "GATE_SECRET") {
		t.Fatalf("expected gate secret error, got %v", err)
	}

	cfg.GateSecret = strings.Repeat("s", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected strong gate to validate: %v", err)
	}

	for _, weak := range []string{"123", "1234", "9999", "3456", "7654", "Password"} {
		cfg.CatalogPasscode = weak
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected passcode %q to be rejected", weak)
		}
	}

	cfg.CatalogPasscode = "$2a$10$abcdefghijklmnopqrstuuN3S1C0p4GxJH4wHq6S8l9mZlDq1u6a"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected bcrypt hash to bypass strength check: %v", err)
	}
}
