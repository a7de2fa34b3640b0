package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"ardoise/internal/config"
	"ardoise/internal/domain"
)

func testConfig(driver string, dsn string) *config.Config {
	return &config.Config{
		StoreDriver:     driver,
		StoreDSN:        dsn,
		ReportCacheTTL:  time.Minute,
		GateTTL:         time.Minute,
		EmptySettlement: "allow",
		Timezone:        "UTC",
		LogLevel:        "error",
	}
}

func run(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func() (*config.Config, error) { return cfg, nil })
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateAndSeedSQLite(t *testing.T) {
	cfg := testConfig(config.DriverSQLite, filepath.Join(t.TempDir(), "ardoise.db"))

	out, err := run(t, cfg, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema at version 20261016120000") {
		t.Fatalf("unexpected migrate output %q", out)
	}

	out, err = run(t, cfg, "seed")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !strings.Contains(out, "seeded 6 catalog items") {
		t.Fatalf("unexpected seed output %q", out)
	}
}

func TestMigrateWithoutSchema(t *testing.T) {
	out, err := run(t, testConfig(config.DriverMemory, ""), "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "no schema") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestHistoryAndReportOnBolt(t *testing.T) {
	cfg := testConfig(config.DriverBolt, filepath.Join(t.TempDir(), "ardoise.bolt"))
	ctx := context.Background()

	a, err := openApp(ctx, cfg)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	client, err := a.svc.CreateClient(ctx, domain.ClientInput{Name: "Marcel"})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	item := domain.CatalogItem{ID: "it-demi", Name: "Demi", SalePrice: decimal.RequireFromString("2.50"), Category: domain.CategoryAlcohol}
	if _, err := a.svc.AddUnit(ctx, client.ID, item); err != nil {
		t.Fatalf("add unit: %v", err)
	}
	if _, err := a.svc.Settle(ctx, client.ID, domain.PaymentCash); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	today := time.Now().UTC().Format(time.DateOnly)
	out, err := run(t, cfg, "history", "--client", "marc", "--from", today)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "Marcel") || !strings.Contains(out, "2.50") {
		t.Fatalf("unexpected history output %q", out)
	}

	out, err = run(t, cfg, "history", "--client", "nobody")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Contains(out, "Marcel") {
		t.Fatalf("expected empty history, got %q", out)
	}

	metricsFile := filepath.Join(t.TempDir(), "ardoise.prom")
	out, err = run(t, cfg, "report", "--metrics-textfile", metricsFile)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(out, "REVENUE") || !strings.Contains(out, "2.50") {
		t.Fatalf("unexpected report output %q", out)
	}
	prom, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(prom), `ardoise_report_cache_lookups_total{result="miss"} 1`) {
		t.Fatalf("expected cache miss counter, got %s", prom)
	}
}

func TestHistoryRejectsBadDate(t *testing.T) {
	if _, err := run(t, testConfig(config.DriverMemory, ""), "history", "--from", "16/10/2026"); err == nil {
		t.Fatalf("expected bad date to fail")
	}
}

func TestInvalidConfigurationStopsCommands(t *testing.T) {
	cfg := testConfig("mysql", "x")
	if _, err := run(t, cfg, "report"); err == nil || !strings.Contains(err.Error(), "STORE_DRIVER") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHashPasscode(t *testing.T) {
	cmd := newRootCommand(func() (*config.Config, error) {
		t.Fatalf("hash-passcode must not load configuration")
		return nil, nil
	})
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetIn(strings.NewReader("zinc-42\n"))
	cmd.SetArgs([]string{"hash-passcode"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("hash-passcode: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("zinc-42")); err != nil {
		t.Fatalf("printed hash does not match passcode: %v", err)
	}
}
