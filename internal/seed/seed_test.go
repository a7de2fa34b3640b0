package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"ardoise/internal/domain"
	"ardoise/internal/store/memory"
)

func TestDefaultCatalogParses(t *testing.T) {
	items, err := Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("expected 6 items, got %d", len(items))
	}
	if items[0].ID != "it-demi" || !items[0].SalePrice.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[0].SalePrice.String() != "2.5" {
		t.Fatalf("expected canonical price 2.5, got %s", items[0].SalePrice)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	items, err := Parse([]byte(`
items:
  - id: it-eau
    name: Eau pétillante
    sale_price: "1.50"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if items[0].Category != domain.CategorySoft {
		t.Fatalf("expected SOFT default, got %s", items[0].Category)
	}
	if !items[0].PurchaseCost.IsZero() {
		t.Fatalf("expected zero cost default, got %s", items[0].PurchaseCost)
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing name":  "items:\n  - id: a\n    sale_price: 1\n",
		"zero price":    "items:\n  - id: a\n    name: A\n    sale_price: 0\n",
		"bad price":     "items:\n  - id: a\n    name: A\n    sale_price: cheap\n",
		"negative cost": "items:\n  - id: a\n    name: A\n    sale_price: 1\n    purchase_cost: -1\n",
		"bad category":  "items:\n  - id: a\n    name: A\n    sale_price: 1\n    category: WINE\n",
		"duplicate":     "items:\n  - id: a\n    name: A\n    sale_price: 1\n  - id: a\n    name: B\n    sale_price: 2\n",
		"not yaml":      "items: [",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadFileAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	doc := "items:\n  - id: it-kir\n    name: Kir\n    sale_price: 3.80\n    purchase_cost: 1\n    category: alcohol\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	items, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	repo := memory.New()
	n, err := Apply(context.Background(), repo, items)
	if err != nil || n != 1 {
		t.Fatalf("apply: n=%d err=%v", n, err)
	}
	got, err := repo.GetCatalogItem(context.Background(), "it-kir")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != domain.CategoryAlcohol || !got.SalePrice.Equal(decimal.RequireFromString("3.8")) {
		t.Fatalf("unexpected stored item %+v", got)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read") {
		t.Fatalf("expected read error, got %v", err)
	}
}
