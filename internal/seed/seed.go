// Package seed loads a catalog from YAML so a fresh install starts with a menu.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ardoise/internal/domain"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Items []itemEntry `yaml:"items"`
}

// Prices are read as text so 2.50 keeps its written scale.
type itemEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	SalePrice    string `yaml:"sale_price"`
	PurchaseCost string `yaml:"purchase_cost"`
	Category     string `yaml:"category"`
}

type CatalogWriter interface {
	SaveCatalogItem(ctx context.Context, item domain.CatalogItem) (*domain.CatalogItem, error)
}

func Default() ([]domain.CatalogItem, error) {
	return Parse(defaultCatalog)
}

func LoadFile(path string) ([]domain.CatalogItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document. Category defaults to SOFT and purchase cost to 0.
func Parse(data []byte) ([]domain.CatalogItem, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Items))
	items := make([]domain.CatalogItem, 0, len(file.Items))
	for i, entry := range file.Items {
		item, err := entry.toItem()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("item %d: duplicate id %q", i+1, item.ID)
		}
		seen[item.ID] = struct{}{}
		items = append(items, item)
	}
	return items, nil
}

func (e itemEntry) toItem() (domain.CatalogItem, error) {
	id := strings.TrimSpace(e.ID)
	name := strings.TrimSpace(e.Name)
	if id == "" || name == "" {
		return domain.CatalogItem{}, fmt.Errorf("id and name are required")
	}

	price, err := decimal.NewFromString(strings.TrimSpace(e.SalePrice))
	if err != nil {
		return domain.CatalogItem{}, fmt.Errorf("%s: invalid sale_price %q", id, e.SalePrice)
	}
	if !price.IsPositive() {
		return domain.CatalogItem{}, fmt.Errorf("%s: sale_price must be positive", id)
	}

	cost := decimal.Zero
	if raw := strings.TrimSpace(e.PurchaseCost); raw != "" {
		cost, err = decimal.NewFromString(raw)
		if err != nil {
			return domain.CatalogItem{}, fmt.Errorf("%s: invalid purchase_cost %q", id, e.PurchaseCost)
		}
		if cost.IsNegative() {
			return domain.CatalogItem{}, fmt.Errorf("%s: purchase_cost must not be negative", id)
		}
	}

	category := domain.Category(strings.ToUpper(strings.TrimSpace(e.Category)))
	if category == "" {
		category = domain.CategorySoft
	}
	if !category.Valid() {
		return domain.CatalogItem{}, fmt.Errorf("%s: unknown category %q", id, e.Category)
	}

	return domain.CatalogItem{ID: id, Name: name, SalePrice: price, PurchaseCost: cost, Category: category}, nil
}

// Apply upserts every item and returns how many were written.
func Apply(ctx context.Context, w CatalogWriter, items []domain.CatalogItem) (int, error) {
	for i, item := range items {
		if _, err := w.SaveCatalogItem(ctx, item); err != nil {
			return i, fmt.Errorf("save %s: %w", item.ID, err)
		}
	}
	return len(items), nil
}
