package memory

import (
	"context"
	"testing"

	"ardoise/internal/store"
	"ardoise/internal/store/storetest"
)

func TestRepositoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return New()
	})
}

func TestNewSeededHasMenu(t *testing.T) {
	items, err := NewSeeded().ListCatalog(context.Background())
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("expected 6 seeded items, got %d", len(items))
	}
	if items[0].Category != "ALCOHOL" {
		t.Fatalf("expected alcohol first, got %s", items[0].Category)
	}
}
