// Package storetest is a behavioural suite every store.Repository implementation runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ardoise/internal/domain"
	"ardoise/internal/ledger"
	"ardoise/internal/store"
	"ardoise/internal/xid"
)

// Factory returns an empty repository; cleanup is the factory's job.
type Factory func(t *testing.T) store.Repository

var base = time.Date(2026, 10, 12, 18, 0, 0, 0, time.UTC)

func Run(t *testing.T, newRepo Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, repo store.Repository)
	}{
		{"CreateClientRejectsDuplicateID", testCreateClientDuplicate},
		{"AddUnitMergesSameItemAndPrice", testAddUnitMerges},
		{"AddUnitSplitsOnPriceChange", testAddUnitSplitsOnPriceChange},
		{"AddUnitUnknownClient", testAddUnitUnknownClient},
		{"RemoveUnitRoundTrip", testRemoveUnitRoundTrip},
		{"RemoveUnitIsIdempotent", testRemoveUnitIdempotent},
		{"SettleSnapshotsAndTerminatesClient", testSettle},
		{"SettleFailureChangesNothing", testSettleFailureChangesNothing},
		{"SettleRejectsInconsistentTotals", testSettleRejectsInconsistentTotals},
		{"SettledTransactionIgnoresCatalogEdits", testSnapshotImmunity},
		{"DeleteClientGuardsNonZeroTab", testDeleteClient},
		{"ArchiveOrderAndRange", testArchiveOrderAndRange},
		{"ArchiveRangeSubMillisecondBounds", testArchiveRangeSubMillisecond},
		{"CatalogCRUD", testCatalogCRUD},
		{"SettleAndAddUnitInterleave", testInterleaving},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newRepo(t))
		})
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func item(id string, price string, cost string) domain.CatalogItem {
	return domain.CatalogItem{ID: id, Name: "Item " + id, SalePrice: dec(price), PurchaseCost: dec(cost), Category: domain.CategoryAlcohol}
}

func newClient(t *testing.T, repo store.Repository, name string, at time.Time) domain.Client {
	t.Helper()
	created, err := repo.CreateClient(context.Background(), domain.Client{ID: xid.New("cl"), Name: name, CreatedAt: at})
	require.NoError(t, err)
	return *created
}

func build(kind domain.TransactionKind, method domain.PaymentMethod, at time.Time) store.BuildFunc {
	return func(client domain.Client, lines []domain.LineItem) (domain.Transaction, error) {
		return ledger.Build(ledger.Settlement{ID: xid.New("tx"), Kind: kind, PaymentMethod: method, At: at}, client, lines)
	}
}

func addUnits(t *testing.T, repo store.Repository, clientID string, it domain.CatalogItem, n int) domain.LineItem {
	t.Helper()
	var line *domain.LineItem
	var err error
	for i := 0; i < n; i++ {
		line, err = repo.AddUnit(context.Background(), clientID, it)
		require.NoError(t, err)
	}
	return *line
}

func testCreateClientDuplicate(t *testing.T, repo store.Repository) {
	client := newClient(t, repo, "Marcel", base)

	_, err := repo.CreateClient(context.Background(), domain.Client{ID: client.ID, Name: "Marcel bis", CreatedAt: base})
	require.ErrorIs(t, err, store.ErrValidation)
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	clients, err := repo.ListClients(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "Marcel", clients[0].Name)
}

func testAddUnitMerges(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Marcel", base)
	demi := item("it-demi", "2.50", "0.80")

	line := addUnits(t, repo, client.ID, demi, 5)
	assert.Equal(t, 5, line.Quantity)

	lines, err := repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 5, lines[0].Quantity)
	assert.Equal(t, "Item it-demi", lines[0].ItemName)
	assert.True(t, lines[0].UnitSalePrice.Equal(dec("2.5")))
	assert.True(t, lines[0].UnitCost.Equal(dec("0.8")))

	// Same price written differently still merges.
	_, err = repo.AddUnit(ctx, client.ID, item("it-demi", "2.5", "0.80"))
	require.NoError(t, err)
	lines, err = repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 6, lines[0].Quantity)
}

func testAddUnitSplitsOnPriceChange(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Josette", base)

	addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), 2)
	addUnits(t, repo, client.ID, item("it-demi", "3.00", "0.80"), 1)

	lines, err := repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[0].UnitSalePrice.Equal(dec("2.50")))
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[1].UnitSalePrice.Equal(dec("3.00")))
	assert.Equal(t, 1, lines[1].Quantity)
	assert.True(t, ledger.Total(lines).Equal(dec("8.00")))
}

func testAddUnitUnknownClient(t *testing.T, repo store.Repository) {
	_, err := repo.AddUnit(context.Background(), "cl-missing", item("it-demi", "2.50", "0.80"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRemoveUnitRoundTrip(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Lucien", base)
	addUnits(t, repo, client.ID, item("it-pastis", "4.00", "1.10"), 2)

	before, err := repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		line, err := repo.AddUnit(ctx, client.ID, item("it-coca", "2.00", "0.60"))
		require.NoError(t, err)
		_, removed, err := repo.RemoveUnit(ctx, line.ID)
		require.NoError(t, err)
		require.True(t, removed)
	}

	after, err := repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testRemoveUnitIdempotent(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Gisèle", base)
	line := addUnits(t, repo, client.ID, item("it-coca", "2.00", "0.60"), 2)

	after, removed, err := repo.RemoveUnit(ctx, line.ID)
	require.NoError(t, err)
	require.True(t, removed)
	assert.Equal(t, 1, after.Quantity)

	after, removed, err = repo.RemoveUnit(ctx, line.ID)
	require.NoError(t, err)
	require.True(t, removed)
	assert.Equal(t, 0, after.Quantity)

	after, removed, err = repo.RemoveUnit(ctx, line.ID)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Nil(t, after)

	lines, err := repo.ListLineItems(ctx)
	require.NoError(t, err)
	for _, l := range lines {
		assert.Greater(t, l.Quantity, 0)
	}
	assert.Empty(t, lines)
}

func testSettle(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Marcel", base)
	other := newClient(t, repo, "Raymond", base.Add(time.Second))
	addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), 3)
	addUnits(t, repo, client.ID, item("it-pastis", "4.00", "1.10"), 1)
	addUnits(t, repo, other.ID, item("it-demi", "2.50", "0.80"), 1)

	at := base.Add(time.Hour)
	tx, err := repo.Settle(ctx, client.ID, build(domain.KindSale, domain.PaymentCash, at))
	require.NoError(t, err)
	assert.True(t, tx.TotalSale.Equal(dec("11.50")), "total sale %s", tx.TotalSale)
	assert.True(t, tx.TotalCost.Equal(dec("3.50")), "total cost %s", tx.TotalCost)
	assert.Equal(t, domain.KindSale, tx.Kind)
	assert.Equal(t, domain.PaymentCash, tx.PaymentMethod)
	assert.Equal(t, "Marcel", tx.ClientName)
	assert.Positive(t, tx.Sequence)
	assert.True(t, tx.Timestamp.Equal(at))
	require.Len(t, tx.Lines, 2)
	assert.Equal(t, 3, tx.Lines[0].Quantity)

	_, err = repo.GetClient(ctx, client.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	lines, err := repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)

	otherLines, err := repo.ListLineItemsByClient(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, otherLines, 1)

	archive, err := repo.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, tx.ID, archive[0].ID)
	assert.True(t, archive[0].TotalSale.Equal(dec("11.50")))

	_, err = repo.Settle(ctx, client.ID, build(domain.KindSale, domain.PaymentCash, at))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSettleFailureChangesNothing(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Henri", base)
	addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), 2)

	boom := errors.New("boom")
	_, err := repo.Settle(ctx, client.ID, func(domain.Client, []domain.LineItem) (domain.Transaction, error) {
		return domain.Transaction{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.Settle(ctx, client.ID, build(domain.KindSale, domain.PaymentNone, base))
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = repo.GetClient(ctx, client.ID)
	require.NoError(t, err)
	lines, err := repo.ListLineItemsByClient(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	archive, err := repo.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, archive)
}

func testSettleRejectsInconsistentTotals(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Paulette", base)
	addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), 2)

	_, err := repo.Settle(ctx, client.ID, func(c domain.Client, lines []domain.LineItem) (domain.Transaction, error) {
		tx, err := build(domain.KindSale, domain.PaymentCard, base)(c, lines)
		tx.TotalSale = tx.TotalSale.Add(dec("1"))
		return tx, err
	})
	require.ErrorIs(t, err, store.ErrInvariantViolation)

	_, err = repo.GetClient(ctx, client.ID)
	require.NoError(t, err)
	head, err := repo.ArchiveHead(ctx)
	require.NoError(t, err)
	assert.Zero(t, head.Count)
}

func testSnapshotImmunity(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	demi := item("it-demi", "2.50", "0.80")
	_, err := repo.SaveCatalogItem(ctx, demi)
	require.NoError(t, err)

	client := newClient(t, repo, "Marcel", base)
	addUnits(t, repo, client.ID, demi, 2)
	tx, err := repo.Settle(ctx, client.ID, build(domain.KindSale, domain.PaymentCard, base.Add(time.Minute)))
	require.NoError(t, err)

	demi.SalePrice = dec("9.90")
	demi.Name = "Renamed"
	_, err = repo.SaveCatalogItem(ctx, demi)
	require.NoError(t, err)
	require.NoError(t, repo.DeleteCatalogItem(ctx, demi.ID))

	archive, err := repo.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, tx.ID, archive[0].ID)
	assert.True(t, archive[0].TotalSale.Equal(dec("5.00")))
	assert.Equal(t, "Item it-demi", archive[0].Lines[0].Name)
	assert.True(t, archive[0].Lines[0].UnitSalePrice.Equal(dec("2.50")))
}

func testDeleteClient(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Odette", base)
	line := addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), 1)

	err := repo.DeleteClient(ctx, client.ID)
	require.ErrorIs(t, err, store.ErrInvariantViolation)
	_, err = repo.GetClient(ctx, client.ID)
	require.NoError(t, err)
	head, err := repo.ArchiveHead(ctx)
	require.NoError(t, err)
	assert.Zero(t, head.Count, "a refused delete must not archive anything")

	_, _, err = repo.RemoveUnit(ctx, line.ID)
	require.NoError(t, err)
	require.NoError(t, repo.DeleteClient(ctx, client.ID))
	_, err = repo.GetClient(ctx, client.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, repo.DeleteClient(ctx, client.ID), store.ErrNotFound)

	free := newClient(t, repo, "Free round", base)
	addUnits(t, repo, free.ID, item("it-water", "0", "0"), 3)
	require.NoError(t, repo.DeleteClient(ctx, free.ID))
	lines, err := repo.ListLineItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func testArchiveOrderAndRange(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	stamps := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour), base.Add(time.Hour)}
	ids := make([]string, 0, len(stamps))
	for i, at := range stamps {
		client := newClient(t, repo, fmt.Sprintf("client %d", i), base)
		addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), i+1)
		tx, err := repo.Settle(ctx, client.ID, build(domain.KindSale, domain.PaymentCash, at))
		require.NoError(t, err)
		ids = append(ids, tx.ID)
	}

	archive, err := repo.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 4)
	got := []string{archive[0].ID, archive[1].ID, archive[2].ID, archive[3].ID}
	assert.Equal(t, []string{ids[0], ids[3], ids[2], ids[1]}, got)

	ranged, err := repo.ListTransactionsBetween(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	assert.Equal(t, ids[0], ranged[0].ID)

	ranged, err = repo.ListTransactionsBetween(ctx, base, base)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, ids[1], ranged[0].ID)

	head, err := repo.ArchiveHead(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, head.Count)
	assert.Equal(t, ids[3], head.LastID)
}

func testArchiveRangeSubMillisecond(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Josiane", base)
	addUnits(t, repo, client.ID, item("it-demi", "2.50", "0.80"), 1)
	tx, err := repo.Settle(ctx, client.ID, build(domain.KindSale, domain.PaymentCash, base))
	require.NoError(t, err)

	after := base.Add(500 * time.Microsecond)
	ranged, err := repo.ListTransactionsBetween(ctx, after, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ranged, "from just after the timestamp must exclude it")

	ranged, err = repo.ListTransactionsBetween(ctx, base.Add(-time.Hour), base.Add(-500*time.Microsecond))
	require.NoError(t, err)
	assert.Empty(t, ranged, "to just before the timestamp must exclude it")

	ranged, err = repo.ListTransactionsBetween(ctx, base.Add(-500*time.Microsecond), base.Add(500*time.Microsecond))
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, tx.ID, ranged[0].ID)
}

func testCatalogCRUD(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	_, err := repo.SaveCatalogItem(ctx, domain.CatalogItem{ID: "it-b", Name: "Bière", SalePrice: dec("3"), PurchaseCost: dec("1"), Category: domain.CategoryAlcohol})
	require.NoError(t, err)
	_, err = repo.SaveCatalogItem(ctx, domain.CatalogItem{ID: "it-a", Name: "Limonade", SalePrice: dec("2"), PurchaseCost: dec("0.5"), Category: domain.CategorySoft})
	require.NoError(t, err)

	_, err = repo.SaveCatalogItem(ctx, domain.CatalogItem{ID: "it-c", Name: "Bad", Category: "WINE"})
	require.ErrorIs(t, err, store.ErrValidation)

	items, err := repo.ListCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "it-b", items[0].ID)

	got, err := repo.GetCatalogItem(ctx, "it-a")
	require.NoError(t, err)
	assert.True(t, got.PurchaseCost.Equal(dec("0.50")))

	require.NoError(t, repo.DeleteCatalogItem(ctx, "it-a"))
	_, err = repo.GetCatalogItem(ctx, "it-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteCatalogItem(ctx, "it-a"), store.ErrNotFound)
}

// testInterleaving races unit additions against a settlement. Once the settlement
// commits the client no longer exists, so every AddUnit that succeeded must be in
// the archived transaction and none may be left on a tab.
func testInterleaving(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	client := newClient(t, repo, "Racing", base)
	items := []domain.CatalogItem{item("it-demi", "2.50", "0.80"), item("it-pastis", "4.00", "1.10"), item("it-coca", "2.00", "0.60")}

	var accepted atomic.Int64
	var settled *domain.Transaction
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		it := items[w%len(items)]
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				_, err := repo.AddUnit(gctx, client.ID, it)
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, store.ErrNotFound):
					return nil
				default:
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for accepted.Load() < 10 {
			time.Sleep(time.Millisecond)
		}
		tx, err := repo.Settle(gctx, client.ID, build(domain.KindSale, domain.PaymentCash, base))
		settled = tx
		return err
	})
	require.NoError(t, g.Wait())
	require.NotNil(t, settled)

	units := 0
	for _, l := range settled.Lines {
		units += l.Quantity
	}
	assert.EqualValues(t, accepted.Load(), units)
	assert.True(t, ledger.Consistent(*settled))

	lines, err := repo.ListLineItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
