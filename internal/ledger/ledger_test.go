package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ardoise/internal/domain"
	"ardoise/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBuildSnapshotsLinesAndTotals(t *testing.T) {
	client := domain.Client{ID: "cl-1", Name: "Marcel"}
	lines := []domain.LineItem{
		{ID: "ln-2", ClientID: "cl-1", ItemID: "it-b", ItemName: "Pastis", Quantity: 1, UnitSalePrice: dec("4.00"), UnitCost: dec("1.10"), Position: 2},
		{ID: "ln-1", ClientID: "cl-1", ItemID: "it-a", ItemName: "Demi", Quantity: 3, UnitSalePrice: dec("2.50"), UnitCost: dec("0.80"), Position: 1},
	}
	at := time.Date(2026, 10, 16, 21, 30, 0, 0, time.UTC)

	tx, err := Build(Settlement{ID: "tx-1", Kind: domain.KindSale, PaymentMethod: domain.PaymentCash, At: at}, client, lines)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !tx.TotalSale.Equal(dec("11.50")) {
		t.Fatalf("expected total sale 11.50, got %s", tx.TotalSale)
	}
	if !tx.TotalCost.Equal(dec("3.50")) {
		t.Fatalf("expected total cost 3.50, got %s", tx.TotalCost)
	}
	if tx.ClientName != "Marcel" || tx.ClientID != "cl-1" {
		t.Fatalf("unexpected client snapshot %+v", tx)
	}
	if len(tx.Lines) != 2 || tx.Lines[0].Name != "Demi" {
		t.Fatalf("expected lines in tab order, got %+v", tx.Lines)
	}
	if !Consistent(tx) {
		t.Fatalf("expected totals consistent with lines")
	}

	lines[0].Quantity = 9
	if tx.Lines[1].Quantity != 1 {
		t.Fatalf("transaction must not share line storage with the tab")
	}
}

func TestBuildRejectsPaymentMethodForKind(t *testing.T) {
	client := domain.Client{ID: "cl-1", Name: "Marcel"}
	cases := []Settlement{
		{Kind: domain.KindSale, PaymentMethod: domain.PaymentNone},
		{Kind: domain.KindWriteOff, PaymentMethod: domain.PaymentCash},
		{Kind: domain.KindSale, PaymentMethod: "CHEQUE"},
	}
	for _, s := range cases {
		_, err := Build(s, client, nil)
		if !errors.Is(err, store.ErrValidation) {
			t.Fatalf("expected validation error for %s/%s, got %v", s.Kind, s.PaymentMethod, err)
		}
	}
}

func TestBuildEmptyTabYieldsZeroTotals(t *testing.T) {
	tx, err := Build(Settlement{ID: "tx-0", Kind: domain.KindSale, PaymentMethod: domain.PaymentCard, At: time.Now()}, domain.Client{ID: "cl-0"}, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !tx.TotalSale.IsZero() || !tx.TotalCost.IsZero() || len(tx.Lines) != 0 {
		t.Fatalf("expected zero transaction, got %+v", tx)
	}
}

func TestBuildPanicsOnCorruptedLine(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on zero-quantity line")
		}
	}()
	_, _ = Build(Settlement{Kind: domain.KindSale, PaymentMethod: domain.PaymentCash}, domain.Client{}, []domain.LineItem{{ID: "bad", Quantity: 0}})
}

func TestMergeKeyUsesCanonicalPrice(t *testing.T) {
	if MergeKey("c", "i", dec("2.5")) != MergeKey("c", "i", dec("2.50")) {
		t.Fatalf("expected equal prices to share a merge key")
	}
	if MergeKey("c", "i", dec("2.5")) == MergeKey("c", "i", dec("2.6")) {
		t.Fatalf("expected different prices to get distinct merge keys")
	}
}

func TestSortArchiveMostRecentFirst(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	txs := []domain.Transaction{
		{ID: "a", Sequence: 1, Timestamp: base},
		{ID: "c", Sequence: 3, Timestamp: base.Add(time.Hour)},
		{ID: "b", Sequence: 2, Timestamp: base},
	}
	SortArchive(txs)
	got := txs[0].ID + txs[1].ID + txs[2].ID
	if got != "cba" {
		t.Fatalf("expected order cba, got %s", got)
	}
}

func TestConsistentDetectsTamperedTotals(t *testing.T) {
	tx := domain.Transaction{
		Lines:     []domain.TransactionLine{{Name: "Demi", Quantity: 2, UnitSalePrice: dec("2.50"), UnitCost: dec("1")}},
		TotalSale: dec("5"),
		TotalCost: dec("2"),
	}
	if !Consistent(tx) {
		t.Fatalf("expected consistent transaction")
	}
	tx.TotalSale = dec("6")
	if Consistent(tx) {
		t.Fatalf("expected tampered total to be detected")
	}
}
