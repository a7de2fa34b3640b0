// Package ledger holds the pure part of the tab engine: merge keys, tab totals and the
// conversion of an open tab into an archived transaction. Nothing here touches storage;
// repositories call into it from inside their own critical sections.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ardoise/internal/domain"
	"ardoise/internal/store"
)

// MergeKey is the identity of a tab line: one line per client, item and sale price.
// Prices are compared by canonical decimal form, so 2.5 and 2.50 collide.
func MergeKey(clientID string, itemID string, unitSalePrice decimal.Decimal) string {
	return clientID + "\x00" + itemID + "\x00" + unitSalePrice.String()
}

// NewLine opens a line at quantity 1 with name and prices copied from item.
func NewLine(id string, clientID string, item domain.CatalogItem, position int64) domain.LineItem {
	return domain.LineItem{
		ID:            id,
		ClientID:      clientID,
		ItemID:        item.ID,
		ItemName:      item.Name,
		Quantity:      1,
		UnitSalePrice: item.SalePrice,
		UnitCost:      item.PurchaseCost,
		Position:      position,
	}
}

func Total(lines []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// SortLines orders lines the way they were opened on the tab.
func SortLines(lines []domain.LineItem) {
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Position == lines[j].Position {
			return lines[i].ID < lines[j].ID
		}
		return lines[i].Position < lines[j].Position
	})
}

// SortArchive orders transactions most recent first.
func SortArchive(txs []domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Sequence > txs[j].Sequence
		}
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})
}

type Settlement struct {
	ID            string
	Kind          domain.TransactionKind
	PaymentMethod domain.PaymentMethod
	At            time.Time
}

// Build copies every line into a transaction and stores the derived totals. The result
// shares no slices with lines. A line with quantity below 1 is a corrupted tab and panics.
func Build(s Settlement, client domain.Client, lines []domain.LineItem) (domain.Transaction, error) {
	if !s.PaymentMethod.AllowedFor(s.Kind) {
		return domain.Transaction{}, &store.ValidationError{
			Field:  "payment_method",
			Reason: fmt.Sprintf("%s not allowed for %s", s.PaymentMethod, s.Kind),
		}
	}

	ordered := make([]domain.LineItem, len(lines))
	copy(ordered, lines)
	SortLines(ordered)

	txLines := make([]domain.TransactionLine, 0, len(ordered))
	totalSale := decimal.Zero
	totalCost := decimal.Zero
	for _, line := range ordered {
		if line.Quantity < 1 {
			panic(fmt.Sprintf("ledger: line %s has quantity %d", line.ID, line.Quantity))
		}
		qty := decimal.NewFromInt(int64(line.Quantity))
		totalSale = totalSale.Add(line.UnitSalePrice.Mul(qty))
		totalCost = totalCost.Add(line.UnitCost.Mul(qty))
		txLines = append(txLines, domain.TransactionLine{
			Name:          line.ItemName,
			Quantity:      line.Quantity,
			UnitSalePrice: line.UnitSalePrice,
			UnitCost:      line.UnitCost,
		})
	}

	return domain.Transaction{
		ID:            s.ID,
		ClientID:      client.ID,
		ClientName:    client.Name,
		Timestamp:     s.At.UTC(),
		Kind:          s.Kind,
		PaymentMethod: s.PaymentMethod,
		Lines:         txLines,
		TotalSale:     totalSale,
		TotalCost:     totalCost,
	}, nil
}

// Consistent reports whether the stored totals still match the transaction's own lines.
func Consistent(tx domain.Transaction) bool {
	sale := decimal.Zero
	cost := decimal.Zero
	for _, line := range tx.Lines {
		if line.Quantity < 1 {
			return false
		}
		qty := decimal.NewFromInt(int64(line.Quantity))
		sale = sale.Add(line.UnitSalePrice.Mul(qty))
		cost = cost.Add(line.UnitCost.Mul(qty))
	}
	return sale.Equal(tx.TotalSale) && cost.Equal(tx.TotalCost)
}

// CloneTransaction deep-copies tx so callers cannot reach archived line slices.
func CloneTransaction(tx domain.Transaction) domain.Transaction {
	out := tx
	out.Lines = append([]domain.TransactionLine(nil), tx.Lines...)
	return out
}
