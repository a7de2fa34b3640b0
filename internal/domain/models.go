package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryAlcohol Category = "ALCOHOL"
	CategorySoft    Category = "SOFT"
	CategoryFood    Category = "FOOD"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryAlcohol, CategorySoft, CategoryFood:
		return true
	}
	return false
}

type TransactionKind string

const (
	KindSale     TransactionKind = "SALE"
	KindWriteOff TransactionKind = "WRITE_OFF"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "CASH"
	PaymentCard PaymentMethod = "CARD"
	PaymentNone PaymentMethod = "NONE"
)

// AllowedFor reports whether the payment method may appear on a transaction of kind k.
// NONE is reserved for write-offs, and write-offs carry nothing else.
func (m PaymentMethod) AllowedFor(k TransactionKind) bool {
	switch k {
	case KindSale:
		return m == PaymentCash || m == PaymentCard
	case KindWriteOff:
		return m == PaymentNone
	}
	return false
}

type CatalogItem struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	SalePrice    decimal.Decimal `json:"sale_price"`
	PurchaseCost decimal.Decimal `json:"purchase_cost"`
	Category     Category        `json:"category"`
}

type CatalogItemInput struct {
	Name         string           `json:"name" validate:"required"`
	SalePrice    decimal.Decimal  `json:"sale_price" validate:"gt=0"`
	PurchaseCost *decimal.Decimal `json:"purchase_cost,omitempty" validate:"omitempty,gte=0"`
	Category     Category         `json:"category,omitempty" validate:"omitempty,oneof=ALCOHOL SOFT FOOD"`
}

type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ClientInput struct {
	Name string `json:"name" validate:"required"`
}

// LineItem is one entry on an open tab. Name and prices are copies taken when the
// first unit was added and never follow later catalog edits.
type LineItem struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"client_id"`
	ItemID        string          `json:"item_id"`
	ItemName      string          `json:"item_name"`
	Quantity      int             `json:"quantity"`
	UnitSalePrice decimal.Decimal `json:"unit_sale_price"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Position      int64           `json:"position"`
}

func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitSalePrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type TransactionLine struct {
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity"`
	UnitSalePrice decimal.Decimal `json:"unit_sale_price"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
}

type Transaction struct {
	ID            string            `json:"id"`
	Sequence      int64             `json:"sequence"`
	ClientID      string            `json:"client_id"`
	ClientName    string            `json:"client_name"`
	Timestamp     time.Time         `json:"timestamp"`
	Kind          TransactionKind   `json:"kind"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	Lines         []TransactionLine `json:"lines"`
	TotalSale     decimal.Decimal   `json:"total_sale"`
	TotalCost     decimal.Decimal   `json:"total_cost"`
}

func (t Transaction) Profit() decimal.Decimal {
	return t.TotalSale.Sub(t.TotalCost)
}

type TabView struct {
	Client Client          `json:"client"`
	Lines  []LineItem      `json:"lines"`
	Total  decimal.Decimal `json:"total"`
}

type RosterEntry struct {
	Client Client          `json:"client"`
	Debt   decimal.Decimal `json:"debt"`
}

type HistoryQuery struct {
	ClientName string
	From       *time.Time
	To         *time.Time
}

type DailyStat struct {
	Date    time.Time       `json:"date"`
	Revenue decimal.Decimal `json:"revenue"`
	Profit  decimal.Decimal `json:"profit"`
}

type WeeklyStats struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Days        []DailyStat `json:"days"`
}

// ArchiveHead identifies the current state of the append-only archive.
type ArchiveHead struct {
	Count        int64  `json:"count"`
	LastSequence int64  `json:"last_sequence"`
	LastID       string `json:"last_id"`
}

// Operator is whoever drives the engine from the presentation layer.
type Operator struct {
	Name            string
	CatalogUnlocked bool
}
