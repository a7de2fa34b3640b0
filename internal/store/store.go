package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ardoise/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrValidation         = errors.New("validation failed")
)

// ValidationError names the offending field. errors.Is(err, ErrValidation) holds for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// BuildFunc turns a client and its open lines into the transaction that settles them.
// It runs inside the repository's settlement boundary and must not touch the repository.
type BuildFunc func(client domain.Client, lines []domain.LineItem) (domain.Transaction, error)

type Repository interface {
	ListClients(ctx context.Context) ([]domain.Client, error)
	GetClient(ctx context.Context, clientID string) (*domain.Client, error)
	CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error)
	RenameClient(ctx context.Context, clientID string, name string) (*domain.Client, error)
	// DeleteClient removes a client whose tab totals zero, cascading its lines. A
	// non-zero tab is refused with ErrInvariantViolation and left untouched.
	DeleteClient(ctx context.Context, clientID string) error

	ListCatalog(ctx context.Context) ([]domain.CatalogItem, error)
	GetCatalogItem(ctx context.Context, itemID string) (*domain.CatalogItem, error)
	SaveCatalogItem(ctx context.Context, item domain.CatalogItem) (*domain.CatalogItem, error)
	DeleteCatalogItem(ctx context.Context, itemID string) error

	ListLineItems(ctx context.Context) ([]domain.LineItem, error)
	ListLineItemsByClient(ctx context.Context, clientID string) ([]domain.LineItem, error)
	// AddUnit increments the line matching (client, item, sale price) or opens a new one at 1.
	AddUnit(ctx context.Context, clientID string, item domain.CatalogItem) (*domain.LineItem, error)
	// RemoveUnit decrements a line and deletes it at zero. Unknown ids return (nil, false, nil).
	RemoveUnit(ctx context.Context, lineID string) (*domain.LineItem, bool, error)

	// Settle snapshots the client's lines, appends build's transaction to the archive
	// and deletes the client with its lines, all as one state transition.
	Settle(ctx context.Context, clientID string, build BuildFunc) (*domain.Transaction, error)
	ListTransactions(ctx context.Context) ([]domain.Transaction, error)
	// ListTransactionsBetween returns from <= timestamp <= to, most recent first.
	ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error)
	ArchiveHead(ctx context.Context) (domain.ArchiveHead, error)

	Close() error
}
