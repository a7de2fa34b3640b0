package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ardoise/internal/domain"
	"ardoise/internal/ledger"
	"ardoise/internal/store"
	"ardoise/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	clients       map[string]domain.Client
	catalog       map[string]domain.CatalogItem
	lines         map[string]domain.LineItem
	lineByKey     map[string]string
	linesByClient map[string]map[string]struct{}
	transactions  []domain.Transaction
	nextPosition  int64
	nextSequence  int64
}

func New() *Store {
	return &Store{
		clients:       make(map[string]domain.Client),
		catalog:       make(map[string]domain.CatalogItem),
		lines:         make(map[string]domain.LineItem),
		lineByKey:     make(map[string]string),
		linesByClient: make(map[string]map[string]struct{}),
		transactions:  make([]domain.Transaction, 0, 64),
	}
}

// NewSeeded returns a store with a small bar menu, for dev mode and tests.
func NewSeeded() *Store {
	s := New()
	for _, item := range []domain.CatalogItem{
		{ID: "it-demi", Name: "Demi pression", SalePrice: decimal.RequireFromString("2.50"), PurchaseCost: decimal.RequireFromString("0.80"), Category: domain.CategoryAlcohol},
		{ID: "it-pastis", Name: "Pastis", SalePrice: decimal.RequireFromString("4.00"), PurchaseCost: decimal.RequireFromString("1.10"), Category: domain.CategoryAlcohol},
		{ID: "it-blanc", Name: "Verre de blanc", SalePrice: decimal.RequireFromString("3.50"), PurchaseCost: decimal.RequireFromString("1.20"), Category: domain.CategoryAlcohol},
		{ID: "it-coca", Name: "Coca", SalePrice: decimal.RequireFromString("2.00"), PurchaseCost: decimal.RequireFromString("0.60"), Category: domain.CategorySoft},
		{ID: "it-sirop", Name: "Sirop à l'eau", SalePrice: decimal.RequireFromString("1.00"), PurchaseCost: decimal.RequireFromString("0.15"), Category: domain.CategorySoft},
		{ID: "it-croque", Name: "Croque-monsieur", SalePrice: decimal.RequireFromString("5.50"), PurchaseCost: decimal.RequireFromString("2.00"), Category: domain.CategoryFood},
	} {
		s.catalog[item.ID] = item
	}
	return s
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) ListClients(_ context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(a, b domain.Client) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return clients, nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, exists := s.clients[clientID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyClient := client
	return &copyClient, nil
}

func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client.ID == "" || client.Name == "" {
		return nil, &store.ValidationError{Field: "client", Reason: "id and name are required"}
	}
	if _, exists := s.clients[client.ID]; exists {
		return nil, &store.ValidationError{Field: "id", Reason: "already exists"}
	}
	s.clients[client.ID] = client
	created := client
	return &created, nil
}

func (s *Store) RenameClient(_ context.Context, clientID string, name string) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, exists := s.clients[clientID]
	if !exists {
		return nil, store.ErrNotFound
	}
	client.Name = name
	s.clients[clientID] = client
	renamed := client
	return &renamed, nil
}

func (s *Store) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; !exists {
		return store.ErrNotFound
	}
	if !ledger.Total(s.clientLinesLocked(clientID)).IsZero() {
		return store.ErrInvariantViolation
	}
	s.dropClientLocked(clientID)
	return nil
}

func (s *Store) ListCatalog(_ context.Context) ([]domain.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.CatalogItem, 0, len(s.catalog))
	for _, item := range s.catalog {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.CatalogItem) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(string(a.Category), string(b.Category))
	})
	return items, nil
}

func (s *Store) GetCatalogItem(_ context.Context, itemID string) (*domain.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.catalog[itemID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyItem := item
	return &copyItem, nil
}

func (s *Store) SaveCatalogItem(_ context.Context, item domain.CatalogItem) (*domain.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" || item.Name == "" || !item.Category.Valid() {
		return nil, &store.ValidationError{Field: "item", Reason: "id, name and category are required"}
	}
	s.catalog[item.ID] = item
	saved := item
	return &saved, nil
}

func (s *Store) DeleteCatalogItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.catalog[itemID]; !exists {
		return store.ErrNotFound
	}
	delete(s.catalog, itemID)
	return nil
}

func (s *Store) ListLineItems(_ context.Context) ([]domain.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := make([]domain.LineItem, 0, len(s.lines))
	for _, line := range s.lines {
		lines = append(lines, line)
	}
	ledger.SortLines(lines)
	return lines, nil
}

func (s *Store) ListLineItemsByClient(_ context.Context, clientID string) ([]domain.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clientLinesLocked(clientID), nil
}

func (s *Store) AddUnit(_ context.Context, clientID string, item domain.CatalogItem) (*domain.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[clientID]; !exists {
		return nil, store.ErrNotFound
	}

	key := ledger.MergeKey(clientID, item.ID, item.SalePrice)
	if lineID, exists := s.lineByKey[key]; exists {
		line := s.lines[lineID]
		line.Quantity++
		s.lines[lineID] = line
		updated := line
		return &updated, nil
	}

	s.nextPosition++
	line := ledger.NewLine(xid.New("ln"), clientID, item, s.nextPosition)
	s.lines[line.ID] = line
	s.lineByKey[key] = line.ID
	if s.linesByClient[clientID] == nil {
		s.linesByClient[clientID] = make(map[string]struct{})
	}
	s.linesByClient[clientID][line.ID] = struct{}{}
	created := line
	return &created, nil
}

func (s *Store) RemoveUnit(_ context.Context, lineID string) (*domain.LineItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, exists := s.lines[lineID]
	if !exists {
		return nil, false, nil
	}
	line.Quantity--
	if line.Quantity > 0 {
		s.lines[lineID] = line
	} else {
		s.dropLineLocked(line)
	}
	after := line
	return &after, true, nil
}

func (s *Store) Settle(_ context.Context, clientID string, build store.BuildFunc) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, exists := s.clients[clientID]
	if !exists {
		return nil, store.ErrNotFound
	}

	tx, err := build(client, s.clientLinesLocked(clientID))
	if err != nil {
		return nil, err
	}
	if !ledger.Consistent(tx) {
		return nil, store.ErrInvariantViolation
	}

	s.nextSequence++
	tx.Sequence = s.nextSequence
	s.transactions = append([]domain.Transaction{ledger.CloneTransaction(tx)}, s.transactions...)
	s.dropClientLocked(clientID)

	return &tx, nil
}

func (s *Store) ListTransactions(_ context.Context) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		txs = append(txs, ledger.CloneTransaction(tx))
	}
	ledger.SortArchive(txs)
	return txs, nil
}

func (s *Store) ListTransactionsBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]domain.Transaction, 0, 32)
	for _, tx := range s.transactions {
		if tx.Timestamp.Before(from) || tx.Timestamp.After(to) {
			continue
		}
		txs = append(txs, ledger.CloneTransaction(tx))
	}
	ledger.SortArchive(txs)
	return txs, nil
}

func (s *Store) ArchiveHead(_ context.Context) (domain.ArchiveHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head := domain.ArchiveHead{Count: int64(len(s.transactions))}
	for _, tx := range s.transactions {
		if tx.Sequence > head.LastSequence {
			head.LastSequence = tx.Sequence
			head.LastID = tx.ID
		}
	}
	return head, nil
}

func (s *Store) clientLinesLocked(clientID string) []domain.LineItem {
	ids := s.linesByClient[clientID]
	lines := make([]domain.LineItem, 0, len(ids))
	for id := range ids {
		lines = append(lines, s.lines[id])
	}
	ledger.SortLines(lines)
	return lines
}

func (s *Store) dropLineLocked(line domain.LineItem) {
	delete(s.lines, line.ID)
	delete(s.lineByKey, ledger.MergeKey(line.ClientID, line.ItemID, line.UnitSalePrice))
	if owned := s.linesByClient[line.ClientID]; owned != nil {
		delete(owned, line.ID)
		if len(owned) == 0 {
			delete(s.linesByClient, line.ClientID)
		}
	}
}

func (s *Store) dropClientLocked(clientID string) {
	for id := range s.linesByClient[clientID] {
		s.dropLineLocked(s.lines[id])
	}
	delete(s.linesByClient, clientID)
	delete(s.clients, clientID)
}
