// Package boltdb persists the four collections in a single bbolt file, one bucket per
// collection with JSON values keyed by record id. Every mutation runs in one Update
// transaction, which is also the settlement boundary.
package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"ardoise/internal/domain"
	"ardoise/internal/ledger"
	"ardoise/internal/store"
	"ardoise/internal/xid"
)

// Bucket names.
const (
	BucketClients      = "clients"
	BucketCatalog      = "catalog_items"
	BucketLineItems    = "line_items"
	BucketTransactions = "transactions"
	bucketMergeIndex   = "line_merge_index"
)

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file and makes sure every bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketClients, BucketCatalog, BucketLineItems, BucketTransactions, bucketMergeIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListClients(_ context.Context) ([]domain.Client, error) {
	var clients []domain.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		clients, err = listAll[domain.Client](tx.Bucket([]byte(BucketClients)), nil)
		return err
	})
	if err != nil {
		return nil, err
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
	var client domain.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(BucketClients)), clientID, &client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	if client.ID == "" || client.Name == "" {
		return nil, &store.ValidationError{Field: "client", Reason: "id and name are required"}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketClients))
		if b.Get([]byte(client.ID)) != nil {
			return &store.ValidationError{Field: "id", Reason: "already exists"}
		}
		return putJSON(b, client.ID, client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *Store) RenameClient(_ context.Context, clientID string, name string) (*domain.Client, error) {
	var client domain.Client
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketClients))
		if err := getJSON(b, clientID, &client); err != nil {
			return err
		}
		client.Name = name
		return putJSON(b, clientID, client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *Store) DeleteClient(_ context.Context, clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var client domain.Client
		if err := getJSON(tx.Bucket([]byte(BucketClients)), clientID, &client); err != nil {
			return err
		}
		lines, err := clientLines(tx, clientID)
		if err != nil {
			return err
		}
		if !ledger.Total(lines).IsZero() {
			return store.ErrInvariantViolation
		}
		return dropClient(tx, clientID, lines)
	})
}

func (s *Store) ListCatalog(_ context.Context) ([]domain.CatalogItem, error) {
	var items []domain.CatalogItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		items, err = listAll[domain.CatalogItem](tx.Bucket([]byte(BucketCatalog)), nil)
		return err
	})
	if err != nil {
		return nil, err
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
	var item domain.CatalogItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(BucketCatalog)), itemID, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveCatalogItem(_ context.Context, item domain.CatalogItem) (*domain.CatalogItem, error) {
	if item.ID == "" || item.Name == "" || !item.Category.Valid() {
		return nil, &store.ValidationError{Field: "item", Reason: "id, name and category are required"}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte(BucketCatalog)), item.ID, item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) DeleteCatalogItem(_ context.Context, itemID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketCatalog))
		if b.Get([]byte(itemID)) == nil {
			return store.ErrNotFound
		}
		return b.Delete([]byte(itemID))
	})
}

func (s *Store) ListLineItems(_ context.Context) ([]domain.LineItem, error) {
	var lines []domain.LineItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lines, err = listAll[domain.LineItem](tx.Bucket([]byte(BucketLineItems)), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	ledger.SortLines(lines)
	return lines, nil
}

func (s *Store) ListLineItemsByClient(_ context.Context, clientID string) ([]domain.LineItem, error) {
	var lines []domain.LineItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lines, err = clientLines(tx, clientID)
		return err
	})
	return lines, err
}

func (s *Store) AddUnit(_ context.Context, clientID string, item domain.CatalogItem) (*domain.LineItem, error) {
	var line domain.LineItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(BucketClients)).Get([]byte(clientID)) == nil {
			return store.ErrNotFound
		}
		lineBucket := tx.Bucket([]byte(BucketLineItems))
		index := tx.Bucket([]byte(bucketMergeIndex))
		key := ledger.MergeKey(clientID, item.ID, item.SalePrice)

		if lineID := index.Get([]byte(key)); lineID != nil {
			if err := getJSON(lineBucket, string(lineID), &line); err != nil {
				return err
			}
			line.Quantity++
			return putJSON(lineBucket, line.ID, line)
		}

		position, err := lineBucket.NextSequence()
		if err != nil {
			return err
		}
		line = ledger.NewLine(xid.New("ln"), clientID, item, int64(position))
		if err := index.Put([]byte(key), []byte(line.ID)); err != nil {
			return err
		}
		return putJSON(lineBucket, line.ID, line)
	})
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func (s *Store) RemoveUnit(_ context.Context, lineID string) (*domain.LineItem, bool, error) {
	var line domain.LineItem
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketLineItems))
		if err := getJSON(b, lineID, &line); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		removed = true
		line.Quantity--
		if line.Quantity > 0 {
			return putJSON(b, lineID, line)
		}
		return dropLine(tx, line)
	})
	if err != nil || !removed {
		return nil, false, err
	}
	return &line, true, nil
}

func (s *Store) Settle(_ context.Context, clientID string, build store.BuildFunc) (*domain.Transaction, error) {
	var settled domain.Transaction
	err := s.db.Update(func(tx *bolt.Tx) error {
		var client domain.Client
		if err := getJSON(tx.Bucket([]byte(BucketClients)), clientID, &client); err != nil {
			return err
		}
		lines, err := clientLines(tx, clientID)
		if err != nil {
			return err
		}

		settled, err = build(client, lines)
		if err != nil {
			return err
		}
		if !ledger.Consistent(settled) {
			return store.ErrInvariantViolation
		}

		archive := tx.Bucket([]byte(BucketTransactions))
		seq, err := archive.NextSequence()
		if err != nil {
			return err
		}
		settled.Sequence = int64(seq)
		if err := putJSON(archive, settled.ID, settled); err != nil {
			return err
		}
		return dropClient(tx, clientID, lines)
	})
	if err != nil {
		return nil, err
	}
	return &settled, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return s.listTransactions(ctx, nil)
}

func (s *Store) ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	return s.listTransactions(ctx, func(t domain.Transaction) bool {
		return !t.Timestamp.Before(from) && !t.Timestamp.After(to)
	})
}

func (s *Store) listTransactions(_ context.Context, keep func(domain.Transaction) bool) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		txs, err = listAll(tx.Bucket([]byte(BucketTransactions)), keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	ledger.SortArchive(txs)
	return txs, nil
}

func (s *Store) ArchiveHead(_ context.Context) (domain.ArchiveHead, error) {
	var head domain.ArchiveHead
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketTransactions))
		head.Count = int64(b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var t domain.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Sequence > head.LastSequence {
				head.LastSequence = t.Sequence
				head.LastID = t.ID
			}
			return nil
		})
	})
	return head, err
}

func clientLines(tx *bolt.Tx, clientID string) ([]domain.LineItem, error) {
	lines, err := listAll(tx.Bucket([]byte(BucketLineItems)), func(l domain.LineItem) bool {
		return l.ClientID == clientID
	})
	if err != nil {
		return nil, err
	}
	ledger.SortLines(lines)
	return lines, nil
}

func dropLine(tx *bolt.Tx, line domain.LineItem) error {
	key := ledger.MergeKey(line.ClientID, line.ItemID, line.UnitSalePrice)
	if err := tx.Bucket([]byte(bucketMergeIndex)).Delete([]byte(key)); err != nil {
		return err
	}
	return tx.Bucket([]byte(BucketLineItems)).Delete([]byte(line.ID))
}

func dropClient(tx *bolt.Tx, clientID string, lines []domain.LineItem) error {
	for _, line := range lines {
		if err := dropLine(tx, line); err != nil {
			return err
		}
	}
	return tx.Bucket([]byte(BucketClients)).Delete([]byte(clientID))
}

func getJSON(b *bolt.Bucket, key string, value any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, value)
}

func putJSON(b *bolt.Bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return b.Put([]byte(key), data)
}

func listAll[T any](b *bolt.Bucket, keep func(T) bool) ([]T, error) {
	out := make([]T, 0, 16)
	err := b.ForEach(func(_, v []byte) error {
		var record T
		if err := json.Unmarshal(v, &record); err != nil {
			return err
		}
		if keep == nil || keep(record) {
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
