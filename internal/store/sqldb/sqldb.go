// Package sqldb implements the repository on database/sql through sqlx. It runs on the
// embedded sqlite3 driver (the default durable store) or on PostgreSQL through pgx.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"ardoise/internal/domain"
	"ardoise/internal/ledger"
	"ardoise/internal/store"
	"ardoise/internal/xid"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	maxSerializationRetries = 3
)

type Store struct {
	db     *sqlx.DB
	driver string
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

// OpenSQLite opens a database file, creating its directory when needed. WAL mode and a
// single open connection keep writers serialized.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(ctx, db, DriverSQLite)
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open(DriverPostgres, databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return open(ctx, db, DriverPostgres)
}

func open(ctx context.Context, db *sqlx.DB, driver string) (*Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, driver: driver}
	if _, err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) provider() (*goose.Provider, error) {
	dialect := goose.DialectSQLite3
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, s.db.DB, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return provider, nil
}

// Migrate applies pending migrations and returns the sources it ran.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	provider, err := s.provider()
	if err != nil {
		return nil, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose up: %w", err)
	}
	applied := make([]string, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Path)
	}
	return applied, nil
}

// SchemaVersion is the version of the last applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := s.provider()
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type clientRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

func (r clientRow) domain() domain.Client {
	return domain.Client{ID: r.ID, Name: r.Name, CreatedAt: time.UnixMilli(r.CreatedAt).UTC()}
}

type catalogRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	SalePrice    decimal.Decimal `db:"sale_price"`
	PurchaseCost decimal.Decimal `db:"purchase_cost"`
	Category     string          `db:"category"`
}

func (r catalogRow) domain() domain.CatalogItem {
	return domain.CatalogItem{
		ID:           r.ID,
		Name:         r.Name,
		SalePrice:    r.SalePrice,
		PurchaseCost: r.PurchaseCost,
		Category:     domain.Category(r.Category),
	}
}

type lineRow struct {
	ID            string          `db:"id"`
	ClientID      string          `db:"client_id"`
	ItemID        string          `db:"item_id"`
	ItemName      string          `db:"item_name"`
	Quantity      int             `db:"quantity"`
	UnitSalePrice decimal.Decimal `db:"unit_sale_price"`
	UnitCost      decimal.Decimal `db:"unit_cost"`
	Position      int64           `db:"position"`
}

func (r lineRow) domain() domain.LineItem {
	return domain.LineItem(r)
}

type transactionRow struct {
	ID            string          `db:"id"`
	Sequence      int64           `db:"sequence"`
	ClientID      string          `db:"client_id"`
	ClientName    string          `db:"client_name"`
	CreatedAt     int64           `db:"created_at"`
	Kind          string          `db:"kind"`
	PaymentMethod string          `db:"payment_method"`
	Lines         string          `db:"lines"`
	TotalSale     decimal.Decimal `db:"total_sale"`
	TotalCost     decimal.Decimal `db:"total_cost"`
}

func (r transactionRow) domain() (domain.Transaction, error) {
	var lines []domain.TransactionLine
	if err := json.Unmarshal([]byte(r.Lines), &lines); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode lines of %s: %w", r.ID, err)
	}
	return domain.Transaction{
		ID:            r.ID,
		Sequence:      r.Sequence,
		ClientID:      r.ClientID,
		ClientName:    r.ClientName,
		Timestamp:     time.UnixMilli(r.CreatedAt).UTC(),
		Kind:          domain.TransactionKind(r.Kind),
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod),
		Lines:         lines,
		TotalSale:     r.TotalSale,
		TotalCost:     r.TotalCost,
	}, nil
}

const (
	clientColumns      = `id, name, created_at`
	catalogColumns     = `id, name, sale_price, purchase_cost, category`
	lineColumns        = `id, client_id, item_id, item_name, quantity, unit_sale_price, unit_cost, position`
	transactionColumns = `id, sequence, client_id, client_name, created_at, kind, payment_method, lines, total_sale, total_cost`
)

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	var rows []clientRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+clientColumns+` FROM clients ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	clients := make([]domain.Client, 0, len(rows))
	for _, r := range rows {
		clients = append(clients, r.domain())
	}
	return clients, nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	client, err := getClient(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *Store) CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if client.ID == "" || client.Name == "" {
		return nil, &store.ValidationError{Field: "client", Reason: "id and name are required"}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?)`),
		client.ID, client.Name, client.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return nil, &store.ValidationError{Field: "id", Reason: "already exists"}
	}
	if err != nil {
		return nil, err
	}
	client.CreatedAt = time.UnixMilli(client.CreatedAt.UnixMilli()).UTC()
	return &client, nil
}

func (s *Store) RenameClient(ctx context.Context, clientID string, name string) (*domain.Client, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE clients SET name = ? WHERE id = ?`), name, clientID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetClient(ctx, clientID)
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getClient(ctx, tx, clientID); err != nil {
			return err
		}
		lines, err := clientLines(ctx, tx, clientID)
		if err != nil {
			return err
		}
		if !ledger.Total(lines).IsZero() {
			return store.ErrInvariantViolation
		}
		return dropClient(ctx, tx, clientID)
	})
}

func (s *Store) ListCatalog(ctx context.Context) ([]domain.CatalogItem, error) {
	var rows []catalogRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+catalogColumns+` FROM catalog_items ORDER BY category, name`); err != nil {
		return nil, err
	}
	items := make([]domain.CatalogItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.domain())
	}
	return items, nil
}

func (s *Store) GetCatalogItem(ctx context.Context, itemID string) (*domain.CatalogItem, error) {
	var row catalogRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+catalogColumns+` FROM catalog_items WHERE id = ?`), itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item := row.domain()
	return &item, nil
}

func (s *Store) SaveCatalogItem(ctx context.Context, item domain.CatalogItem) (*domain.CatalogItem, error) {
	if item.ID == "" || item.Name == "" || !item.Category.Valid() {
		return nil, &store.ValidationError{Field: "item", Reason: "id, name and category are required"}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO catalog_items (`+catalogColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			sale_price = excluded.sale_price,
			purchase_cost = excluded.purchase_cost,
			category = excluded.category
	`), item.ID, item.Name, item.SalePrice, item.PurchaseCost, string(item.Category))
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) DeleteCatalogItem(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM catalog_items WHERE id = ?`), itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListLineItems(ctx context.Context) ([]domain.LineItem, error) {
	var rows []lineRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+lineColumns+` FROM line_items ORDER BY position, id`); err != nil {
		return nil, err
	}
	lines := make([]domain.LineItem, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.domain())
	}
	return lines, nil
}

func (s *Store) ListLineItemsByClient(ctx context.Context, clientID string) ([]domain.LineItem, error) {
	return clientLines(ctx, s.db, clientID)
}

func (s *Store) AddUnit(ctx context.Context, clientID string, item domain.CatalogItem) (*domain.LineItem, error) {
	var line domain.LineItem
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getClient(ctx, tx, clientID); err != nil {
			return err
		}

		var row lineRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`
			SELECT `+lineColumns+` FROM line_items
			WHERE client_id = ? AND item_id = ? AND unit_sale_price = ?
		`), clientID, item.ID, item.SalePrice)
		switch {
		case err == nil:
			row.Quantity++
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE line_items SET quantity = ? WHERE id = ?`), row.Quantity, row.ID); err != nil {
				return err
			}
			line = row.domain()
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		var position int64
		if err := tx.GetContext(ctx, &position, `SELECT COALESCE(MAX(position), 0) + 1 FROM line_items`); err != nil {
			return err
		}
		line = ledger.NewLine(xid.New("ln"), clientID, item, position)
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO line_items (`+lineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			line.ID, line.ClientID, line.ItemID, line.ItemName, line.Quantity, line.UnitSalePrice, line.UnitCost, line.Position)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func (s *Store) RemoveUnit(ctx context.Context, lineID string) (*domain.LineItem, bool, error) {
	var line domain.LineItem
	removed := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row lineRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+lineColumns+` FROM line_items WHERE id = ?`), lineID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		removed = true
		row.Quantity--
		line = row.domain()
		if row.Quantity > 0 {
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE line_items SET quantity = ? WHERE id = ?`), row.Quantity, row.ID)
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM line_items WHERE id = ?`), row.ID)
		return err
	})
	if err != nil || !removed {
		return nil, false, err
	}
	return &line, true, nil
}

func (s *Store) Settle(ctx context.Context, clientID string, build store.BuildFunc) (*domain.Transaction, error) {
	var settled domain.Transaction
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		client, err := getClient(ctx, tx, clientID)
		if err != nil {
			return err
		}
		lines, err := clientLines(ctx, tx, clientID)
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

		if err := tx.GetContext(ctx, &settled.Sequence, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM transactions`); err != nil {
			return err
		}
		payload, err := json.Marshal(settled.Lines)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			settled.ID, settled.Sequence, settled.ClientID, settled.ClientName, settled.Timestamp.UnixMilli(),
			string(settled.Kind), string(settled.PaymentMethod), string(payload), settled.TotalSale, settled.TotalCost)
		if err != nil {
			return err
		}
		return dropClient(ctx, tx, clientID)
	})
	if err != nil {
		return nil, err
	}
	settled.Timestamp = time.UnixMilli(settled.Timestamp.UnixMilli()).UTC()
	return &settled, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+transactionColumns+` FROM transactions ORDER BY created_at DESC, sequence DESC`); err != nil {
		return nil, err
	}
	return transactionsFromRows(rows)
}

// ListTransactionsBetween keeps from <= timestamp <= to. Rows hold whole
// milliseconds, so from rounds up and to rounds down.
func (s *Store) ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	fromMs := from.UnixMilli()
	if from.After(time.UnixMilli(fromMs)) {
		fromMs++
	}
	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+transactionColumns+` FROM transactions
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC, sequence DESC
	`), fromMs, to.UnixMilli())
	if err != nil {
		return nil, err
	}
	return transactionsFromRows(rows)
}

func (s *Store) ArchiveHead(ctx context.Context) (domain.ArchiveHead, error) {
	var head domain.ArchiveHead
	if err := s.db.GetContext(ctx, &head.Count, `SELECT COUNT(*) FROM transactions`); err != nil {
		return head, err
	}
	if head.Count == 0 {
		return head, nil
	}
	err := s.db.QueryRowxContext(ctx, `SELECT sequence, id FROM transactions ORDER BY sequence DESC LIMIT 1`).
		Scan(&head.LastSequence, &head.LastID)
	return head, err
}

// inTx runs fn in one transaction. PostgreSQL runs it serializable and retries
// serialization failures a bounded number of times.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var opts *sql.TxOptions
	if s.driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.runTx(ctx, opts, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func getClient(ctx context.Context, q queryer, clientID string) (domain.Client, error) {
	var row clientRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+clientColumns+` FROM clients WHERE id = ?`), clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Client{}, store.ErrNotFound
		}
		return domain.Client{}, err
	}
	return row.domain(), nil
}

func clientLines(ctx context.Context, q queryer, clientID string) ([]domain.LineItem, error) {
	var rows []lineRow
	err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`SELECT `+lineColumns+` FROM line_items WHERE client_id = ? ORDER BY position, id`), clientID)
	if err != nil {
		return nil, err
	}
	lines := make([]domain.LineItem, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.domain())
	}
	return lines, nil
}

func dropClient(ctx context.Context, tx *sqlx.Tx, clientID string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM line_items WHERE client_id = ?`), clientID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM clients WHERE id = ?`), clientID)
	return err
}

func transactionsFromRows(rows []transactionRow) ([]domain.Transaction, error) {
	txs := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.domain()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
