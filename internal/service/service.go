package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"ardoise/internal/domain"
	"ardoise/internal/gate"
	"ardoise/internal/ledger"
	"ardoise/internal/logger"
	"ardoise/internal/metrics"
	"ardoise/internal/report"
	"ardoise/internal/store"
	"ardoise/internal/xid"
)

var ErrLocked = errors.New("catalog is locked")

// EmptySettlement decides what Settle does with a client whose tab has no lines.
type EmptySettlement string

const (
	EmptySettlementAllow  EmptySettlement = "allow"
	EmptySettlementReject EmptySettlement = "reject"
)

type operatorContextKey struct{}

func WithOperator(ctx context.Context, op domain.Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

func OperatorFromContext(ctx context.Context) (domain.Operator, bool) {
	op, ok := ctx.Value(operatorContextKey{}).(domain.Operator)
	return op, ok
}

type Options struct {
	EmptySettlement EmptySettlement
	Location        *time.Location
	Now             func() time.Time
	Reports         *report.Engine
	Gate            *gate.Gate
	Metrics         *metrics.Engine
	Logger          *logger.Logger
}

type Service struct {
	repo            store.Repository
	reports         *report.Engine
	gate            *gate.Gate
	metrics         *metrics.Engine
	log             *logger.Logger
	loc             *time.Location
	now             func() time.Time
	emptySettlement EmptySettlement
	validate        *validator.Validate
}

func New(repo store.Repository, opts Options) *Service {
	if opts.EmptySettlement == "" {
		opts.EmptySettlement = EmptySettlementAllow
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Reports == nil {
		opts.Reports = report.NewEngine(report.Options{Location: opts.Location, Metrics: opts.Metrics, Logger: opts.Logger})
	}

	return &Service{
		repo:            repo,
		reports:         opts.Reports,
		gate:            opts.Gate,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		loc:             opts.Location,
		now:             opts.Now,
		emptySettlement: opts.EmptySettlement,
		validate:        newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	// Money rules (gt=0, gte=0) compare the decimal's numeric value.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// timestamp is the engine clock, in UTC at the millisecond precision every store keeps.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Clients

func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	return s.repo.ListClients(ctx)
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientInput) (domain.Client, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateInput(req); err != nil {
		return domain.Client{}, err
	}

	created, err := s.repo.CreateClient(ctx, domain.Client{
		ID:        xid.New("cl"),
		Name:      req.Name,
		CreatedAt: s.timestamp(),
	})
	if err != nil {
		return domain.Client{}, err
	}
	s.log.Info(s.log.WithClientID(ctx, created.ID), "client opened", "name", created.Name)
	return *created, nil
}

func (s *Service) RenameClient(ctx context.Context, clientID string, req domain.ClientInput) (domain.Client, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateInput(req); err != nil {
		return domain.Client{}, err
	}
	renamed, err := s.repo.RenameClient(ctx, clientID, req.Name)
	if err != nil {
		return domain.Client{}, err
	}
	return *renamed, nil
}

// Roster lists clients in creation order with their current debt. A non-empty search
// keeps clients whose name contains it, ignoring case.
func (s *Service) Roster(ctx context.Context, search string) ([]domain.RosterEntry, error) {
	clients, err := s.repo.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ListLineItems(ctx)
	if err != nil {
		return nil, err
	}

	debts := make(map[string]decimal.Decimal, len(clients))
	for _, line := range lines {
		debts[line.ClientID] = debts[line.ClientID].Add(line.Subtotal())
	}

	needle := strings.ToLower(strings.TrimSpace(search))
	entries := make([]domain.RosterEntry, 0, len(clients))
	for _, client := range clients {
		if needle != "" && !strings.Contains(strings.ToLower(client.Name), needle) {
			continue
		}
		entries = append(entries, domain.RosterEntry{Client: client, Debt: debts[client.ID]})
	}
	return entries, nil
}

// Tabs

func (s *Service) Tab(ctx context.Context, clientID string) (domain.TabView, error) {
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.TabView{}, err
	}
	lines, err := s.repo.ListLineItemsByClient(ctx, clientID)
	if err != nil {
		return domain.TabView{}, err
	}
	return domain.TabView{Client: *client, Lines: lines, Total: ledger.Total(lines)}, nil
}

func (s *Service) TabTotal(ctx context.Context, clientID string) (decimal.Decimal, error) {
	tab, err := s.Tab(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	return tab.Total, nil
}

// AddUnit puts one unit of item on the client's tab. The item's name and prices are
// copied onto the line as they are now.
func (s *Service) AddUnit(ctx context.Context, clientID string, item domain.CatalogItem) (domain.LineItem, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Name) == "" {
		return domain.LineItem{}, &store.ValidationError{Field: "item", Reason: "id and name are required"}
	}
	if item.SalePrice.IsNegative() || item.PurchaseCost.IsNegative() {
		return domain.LineItem{}, &store.ValidationError{Field: "item", Reason: "prices must not be negative"}
	}

	line, err := s.repo.AddUnit(ctx, clientID, item)
	if err != nil {
		return domain.LineItem{}, err
	}
	s.metrics.IncUnitAdded()
	s.log.Debug(s.log.WithClientID(ctx, clientID), fmt.Sprintf("unit added item=%s quantity=%d", item.ID, line.Quantity))
	return *line, nil
}

func (s *Service) AddUnitByItemID(ctx context.Context, clientID string, itemID string) (domain.LineItem, error) {
	item, err := s.repo.GetCatalogItem(ctx, itemID)
	if err != nil {
		return domain.LineItem{}, fmt.Errorf("catalog item %s: %w", itemID, err)
	}
	return s.AddUnit(ctx, clientID, *item)
}

// RemoveUnit takes one unit off a line. An unknown line id is a no-op reported as
// removed=false.
func (s *Service) RemoveUnit(ctx context.Context, lineID string) (domain.LineItem, bool, error) {
	line, removed, err := s.repo.RemoveUnit(ctx, lineID)
	if err != nil {
		return domain.LineItem{}, false, err
	}
	if !removed {
		return domain.LineItem{}, false, nil
	}
	s.metrics.IncUnitRemoved()
	return *line, true, nil
}

// Settlement

func (s *Service) Settle(ctx context.Context, clientID string, method domain.PaymentMethod) (domain.Transaction, error) {
	if method != domain.PaymentCash && method != domain.PaymentCard {
		return domain.Transaction{}, &store.ValidationError{Field: "payment_method", Reason: "must be CASH or CARD"}
	}
	return s.close(ctx, clientID, domain.KindSale, method)
}

func (s *Service) WriteOff(ctx context.Context, clientID string) (domain.Transaction, error) {
	return s.close(ctx, clientID, domain.KindWriteOff, domain.PaymentNone)
}

func (s *Service) close(ctx context.Context, clientID string, kind domain.TransactionKind, method domain.PaymentMethod) (domain.Transaction, error) {
	settlement := ledger.Settlement{
		ID:            xid.New("tx"),
		Kind:          kind,
		PaymentMethod: method,
		At:            s.timestamp(),
	}
	rejectEmpty := kind == domain.KindSale && s.emptySettlement == EmptySettlementReject

	tx, err := s.repo.Settle(ctx, clientID, func(client domain.Client, lines []domain.LineItem) (domain.Transaction, error) {
		if rejectEmpty && len(lines) == 0 {
			return domain.Transaction{}, &store.ValidationError{Field: "tab", Reason: "is empty"}
		}
		return ledger.Build(settlement, client, lines)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	s.metrics.IncSettlement(string(tx.Kind), string(tx.PaymentMethod))
	s.log.Info(s.log.WithClientID(ctx, clientID), "tab closed",
		"transaction_id", tx.ID,
		"kind", string(tx.Kind),
		"payment_method", string(tx.PaymentMethod),
		"total_sale", tx.TotalSale.String(),
	)
	return *tx, nil
}

// DeleteClient removes a client whose tab totals zero. A client still owing money is
// refused with store.ErrInvariantViolation; use WriteOff or DismissClient instead.
func (s *Service) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.repo.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	s.log.Info(s.log.WithClientID(ctx, clientID), "client deleted")
	return nil
}

// DismissClient is the roster's delete action: a client who owes money is written off,
// anyone else is simply deleted and nil is returned.
func (s *Service) DismissClient(ctx context.Context, clientID string) (*domain.Transaction, error) {
	err := s.DeleteClient(ctx, clientID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, store.ErrInvariantViolation) {
		return nil, err
	}
	tx, err := s.WriteOff(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Archive

// History returns archived transactions most recent first, narrowed by an optional
// case-insensitive client name fragment and an inclusive time range.
func (s *Service) History(ctx context.Context, q domain.HistoryQuery) ([]domain.Transaction, error) {
	var (
		txs []domain.Transaction
		err error
	)
	if q.From == nil && q.To == nil {
		txs, err = s.repo.ListTransactions(ctx)
	} else {
		from := time.UnixMilli(0).UTC()
		to := time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
		if q.From != nil {
			from = *q.From
		}
		if q.To != nil {
			to = *q.To
		}
		if to.Before(from) {
			return []domain.Transaction{}, nil
		}
		txs, err = s.repo.ListTransactionsBetween(ctx, from, to)
	}
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(q.ClientName))
	if needle == "" {
		return txs, nil
	}
	filtered := txs[:0]
	for _, tx := range txs {
		if strings.Contains(strings.ToLower(tx.ClientName), needle) {
			filtered = append(filtered, tx)
		}
	}
	return filtered, nil
}

func (s *Service) FilterTransactions(ctx context.Context, keep func(domain.Transaction) bool) ([]domain.Transaction, error) {
	txs, err := s.repo.ListTransactions(ctx)
	if err != nil {
		return nil, err
	}
	filtered := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if keep(tx) {
			filtered = append(filtered, tx)
		}
	}
	return filtered, nil
}

// DayRange widens a date picker selection to whole days in the venue's time zone.
func (s *Service) DayRange(from time.Time, to time.Time) (time.Time, time.Time) {
	return report.DayRange(from, to, s.loc)
}

func (s *Service) WeeklyStats(ctx context.Context) (domain.WeeklyStats, error) {
	return s.reports.Weekly(ctx, s.repo, s.now())
}

// Catalog

func (s *Service) ListCatalog(ctx context.Context) ([]domain.CatalogItem, error) {
	return s.repo.ListCatalog(ctx)
}

// ListCatalogByCategory groups the menu the way the ordering screen shows it.
func (s *Service) ListCatalogByCategory(ctx context.Context) (map[domain.Category][]domain.CatalogItem, error) {
	items, err := s.repo.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}
	groups := make(map[domain.Category][]domain.CatalogItem, 3)
	for _, item := range items {
		groups[item.Category] = append(groups[item.Category], item)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Name < group[j].Name })
	}
	return groups, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.CatalogItemInput) (domain.CatalogItem, error) {
	if err := requireUnlocked(ctx); err != nil {
		return domain.CatalogItem{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateInput(req); err != nil {
		return domain.CatalogItem{}, err
	}

	item := domain.CatalogItem{
		ID:           xid.New("it"),
		Name:         req.Name,
		SalePrice:    req.SalePrice,
		PurchaseCost: decimal.Zero,
		Category:     domain.CategorySoft,
	}
	if req.PurchaseCost != nil {
		item.PurchaseCost = *req.PurchaseCost
	}
	if req.Category != "" {
		item.Category = req.Category
	}

	saved, err := s.repo.SaveCatalogItem(ctx, item)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	s.log.Info(ctx, "catalog item created", "item_id", saved.ID, "sale_price", saved.SalePrice.String())
	return *saved, nil
}

// UpdateItem replaces name and sale price. Purchase cost and category keep their
// current values when the input leaves them out. Open tabs are not repriced.
func (s *Service) UpdateItem(ctx context.Context, itemID string, req domain.CatalogItemInput) (domain.CatalogItem, error) {
	if err := requireUnlocked(ctx); err != nil {
		return domain.CatalogItem{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateInput(req); err != nil {
		return domain.CatalogItem{}, err
	}

	existing, err := s.repo.GetCatalogItem(ctx, itemID)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	updated := *existing
	updated.Name = req.Name
	updated.SalePrice = req.SalePrice
	if req.PurchaseCost != nil {
		updated.PurchaseCost = *req.PurchaseCost
	}
	if req.Category != "" {
		updated.Category = req.Category
	}

	saved, err := s.repo.SaveCatalogItem(ctx, updated)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	s.log.Info(ctx, "catalog item updated", "item_id", saved.ID, "sale_price", saved.SalePrice.String())
	return *saved, nil
}

func (s *Service) DeleteItem(ctx context.Context, itemID string) error {
	if err := requireUnlocked(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteCatalogItem(ctx, itemID); err != nil {
		return err
	}
	s.log.Info(ctx, "catalog item deleted", "item_id", itemID)
	return nil
}

// Gate

// UnlockCatalog checks the shared passcode and returns a token for Authorize.
func (s *Service) UnlockCatalog(ctx context.Context, operator string, passcode string) (string, time.Time, error) {
	if s.gate == nil {
		return "", time.Time{}, ErrLocked
	}
	token, expiresAt, err := s.gate.Unlock(operator, passcode)
	if err != nil {
		s.log.Warn(s.log.WithOperator(ctx, operator), "catalog unlock refused", err)
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return token, expiresAt, nil
}

// Authorize attaches the operator named by an unlock token to ctx.
func (s *Service) Authorize(ctx context.Context, token string) (context.Context, error) {
	if s.gate == nil {
		return ctx, ErrLocked
	}
	op, err := s.gate.Verify(token)
	if err != nil {
		return ctx, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return WithOperator(s.log.WithOperator(ctx, op.Name), op), nil
}

func requireUnlocked(ctx context.Context) error {
	op, ok := OperatorFromContext(ctx)
	if !ok || !op.CatalogUnlocked {
		return ErrLocked
	}
	return nil
}

func (s *Service) validateInput(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &store.ValidationError{Field: fe.Field(), Reason: validationMessage(fe)}
	}
	return &store.ValidationError{Reason: err.Error()}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	}
	return "is invalid"
}
