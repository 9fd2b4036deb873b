/*
Package gormstore provides a gorm-backed implementation of points.Store.

It is the production store for PostgreSQL. The same code runs on any gorm
dialect with ON CONFLICT support, which is how the tests drive it against
SQLite.

KEY DIFFERENCES FROM store/sqlite:
  - Schema comes from gorm AutoMigrate instead of versioned SQL files
  - Store accounts, and balances being rebuilt, are read with
    SELECT ... FOR UPDATE (clause.Locking) instead of relying on a
    database-wide write lock
  - The log append is ON CONFLICT (idempotency_key) DO NOTHING, so only the
    idempotency index maps to ErrDuplicateInvoice
  - Driver errors are normalized with gorm's TranslateError, so duplicate
    keys surface as gorm.ErrDuplicatedKey on every dialect

The balance debit is the same conditional UPDATE in both stores:

  UPDATE points_balances SET available_points = available_points - ?
  WHERE global_customer_id = ? AND available_points >= ?
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/loyalty-engine/points"
)

// Store implements points.Store on top of gorm.
type Store struct {
	db *gorm.DB
}

var _ points.Store = (*Store)(nil)

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(dsn string, log logrus.FieldLogger) (*Store, error) {
	return Open(postgres.Open(dsn), log)
}

// Open connects with any gorm dialector and migrates the schema.
func Open(dialector gorm.Dialector, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// SETTINGS
// =============================================================================

func (s *Store) GetSettings(ctx context.Context, storeID points.StoreID) (*points.Settings, error) {
	var row settingsRow
	err := s.db.WithContext(ctx).Take(&row, "store_id = ?", string(storeID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	st := row.toSettings()
	return &st, nil
}

func (s *Store) CreateSettings(ctx context.Context, st points.Settings) error {
	row := toSettingsRow(st)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return points.ErrSettingsConflict
	}
	if err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	return nil
}

func (s *Store) SaveSettings(ctx context.Context, st points.Settings) error {
	row := toSettingsRow(st)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) GetGlobalCustomer(ctx context.Context, id points.CustomerID) (*points.GlobalCustomer, error) {
	db := s.db.WithContext(ctx)

	var row customerRow
	err := db.Take(&row, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get global customer: %w", err)
	}

	var links []linkRow
	if err := db.Where("global_customer_id = ?", row.ID).Find(&links).Error; err != nil {
		return nil, fmt.Errorf("get store links: %w", err)
	}

	c := &points.GlobalCustomer{
		ID:             points.CustomerID(row.ID),
		IdentifierType: points.IdentifierType(row.IdentifierType),
		Name:           row.Name,
		Phone:          deref(row.Phone),
		Email:          deref(row.Email),
		Stores:         make(map[points.StoreID]points.StoreLink, len(links)),
		CreatedAt:      row.CreatedAt,
	}
	for _, l := range links {
		c.Stores[points.StoreID(l.StoreID)] = points.StoreLink{
			StoreID:         points.StoreID(l.StoreID),
			LocalCustomerID: l.LocalCustomerID,
			CustomerName:    l.CustomerName,
			RegisteredAt:    l.RegisteredAt,
		}
	}
	return c, nil
}

func (s *Store) CreateGlobalCustomer(ctx context.Context, c points.GlobalCustomer) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := customerRow{
			ID:             string(c.ID),
			IdentifierType: string(c.IdentifierType),
			Name:           c.Name,
			Phone:          optional(c.Phone),
			Email:          optional(c.Email),
			CreatedAt:      c.CreatedAt,
		}
		err := tx.Create(&row).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return points.ErrCustomerExists
		}
		if err != nil {
			return fmt.Errorf("insert global customer: %w", err)
		}
		for _, l := range c.Stores {
			link := toLinkRow(c.ID, l)
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("insert store link: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LinkStore(ctx context.Context, id points.CustomerID, link points.StoreLink) (bool, error) {
	var linked bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&customerRow{}).Where("id = ?", string(id)).Count(&n).Error; err != nil {
			return fmt.Errorf("link store: %w", err)
		}
		if n == 0 {
			return &points.NotFoundError{Kind: "global customer", ID: string(id)}
		}
		row := toLinkRow(id, link)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("link store: %w", res.Error)
		}
		linked = res.RowsAffected == 1
		return nil
	})
	return linked, err
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id points.CustomerID) (*points.Balance, error) {
	return getBalance(s.db.WithContext(ctx), id)
}

func (s *Store) LoadTransactions(ctx context.Context, id points.CustomerID) ([]points.Transaction, error) {
	return loadTransactions(s.db.WithContext(ctx), id)
}

func (s *Store) LoadStoreTransactions(ctx context.Context, storeID points.StoreID) ([]points.Transaction, error) {
	return loadStoreTransactions(s.db.WithContext(ctx), storeID)
}

func (s *Store) GetStoreAccount(ctx context.Context, storeID points.StoreID) (*points.StoreAccount, error) {
	return getAccount(s.db.WithContext(ctx), storeID)
}

func (s *Store) ListTransactions(ctx context.Context, id points.CustomerID, offset, limit int) ([]points.Transaction, int, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&transactionRow{}).Where("global_customer_id = ?", string(id)).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	var rows []transactionRow
	if err := db.Where("global_customer_id = ?", string(id)).
		Order("seq DESC").Offset(offset).Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return toTransactions(rows), int(total), nil
}

func (s *Store) ListBalances(ctx context.Context) ([]points.Balance, error) {
	var rows []balanceRow
	if err := s.db.WithContext(ctx).Order("global_customer_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	out := make([]points.Balance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toBalance())
	}
	return out, nil
}

func (s *Store) ListStoreAccounts(ctx context.Context) ([]points.StoreAccount, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Order("store_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list store accounts: %w", err)
	}
	out := make([]points.StoreAccount, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAccount())
	}
	return out, nil
}

func (s *Store) ListStoresWithActivity(ctx context.Context) ([]points.StoreID, error) {
	db := s.db.WithContext(ctx)

	var earning, redeeming []string
	if err := db.Model(&transactionRow{}).Where("earning_store_id IS NOT NULL").
		Distinct().Pluck("earning_store_id", &earning).Error; err != nil {
		return nil, fmt.Errorf("list earning stores: %w", err)
	}
	if err := db.Model(&transactionRow{}).Where("redeeming_store_id IS NOT NULL").
		Distinct().Pluck("redeeming_store_id", &redeeming).Error; err != nil {
		return nil, fmt.Errorf("list redeeming stores: %w", err)
	}

	seen := make(map[string]bool, len(earning)+len(redeeming))
	var out []points.StoreID
	for _, id := range append(earning, redeeming...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, points.StoreID(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn inside a database transaction. A failed COMMIT is reported
// as points.ErrCommitUnknown.
func (s *Store) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("%w: %v", points.ErrCommitUnknown, err)
	}
	return nil
}

type txStore struct {
	tx *gorm.DB
}

func (ts *txStore) GetBalance(_ context.Context, id points.CustomerID) (*points.Balance, error) {
	return getBalance(ts.tx, id)
}

func (ts *txStore) LoadTransactions(_ context.Context, id points.CustomerID) ([]points.Transaction, error) {
	return loadTransactions(ts.tx, id)
}

func (ts *txStore) LoadStoreTransactions(_ context.Context, storeID points.StoreID) ([]points.Transaction, error) {
	return loadStoreTransactions(ts.tx, storeID)
}

func (ts *txStore) GetStoreAccount(_ context.Context, storeID points.StoreID) (*points.StoreAccount, error) {
	return getAccount(ts.tx, storeID)
}

// AppendTransaction skips the insert only on an idempotency key conflict.
// Other unique violations (a colliding id) surface as errors.
func (ts *txStore) AppendTransaction(_ context.Context, t points.Transaction) error {
	row := toTransactionRow(t)
	res := ts.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("append transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("append %s: %w", t.IdempotencyKey, points.ErrDuplicateInvoice)
	}
	return nil
}

func (ts *txStore) CreditBalance(_ context.Context, c points.BalanceCredit) (points.Balance, error) {
	at := c.At
	row := balanceRow{
		GlobalCustomerID:    string(c.GlobalCustomerID),
		CustomerName:        c.CustomerName,
		Phone:               c.Phone,
		Email:               c.Email,
		TotalPoints:         c.Points,
		AvailablePoints:     c.Points,
		LifetimeEarned:      c.Points,
		LastTransactionDate: &at,
	}
	err := ts.tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "global_customer_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"customer_name":         gorm.Expr("COALESCE(NULLIF(excluded.customer_name, ''), points_balances.customer_name)"),
			"phone":                 gorm.Expr("COALESCE(NULLIF(excluded.phone, ''), points_balances.phone)"),
			"email":                 gorm.Expr("COALESCE(NULLIF(excluded.email, ''), points_balances.email)"),
			"total_points":          gorm.Expr("points_balances.total_points + ?", c.Points),
			"available_points":      gorm.Expr("points_balances.available_points + ?", c.Points),
			"lifetime_earned":       gorm.Expr("points_balances.lifetime_earned + ?", c.Points),
			"last_transaction_date": at,
		}),
	}).Create(&row).Error
	if err != nil {
		return points.Balance{}, fmt.Errorf("credit balance: %w", err)
	}
	return mustBalance(ts.tx, c.GlobalCustomerID)
}

func (ts *txStore) DebitBalance(_ context.Context, d points.BalanceDebit) (points.Balance, error) {
	res := ts.tx.Model(&balanceRow{}).
		Where("global_customer_id = ? AND available_points >= ?", string(d.GlobalCustomerID), d.Points).
		Updates(map[string]any{
			"total_points":          gorm.Expr("total_points - ?", d.Points),
			"available_points":      gorm.Expr("available_points - ?", d.Points),
			"lifetime_spent":        gorm.Expr("lifetime_spent + ?", d.Points),
			"last_transaction_date": d.At,
		})
	if res.Error != nil {
		return points.Balance{}, fmt.Errorf("debit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var available int64
		cur, err := getBalance(ts.tx, d.GlobalCustomerID)
		if err != nil {
			return points.Balance{}, err
		}
		if cur != nil {
			available = cur.AvailablePoints
		}
		return points.Balance{}, &points.InsufficientBalanceError{
			GlobalCustomerID: d.GlobalCustomerID,
			Available:        available,
			Requested:        d.Points,
		}
	}
	return mustBalance(ts.tx, d.GlobalCustomerID)
}

// LockBalance inserts an empty row if needed, then takes SELECT ... FOR
// UPDATE on it. Under READ COMMITTED the log reads that follow see every
// row committed before the lock was granted.
func (ts *txStore) LockBalance(_ context.Context, id points.CustomerID) (points.Balance, bool, error) {
	fresh := toBalanceRow(points.ZeroBalance(id))
	res := ts.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if res.Error != nil {
		return points.Balance{}, false, fmt.Errorf("create balance: %w", res.Error)
	}

	var row balanceRow
	if err := ts.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "global_customer_id = ?", string(id)).Error; err != nil {
		return points.Balance{}, false, fmt.Errorf("lock balance: %w", err)
	}
	return row.toBalance(), res.RowsAffected == 0, nil
}

func (ts *txStore) PutBalance(_ context.Context, b points.Balance) error {
	row := toBalanceRow(b)
	err := ts.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "global_customer_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

// LockStoreAccount inserts an empty account if needed, then locks the row.
func (ts *txStore) LockStoreAccount(_ context.Context, storeID points.StoreID, name string, rate decimal.Decimal, at time.Time) (points.StoreAccount, bool, error) {
	fresh := toAccountRow(points.NewStoreAccount(storeID, name, rate, at))
	res := ts.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if res.Error != nil {
		return points.StoreAccount{}, false, fmt.Errorf("create store account: %w", res.Error)
	}

	var row accountRow
	if err := ts.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "store_id = ?", string(storeID)).Error; err != nil {
		return points.StoreAccount{}, false, fmt.Errorf("lock store account: %w", err)
	}
	return row.toAccount(), res.RowsAffected == 0, nil
}

// ApplyStoreActivity locks the account for the read-modify-write.
func (ts *txStore) ApplyStoreActivity(ctx context.Context, act points.StoreActivity) (points.StoreAccount, error) {
	a, _, err := ts.LockStoreAccount(ctx, act.StoreID, act.StoreName, act.PointsValuePerPoint, act.At)
	if err != nil {
		return points.StoreAccount{}, err
	}
	a.Apply(act)
	if err := putAccount(ts.tx, a); err != nil {
		return points.StoreAccount{}, err
	}
	return a, nil
}

func (ts *txStore) PutStoreAccount(_ context.Context, a points.StoreAccount) error {
	return putAccount(ts.tx, a)
}

// =============================================================================
// HELPERS
// =============================================================================

func getBalance(db *gorm.DB, id points.CustomerID) (*points.Balance, error) {
	var row balanceRow
	err := db.Take(&row, "global_customer_id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	b := row.toBalance()
	return &b, nil
}

func mustBalance(db *gorm.DB, id points.CustomerID) (points.Balance, error) {
	b, err := getBalance(db, id)
	if err != nil {
		return points.Balance{}, err
	}
	if b == nil {
		return points.Balance{}, fmt.Errorf("balance for %s vanished inside transaction", id)
	}
	return *b, nil
}

func loadTransactions(db *gorm.DB, id points.CustomerID) ([]points.Transaction, error) {
	var rows []transactionRow
	if err := db.Where("global_customer_id = ?", string(id)).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return toTransactions(rows), nil
}

func loadStoreTransactions(db *gorm.DB, storeID points.StoreID) ([]points.Transaction, error) {
	var rows []transactionRow
	if err := db.Where("earning_store_id = ? OR redeeming_store_id = ?", string(storeID), string(storeID)).
		Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load store transactions: %w", err)
	}
	return toTransactions(rows), nil
}

func getAccount(db *gorm.DB, storeID points.StoreID) (*points.StoreAccount, error) {
	var row accountRow
	err := db.Take(&row, "store_id = ?", string(storeID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get store account: %w", err)
	}
	a := row.toAccount()
	return &a, nil
}

func putAccount(db *gorm.DB, a points.StoreAccount) error {
	row := toAccountRow(a)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put store account: %w", err)
	}
	return nil
}
