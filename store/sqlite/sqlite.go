/*
Package sqlite provides a SQLite-backed implementation of points.Store.

KEY TABLES:
  points_transactions:   Append-only ledger (system of record)
  points_balances:       Cached per-customer balance
  store_points_accounts: Cached per-store settlement account
  global_customers:      Cross-store identities
  customer_store_links:  One row per (customer, store)
  points_settings:       Earning rules per store + "global"

APPEND-ONLY ENFORCEMENT:
  There is no UPDATE or DELETE statement against points_transactions.
  Corrections are new rows (adjusted, expired).

UNIQUENESS AS INVARIANT:
  - points_settings.store_id:        concurrent default-row creation
  - global_customers.id:             concurrent first sight of a customer
  - (global_customer_id, store_id):  idempotent store linking
  - points_transactions.idempotency_key: one earn per (store, invoice).
    The append is ON CONFLICT(idempotency_key) DO NOTHING, so only this
    index maps to ErrDuplicateInvoice; an id collision is a plain error.

CONCURRENCY:
  Connections are opened with _txlock=immediate, so every WithTx takes the
  database write lock at BEGIN and write transactions are serialized by
  SQLite itself (busy_timeout makes the others wait). On top of that the
  balance debit is a single conditional UPDATE:

    UPDATE points_balances SET available_points = available_points - ?
    WHERE global_customer_id = ? AND available_points >= ?

  and zero affected rows means insufficient balance.

  ":memory:" databases are per-connection, so the pool is pinned to one
  connection. Inside WithTx every statement must go through the Tx.

WAL MODE:
  File databases use WAL: readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := points.NewService(store, crmClient, crmClient)

MIGRATION:
  Schema is versioned under migrations/ and applied with golang-migrate on
  New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/points"
)

const timeLayout = time.RFC3339Nano

// Store implements points.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ points.Store = (*Store)(nil)

// New opens (and migrates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-migrated database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SETTINGS
// =============================================================================

const settingsColumns = `store_id, user_points_percentage, company_profit_percentage, default_threshold,
	points_expiration_days, min_purchase_amount, max_points_per_transaction, points_value_per_point, updated_at`

func (s *Store) GetSettings(ctx context.Context, storeID points.StoreID) (*points.Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM points_settings WHERE store_id = ?`, string(storeID))

	var (
		st        points.Settings
		id        string
		expDays   sql.NullInt64
		maxPoints sql.NullInt64
		updatedAt string
	)
	err := row.Scan(&id, &st.UserPointsPercentage, &st.CompanyProfitPercentage, &st.DefaultThreshold,
		&expDays, &st.MinPurchaseAmount, &maxPoints, &st.PointsValuePerPoint, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	st.StoreID = points.StoreID(id)
	if expDays.Valid {
		d := int(expDays.Int64)
		st.PointsExpirationDays = &d
	}
	if maxPoints.Valid {
		m := maxPoints.Int64
		st.MaxPointsPerTransaction = &m
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

func (s *Store) CreateSettings(ctx context.Context, st points.Settings) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO points_settings (`+settingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, settingsArgs(st)...)
	if isUniqueConstraintError(err) {
		return points.ErrSettingsConflict
	}
	if err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	return nil
}

func (s *Store) SaveSettings(ctx context.Context, st points.Settings) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO points_settings (`+settingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_id) DO UPDATE SET
			user_points_percentage = excluded.user_points_percentage,
			company_profit_percentage = excluded.company_profit_percentage,
			default_threshold = excluded.default_threshold,
			points_expiration_days = excluded.points_expiration_days,
			min_purchase_amount = excluded.min_purchase_amount,
			max_points_per_transaction = excluded.max_points_per_transaction,
			points_value_per_point = excluded.points_value_per_point,
			updated_at = excluded.updated_at`, settingsArgs(st)...)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func settingsArgs(st points.Settings) []any {
	var expDays, maxPoints sql.NullInt64
	if st.PointsExpirationDays != nil {
		expDays = sql.NullInt64{Int64: int64(*st.PointsExpirationDays), Valid: true}
	}
	if st.MaxPointsPerTransaction != nil {
		maxPoints = sql.NullInt64{Int64: *st.MaxPointsPerTransaction, Valid: true}
	}
	return []any{
		string(st.StoreID),
		st.UserPointsPercentage.String(),
		st.CompanyProfitPercentage.String(),
		st.DefaultThreshold.String(),
		expDays,
		st.MinPurchaseAmount,
		maxPoints,
		st.PointsValuePerPoint.String(),
		formatTime(st.UpdatedAt),
	}
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *Store) GetGlobalCustomer(ctx context.Context, id points.CustomerID) (*points.GlobalCustomer, error) {
	var (
		c            points.GlobalCustomer
		idType       string
		phone, email sql.NullString
		createdAt    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT identifier_type, name, phone, email, created_at
		FROM global_customers WHERE id = ?`, string(id)).Scan(&idType, &c.Name, &phone, &email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get global customer: %w", err)
	}
	c.ID = id
	c.IdentifierType = points.IdentifierType(idType)
	c.Phone, c.Email = phone.String, email.String
	c.CreatedAt = parseTime(createdAt)

	rows, err := s.db.QueryContext(ctx, `SELECT store_id, local_customer_id, customer_name, registered_at
		FROM customer_store_links WHERE global_customer_id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("get store links: %w", err)
	}
	defer rows.Close()

	c.Stores = make(map[points.StoreID]points.StoreLink)
	for rows.Next() {
		var (
			link         points.StoreLink
			storeID      string
			registeredAt string
		)
		if err := rows.Scan(&storeID, &link.LocalCustomerID, &link.CustomerName, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan store link: %w", err)
		}
		link.StoreID = points.StoreID(storeID)
		link.RegisteredAt = parseTime(registeredAt)
		c.Stores[link.StoreID] = link
	}
	return &c, rows.Err()
}

func (s *Store) CreateGlobalCustomer(ctx context.Context, c points.GlobalCustomer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO global_customers (id, identifier_type, name, phone, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.IdentifierType), c.Name, nullString(c.Phone), nullString(c.Email), formatTime(c.CreatedAt))
	if isUniqueConstraintError(err) {
		return points.ErrCustomerExists
	}
	if err != nil {
		return fmt.Errorf("insert global customer: %w", err)
	}
	for _, link := range c.Stores {
		if _, err := insertLink(ctx, tx, c.ID, link); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LinkStore(ctx context.Context, id points.CustomerID, link points.StoreLink) (bool, error) {
	return insertLink(ctx, s.db, id, link)
}

func insertLink(ctx context.Context, q querier, id points.CustomerID, link points.StoreLink) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO customer_store_links
		(global_customer_id, store_id, local_customer_id, customer_name, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(global_customer_id, store_id) DO NOTHING`,
		string(id), string(link.StoreID), link.LocalCustomerID, link.CustomerName, formatTime(link.RegisteredAt))
	if isForeignKeyError(err) {
		return false, &points.NotFoundError{Kind: "global customer", ID: string(id)}
	}
	if err != nil {
		return false, fmt.Errorf("link store: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("link store: %w", err)
	}
	return n == 1, nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id points.CustomerID) (*points.Balance, error) {
	return getBalance(ctx, s.db, id)
}

func (s *Store) LoadTransactions(ctx context.Context, id points.CustomerID) ([]points.Transaction, error) {
	return queryTransactions(ctx, s.db, `SELECT `+txColumns+` FROM points_transactions
		WHERE global_customer_id = ? ORDER BY seq`, string(id))
}

func (s *Store) LoadStoreTransactions(ctx context.Context, storeID points.StoreID) ([]points.Transaction, error) {
	return loadStoreTransactions(ctx, s.db, storeID)
}

func (s *Store) GetStoreAccount(ctx context.Context, storeID points.StoreID) (*points.StoreAccount, error) {
	return getAccount(ctx, s.db, storeID)
}

func (s *Store) ListTransactions(ctx context.Context, id points.CustomerID, offset, limit int) ([]points.Transaction, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points_transactions WHERE global_customer_id = ?`,
		string(id)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	txs, err := queryTransactions(ctx, s.db, `SELECT `+txColumns+` FROM points_transactions
		WHERE global_customer_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`, string(id), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *Store) ListBalances(ctx context.Context) ([]points.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+balanceColumns+` FROM points_balances ORDER BY global_customer_id`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []points.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListStoreAccounts(ctx context.Context) ([]points.StoreAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM store_points_accounts ORDER BY store_id`)
	if err != nil {
		return nil, fmt.Errorf("list store accounts: %w", err)
	}
	defer rows.Close()

	var out []points.StoreAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListStoresWithActivity(ctx context.Context) ([]points.StoreID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT earning_store_id FROM points_transactions WHERE earning_store_id IS NOT NULL
		UNION
		SELECT redeeming_store_id FROM points_transactions WHERE redeeming_store_id IS NOT NULL
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var out []points.StoreID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan store id: %w", err)
		}
		out = append(out, points.StoreID(id))
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&txStore{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", points.ErrCommitUnknown, err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetBalance(ctx context.Context, id points.CustomerID) (*points.Balance, error) {
	return getBalance(ctx, ts.tx, id)
}

func (ts *txStore) LoadTransactions(ctx context.Context, id points.CustomerID) ([]points.Transaction, error) {
	return queryTransactions(ctx, ts.tx, `SELECT `+txColumns+` FROM points_transactions
		WHERE global_customer_id = ? ORDER BY seq`, string(id))
}

func (ts *txStore) LoadStoreTransactions(ctx context.Context, storeID points.StoreID) ([]points.Transaction, error) {
	return loadStoreTransactions(ctx, ts.tx, storeID)
}

func (ts *txStore) GetStoreAccount(ctx context.Context, storeID points.StoreID) (*points.StoreAccount, error) {
	return getAccount(ctx, ts.tx, storeID)
}

func (ts *txStore) AppendTransaction(ctx context.Context, t points.Transaction) error {
	var expiresAt sql.NullString
	if t.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*t.ExpiresAt), Valid: true}
	}
	res, err := ts.tx.ExecContext(ctx, `INSERT INTO points_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		string(t.ID),
		string(t.GlobalCustomerID),
		nullString(string(t.EarningStoreID)),
		nullString(string(t.RedeemingStoreID)),
		string(t.Type),
		t.Points,
		t.PurchaseAmount,
		t.PointsPercentage,
		t.PointsValue.String(),
		nullString(t.InvoiceNumber),
		t.Description,
		nullString(t.IdempotencyKey),
		expiresAt,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	// Only the idempotency key is allowed to swallow the insert. Any other
	// constraint (a colliding id) still fails above.
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("append %s: %w", t.IdempotencyKey, points.ErrDuplicateInvoice)
	}
	return nil
}

func (ts *txStore) CreditBalance(ctx context.Context, c points.BalanceCredit) (points.Balance, error) {
	_, err := ts.tx.ExecContext(ctx, `INSERT INTO points_balances
		(global_customer_id, customer_name, phone, email, total_points, available_points,
		 pending_points, lifetime_earned, lifetime_spent, last_transaction_date)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?)
		ON CONFLICT(global_customer_id) DO UPDATE SET
			customer_name = COALESCE(NULLIF(excluded.customer_name, ''), points_balances.customer_name),
			phone = COALESCE(NULLIF(excluded.phone, ''), points_balances.phone),
			email = COALESCE(NULLIF(excluded.email, ''), points_balances.email),
			total_points = points_balances.total_points + excluded.total_points,
			available_points = points_balances.available_points + excluded.available_points,
			lifetime_earned = points_balances.lifetime_earned + excluded.lifetime_earned,
			last_transaction_date = excluded.last_transaction_date`,
		string(c.GlobalCustomerID), c.CustomerName, c.Phone, c.Email,
		c.Points, c.Points, c.Points, formatTime(c.At))
	if err != nil {
		return points.Balance{}, fmt.Errorf("credit balance: %w", err)
	}
	return mustBalance(ctx, ts.tx, c.GlobalCustomerID)
}

func (ts *txStore) DebitBalance(ctx context.Context, d points.BalanceDebit) (points.Balance, error) {
	res, err := ts.tx.ExecContext(ctx, `UPDATE points_balances SET
			total_points = total_points - ?,
			available_points = available_points - ?,
			lifetime_spent = lifetime_spent + ?,
			last_transaction_date = ?
		WHERE global_customer_id = ? AND available_points >= ?`,
		d.Points, d.Points, d.Points, formatTime(d.At), string(d.GlobalCustomerID), d.Points)
	if err != nil {
		return points.Balance{}, fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return points.Balance{}, fmt.Errorf("debit balance: %w", err)
	}
	if n == 0 {
		var available int64
		cur, err := getBalance(ctx, ts.tx, d.GlobalCustomerID)
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
	return mustBalance(ctx, ts.tx, d.GlobalCustomerID)
}

func (ts *txStore) PutBalance(ctx context.Context, b points.Balance) error {
	_, err := ts.tx.ExecContext(ctx, `INSERT INTO points_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_customer_id) DO UPDATE SET
			customer_name = excluded.customer_name,
			phone = excluded.phone,
			email = excluded.email,
			total_points = excluded.total_points,
			available_points = excluded.available_points,
			pending_points = excluded.pending_points,
			lifetime_earned = excluded.lifetime_earned,
			lifetime_spent = excluded.lifetime_spent,
			last_transaction_date = excluded.last_transaction_date`,
		string(b.GlobalCustomerID), b.CustomerName, b.Phone, b.Email,
		b.TotalPoints, b.AvailablePoints, b.PendingPoints, b.LifetimeEarned, b.LifetimeSpent,
		nullTime(b.LastTransactionDate))
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

// LockBalance inserts an empty balance row when absent. The database-wide
// write lock from BEGIN IMMEDIATE already covers the row.
func (ts *txStore) LockBalance(ctx context.Context, id points.CustomerID) (points.Balance, bool, error) {
	cur, err := getBalance(ctx, ts.tx, id)
	if err != nil {
		return points.Balance{}, false, err
	}
	if cur != nil {
		return *cur, true, nil
	}
	b := points.ZeroBalance(id)
	if err := ts.PutBalance(ctx, b); err != nil {
		return points.Balance{}, false, err
	}
	return b, false, nil
}

// LockStoreAccount inserts an empty account when absent.
func (ts *txStore) LockStoreAccount(ctx context.Context, storeID points.StoreID, name string, rate decimal.Decimal, at time.Time) (points.StoreAccount, bool, error) {
	cur, err := getAccount(ctx, ts.tx, storeID)
	if err != nil {
		return points.StoreAccount{}, false, err
	}
	if cur != nil {
		return *cur, true, nil
	}
	a := points.NewStoreAccount(storeID, name, rate, at)
	if err := putAccount(ctx, ts.tx, a); err != nil {
		return points.StoreAccount{}, false, err
	}
	return a, false, nil
}

// ApplyStoreActivity reads, applies and writes the account. The write lock
// taken at BEGIN IMMEDIATE makes the read-modify-write safe.
func (ts *txStore) ApplyStoreActivity(ctx context.Context, act points.StoreActivity) (points.StoreAccount, error) {
	cur, err := getAccount(ctx, ts.tx, act.StoreID)
	if err != nil {
		return points.StoreAccount{}, err
	}
	a := points.NewStoreAccount(act.StoreID, act.StoreName, act.PointsValuePerPoint, act.At)
	if cur != nil {
		a = *cur
	}
	a.Apply(act)
	if err := putAccount(ctx, ts.tx, a); err != nil {
		return points.StoreAccount{}, err
	}
	return a, nil
}

func (ts *txStore) PutStoreAccount(ctx context.Context, a points.StoreAccount) error {
	return putAccount(ctx, ts.tx, a)
}

// =============================================================================
// ROW HELPERS
// =============================================================================

const txColumns = `id, global_customer_id, earning_store_id, redeeming_store_id, transaction_type, points,
	purchase_amount, points_percentage, points_value, invoice_number, description, idempotency_key,
	expires_at, created_at`

func loadStoreTransactions(ctx context.Context, q querier, storeID points.StoreID) ([]points.Transaction, error) {
	return queryTransactions(ctx, q, `SELECT `+txColumns+` FROM points_transactions
		WHERE earning_store_id = ? OR redeeming_store_id = ? ORDER BY seq`, string(storeID), string(storeID))
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]points.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []points.Transaction
	for rows.Next() {
		var (
			t                       points.Transaction
			id, customerID, txType  string
			earning, redeeming      sql.NullString
			invoice, key, expiresAt sql.NullString
			createdAt               string
		)
		if err := rows.Scan(&id, &customerID, &earning, &redeeming, &txType, &t.Points,
			&t.PurchaseAmount, &t.PointsPercentage, &t.PointsValue, &invoice, &t.Description, &key,
			&expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.ID = points.TransactionID(id)
		t.GlobalCustomerID = points.CustomerID(customerID)
		t.EarningStoreID = points.StoreID(earning.String)
		t.RedeemingStoreID = points.StoreID(redeeming.String)
		t.Type = points.TransactionType(txType)
		t.InvoiceNumber = invoice.String
		t.IdempotencyKey = key.String
		if expiresAt.Valid {
			at := parseTime(expiresAt.String)
			t.ExpiresAt = &at
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

const balanceColumns = `global_customer_id, customer_name, phone, email, total_points, available_points,
	pending_points, lifetime_earned, lifetime_spent, last_transaction_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(r rowScanner) (points.Balance, error) {
	var (
		b      points.Balance
		id     string
		lastTx sql.NullString
	)
	if err := r.Scan(&id, &b.CustomerName, &b.Phone, &b.Email, &b.TotalPoints, &b.AvailablePoints,
		&b.PendingPoints, &b.LifetimeEarned, &b.LifetimeSpent, &lastTx); err != nil {
		return points.Balance{}, err
	}
	b.GlobalCustomerID = points.CustomerID(id)
	if lastTx.Valid {
		at := parseTime(lastTx.String)
		b.LastTransactionDate = &at
	}
	return b, nil
}

func getBalance(ctx context.Context, q querier, id points.CustomerID) (*points.Balance, error) {
	b, err := scanBalance(q.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM points_balances
		WHERE global_customer_id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

func mustBalance(ctx context.Context, q querier, id points.CustomerID) (points.Balance, error) {
	b, err := getBalance(ctx, q, id)
	if err != nil {
		return points.Balance{}, err
	}
	if b == nil {
		return points.Balance{}, fmt.Errorf("balance for %s vanished inside transaction", id)
	}
	return *b, nil
}

const accountColumns = `store_id, store_name, total_points_issued, total_points_redeemed, net_points_balance,
	points_value_per_point, total_points_value_issued, total_points_value_redeemed, net_financial_balance,
	amount_owed, direction, last_updated`

func scanAccount(r rowScanner) (points.StoreAccount, error) {
	var (
		a           points.StoreAccount
		id          string
		direction   string
		lastUpdated string
	)
	if err := r.Scan(&id, &a.StoreName, &a.TotalPointsIssued, &a.TotalPointsRedeemed, &a.NetPointsBalance,
		&a.PointsValuePerPoint, &a.TotalPointsValueIssued, &a.TotalPointsValueRedeemed, &a.NetFinancialBalance,
		&a.AmountOwed, &direction, &lastUpdated); err != nil {
		return points.StoreAccount{}, err
	}
	a.StoreID = points.StoreID(id)
	a.Direction = points.SettlementDirection(direction)
	a.LastUpdated = parseTime(lastUpdated)
	return a, nil
}

func getAccount(ctx context.Context, q querier, storeID points.StoreID) (*points.StoreAccount, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM store_points_accounts
		WHERE store_id = ?`, string(storeID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get store account: %w", err)
	}
	return &a, nil
}

func putAccount(ctx context.Context, q querier, a points.StoreAccount) error {
	_, err := q.ExecContext(ctx, `INSERT INTO store_points_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_id) DO UPDATE SET
			store_name = excluded.store_name,
			total_points_issued = excluded.total_points_issued,
			total_points_redeemed = excluded.total_points_redeemed,
			net_points_balance = excluded.net_points_balance,
			points_value_per_point = excluded.points_value_per_point,
			total_points_value_issued = excluded.total_points_value_issued,
			total_points_value_redeemed = excluded.total_points_value_redeemed,
			net_financial_balance = excluded.net_financial_balance,
			amount_owed = excluded.amount_owed,
			direction = excluded.direction,
			last_updated = excluded.last_updated`,
		string(a.StoreID), a.StoreName, a.TotalPointsIssued, a.TotalPointsRedeemed, a.NetPointsBalance,
		decString(a.PointsValuePerPoint), decString(a.TotalPointsValueIssued), decString(a.TotalPointsValueRedeemed),
		decString(a.NetFinancialBalance), decString(a.AmountOwed), string(a.Direction), formatTime(a.LastUpdated))
	if err != nil {
		return fmt.Errorf("put store account: %w", err)
	}
	return nil
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func decString(d decimal.Decimal) string {
	return d.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
