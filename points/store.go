/*
store.go - Persistence interfaces for the points engine

PURPOSE:
  Defines the boundary between the engine and the database. Implementations:
  - store/sqlite:     SQLite (database/sql + mattn/go-sqlite3)
  - store/gormstore:  PostgreSQL through gorm
  - points/store:     In-memory, for tests

APPEND-ONLY CONTRACT:
  Transactions are only ever appended. There is no update or delete for
  ledger rows. Balances and store accounts are caches; PutBalance and
  PutStoreAccount exist only for rebuilds.

ATOMICITY:
  Every ledger mutation runs inside WithTx. The log append, the balance
  change and the settlement change commit together or not at all.
  DebitBalance is a single conditional write: it decrements only when
  available_points >= N, and reports InsufficientBalanceError otherwise.
  Implementations must not emulate it with read-then-write outside the
  transaction boundary.

REBUILDS:
  A rebuild overwrites a cache from a replay of the log. It must lock the
  cached row (LockBalance, LockStoreAccount) before reading the log, or a
  debit committed between the read and the overwrite would be lost.

COMMIT FAILURES:
  When a commit errors and the outcome cannot be known, WithTx returns an
  error wrapping ErrCommitUnknown.
*/
package points

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SettingsStore persists PointsSettings rows.
type SettingsStore interface {
	// GetSettings returns nil, nil when no row exists for the store.
	GetSettings(ctx context.Context, storeID StoreID) (*Settings, error)

	// CreateSettings inserts a new row. Returns ErrSettingsConflict if the
	// store already has one.
	CreateSettings(ctx context.Context, s Settings) error

	// SaveSettings inserts or replaces the row for s.StoreID.
	SaveSettings(ctx context.Context, s Settings) error
}

// CustomerStore persists global customers and their store links.
type CustomerStore interface {
	// GetGlobalCustomer returns nil, nil when the id is unknown.
	GetGlobalCustomer(ctx context.Context, id CustomerID) (*GlobalCustomer, error)

	// CreateGlobalCustomer inserts the customer and its links.
	// Returns ErrCustomerExists if the id is taken.
	CreateGlobalCustomer(ctx context.Context, c GlobalCustomer) error

	// LinkStore adds a store link if the store is not linked yet.
	// Returns true when a link was added.
	LinkStore(ctx context.Context, id CustomerID, link StoreLink) (bool, error)
}

// LedgerReader is the read side shared by Store and Tx.
type LedgerReader interface {
	// GetBalance returns nil, nil when the customer has no balance row.
	GetBalance(ctx context.Context, id CustomerID) (*Balance, error)

	// LoadTransactions returns all rows for the customer, oldest first.
	LoadTransactions(ctx context.Context, id CustomerID) ([]Transaction, error)

	// LoadStoreTransactions returns rows where the store is the earning or
	// redeeming party, oldest first.
	LoadStoreTransactions(ctx context.Context, storeID StoreID) ([]Transaction, error)

	// GetStoreAccount returns nil, nil when the account does not exist yet.
	GetStoreAccount(ctx context.Context, storeID StoreID) (*StoreAccount, error)
}

// Tx is the write view available inside WithTx.
type Tx interface {
	LedgerReader

	// AppendTransaction writes a ledger row. Returns ErrDuplicateInvoice if
	// the idempotency key exists.
	AppendTransaction(ctx context.Context, t Transaction) error

	// CreditBalance adds points, creating the row if absent. Non-empty
	// snapshot fields (name, phone, email) replace the stored ones.
	CreditBalance(ctx context.Context, c BalanceCredit) (Balance, error)

	// DebitBalance subtracts points only if enough are available.
	DebitBalance(ctx context.Context, d BalanceDebit) (Balance, error)

	// LockBalance inserts an empty balance row when none exists and locks
	// the row until the transaction ends. existed reports whether the row
	// was already there. Rows appended by other transactions after the lock
	// is taken cannot change the balance before this transaction commits.
	LockBalance(ctx context.Context, id CustomerID) (b Balance, existed bool, err error)

	// PutBalance overwrites the cached balance. Rebuild only, and only after
	// LockBalance.
	PutBalance(ctx context.Context, b Balance) error

	// ApplyStoreActivity locks (or creates) the store account and applies
	// the activity to it.
	ApplyStoreActivity(ctx context.Context, a StoreActivity) (StoreAccount, error)

	// LockStoreAccount is LockBalance for store accounts. name, rate and at
	// seed the empty account.
	LockStoreAccount(ctx context.Context, storeID StoreID, name string, rate decimal.Decimal, at time.Time) (a StoreAccount, existed bool, err error)

	// PutStoreAccount overwrites the cached account. Rebuild only, and only
	// after LockStoreAccount.
	PutStoreAccount(ctx context.Context, a StoreAccount) error
}

// Store is everything the engine needs from persistence.
type Store interface {
	SettingsStore
	CustomerStore
	LedgerReader

	// ListTransactions returns one page of a customer's rows, newest first,
	// plus the total row count.
	ListTransactions(ctx context.Context, id CustomerID, offset, limit int) ([]Transaction, int, error)

	// ListBalances returns every cached balance.
	ListBalances(ctx context.Context) ([]Balance, error)

	// ListStoreAccounts returns every store account ordered by store id.
	ListStoreAccounts(ctx context.Context) ([]StoreAccount, error)

	// ListStoresWithActivity returns the ids of stores that appear in the log.
	ListStoresWithActivity(ctx context.Context) ([]StoreID, error)

	// WithTx runs fn in one atomic storage transaction.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// COLLABORATORS - Owned outside the engine
// =============================================================================

// LocalCustomer is a store-scoped customer record.
type LocalCustomer struct {
	Name  string
	Phone string
	Email string
}

// CustomerDirectory looks up store-scoped customers.
// Implementations return a NotFoundError for unknown customers.
type CustomerDirectory interface {
	GetCustomerByID(ctx context.Context, storeID StoreID, localCustomerID string) (LocalCustomer, error)
}

// StoreInfo is what the engine needs to know about a store.
type StoreInfo struct {
	Name string
}

// StoreRegistry looks up stores. Implementations return a NotFoundError for
// unknown stores.
type StoreRegistry interface {
	GetStoreByID(ctx context.Context, storeID StoreID) (StoreInfo, error)
}

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
