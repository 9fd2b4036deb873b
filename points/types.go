/*
Package points provides the cross-store loyalty points engine.

PURPOSE:
  A customer earns points at any affiliated store and redeems them at any
  other store. This package owns the four pieces that make that work:
  settings resolution, global customer identity, the points ledger, and
  per-store settlement accounting.

KEY CONCEPTS IN THIS FILE (types.go):
  - GlobalCustomer: Cross-store identity keyed by normalized phone/email
  - Transaction: Immutable ledger entry (earned, spent, expired, adjusted)
  - Balance: Cached per-customer aggregate over the ledger
  - StoreAccount: Cached per-store settlement aggregate over the ledger
  - Settings: Earning rules for a store (or the "global" default)

DESIGN PRINCIPLES:
  1. The transaction log is the system of record. Balances and accounts are
     caches and can always be rebuilt by replaying it.
  2. Points are integers. Money is decimal.Decimal, never float.
  3. Identifiers are normalized (trim + lowercase) before storage.

SEE ALSO:
  - ledger.go: Credit/Debit/Rebuild
  - settlement.go: Store accounts
  - directory.go: Global identity
  - settings.go: Settings resolution
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type StoreID string
type TransactionID string

// GlobalStoreID is the settings row used when a store has no row of its own.
const GlobalStoreID StoreID = "global"

type IdentifierType string

const (
	IdentifierPhone IdentifierType = "phone"
	IdentifierEmail IdentifierType = "email"
)

// =============================================================================
// GLOBAL CUSTOMER
// =============================================================================

// StoreLink records that a store-local customer maps to a global identity.
type StoreLink struct {
	StoreID         StoreID
	LocalCustomerID string
	CustomerName    string
	RegisteredAt    time.Time
}

// GlobalCustomer is one identity across all stores.
// Stores is keyed by StoreID, so a store can be linked at most once.
type GlobalCustomer struct {
	ID             CustomerID
	IdentifierType IdentifierType
	Name           string
	Phone          string
	Email          string
	Stores         map[StoreID]StoreLink
	CreatedAt      time.Time
}

// HasStore reports whether the store is already linked.
func (c GlobalCustomer) HasStore(id StoreID) bool {
	_, ok := c.Stores[id]
	return ok
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxEarned   TransactionType = "earned"
	TxSpent    TransactionType = "spent"
	TxExpired  TransactionType = "expired"
	TxAdjusted TransactionType = "adjusted"
)

// Transaction is the system of record. Points are signed: +N earned, -N spent.
// EarningStoreID is set on earned rows, RedeemingStoreID on spent rows.
type Transaction struct {
	ID               TransactionID
	GlobalCustomerID CustomerID
	EarningStoreID   StoreID
	RedeemingStoreID StoreID
	Type             TransactionType
	Points           int64
	PurchaseAmount   decimal.NullDecimal
	PointsPercentage decimal.NullDecimal
	PointsValue      decimal.Decimal
	InvoiceNumber    string
	Description      string
	IdempotencyKey   string
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

// StoreID returns whichever store is party to the transaction.
func (t Transaction) StoreID() StoreID {
	if t.EarningStoreID != "" {
		return t.EarningStoreID
	}
	return t.RedeemingStoreID
}

// =============================================================================
// BALANCE - Cached aggregate per global customer
// =============================================================================

// Balance is the cached projection of a customer's transactions.
//
// INVARIANTS:
//   - TotalPoints = AvailablePoints + PendingPoints
//   - TotalPoints = LifetimeEarned - LifetimeSpent
//   - every field >= 0
type Balance struct {
	GlobalCustomerID    CustomerID
	CustomerName        string
	Phone               string
	Email               string
	TotalPoints         int64
	AvailablePoints     int64
	PendingPoints       int64
	LifetimeEarned      int64
	LifetimeSpent       int64
	LastTransactionDate *time.Time
}

// ZeroBalance is returned for identities with no ledger activity.
func ZeroBalance(id CustomerID) Balance {
	return Balance{GlobalCustomerID: id}
}

// Consistent checks the balance invariants.
func (b Balance) Consistent() bool {
	return b.TotalPoints == b.AvailablePoints+b.PendingPoints &&
		b.TotalPoints == b.LifetimeEarned-b.LifetimeSpent &&
		b.AvailablePoints >= 0 && b.PendingPoints >= 0 &&
		b.LifetimeEarned >= 0 && b.LifetimeSpent >= 0
}

// SameTotals compares the ledger-derived fields, ignoring the snapshot.
func (b Balance) SameTotals(o Balance) bool {
	return b.TotalPoints == o.TotalPoints &&
		b.AvailablePoints == o.AvailablePoints &&
		b.PendingPoints == o.PendingPoints &&
		b.LifetimeEarned == o.LifetimeEarned &&
		b.LifetimeSpent == o.LifetimeSpent
}

// BalanceCredit is an increment applied to a balance row, creating it if absent.
type BalanceCredit struct {
	GlobalCustomerID CustomerID
	CustomerName     string
	Phone            string
	Email            string
	Points           int64
	At               time.Time
}

// BalanceDebit is a conditional decrement: it only applies when
// AvailablePoints >= Points.
type BalanceDebit struct {
	GlobalCustomerID CustomerID
	Points           int64
	At               time.Time
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings holds the earning rules for one store.
type Settings struct {
	StoreID                 StoreID
	UserPointsPercentage    decimal.Decimal
	CompanyProfitPercentage decimal.Decimal
	DefaultThreshold        decimal.Decimal
	PointsExpirationDays    *int
	MinPurchaseAmount       decimal.NullDecimal
	MaxPointsPerTransaction *int64
	PointsValuePerPoint     decimal.Decimal
	UpdatedAt               time.Time
}

// DefaultSettings is what the global row is created with on first use.
func DefaultSettings() Settings {
	return Settings{
		StoreID:                 GlobalStoreID,
		UserPointsPercentage:    decimal.NewFromInt(5),
		CompanyProfitPercentage: decimal.NewFromInt(2),
		DefaultThreshold:        decimal.NewFromInt(10000),
		PointsValuePerPoint:     decimal.RequireFromString("0.01"),
	}
}

// =============================================================================
// STORE ACCOUNT - Settlement aggregate per store
// =============================================================================

type SettlementDirection string

const (
	StoreOwesNetwork SettlementDirection = "store_owes_network"
	NetworkOwesStore SettlementDirection = "network_owes_store"
	Settled          SettlementDirection = "settled"
)

// StoreAccount is the settlement view for one store. Values are accumulated
// from each transaction's own PointsValue (frozen at transaction time).
type StoreAccount struct {
	StoreID                  StoreID
	StoreName                string
	TotalPointsIssued        int64
	TotalPointsRedeemed      int64
	NetPointsBalance         int64
	PointsValuePerPoint      decimal.Decimal
	TotalPointsValueIssued   decimal.Decimal
	TotalPointsValueRedeemed decimal.Decimal
	NetFinancialBalance      decimal.Decimal
	AmountOwed               decimal.Decimal
	Direction                SettlementDirection
	LastUpdated              time.Time
}

// StoreActivity is one increment to a store account. Zero deltas are valid
// and only make sure the account exists.
type StoreActivity struct {
	StoreID             StoreID
	StoreName           string
	PointsValuePerPoint decimal.Decimal
	IssuedPoints        int64
	IssuedValue         decimal.Decimal
	RedeemedPoints      int64
	RedeemedValue       decimal.Decimal
	At                  time.Time
}

// NewStoreAccount returns an empty account.
func NewStoreAccount(id StoreID, name string, rate decimal.Decimal, at time.Time) StoreAccount {
	a := StoreAccount{
		StoreID:             id,
		StoreName:           name,
		PointsValuePerPoint: rate,
	}
	a.Recalculate(at)
	return a
}

// Apply adds an activity to the account and recalculates the derived fields.
func (a *StoreAccount) Apply(act StoreActivity) {
	if a.StoreName == "" {
		a.StoreName = act.StoreName
	}
	if act.PointsValuePerPoint.IsPositive() {
		a.PointsValuePerPoint = act.PointsValuePerPoint
	}
	a.TotalPointsIssued += act.IssuedPoints
	a.TotalPointsRedeemed += act.RedeemedPoints
	a.TotalPointsValueIssued = a.TotalPointsValueIssued.Add(act.IssuedValue)
	a.TotalPointsValueRedeemed = a.TotalPointsValueRedeemed.Add(act.RedeemedValue)
	a.Recalculate(act.At)
}

// Recalculate derives the net and owed fields from the issued/redeemed totals.
func (a *StoreAccount) Recalculate(now time.Time) {
	a.TotalPointsValueIssued = a.TotalPointsValueIssued.Round(2)
	a.TotalPointsValueRedeemed = a.TotalPointsValueRedeemed.Round(2)
	a.NetPointsBalance = a.TotalPointsIssued - a.TotalPointsRedeemed
	a.NetFinancialBalance = a.TotalPointsValueIssued.Sub(a.TotalPointsValueRedeemed)
	a.AmountOwed = a.NetFinancialBalance.Abs()
	switch a.NetFinancialBalance.Sign() {
	case 1:
		a.Direction = StoreOwesNetwork
	case -1:
		a.Direction = NetworkOwesStore
	default:
		a.Direction = Settled
	}
	a.LastUpdated = now
}

// SameTotals compares the log-derived fields of two accounts.
func (a StoreAccount) SameTotals(o StoreAccount) bool {
	return a.TotalPointsIssued == o.TotalPointsIssued &&
		a.TotalPointsRedeemed == o.TotalPointsRedeemed &&
		a.TotalPointsValueIssued.Equal(o.TotalPointsValueIssued) &&
		a.TotalPointsValueRedeemed.Equal(o.TotalPointsValueRedeemed)
}

// =============================================================================
// PAGINATION
// =============================================================================

type Pagination struct {
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

func newPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}
