/*
ledger.go - Append-only points log and the per-customer balance cache

PURPOSE:
  The transaction log is the source of truth. Every change to a customer's
  points is an immutable row: earned (+N), spent (-N), expired (-N) or
  adjusted (±N). The Balance row is a cache over that log.

ORDERING INSIDE ONE STORAGE TRANSACTION:
  1. Append the log row
  2. Apply the balance change (increment, or conditional decrement)
  3. Apply the store's settlement change (earned/spent only)

  All three commit together. A debit whose conditional decrement finds
  available_points < N rolls back the appended row too, so a rejected
  redemption leaves no trace.

REPLAY:
  ReplayBalance folds the log from zero:
    total          = Σ points
    lifetimeEarned = Σ positive points
    lifetimeSpent  = Σ |negative points|
  which makes total = lifetimeEarned - lifetimeSpent hold by construction.

EXPIRY (FIFO):
  Each credit is a lot. Spends consume lots oldest first; expired rows
  consume the lots with the earliest expiry. The points due at time T are
  what remains of lots with expiresAt <= T, capped at available. Since
  expired rows consume lapsed lots, running expiry twice never expires the
  same points twice.
*/
package points

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// =============================================================================
// EARNING COMPUTATION
// =============================================================================

// Earning is the outcome of applying settings to a purchase.
type Earning struct {
	Points      int64
	Percentage  decimal.Decimal
	PointsValue decimal.Decimal
	ExpiresAt   *time.Time
	Capped      bool
}

// ComputeEarnedPoints applies the earning rules to a purchase amount.
// override, when non-nil, replaces the store's percentage.
func ComputeEarnedPoints(purchase decimal.Decimal, s Settings, override *decimal.Decimal, now time.Time) (Earning, error) {
	if !purchase.IsPositive() {
		return Earning{}, invalid("purchase_amount", "must be greater than zero")
	}
	pct := s.UserPointsPercentage
	if override != nil {
		if !inPercentRange(*override) {
			return Earning{}, invalid("points_percentage", "must be between 0 and 100")
		}
		pct = *override
	}

	pts := purchase.Mul(pct).Div(hundred).Floor().IntPart()
	if pts <= 0 {
		return Earning{}, &AmountTooSmallError{PurchaseAmount: purchase, Percentage: pct}
	}
	if s.MinPurchaseAmount.Valid && purchase.LessThan(s.MinPurchaseAmount.Decimal) {
		return Earning{}, &BelowMinimumPurchaseError{PurchaseAmount: purchase, Minimum: s.MinPurchaseAmount.Decimal}
	}

	e := Earning{Points: pts, Percentage: pct}
	if s.MaxPointsPerTransaction != nil && pts > *s.MaxPointsPerTransaction {
		e.Points = *s.MaxPointsPerTransaction
		e.Capped = true
	}
	e.PointsValue = pointsValue(e.Points, s.PointsValuePerPoint)
	if s.PointsExpirationDays != nil {
		exp := now.AddDate(0, 0, *s.PointsExpirationDays)
		e.ExpiresAt = &exp
	}
	return e, nil
}

func pointsValue(pts int64, rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(pts)).Round(2)
}

// EarnKey is the idempotency key of an earned row.
func EarnKey(storeID StoreID, invoice string) string {
	return fmt.Sprintf("earn:%s:%s", storeID, invoice)
}

// =============================================================================
// LEDGER
// =============================================================================

// Credit describes an earn to be recorded.
type Credit struct {
	Customer            GlobalCustomer
	StoreID             StoreID
	StoreName           string
	InvoiceNumber       string
	PurchaseAmount      decimal.Decimal
	Earning             Earning
	PointsValuePerPoint decimal.Decimal
	Description         string
}

// Debit describes a redemption to be recorded. PointsValuePerPoint is the
// redeeming store's rate.
type Debit struct {
	GlobalCustomerID    CustomerID
	StoreID             StoreID
	StoreName           string
	Points              int64
	PointsValuePerPoint decimal.Decimal
	InvoiceNumber       string
	Description         string
}

// Adjustment is an admin correction. Points is signed and non-zero.
type Adjustment struct {
	GlobalCustomerID CustomerID
	Points           int64
	Description      string
}

// RebuildReport describes one balance rebuild.
type RebuildReport struct {
	GlobalCustomerID CustomerID
	Before           *Balance
	After            Balance
	Drifted          bool
}

// HistoryPage is one page of a customer's transactions, newest first.
type HistoryPage struct {
	Transactions []Transaction
	Pagination   Pagination
}

// Ledger records points movements. Settlement changes ride in the same
// storage transaction.
type Ledger struct {
	store      Store
	settlement *Settlement
	now        Clock
	newID      func() TransactionID
}

func NewLedger(store Store, settlement *Settlement, now Clock) *Ledger {
	if now == nil {
		now = systemClock
	}
	return &Ledger{
		store:      store,
		settlement: settlement,
		now:        now,
		newID:      func() TransactionID { return TransactionID(uuid.NewString()) },
	}
}

// Credit appends an earned row, credits the balance and records the issuance
// against the earning store.
func (l *Ledger) Credit(ctx context.Context, c Credit) (Transaction, Balance, error) {
	now := l.now()
	e := c.Earning
	desc := c.Description
	if desc == "" {
		desc = fmt.Sprintf("Earned %d points on invoice %s", e.Points, c.InvoiceNumber)
	}
	tx := Transaction{
		ID:               l.newID(),
		GlobalCustomerID: c.Customer.ID,
		EarningStoreID:   c.StoreID,
		Type:             TxEarned,
		Points:           e.Points,
		PurchaseAmount:   decimal.NewNullDecimal(c.PurchaseAmount),
		PointsPercentage: decimal.NewNullDecimal(e.Percentage),
		PointsValue:      e.PointsValue,
		InvoiceNumber:    c.InvoiceNumber,
		Description:      desc,
		IdempotencyKey:   EarnKey(c.StoreID, c.InvoiceNumber),
		ExpiresAt:        e.ExpiresAt,
		CreatedAt:        now,
	}

	var bal Balance
	err := l.store.WithTx(ctx, func(t Tx) error {
		if err := t.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		b, err := t.CreditBalance(ctx, BalanceCredit{
			GlobalCustomerID: c.Customer.ID,
			CustomerName:     c.Customer.Name,
			Phone:            c.Customer.Phone,
			Email:            c.Customer.Email,
			Points:           e.Points,
			At:               now,
		})
		if err != nil {
			return err
		}
		bal = b
		_, err = l.settlement.RecordIssuance(ctx, t, StoreActivity{
			StoreID:             c.StoreID,
			StoreName:           c.StoreName,
			PointsValuePerPoint: c.PointsValuePerPoint,
			IssuedPoints:        e.Points,
			IssuedValue:         e.PointsValue,
			At:                  now,
		})
		return err
	})
	if err != nil {
		return Transaction{}, Balance{}, persistence("credit points", err)
	}
	return tx, bal, nil
}

// Debit appends a spent row and decrements the balance only if enough points
// are available. On a failed precondition nothing is written.
func (l *Ledger) Debit(ctx context.Context, d Debit) (Transaction, Balance, error) {
	if d.Points < 1 {
		return Transaction{}, Balance{}, invalid("points", "must be at least 1")
	}
	now := l.now()
	desc := d.Description
	if desc == "" {
		desc = fmt.Sprintf("Redeemed %d points", d.Points)
	}
	value := pointsValue(d.Points, d.PointsValuePerPoint)
	tx := Transaction{
		ID:               l.newID(),
		GlobalCustomerID: d.GlobalCustomerID,
		RedeemingStoreID: d.StoreID,
		Type:             TxSpent,
		Points:           -d.Points,
		PointsValue:      value,
		InvoiceNumber:    d.InvoiceNumber,
		Description:      desc,
		CreatedAt:        now,
	}

	var bal Balance
	err := l.store.WithTx(ctx, func(t Tx) error {
		if err := t.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		b, err := t.DebitBalance(ctx, BalanceDebit{GlobalCustomerID: d.GlobalCustomerID, Points: d.Points, At: now})
		if err != nil {
			return err
		}
		bal = b
		_, err = l.settlement.RecordRedemption(ctx, t, StoreActivity{
			StoreID:             d.StoreID,
			StoreName:           d.StoreName,
			PointsValuePerPoint: d.PointsValuePerPoint,
			RedeemedPoints:      d.Points,
			RedeemedValue:       value,
			At:                  now,
		})
		return err
	})
	if err != nil {
		return Transaction{}, Balance{}, persistence("debit points", err)
	}
	return tx, bal, nil
}

// Adjust records an admin correction. Negative adjustments use the same
// conditional decrement as redemptions.
func (l *Ledger) Adjust(ctx context.Context, a Adjustment) (Transaction, Balance, error) {
	if a.Points == 0 {
		return Transaction{}, Balance{}, invalid("points", "must not be zero")
	}
	if a.Description == "" {
		return Transaction{}, Balance{}, invalid("description", "required for adjustments")
	}
	now := l.now()
	tx := Transaction{
		ID:               l.newID(),
		GlobalCustomerID: a.GlobalCustomerID,
		Type:             TxAdjusted,
		Points:           a.Points,
		PointsValue:      decimal.Zero,
		Description:      a.Description,
		CreatedAt:        now,
	}

	var bal Balance
	err := l.store.WithTx(ctx, func(t Tx) error {
		if err := t.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		var err error
		if a.Points > 0 {
			bal, err = t.CreditBalance(ctx, BalanceCredit{GlobalCustomerID: a.GlobalCustomerID, Points: a.Points, At: now})
		} else {
			bal, err = t.DebitBalance(ctx, BalanceDebit{GlobalCustomerID: a.GlobalCustomerID, Points: -a.Points, At: now})
		}
		return err
	})
	if err != nil {
		return Transaction{}, Balance{}, persistence("adjust points", err)
	}
	return tx, bal, nil
}

// ExpireDue writes one expired row for the points whose expiry has passed.
// Returns nil when nothing is due.
func (l *Ledger) ExpireDue(ctx context.Context, id CustomerID, at time.Time) (*Transaction, Balance, error) {
	now := l.now()
	var (
		out *Transaction
		bal Balance
	)
	err := l.store.WithTx(ctx, func(t Tx) error {
		cur, err := t.GetBalance(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			bal = ZeroBalance(id)
			return nil
		}
		bal = *cur
		txs, err := t.LoadTransactions(ctx, id)
		if err != nil {
			return err
		}
		due := DuePoints(txs, at)
		if due > cur.AvailablePoints {
			due = cur.AvailablePoints
		}
		if due <= 0 {
			return nil
		}

		tx := Transaction{
			ID:               l.newID(),
			GlobalCustomerID: id,
			Type:             TxExpired,
			Points:           -due,
			PointsValue:      decimal.Zero,
			Description:      fmt.Sprintf("Expired %d points", due),
			CreatedAt:        now,
		}
		if err := t.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		bal, err = t.DebitBalance(ctx, BalanceDebit{GlobalCustomerID: id, Points: due, At: now})
		if err != nil {
			return err
		}
		out = &tx
		return nil
	})
	if err != nil {
		return nil, Balance{}, persistence("expire points", err)
	}
	return out, bal, nil
}

// DuePoints returns how many points have passed their expiry at time at.
//
// Every credit (earned or positive adjustment) is a lot. Spent rows and
// negative adjustments consume lots oldest first. Expired rows consume the
// lots with the earliest expiry, since those are the points they expired.
// What is left of lots with expiresAt <= at is due.
func DuePoints(txs []Transaction, at time.Time) int64 {
	var lots []pointsLot
	for _, tx := range txs {
		switch {
		case tx.Points > 0:
			lot := pointsLot{left: tx.Points}
			if tx.Type == TxEarned {
				lot.expiresAt = tx.ExpiresAt
			}
			lots = append(lots, lot)
		case tx.Type == TxExpired:
			consumeExpiring(lots, -tx.Points)
		case tx.Points < 0:
			consumeOldest(lots, -tx.Points)
		}
	}

	var due int64
	for _, lot := range lots {
		if lot.expiresAt != nil && !lot.expiresAt.After(at) {
			due += lot.left
		}
	}
	return due
}

type pointsLot struct {
	left      int64
	expiresAt *time.Time
}

// consumeOldest takes up to n points from lots in log order.
func consumeOldest(lots []pointsLot, n int64) {
	for i := range lots {
		if n == 0 {
			return
		}
		take := min(lots[i].left, n)
		lots[i].left -= take
		n -= take
	}
}

func consumeExpiring(lots []pointsLot, n int64) {
	for n > 0 {
		next := -1
		for i, lot := range lots {
			if lot.left == 0 || lot.expiresAt == nil {
				continue
			}
			if next < 0 || lot.expiresAt.Before(*lots[next].expiresAt) {
				next = i
			}
		}
		if next < 0 {
			// Nothing left with an expiry: fall back to log order.
			consumeOldest(lots, n)
			return
		}
		take := min(lots[next].left, n)
		lots[next].left -= take
		n -= take
	}
}

// Balance returns the cached balance, or a zero balance for unknown ids.
func (l *Ledger) Balance(ctx context.Context, id CustomerID) (Balance, error) {
	b, err := l.store.GetBalance(ctx, id)
	if err != nil {
		return Balance{}, persistence("get balance", err)
	}
	if b == nil {
		return ZeroBalance(id), nil
	}
	return *b, nil
}

// History returns one page of transactions, newest first.
func (l *Ledger) History(ctx context.Context, id CustomerID, page, limit int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	txs, total, err := l.store.ListTransactions(ctx, id, (page-1)*limit, limit)
	if err != nil {
		return HistoryPage{}, persistence("list transactions", err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return HistoryPage{Transactions: txs, Pagination: newPagination(page, limit, total)}, nil
}

// Rebuild replays the log and overwrites the cached balance when it drifted.
func (l *Ledger) Rebuild(ctx context.Context, id CustomerID) (RebuildReport, error) {
	snapshot, err := l.store.GetGlobalCustomer(ctx, id)
	if err != nil {
		return RebuildReport{}, persistence("get global customer", err)
	}

	report := RebuildReport{GlobalCustomerID: id}
	err = l.store.WithTx(ctx, func(t Tx) error {
		cur, err := t.GetBalance(ctx, id)
		if err != nil {
			return err
		}
		txs, err := t.LoadTransactions(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil && len(txs) == 0 {
			report.After = ZeroBalance(id)
			return nil
		}

		// Lock the cached row, then read the log again: a debit committed
		// between the first read and PutBalance would otherwise be lost.
		locked, existed, err := t.LockBalance(ctx, id)
		if err != nil {
			return err
		}
		if txs, err = t.LoadTransactions(ctx, id); err != nil {
			return err
		}
		cur = nil
		if existed {
			cur = &locked
		}

		after := ReplayBalance(id, txs)
		switch {
		case cur != nil:
			after.CustomerName, after.Phone, after.Email = cur.CustomerName, cur.Phone, cur.Email
		case snapshot != nil:
			after.CustomerName, after.Phone, after.Email = snapshot.Name, snapshot.Phone, snapshot.Email
		}
		report.Before = cur
		report.After = after
		report.Drifted = cur == nil || !cur.SameTotals(after)
		if !report.Drifted {
			return nil
		}
		return t.PutBalance(ctx, after)
	})
	if err != nil {
		return RebuildReport{}, persistence("rebuild balance", err)
	}
	return report, nil
}

// ReplayBalance folds transactions (oldest first) into a balance.
func ReplayBalance(id CustomerID, txs []Transaction) Balance {
	b := ZeroBalance(id)
	for _, tx := range txs {
		if tx.Points >= 0 {
			b.LifetimeEarned += tx.Points
		} else {
			b.LifetimeSpent += -tx.Points
		}
		at := tx.CreatedAt
		b.LastTransactionDate = &at
	}
	b.TotalPoints = b.LifetimeEarned - b.LifetimeSpent
	b.AvailablePoints = b.TotalPoints
	return b
}
