/*
settlement.go - Per-store settlement accounts

PURPOSE:
  Tracks, for each store, the points it issued and the points redeemed at it,
  and what that means in money. The account is a materialized view over the
  log rows where the store is the earning or redeeming party.

VALUATION:
  Frozen at transaction time. Each earned/spent row stores the value computed
  with the rate in force when it happened, and the account sums those values.
  A later rate change affects new rows only. PointsValuePerPoint on the
  account is the most recent rate seen, for display.

DIRECTION:
  netFinancialBalance = valueIssued - valueRedeemed
    > 0  the store issued more than it redeemed: store owes the network
    < 0  the store honoured points earned elsewhere: network owes the store
    = 0  settled
  amountOwed = |netFinancialBalance|
*/
package points

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement maintains store accounts. Writes happen inside the ledger's
// storage transaction.
type Settlement struct {
	store Store
	now   Clock
}

func NewSettlement(store Store, now Clock) *Settlement {
	if now == nil {
		now = systemClock
	}
	return &Settlement{store: store, now: now}
}

// AccountRebuildReport describes one store account rebuild.
type AccountRebuildReport struct {
	StoreID StoreID
	Before  *StoreAccount
	After   StoreAccount
	Drifted bool
}

// GetOrCreate makes sure the account exists within t and locks it for the
// rest of the transaction. existed is false when this call created it.
func (s *Settlement) GetOrCreate(ctx context.Context, t Tx, storeID StoreID, storeName string, rate decimal.Decimal) (a StoreAccount, existed bool, err error) {
	return t.LockStoreAccount(ctx, storeID, storeName, rate, s.now())
}

// RecordIssuance adds issued points and value to the earning store.
func (s *Settlement) RecordIssuance(ctx context.Context, t Tx, act StoreActivity) (StoreAccount, error) {
	act.RedeemedPoints, act.RedeemedValue = 0, decimal.Zero
	return t.ApplyStoreActivity(ctx, act)
}

// RecordRedemption adds redeemed points and value to the redeeming store.
func (s *Settlement) RecordRedemption(ctx context.Context, t Tx, act StoreActivity) (StoreAccount, error) {
	act.IssuedPoints, act.IssuedValue = 0, decimal.Zero
	return t.ApplyStoreActivity(ctx, act)
}

// Get returns the account or a NotFoundError.
func (s *Settlement) Get(ctx context.Context, storeID StoreID) (StoreAccount, error) {
	a, err := s.store.GetStoreAccount(ctx, storeID)
	if err != nil {
		return StoreAccount{}, persistence("get store account", err)
	}
	if a == nil {
		return StoreAccount{}, &NotFoundError{Kind: "store account", ID: string(storeID)}
	}
	return *a, nil
}

// List returns every store account.
func (s *Settlement) List(ctx context.Context) ([]StoreAccount, error) {
	accts, err := s.store.ListStoreAccounts(ctx)
	if err != nil {
		return nil, persistence("list store accounts", err)
	}
	if accts == nil {
		accts = []StoreAccount{}
	}
	return accts, nil
}

// Rebuild replays the store's log rows and overwrites the account when it
// drifted. name and rate are used only when the account does not exist.
func (s *Settlement) Rebuild(ctx context.Context, storeID StoreID, name string, rate decimal.Decimal) (AccountRebuildReport, error) {
	report := AccountRebuildReport{StoreID: storeID}
	err := s.store.WithTx(ctx, func(t Tx) error {
		cur, err := t.GetStoreAccount(ctx, storeID)
		if err != nil {
			return err
		}
		txs, err := t.LoadStoreTransactions(ctx, storeID)
		if err != nil {
			return err
		}
		if cur == nil && len(txs) == 0 {
			return &NotFoundError{Kind: "store account", ID: string(storeID)}
		}

		// The log is read again under the row lock; rows committed by
		// others after this point wait for the overwrite.
		locked, existed, err := s.GetOrCreate(ctx, t, storeID, name, rate)
		if err != nil {
			return err
		}
		if txs, err = t.LoadStoreTransactions(ctx, storeID); err != nil {
			return err
		}
		cur = nil
		if existed {
			cur = &locked
		}

		after := ReplayStoreAccount(storeID, locked.StoreName, locked.PointsValuePerPoint, txs, s.now())
		report.Before = cur
		report.After = after
		report.Drifted = cur == nil || !cur.SameTotals(after)
		if !report.Drifted {
			report.After = *cur
			return nil
		}
		return t.PutStoreAccount(ctx, after)
	})
	if err != nil {
		return AccountRebuildReport{}, persistence("rebuild store account", err)
	}
	return report, nil
}

// ReplayStoreAccount folds a store's log rows into a fresh account.
func ReplayStoreAccount(storeID StoreID, name string, rate decimal.Decimal, txs []Transaction, now time.Time) StoreAccount {
	a := NewStoreAccount(storeID, name, rate, now)
	for _, tx := range txs {
		switch {
		case tx.Type == TxEarned && tx.EarningStoreID == storeID:
			a.TotalPointsIssued += tx.Points
			a.TotalPointsValueIssued = a.TotalPointsValueIssued.Add(tx.PointsValue)
		case tx.Type == TxSpent && tx.RedeemingStoreID == storeID:
			a.TotalPointsRedeemed += -tx.Points
			a.TotalPointsValueRedeemed = a.TotalPointsValueRedeemed.Add(tx.PointsValue)
		}
	}
	a.Recalculate(now)
	return a
}
