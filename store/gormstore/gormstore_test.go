package gormstore_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/warp/loyalty-engine/internal/storetest"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/store/gormstore"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newStore opens a gorm store on a fresh SQLite file. The DSN mirrors the
// locking setup of store/sqlite so concurrent writers wait instead of failing.
func newStore(t *testing.T) *gormstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gorm.db") + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	s, err := gormstore.Open(sqlite.Open(dsn), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGormStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) points.Store { return newStore(t) })
}

func TestGormStore_RebuildRestoresLostCredit(t *testing.T) {
	s := newStore(t)
	svc := storetest.NewService(s)
	ctx := context.Background()
	storetest.Earn(t, svc, "store-a", "INV-1", "c-1", "1000")

	// GIVEN: the balance cache lost the earn
	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		return tx.PutBalance(ctx, points.ZeroBalance(storetest.Ana))
	}))

	// WHEN: the customer is rebuilt from the log
	report, err := svc.RebuildCustomer(ctx, storetest.Ana)
	require.NoError(t, err)

	// THEN
	assert.True(t, report.Drifted)
	assert.Equal(t, int64(50), report.After.AvailablePoints)
}

func TestGormStore_CreditKeepsSnapshotWhenBlank(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		if _, err := tx.CreditBalance(ctx, points.BalanceCredit{
			GlobalCustomerID: storetest.Ana, CustomerName: "Ana", Phone: "+15550001", Points: 10, At: storetest.Now,
		}); err != nil {
			return err
		}
		b, err := tx.CreditBalance(ctx, points.BalanceCredit{GlobalCustomerID: storetest.Ana, Points: 5, At: storetest.Now})
		if err != nil {
			return err
		}
		assert.Equal(t, "Ana", b.CustomerName)
		assert.Equal(t, "+15550001", b.Phone)
		assert.Equal(t, int64(15), b.AvailablePoints)
		assert.Equal(t, int64(15), b.LifetimeEarned)
		return nil
	}))
}

func TestGormStore_DebitWithoutBalanceRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx points.Tx) error {
		_, err := tx.DebitBalance(ctx, points.BalanceDebit{GlobalCustomerID: "nobody", Points: 1, At: storetest.Now})
		return err
	})

	var insufficient *points.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Available)
}

func TestGormStore_OnlyTheInvoiceKeyIsADuplicate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	row := func(id points.TransactionID, invoice string) points.Transaction {
		return points.Transaction{
			ID: id, GlobalCustomerID: storetest.Ana, EarningStoreID: "store-a", Type: points.TxEarned,
			Points: 10, PointsValue: decimal.RequireFromString("0.10"), InvoiceNumber: invoice,
			IdempotencyKey: points.EarnKey("store-a", invoice), CreatedAt: storetest.Now,
		}
	}
	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		return tx.AppendTransaction(ctx, row("t-1", "INV-1"))
	}))

	// WHEN: the same invoice is appended under a new id
	err := s.WithTx(ctx, func(tx points.Tx) error {
		return tx.AppendTransaction(ctx, row("t-2", "INV-1"))
	})
	assert.ErrorIs(t, err, points.ErrDuplicateInvoice)

	// WHEN: a new invoice reuses an existing id
	err = s.WithTx(ctx, func(tx points.Tx) error {
		return tx.AppendTransaction(ctx, row("t-1", "INV-2"))
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, points.ErrDuplicateInvoice)

	txs, err := s.LoadTransactions(ctx, storetest.Ana)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestGormStore_LockBalanceCreatesEmptyRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		b, existed, err := tx.LockBalance(ctx, storetest.Ana)
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, int64(0), b.AvailablePoints)

		_, existed, err = tx.LockBalance(ctx, storetest.Ana)
		require.NoError(t, err)
		assert.True(t, existed)
		return nil
	}))
}
