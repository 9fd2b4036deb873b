/*
Package storetest is a conformance suite for points.Store implementations.

Every store (memory, sqlite, gormstore) runs the same scenarios through a
real points.Service, so the guarantees the engine relies on are checked
against each backend:

  - one earn per (store, invoice)
  - a rejected debit writes nothing
  - concurrent debits never overdraw
  - a rebuild racing debits does not resurrect spent points
  - balances and store accounts agree with a replay of the log

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) points.Store { return newStore(t) })
  }
*/
package storetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
)

// Now is the pinned clock of every service built by the suite.
var Now = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

// Ana is the global id of the customer registered at both stores.
const Ana points.CustomerID = "+15550001"

// Factory returns a fresh, empty store. It registers its own cleanup.
type Factory func(t *testing.T) points.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, points.Store)
	}{
		{"settings lifecycle", testSettings},
		{"customer links", testCustomers},
		{"earn and redeem across stores", testEarnAndRedeem},
		{"duplicate invoice", testDuplicateInvoice},
		{"rejected debit writes nothing", testRejectedDebit},
		{"concurrent debits never overdraw", testConcurrentDebits},
		{"rebuild never loses a concurrent debit", testRebuildDuringDebits},
		{"history newest first", testHistory},
		{"reconcile repairs drift", testReconcile},
		{"expiry", testExpiry},
		{"stores with activity", testStoresWithActivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type directory map[string]points.LocalCustomer

func (d directory) GetCustomerByID(_ context.Context, storeID points.StoreID, localID string) (points.LocalCustomer, error) {
	c, ok := d[string(storeID)+"/"+localID]
	if !ok {
		return points.LocalCustomer{}, &points.NotFoundError{Kind: "customer", ID: localID}
	}
	return c, nil
}

type registry map[points.StoreID]string

func (r registry) GetStoreByID(_ context.Context, id points.StoreID) (points.StoreInfo, error) {
	name, ok := r[id]
	if !ok {
		return points.StoreInfo{}, &points.NotFoundError{Kind: "store", ID: string(id)}
	}
	return points.StoreInfo{Name: name}, nil
}

// NewService wires a service over s with two stores: Ana is c-1 at store-a
// and b-7 at store-b.
func NewService(s points.Store, opts ...points.Option) *points.Service {
	log := logrus.New()
	log.SetOutput(io.Discard)
	customers := directory{
		"store-a/c-1": {Name: "Ana", Phone: "+15550001", Email: "ana@example.com"},
		"store-b/b-7": {Name: "Ana B", Phone: "+15550001"},
	}
	stores := registry{"store-a": "Store A", "store-b": "Store B"}
	opts = append([]points.Option{
		points.WithLogger(log),
		points.WithClock(func() time.Time { return Now }),
	}, opts...)
	return points.NewService(s, customers, stores, opts...)
}

// Earn credits a purchase and fails the test on error.
func Earn(t *testing.T, svc *points.Service, storeID points.StoreID, invoice, localID, amount string) points.EarnResult {
	t.Helper()
	res, err := svc.EarnPoints(context.Background(), points.EarnRequest{
		StoreID:         storeID,
		InvoiceNumber:   invoice,
		LocalCustomerID: localID,
		PurchaseAmount:  dec(amount),
	})
	require.NoError(t, err)
	return res
}

// =============================================================================
// SCENARIOS
// =============================================================================

func testSettings(t *testing.T, s points.Store) {
	ctx := context.Background()

	got, err := s.GetSettings(ctx, "store-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	days := 30
	maxPts := int64(500)
	st := points.Settings{
		StoreID:                 "store-a",
		UserPointsPercentage:    dec("7.5"),
		CompanyProfitPercentage: dec("2"),
		DefaultThreshold:        dec("10000"),
		PointsExpirationDays:    &days,
		MinPurchaseAmount:       decimal.NewNullDecimal(dec("20")),
		MaxPointsPerTransaction: &maxPts,
		PointsValuePerPoint:     dec("0.02"),
		UpdatedAt:               Now,
	}
	require.NoError(t, s.CreateSettings(ctx, st))
	assert.ErrorIs(t, s.CreateSettings(ctx, st), points.ErrSettingsConflict)

	got, err = s.GetSettings(ctx, "store-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.UserPointsPercentage.Equal(dec("7.5")))
	assert.True(t, got.PointsValuePerPoint.Equal(dec("0.02")))
	require.NotNil(t, got.PointsExpirationDays)
	assert.Equal(t, 30, *got.PointsExpirationDays)
	require.NotNil(t, got.MaxPointsPerTransaction)
	assert.Equal(t, int64(500), *got.MaxPointsPerTransaction)
	assert.True(t, got.MinPurchaseAmount.Decimal.Equal(dec("20")))

	// Save clears the optional fields.
	st.PointsExpirationDays, st.MaxPointsPerTransaction = nil, nil
	st.MinPurchaseAmount = decimal.NullDecimal{}
	require.NoError(t, s.SaveSettings(ctx, st))
	got, err = s.GetSettings(ctx, "store-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.PointsExpirationDays)
	assert.Nil(t, got.MaxPointsPerTransaction)
	assert.False(t, got.MinPurchaseAmount.Valid)
}

func testCustomers(t *testing.T, s points.Store) {
	ctx := context.Background()
	c := points.GlobalCustomer{
		ID:             "ana@example.com",
		IdentifierType: points.IdentifierEmail,
		Name:           "Ana",
		Email:          "ana@example.com",
		Stores: map[points.StoreID]points.StoreLink{
			"store-a": {StoreID: "store-a", LocalCustomerID: "c-1", CustomerName: "Ana", RegisteredAt: Now},
		},
		CreatedAt: Now,
	}
	require.NoError(t, s.CreateGlobalCustomer(ctx, c))
	assert.ErrorIs(t, s.CreateGlobalCustomer(ctx, c), points.ErrCustomerExists)

	// GIVEN: a first link for store B
	linked, err := s.LinkStore(ctx, c.ID, points.StoreLink{StoreID: "store-b", LocalCustomerID: "b-1", RegisteredAt: Now})
	require.NoError(t, err)
	assert.True(t, linked)

	// WHEN: store B is linked again with another local id
	linked, err = s.LinkStore(ctx, c.ID, points.StoreLink{StoreID: "store-b", LocalCustomerID: "b-2", RegisteredAt: Now})
	require.NoError(t, err)

	// THEN: the first link stands
	assert.False(t, linked)
	got, err := s.GetGlobalCustomer(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Phone)
	assert.Equal(t, points.IdentifierEmail, got.IdentifierType)
	assert.Len(t, got.Stores, 2)
	assert.Equal(t, "b-1", got.Stores["store-b"].LocalCustomerID)

	_, err = s.LinkStore(ctx, "ghost", points.StoreLink{StoreID: "store-a", LocalCustomerID: "x", RegisteredAt: Now})
	assert.True(t, points.IsNotFound(err))

	missing, err := s.GetGlobalCustomer(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testEarnAndRedeem(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()

	// GIVEN: 50 points earned at store A
	res := Earn(t, svc, "store-a", "INV-1", "c-1", "1000")
	assert.Equal(t, int64(50), res.Transaction.Points)
	assert.True(t, res.Transaction.PointsValue.Equal(dec("0.50")))

	// WHEN: 20 are spent at store B
	red, err := svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{Phone: "+15550001"},
		StoreID:  "store-b",
		Points:   20,
	})
	require.NoError(t, err)

	// THEN: the balance and both store accounts agree with the log
	assert.Equal(t, int64(30), red.Balance.AvailablePoints)
	assert.Equal(t, int64(20), red.Balance.LifetimeSpent)
	assert.True(t, red.Balance.Consistent())

	a, err := svc.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, "Store A", a.StoreName)
	assert.Equal(t, int64(50), a.TotalPointsIssued)
	assert.True(t, a.TotalPointsValueIssued.Equal(dec("0.50")))
	assert.Equal(t, points.StoreOwesNetwork, a.Direction)

	b, err := svc.GetStoreAccount(ctx, "store-b")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.TotalPointsRedeemed)
	assert.True(t, b.AmountOwed.Equal(dec("0.20")))
	assert.Equal(t, points.NetworkOwesStore, b.Direction)

	accts, err := svc.ListStoreAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, points.StoreID("store-a"), accts[0].StoreID)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, points.ReconcileReport{CustomersChecked: 1, StoresChecked: 2}, report)
}

func testDuplicateInvoice(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	Earn(t, svc, "store-a", "INV-1", "c-1", "1000")

	_, err := svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "c-1", PurchaseAmount: dec("500"),
	})
	assert.ErrorIs(t, err, points.ErrDuplicateInvoice)

	// The same invoice number at another store is a different sale.
	Earn(t, svc, "store-b", "INV-1", "b-7", "200")

	bal, err := s.GetBalance(ctx, Ana)
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, int64(60), bal.AvailablePoints)
}

func testRejectedDebit(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	Earn(t, svc, "store-a", "INV-1", "c-1", "1000")

	_, err := svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: Ana}, StoreID: "store-b", Points: 51,
	})

	var insufficient *points.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Available)
	assert.Equal(t, int64(51), insufficient.Requested)

	txs, err := s.LoadTransactions(ctx, Ana)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	acct, err := s.GetStoreAccount(ctx, "store-b")
	require.NoError(t, err)
	assert.Nil(t, acct)
	bal, err := s.GetBalance(ctx, Ana)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.AvailablePoints)
}

func testConcurrentDebits(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	Earn(t, svc, "store-a", "INV-1", "c-1", "1000")

	// WHEN: ten redemptions of 10 race for 50 points
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RedeemPoints(ctx, points.RedeemRequest{
				Customer:      points.CustomerRef{GlobalCustomerID: Ana},
				StoreID:       "store-b",
				Points:        10,
				InvoiceNumber: fmt.Sprintf("R-%d", i),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case points.IsClientError(err):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: exactly five succeed and nothing drifted
	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(5), rejected.Load())
	bal, err := s.GetBalance(ctx, Ana)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.True(t, bal.Consistent())

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.CustomersRepaired)
	assert.Zero(t, report.StoresRepaired)
}

func testRebuildDuringDebits(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	Earn(t, svc, "store-a", "INV-1", "c-1", "1000")

	// WHEN: five redemptions of 10 race balance and account rebuilds
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RedeemPoints(ctx, points.RedeemRequest{
				Customer:      points.CustomerRef{GlobalCustomerID: Ana},
				StoreID:       "store-b",
				Points:        10,
				InvoiceNumber: fmt.Sprintf("R-%d", i),
			})
			if err != nil {
				t.Errorf("redeem %d: %v", i, err)
				return
			}
			ok.Add(1)
		}(i)
		go func() {
			defer wg.Done()
			if _, err := svc.RebuildCustomer(ctx, Ana); err != nil {
				t.Errorf("rebuild customer: %v", err)
			}
			if _, err := svc.RebuildStoreAccount(ctx, "store-b"); err != nil && !points.IsNotFound(err) {
				t.Errorf("rebuild store: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: all 50 points are spent and the cache agrees with the log
	assert.Equal(t, int32(5), ok.Load())
	bal, err := s.GetBalance(ctx, Ana)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.True(t, bal.Consistent())

	_, err = svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: Ana}, StoreID: "store-b", Points: 10,
	})
	assert.ErrorIs(t, err, points.ErrInsufficientBalance)

	acct, err := s.GetStoreAccount(ctx, "store-b")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.TotalPointsRedeemed)

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.CustomersRepaired)
	assert.Zero(t, report.StoresRepaired)
}

func testHistory(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		Earn(t, svc, "store-a", fmt.Sprintf("INV-%d", i), "c-1", "100")
	}

	page, err := svc.GetHistory(ctx, points.CustomerRef{GlobalCustomerID: Ana}, "", 2, 2)
	require.NoError(t, err)

	assert.Equal(t, 5, page.Pagination.Total)
	assert.Equal(t, 3, page.Pagination.TotalPages)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "INV-3", page.Transactions[0].InvoiceNumber)
	assert.Equal(t, "INV-2", page.Transactions[1].InvoiceNumber)
	assert.True(t, page.Transactions[0].PurchaseAmount.Valid)
	assert.True(t, page.Transactions[0].CreatedAt.Equal(Now))
}

func testReconcile(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	Earn(t, svc, "store-a", "INV-1", "c-1", "1000")

	// GIVEN: both caches were overwritten with wrong totals
	require.NoError(t, s.WithTx(ctx, func(tx points.Tx) error {
		if err := tx.PutBalance(ctx, points.Balance{GlobalCustomerID: Ana, TotalPoints: 7, AvailablePoints: 7, LifetimeEarned: 7}); err != nil {
			return err
		}
		return tx.PutStoreAccount(ctx, points.NewStoreAccount("store-a", "Store A", dec("0.01"), Now))
	}))

	// WHEN
	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1, report.CustomersRepaired)
	assert.Equal(t, 1, report.StoresRepaired)
	bal, err := s.GetBalance(ctx, Ana)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.AvailablePoints)
	acct, err := s.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.TotalPointsIssued)
	assert.True(t, acct.TotalPointsValueIssued.Equal(dec("0.50")))
}

func testExpiry(t *testing.T, s points.Store) {
	ctx := context.Background()
	days := 30
	st := points.DefaultSettings()
	st.PointsExpirationDays = &days
	require.NoError(t, s.CreateSettings(ctx, st))

	// GIVEN: 50 points earned 31 days ago, 10 of them spent
	earned := NewService(s, points.WithClock(func() time.Time { return Now.AddDate(0, 0, -31) }))
	Earn(t, earned, "store-a", "INV-1", "c-1", "1000")
	_, err := earned.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: Ana}, StoreID: "store-a", Points: 10,
	})
	require.NoError(t, err)

	// WHEN
	svc := NewService(s)
	report, err := svc.ExpireAll(ctx)
	require.NoError(t, err)

	// THEN: the 40 unspent points expire in one row
	assert.Equal(t, points.ExpiryReport{CustomersChecked: 1, CustomersExpired: 1, PointsExpired: 40}, report)
	bal, err := s.GetBalance(ctx, Ana)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.True(t, bal.Consistent())

	// Running again is a no-op.
	report, err = svc.ExpireAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PointsExpired)
}

func testStoresWithActivity(t *testing.T, s points.Store) {
	svc := NewService(s)
	ctx := context.Background()
	Earn(t, svc, "store-b", "INV-1", "b-7", "1000")
	_, err := svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: Ana}, StoreID: "store-a", Points: 5,
	})
	require.NoError(t, err)

	ids, err := s.ListStoresWithActivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, []points.StoreID{"store-a", "store-b"}, ids)
}
