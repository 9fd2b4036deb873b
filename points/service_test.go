package points_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
)

const ana points.CustomerID = "+15550001"

// =============================================================================
// EARN
// =============================================================================

func TestEarn_ScenarioA_DefaultRate(t *testing.T) {
	f := newFixture(t)

	// GIVEN: default settings (5%, 0.01 per point)
	// WHEN: a 1000 purchase is completed at store A
	res := f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// THEN: 50 points worth 0.50 are credited
	assert.Equal(t, int64(50), res.Transaction.Points)
	assert.True(t, res.Transaction.PointsValue.Equal(dec("0.50")), "value %s", res.Transaction.PointsValue)
	assert.Equal(t, points.TxEarned, res.Transaction.Type)
	assert.Equal(t, points.StoreID("store-a"), res.Transaction.EarningStoreID)
	assert.Empty(t, res.Transaction.RedeemingStoreID)
	assert.True(t, res.Transaction.PointsPercentage.Decimal.Equal(dec("5")))
	assert.Equal(t, int64(50), res.Balance.TotalPoints)
	assert.Equal(t, int64(50), res.Balance.AvailablePoints)
	assert.Equal(t, ana, res.Customer.ID)
	assert.Equal(t, points.IdentifierPhone, res.Customer.IdentifierType)

	bal := f.balance(t, ana)
	assert.Equal(t, int64(50), bal.TotalPoints)
	assert.Equal(t, "Ana", bal.CustomerName)
	assert.True(t, bal.Consistent())

	acct, err := f.svc.GetStoreAccount(context.Background(), "store-a")
	require.NoError(t, err)
	assert.Equal(t, "Store A", acct.StoreName)
	assert.Equal(t, int64(50), acct.TotalPointsIssued)
	assert.True(t, acct.TotalPointsValueIssued.Equal(dec("0.50")))
	assert.Equal(t, points.StoreOwesNetwork, acct.Direction)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, res.Transaction.ID, f.publisher.events[0].Transaction.ID)
}

func TestEarn_ScenarioB_FloorToZeroRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 5% earn rate
	// WHEN: a purchase of 1 is completed (floor(0.05) = 0)
	_, err := f.svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "c-1", PurchaseAmount: dec("1"),
	})

	// THEN: AmountTooSmall, and no identity was created
	var tooSmall *points.AmountTooSmallError
	require.ErrorAs(t, err, &tooSmall)
	assert.True(t, points.IsClientError(err))

	_, err = f.svc.GetCustomer(ctx, ana)
	assert.True(t, points.IsNotFound(err))
	assert.Equal(t, []string{"amount_too_small"}, f.observer.rejected)
}

func TestEarn_ScenarioD_CapApplied(t *testing.T) {
	f := newFixture(t)

	// GIVEN: store A caps earning at 30 points
	s := settingsFor("store-a")
	maxPts := int64(30)
	s.MaxPointsPerTransaction = &maxPts
	f.setSettings(t, s)

	// WHEN: a purchase worth 50 points is completed
	res := f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// THEN: 30 points are persisted
	assert.Equal(t, int64(30), res.Transaction.Points)
	assert.True(t, res.Capped)
	assert.True(t, res.Transaction.PointsValue.Equal(dec("0.30")))
	assert.Equal(t, int64(30), f.balance(t, ana).TotalPoints)
}

func TestEarn_PercentageOverride(t *testing.T) {
	f := newFixture(t)
	pct := dec("10")

	res, err := f.svc.EarnPoints(context.Background(), points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-9", LocalCustomerID: "c-1",
		PurchaseAmount: dec("255.50"), PercentageOverride: &pct,
	})
	require.NoError(t, err)

	// floor(25.55) = 25
	assert.Equal(t, int64(25), res.Transaction.Points)
	assert.True(t, res.Transaction.PointsPercentage.Decimal.Equal(pct))
}

func TestEarn_ValidationBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := dec("101")

	cases := []struct {
		name string
		req  points.EarnRequest
	}{
		{"missing store", points.EarnRequest{InvoiceNumber: "I", LocalCustomerID: "c-1", PurchaseAmount: dec("10")}},
		{"missing invoice", points.EarnRequest{StoreID: "store-a", LocalCustomerID: "c-1", PurchaseAmount: dec("10")}},
		{"missing customer", points.EarnRequest{StoreID: "store-a", InvoiceNumber: "I", PurchaseAmount: dec("10")}},
		{"zero amount", points.EarnRequest{StoreID: "store-a", InvoiceNumber: "I", LocalCustomerID: "c-1", PurchaseAmount: dec("0")}},
		{"negative amount", points.EarnRequest{StoreID: "store-a", InvoiceNumber: "I", LocalCustomerID: "c-1", PurchaseAmount: dec("-5")}},
		{"percentage out of range", points.EarnRequest{StoreID: "store-a", InvoiceNumber: "I", LocalCustomerID: "c-1", PurchaseAmount: dec("10"), PercentageOverride: &bad}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.EarnPoints(ctx, tc.req)
			assert.ErrorIs(t, err, points.ErrValidation)
		})
	}

	balances, err := f.store.ListBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestEarn_UnknownLocalCustomer(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.EarnPoints(context.Background(), points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "ghost", PurchaseAmount: dec("100"),
	})
	assert.True(t, points.IsNotFound(err))
}

func TestEarn_UnknownStoreLeavesNoIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: the CRM knows the customer at a store the registry does not
	f.customers.add("ghost", "g-1", points.LocalCustomer{Name: "Gus", Phone: "+15550009"})

	// WHEN
	_, err := f.svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "ghost", InvoiceNumber: "INV-1", LocalCustomerID: "g-1", PurchaseAmount: dec("100"),
	})

	// THEN: rejected before the identity is created
	assert.True(t, points.IsNotFound(err))
	c, err := f.store.GetGlobalCustomer(ctx, "+15550009")
	require.NoError(t, err)
	assert.Nil(t, c)
	balances, err := f.store.ListBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestEarn_MissingIdentifier(t *testing.T) {
	f := newFixture(t)

	// GIVEN: c-3 has neither phone nor email
	_, err := f.svc.EarnPoints(context.Background(), points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "c-3", PurchaseAmount: dec("100"),
	})

	var missing *points.MissingIdentifierError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "c-3", missing.LocalCustomerID)
}

func TestEarn_EmailIdentity(t *testing.T) {
	f := newFixture(t)

	res := f.earn(t, "store-a", "INV-1", "c-2", "200")

	assert.Equal(t, points.CustomerID("bo@example.com"), res.Customer.ID)
	assert.Equal(t, points.IdentifierEmail, res.Customer.IdentifierType)
}

func TestEarn_DuplicateInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// WHEN: the same invoice is submitted again
	_, err := f.svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "c-1", PurchaseAmount: dec("1000"),
	})

	// THEN: no double credit
	assert.ErrorIs(t, err, points.ErrDuplicateInvoice)
	assert.Equal(t, int64(50), f.balance(t, ana).TotalPoints)

	acct, err := f.svc.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.TotalPointsIssued)

	// Same invoice number at another store is a different sale.
	_, err = f.svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "store-b", InvoiceNumber: "INV-1", LocalCustomerID: "b-7", PurchaseAmount: dec("1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.balance(t, ana).TotalPoints)
}

func TestEarn_PublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	res := f.earn(t, "store-a", "INV-1", "c-1", "1000")
	assert.Equal(t, int64(50), res.Balance.TotalPoints)
}

// =============================================================================
// REDEEM
// =============================================================================

func TestRedeem_ScenarioC_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 10 available points
	f.earn(t, "store-a", "INV-1", "c-1", "200")
	require.Equal(t, int64(10), f.balance(t, ana).AvailablePoints)

	// WHEN: 20 are redeemed
	_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: ana}, StoreID: "store-a", Points: 20,
	})

	// THEN: rejected with both numbers, balance unchanged, nothing logged
	var insufficient *points.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Available)
	assert.Equal(t, int64(20), insufficient.Requested)
	assert.Equal(t, int64(10), insufficient.Shortfall())

	bal := f.balance(t, ana)
	assert.Equal(t, int64(10), bal.AvailablePoints)
	assert.Equal(t, int64(0), bal.LifetimeSpent)

	txs, err := f.store.LoadTransactions(ctx, ana)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Contains(t, f.observer.rejected, "insufficient_balance")
}

func TestRedeem_ScenarioE_CrossStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 50 points earned at store A
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// WHEN: redeemed at store B by global id (no directory record needed at B)
	res, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: " +15550001"}, StoreID: "store-b", Points: 20, InvoiceNumber: "B-1",
	})
	require.NoError(t, err)

	// THEN: B is the redeeming store and the network owes B
	assert.Equal(t, int64(-20), res.Transaction.Points)
	assert.Equal(t, points.TxSpent, res.Transaction.Type)
	assert.Equal(t, points.StoreID("store-b"), res.Transaction.RedeemingStoreID)
	assert.Empty(t, res.Transaction.EarningStoreID)
	assert.True(t, res.Transaction.PointsValue.Equal(dec("0.20")))
	assert.Equal(t, int64(30), res.Balance.AvailablePoints)
	assert.Equal(t, int64(20), res.Balance.LifetimeSpent)
	assert.True(t, res.Balance.Consistent())

	b, err := f.svc.GetStoreAccount(ctx, "store-b")
	require.NoError(t, err)
	assert.Equal(t, "Store B", b.StoreName)
	assert.Equal(t, int64(20), b.TotalPointsRedeemed)
	assert.True(t, b.AmountOwed.Equal(dec("0.20")))
	assert.Equal(t, points.NetworkOwesStore, b.Direction)

	accts, err := f.svc.ListStoreAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, points.StoreID("store-a"), accts[0].StoreID)
}

func TestRedeem_ByPhoneEmailAndLocalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	refs := []points.CustomerRef{
		{Phone: "+15550001"},
		{LocalCustomerID: "b-7"},
	}
	for _, ref := range refs {
		_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{Customer: ref, StoreID: "store-b", Points: 5})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(40), f.balance(t, ana).AvailablePoints)

	// Redeeming by local id at B linked B to the identity.
	c, err := f.svc.GetCustomer(ctx, ana)
	require.NoError(t, err)
	assert.True(t, c.HasStore("store-b"))
	assert.Equal(t, "b-7", c.Stores["store-b"].LocalCustomerID)

	// Email-only customers resolve by email.
	f.earn(t, "store-a", "INV-2", "c-2", "400")
	_, err = f.svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{Email: "Bo@Example.com"}, StoreID: "store-a", Points: 20,
	})
	require.NoError(t, err)
}

func TestRedeem_UnknownIdentityIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RedeemPoints(context.Background(), points.RedeemRequest{
		Customer: points.CustomerRef{Phone: "+19999"}, StoreID: "store-a", Points: 1,
	})
	assert.True(t, points.IsNotFound(err))
}

func TestRedeem_UnknownStoreDoesNotLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")
	f.customers.add("ghost", "g-7", points.LocalCustomer{Name: "Ana G", Phone: "+15550001"})

	// WHEN: redeeming by the unknown store's local id
	_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{LocalCustomerID: "g-7"}, StoreID: "ghost", Points: 10,
	})

	// THEN
	assert.True(t, points.IsNotFound(err))
	c, err := f.store.GetGlobalCustomer(ctx, "+15550001")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotContains(t, c.Stores, points.StoreID("ghost"))
	assert.Equal(t, int64(50), f.balance(t, "+15550001").AvailablePoints)
}

func TestRedeem_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{Customer: points.CustomerRef{GlobalCustomerID: ana}, StoreID: "store-a", Points: 0})
	assert.ErrorIs(t, err, points.ErrValidation)

	_, err = f.svc.RedeemPoints(ctx, points.RedeemRequest{StoreID: "store-a", Points: 1})
	assert.ErrorIs(t, err, points.ErrValidation)

	_, err = f.svc.RedeemPoints(ctx, points.RedeemRequest{Customer: points.CustomerRef{GlobalCustomerID: ana}, Points: 1})
	assert.ErrorIs(t, err, points.ErrValidation)
}

func TestRedeem_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 100 points
	f.earn(t, "store-a", "INV-1", "c-1", "2000")

	// WHEN: 25 concurrent redemptions of 10 race for them
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{
				Customer: points.CustomerRef{GlobalCustomerID: ana}, StoreID: "store-b", Points: 10,
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, points.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 10 succeed and the balance lands on zero
	assert.Equal(t, int64(10), succeeded.Load())
	assert.Equal(t, int64(15), rejected.Load())
	bal := f.balance(t, ana)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.Equal(t, int64(100), bal.LifetimeSpent)
	assert.True(t, bal.Consistent())

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.CustomersRepaired)
	assert.Zero(t, report.StoresRepaired)
}

// =============================================================================
// READS
// =============================================================================

func TestGetBalance_PricedAtRequestingStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	s := settingsFor("store-b")
	s.PointsValuePerPoint = dec("0.05")
	f.setSettings(t, s)

	// Store B prices the 50 points at its own rate.
	v, err := f.svc.GetBalance(ctx, points.CustomerRef{LocalCustomerID: "b-7"}, "store-b")
	require.NoError(t, err)
	assert.True(t, v.PointsValuePerPoint.Equal(dec("0.05")))
	assert.True(t, v.AvailableValue.Equal(dec("2.50")))

	// No context store: global rate.
	v, err = f.svc.GetBalance(ctx, points.CustomerRef{Phone: "+15550001"}, "")
	require.NoError(t, err)
	assert.True(t, v.PointsValuePerPoint.Equal(dec("0.01")))

	// Reads do not link stores.
	c, err := f.svc.GetCustomer(ctx, ana)
	require.NoError(t, err)
	assert.False(t, c.HasStore("store-b"))
}

func TestGetBalance_UnknownIsZero(t *testing.T) {
	f := newFixture(t)

	v, err := f.svc.GetBalance(context.Background(), points.CustomerRef{Email: "new@example.com"}, "")
	require.NoError(t, err)
	assert.Equal(t, points.ZeroBalance("new@example.com"), v.Balance)
}

func TestGetHistory_NewestFirstPaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, inv := range []string{"INV-1", "INV-2", "INV-3"} {
		f.now = testNow.Add(time.Duration(i) * time.Hour)
		f.earn(t, "store-a", inv, "c-1", "1000")
	}

	page, err := f.svc.GetHistory(ctx, points.CustomerRef{GlobalCustomerID: ana}, "", 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "INV-3", page.Transactions[0].InvoiceNumber)
	assert.Equal(t, "INV-2", page.Transactions[1].InvoiceNumber)
	assert.Equal(t, points.Pagination{Page: 1, Limit: 2, Total: 3, TotalPages: 2}, page.Pagination)

	page, err = f.svc.GetHistory(ctx, points.CustomerRef{GlobalCustomerID: ana}, "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "INV-1", page.Transactions[0].InvoiceNumber)

	page, err = f.svc.GetHistory(ctx, points.CustomerRef{GlobalCustomerID: ana}, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, points.DefaultHistoryLimit, page.Pagination.Limit)
	assert.Equal(t, 1, page.Pagination.Page)
}

// =============================================================================
// UNKNOWN COMMIT OUTCOME
// =============================================================================

func TestEarn_CommitUnknownTriggersRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: a store whose next commit lands but loses the balance credit and
	// reports an unknown outcome
	faulty := &faultyStore{Store: f.store, failures: 1, dropBalance: true}
	svc := f.newService(faulty)

	// WHEN: earning
	_, err := svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "c-1", PurchaseAmount: dec("1000"),
	})

	// THEN: caller sees a non-retryable persistence failure
	require.ErrorIs(t, err, points.ErrPersistence)
	var pe *points.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.AfterAppend)
	assert.False(t, points.IsRetryable(err))

	// AND: the balance was rebuilt from the durable log row
	bal := f.balance(t, ana)
	assert.Equal(t, int64(50), bal.TotalPoints)
	assert.Equal(t, int64(50), bal.LifetimeEarned)
	assert.Contains(t, f.observer.repaired, "balance")
	assert.Empty(t, f.publisher.events)

	// AND: retrying the same invoice cannot double credit
	_, err = svc.EarnPoints(ctx, points.EarnRequest{
		StoreID: "store-a", InvoiceNumber: "INV-1", LocalCustomerID: "c-1", PurchaseAmount: dec("1000"),
	})
	assert.ErrorIs(t, err, points.ErrDuplicateInvoice)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestReconcile_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// GIVEN: caches tampered with behind the engine's back
	require.NoError(t, f.store.WithTx(ctx, func(tx points.Tx) error {
		bad := points.ZeroBalance(ana)
		bad.TotalPoints, bad.AvailablePoints, bad.LifetimeEarned = 999, 999, 999
		if err := tx.PutBalance(ctx, bad); err != nil {
			return err
		}
		acct, err := tx.GetStoreAccount(ctx, "store-a")
		if err != nil {
			return err
		}
		acct.TotalPointsIssued = 1
		return tx.PutStoreAccount(ctx, *acct)
	}))

	// WHEN
	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, points.ReconcileReport{CustomersChecked: 1, CustomersRepaired: 1, StoresChecked: 1, StoresRepaired: 1}, report)
	assert.Equal(t, int64(50), f.balance(t, ana).TotalPoints)
	acct, err := f.svc.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.TotalPointsIssued)
	assert.ElementsMatch(t, []string{"balance", "store_account"}, f.observer.repaired)
}

func TestAdjustPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	res, err := f.svc.AdjustPoints(ctx, points.AdjustRequest{GlobalCustomerID: ana, Points: 15, Description: "goodwill"})
	require.NoError(t, err)
	assert.Equal(t, points.TxAdjusted, res.Transaction.Type)
	assert.Equal(t, int64(65), res.Balance.TotalPoints)
	assert.Equal(t, int64(65), res.Balance.LifetimeEarned)

	res, err = f.svc.AdjustPoints(ctx, points.AdjustRequest{GlobalCustomerID: ana, Points: -5, Description: "correction"})
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Balance.TotalPoints)
	assert.Equal(t, int64(5), res.Balance.LifetimeSpent)
	assert.True(t, res.Balance.Consistent())

	_, err = f.svc.AdjustPoints(ctx, points.AdjustRequest{GlobalCustomerID: ana, Points: -100, Description: "too much"})
	assert.ErrorIs(t, err, points.ErrInsufficientBalance)

	_, err = f.svc.AdjustPoints(ctx, points.AdjustRequest{GlobalCustomerID: "nobody", Points: 5, Description: "x"})
	assert.True(t, points.IsNotFound(err))

	// Adjustments never touch settlement.
	acct, err := f.svc.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.TotalPointsIssued)
}

func TestExpireAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: points at store A expire after 30 days
	s := settingsFor("store-a")
	days := 30
	s.PointsExpirationDays = &days
	f.setSettings(t, s)

	f.earn(t, "store-a", "INV-1", "c-1", "1000") // 50, expires day 30
	_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{
		Customer: points.CustomerRef{GlobalCustomerID: ana}, StoreID: "store-a", Points: 20,
	})
	require.NoError(t, err)

	// WHEN: the sweep runs before expiry
	report, err := f.svc.ExpireAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PointsExpired)

	// WHEN: the sweep runs after expiry
	f.now = testNow.AddDate(0, 0, 31)
	report, err = f.svc.ExpireAll(ctx)
	require.NoError(t, err)

	// THEN: the 30 unspent points expire once
	assert.Equal(t, points.ExpiryReport{CustomersChecked: 1, CustomersExpired: 1, PointsExpired: 30}, report)
	bal := f.balance(t, ana)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.Equal(t, int64(50), bal.LifetimeSpent)
	assert.True(t, bal.Consistent())

	report, err = f.svc.ExpireAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.CustomersChecked)
}
