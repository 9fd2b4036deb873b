package points_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/points/store"
)

func TestStoreAccount_Recalculate(t *testing.T) {
	tests := []struct {
		name      string
		issued    string
		redeemed  string
		owed      string
		direction points.SettlementDirection
	}{
		{"store owes network", "12.50", "2.25", "10.25", points.StoreOwesNetwork},
		{"network owes store", "1.00", "3.10", "2.10", points.NetworkOwesStore},
		{"settled", "4.00", "4.00", "0", points.Settled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := points.NewStoreAccount("s", "S", dec("0.01"), testNow)
			a.Apply(points.StoreActivity{IssuedPoints: 10, IssuedValue: dec(tt.issued), RedeemedPoints: 4, RedeemedValue: dec(tt.redeemed), At: testNow})

			assert.Equal(t, int64(6), a.NetPointsBalance)
			assert.True(t, a.AmountOwed.Equal(dec(tt.owed)), "owed %s", a.AmountOwed)
			assert.False(t, a.AmountOwed.IsNegative())
			assert.Equal(t, tt.direction, a.Direction)
			assert.Equal(t, testNow, a.LastUpdated)
		})
	}
}

func TestSettlement_GetOrCreateIsLazyAndStable(t *testing.T) {
	mem := store.NewMemory()
	s := points.NewSettlement(mem, nil)
	ctx := context.Background()

	require.NoError(t, mem.WithTx(ctx, func(tx points.Tx) error {
		a, existed, err := s.GetOrCreate(ctx, tx, "store-a", "Store A", dec("0.01"))
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, "Store A", a.StoreName)
		assert.Equal(t, points.Settled, a.Direction)

		// A second call neither renames nor resets it.
		_, err = s.RecordIssuance(ctx, tx, points.StoreActivity{StoreID: "store-a", IssuedPoints: 5, IssuedValue: dec("0.05")})
		require.NoError(t, err)
		a, existed, err = s.GetOrCreate(ctx, tx, "store-a", "Other", dec("0.01"))
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, "Store A", a.StoreName)
		assert.Equal(t, int64(5), a.TotalPointsIssued)
		return nil
	}))

	_, err := s.Get(ctx, "store-z")
	assert.True(t, points.IsNotFound(err))
}

func TestSettlement_ValuesFrozenAtTransactionTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: 50 points issued at 0.01
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// WHEN: the rate doubles and another 50 are issued
	s := settingsFor("store-a")
	s.PointsValuePerPoint = dec("0.02")
	f.setSettings(t, s)
	f.earn(t, "store-a", "INV-2", "c-1", "1000")

	// THEN: the account sums each row's own value (0.50 + 1.00)
	acct, err := f.svc.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.TotalPointsIssued)
	assert.True(t, acct.TotalPointsValueIssued.Equal(dec("1.50")), "issued %s", acct.TotalPointsValueIssued)
	assert.True(t, acct.PointsValuePerPoint.Equal(dec("0.02")))

	// AND: a rebuild from the log agrees
	report, err := f.svc.RebuildStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	assert.False(t, report.Drifted)
	assert.True(t, report.After.TotalPointsValueIssued.Equal(dec("1.50")))
}

func TestSettlement_RebuildMissingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")

	// GIVEN: the store B account row was never written for a B redemption
	require.NoError(t, f.store.WithTx(ctx, func(tx points.Tx) error {
		return tx.AppendTransaction(ctx, points.Transaction{
			ID: "manual", GlobalCustomerID: ana, RedeemingStoreID: "store-b",
			Type: points.TxSpent, Points: -10, PointsValue: dec("0.10"), CreatedAt: testNow,
		})
	}))

	// WHEN
	report, err := f.svc.RebuildStoreAccount(ctx, "store-b")
	require.NoError(t, err)

	// THEN: the account is created from the log with the registry name
	assert.True(t, report.Drifted)
	assert.Nil(t, report.Before)
	assert.Equal(t, "Store B", report.After.StoreName)
	assert.Equal(t, int64(10), report.After.TotalPointsRedeemed)
	assert.Equal(t, points.NetworkOwesStore, report.After.Direction)

	acct, err := f.svc.GetStoreAccount(ctx, "store-b")
	require.NoError(t, err)
	assert.True(t, acct.SameTotals(report.After))
}

func TestSettlement_RebuildUnknownStore(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RebuildStoreAccount(context.Background(), "store-b")
	assert.True(t, points.IsNotFound(err))
}

func TestSettlement_AccountMatchesReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "store-a", "INV-1", "c-1", "1000")
	f.earn(t, "store-b", "INV-2", "b-7", "600")
	_, err := f.svc.RedeemPoints(ctx, points.RedeemRequest{Customer: points.CustomerRef{GlobalCustomerID: ana}, StoreID: "store-a", Points: 40})
	require.NoError(t, err)

	for _, id := range []points.StoreID{"store-a", "store-b"} {
		acct, err := f.svc.GetStoreAccount(ctx, id)
		require.NoError(t, err)
		txs, err := f.store.LoadStoreTransactions(ctx, id)
		require.NoError(t, err)
		replayed := points.ReplayStoreAccount(id, acct.StoreName, acct.PointsValuePerPoint, txs, testNow)
		assert.True(t, acct.SameTotals(replayed), "store %s", id)
	}

	a, err := f.svc.GetStoreAccount(ctx, "store-a")
	require.NoError(t, err)
	// issued 0.50, redeemed 0.40
	assert.True(t, a.NetFinancialBalance.Equal(dec("0.10")))
	assert.Equal(t, int64(10), a.NetPointsBalance)
}
