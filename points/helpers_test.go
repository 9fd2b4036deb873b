package points_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/points/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeCustomers is a CustomerDirectory backed by a map.
type fakeCustomers struct {
	mu   sync.Mutex
	byID map[points.StoreID]map[string]points.LocalCustomer
}

func newFakeCustomers() *fakeCustomers {
	return &fakeCustomers{byID: make(map[points.StoreID]map[string]points.LocalCustomer)}
}

func (f *fakeCustomers) add(storeID points.StoreID, localID string, c points.LocalCustomer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID[storeID] == nil {
		f.byID[storeID] = make(map[string]points.LocalCustomer)
	}
	f.byID[storeID][localID] = c
}

func (f *fakeCustomers) GetCustomerByID(_ context.Context, storeID points.StoreID, localID string) (points.LocalCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[storeID][localID]
	if !ok {
		return points.LocalCustomer{}, &points.NotFoundError{Kind: "customer", ID: localID}
	}
	return c, nil
}

// fakeStores is a StoreRegistry backed by a map.
type fakeStores map[points.StoreID]string

func (f fakeStores) GetStoreByID(_ context.Context, id points.StoreID) (points.StoreInfo, error) {
	name, ok := f[id]
	if !ok {
		return points.StoreInfo{}, &points.NotFoundError{Kind: "store", ID: string(id)}
	}
	return points.StoreInfo{Name: name}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []points.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e points.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type recordingObserver struct {
	mu       sync.Mutex
	recorded []points.TransactionType
	rejected []string
	repaired []string
}

func (o *recordingObserver) TransactionRecorded(tx points.Transaction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded = append(o.recorded, tx.Type)
}

func (o *recordingObserver) Rejected(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, reason)
}

func (o *recordingObserver) DriftRepaired(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.repaired = append(o.repaired, kind)
}

// fixture wires a service over the memory store with two stores and one
// customer registered at store A.
type fixture struct {
	store     *store.Memory
	customers *fakeCustomers
	publisher *recordingPublisher
	observer  *recordingObserver
	svc       *points.Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		customers: newFakeCustomers(),
		publisher: &recordingPublisher{},
		observer:  &recordingObserver{},
		now:       testNow,
	}
	f.customers.add("store-a", "c-1", points.LocalCustomer{Name: "Ana", Phone: " +15550001 ", Email: "Ana@Example.com"})
	f.customers.add("store-a", "c-2", points.LocalCustomer{Name: "Bo", Email: " BO@example.com "})
	f.customers.add("store-a", "c-3", points.LocalCustomer{Name: "Nobody"})
	f.customers.add("store-b", "b-7", points.LocalCustomer{Name: "Ana B", Phone: "+15550001"})
	f.svc = f.newService(f.store)
	return f
}

func (f *fixture) newService(s points.Store) *points.Service {
	return points.NewService(s, f.customers, fakeStores{"store-a": "Store A", "store-b": "Store B"},
		points.WithPublisher(f.publisher),
		points.WithObserver(f.observer),
		points.WithLogger(quietLogger()),
		points.WithClock(func() time.Time { return f.now }),
	)
}

func (f *fixture) earn(t *testing.T, storeID points.StoreID, invoice, localID, amount string) points.EarnResult {
	t.Helper()
	res, err := f.svc.EarnPoints(context.Background(), points.EarnRequest{
		StoreID:         storeID,
		InvoiceNumber:   invoice,
		LocalCustomerID: localID,
		PurchaseAmount:  dec(amount),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, id points.CustomerID) points.Balance {
	t.Helper()
	v, err := f.svc.GetBalance(context.Background(), points.CustomerRef{GlobalCustomerID: id}, "")
	require.NoError(t, err)
	return v.Balance
}

func (f *fixture) setSettings(t *testing.T, s points.Settings) {
	t.Helper()
	_, err := f.svc.UpdateSettings(context.Background(), s)
	require.NoError(t, err)
}

func settingsFor(storeID points.StoreID) points.Settings {
	s := points.DefaultSettings()
	s.StoreID = storeID
	return s
}

// =============================================================================
// FAULTY STORE - commit outcome unknown
// =============================================================================

// faultyStore reports ErrCommitUnknown after the next `failures` commits.
// With dropBalance set the balance credit inside those transactions is lost,
// which leaves the cache behind the log.
type faultyStore struct {
	points.Store
	failures    int
	dropBalance bool
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	err := s.Store.WithTx(ctx, func(tx points.Tx) error {
		if fail && s.dropBalance {
			return fn(&droppingTx{Tx: tx})
		}
		return fn(tx)
	})
	if err != nil || !fail {
		return err
	}
	return fmt.Errorf("commit: %w", points.ErrCommitUnknown)
}

type droppingTx struct {
	points.Tx
}

func (t *droppingTx) CreditBalance(_ context.Context, c points.BalanceCredit) (points.Balance, error) {
	return points.ZeroBalance(c.GlobalCustomerID), nil
}
