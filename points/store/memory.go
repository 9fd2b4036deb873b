// Package store provides an in-memory points.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	settings     map[points.StoreID]points.Settings
	customers    map[points.CustomerID]points.GlobalCustomer
	balances     map[points.CustomerID]points.Balance
	accounts     map[points.StoreID]points.StoreAccount
	transactions []points.Transaction
	idempotency  map[string]bool
}

var _ points.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		settings:    make(map[points.StoreID]points.Settings),
		customers:   make(map[points.CustomerID]points.GlobalCustomer),
		balances:    make(map[points.CustomerID]points.Balance),
		accounts:    make(map[points.StoreID]points.StoreAccount),
		idempotency: make(map[string]bool),
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

func (m *Memory) GetSettings(_ context.Context, storeID points.StoreID) (*points.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[storeID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) CreateSettings(_ context.Context, s points.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[s.StoreID]; ok {
		return points.ErrSettingsConflict
	}
	m.settings[s.StoreID] = s
	return nil
}

func (m *Memory) SaveSettings(_ context.Context, s points.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.StoreID] = s
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (m *Memory) GetGlobalCustomer(_ context.Context, id points.CustomerID) (*points.GlobalCustomer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, nil
	}
	c = copyCustomer(c)
	return &c, nil
}

func (m *Memory) CreateGlobalCustomer(_ context.Context, c points.GlobalCustomer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[c.ID]; ok {
		return points.ErrCustomerExists
	}
	m.customers[c.ID] = copyCustomer(c)
	return nil
}

func (m *Memory) LinkStore(_ context.Context, id points.CustomerID, link points.StoreLink) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return false, &points.NotFoundError{Kind: "global customer", ID: string(id)}
	}
	if c.HasStore(link.StoreID) {
		return false, nil
	}
	if c.Stores == nil {
		c.Stores = make(map[points.StoreID]points.StoreLink)
	}
	c.Stores[link.StoreID] = link
	m.customers[id] = c
	return true, nil
}

func copyCustomer(c points.GlobalCustomer) points.GlobalCustomer {
	stores := make(map[points.StoreID]points.StoreLink, len(c.Stores))
	for k, v := range c.Stores {
		stores[k] = v
	}
	c.Stores = stores
	return c
}

// =============================================================================
// LEDGER READS
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, id points.CustomerID) (*points.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(id), nil
}

func (m *Memory) LoadTransactions(_ context.Context, id points.CustomerID) ([]points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(id), nil
}

func (m *Memory) LoadStoreTransactions(_ context.Context, storeID points.StoreID) ([]points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadStoreLocked(storeID), nil
}

func (m *Memory) GetStoreAccount(_ context.Context, storeID points.StoreID) (*points.StoreAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(storeID), nil
}

func (m *Memory) ListTransactions(_ context.Context, id points.CustomerID, offset, limit int) ([]points.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.loadLocked(id)
	total := len(all)
	var page []points.Transaction
	for i := total - 1 - offset; i >= 0 && len(page) < limit; i-- {
		page = append(page, all[i])
	}
	return page, total, nil
}

func (m *Memory) ListBalances(_ context.Context) ([]points.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]points.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalCustomerID < out[j].GlobalCustomerID })
	return out, nil
}

func (m *Memory) ListStoreAccounts(_ context.Context) ([]points.StoreAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]points.StoreAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

func (m *Memory) ListStoresWithActivity(_ context.Context) ([]points.StoreID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[points.StoreID]bool)
	var out []points.StoreID
	for _, tx := range m.transactions {
		id := tx.StoreID()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) getBalanceLocked(id points.CustomerID) *points.Balance {
	b, ok := m.balances[id]
	if !ok {
		return nil
	}
	return &b
}

func (m *Memory) getAccountLocked(storeID points.StoreID) *points.StoreAccount {
	a, ok := m.accounts[storeID]
	if !ok {
		return nil
	}
	return &a
}

func (m *Memory) loadLocked(id points.CustomerID) []points.Transaction {
	var out []points.Transaction
	for _, tx := range m.transactions {
		if tx.GlobalCustomerID == id {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Memory) loadStoreLocked(storeID points.StoreID) []points.Transaction {
	var out []points.Transaction
	for _, tx := range m.transactions {
		if tx.EarningStoreID == storeID || tx.RedeemingStoreID == storeID {
			out = append(out, tx)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn with the store locked.
// Rollback is simulated with a snapshot + restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances     map[points.CustomerID]points.Balance
	accounts     map[points.StoreID]points.StoreAccount
	transactions int
	idempotency  map[string]bool
}

// snapshot copies only what a Tx can write. Transactions are append-only so
// remembering the length is enough.
func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances:     make(map[points.CustomerID]points.Balance, len(m.balances)),
		accounts:     make(map[points.StoreID]points.StoreAccount, len(m.accounts)),
		transactions: len(m.transactions),
		idempotency:  make(map[string]bool, len(m.idempotency)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.accounts = s.accounts
	m.transactions = m.transactions[:s.transactions]
	m.idempotency = s.idempotency
}

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) GetBalance(_ context.Context, id points.CustomerID) (*points.Balance, error) {
	return t.m.getBalanceLocked(id), nil
}

func (t *memoryTx) LoadTransactions(_ context.Context, id points.CustomerID) ([]points.Transaction, error) {
	return t.m.loadLocked(id), nil
}

func (t *memoryTx) LoadStoreTransactions(_ context.Context, storeID points.StoreID) ([]points.Transaction, error) {
	return t.m.loadStoreLocked(storeID), nil
}

func (t *memoryTx) GetStoreAccount(_ context.Context, storeID points.StoreID) (*points.StoreAccount, error) {
	return t.m.getAccountLocked(storeID), nil
}

func (t *memoryTx) AppendTransaction(_ context.Context, tx points.Transaction) error {
	if tx.IdempotencyKey != "" {
		if t.m.idempotency[tx.IdempotencyKey] {
			return fmt.Errorf("append %s: %w", tx.IdempotencyKey, points.ErrDuplicateInvoice)
		}
		t.m.idempotency[tx.IdempotencyKey] = true
	}
	t.m.transactions = append(t.m.transactions, tx)
	return nil
}

func (t *memoryTx) CreditBalance(_ context.Context, c points.BalanceCredit) (points.Balance, error) {
	b, ok := t.m.balances[c.GlobalCustomerID]
	if !ok {
		b = points.ZeroBalance(c.GlobalCustomerID)
	}
	if c.CustomerName != "" {
		b.CustomerName = c.CustomerName
	}
	if c.Phone != "" {
		b.Phone = c.Phone
	}
	if c.Email != "" {
		b.Email = c.Email
	}
	b.TotalPoints += c.Points
	b.AvailablePoints += c.Points
	b.LifetimeEarned += c.Points
	at := c.At
	b.LastTransactionDate = &at
	t.m.balances[c.GlobalCustomerID] = b
	return b, nil
}

func (t *memoryTx) DebitBalance(_ context.Context, d points.BalanceDebit) (points.Balance, error) {
	b, ok := t.m.balances[d.GlobalCustomerID]
	if !ok || b.AvailablePoints < d.Points {
		return points.Balance{}, &points.InsufficientBalanceError{
			GlobalCustomerID: d.GlobalCustomerID,
			Available:        b.AvailablePoints,
			Requested:        d.Points,
		}
	}
	b.TotalPoints -= d.Points
	b.AvailablePoints -= d.Points
	b.LifetimeSpent += d.Points
	at := d.At
	b.LastTransactionDate = &at
	t.m.balances[d.GlobalCustomerID] = b
	return b, nil
}

// LockBalance only creates the row; the store-wide mutex is already held.
func (t *memoryTx) LockBalance(_ context.Context, id points.CustomerID) (points.Balance, bool, error) {
	b, ok := t.m.balances[id]
	if !ok {
		b = points.ZeroBalance(id)
		t.m.balances[id] = b
	}
	return b, ok, nil
}

func (t *memoryTx) PutBalance(_ context.Context, b points.Balance) error {
	t.m.balances[b.GlobalCustomerID] = b
	return nil
}

func (t *memoryTx) ApplyStoreActivity(_ context.Context, act points.StoreActivity) (points.StoreAccount, error) {
	a, ok := t.m.accounts[act.StoreID]
	if !ok {
		a = points.NewStoreAccount(act.StoreID, act.StoreName, act.PointsValuePerPoint, act.At)
	}
	a.Apply(act)
	t.m.accounts[act.StoreID] = a
	return a, nil
}

func (t *memoryTx) LockStoreAccount(_ context.Context, storeID points.StoreID, name string, rate decimal.Decimal, at time.Time) (points.StoreAccount, bool, error) {
	a, ok := t.m.accounts[storeID]
	if !ok {
		a = points.NewStoreAccount(storeID, name, rate, at)
		t.m.accounts[storeID] = a
	}
	return a, ok, nil
}

func (t *memoryTx) PutStoreAccount(_ context.Context, a points.StoreAccount) error {
	t.m.accounts[a.StoreID] = a
	return nil
}
