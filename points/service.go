/*
service.go - Operations exposed to callers (sale handlers, admin tools)

EARN FLOW:
  validate → look up local customer → resolve settings → compute points
  → look up the store → get-or-create global identity → Ledger.Credit
  (log + balance + account) → publish event

  Everything that can reject the request runs before the identity is created
  or linked, so a rejected earn has no side effects.

REDEEM FLOW:
  validate → look up the store → resolve identity (global id, phone, email
  or local id, linking the store) → resolve the redeeming store's rate → Ledger.Debit (log + conditional
  decrement + account) → publish event

UNKNOWN COMMIT OUTCOME:
  When storage cannot tell whether a commit landed, the caller gets a
  PersistenceError{AfterAppend: true} and the service immediately rebuilds the
  customer's balance and the store's account from the log.
*/
package points

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// COLLABORATOR HOOKS
// =============================================================================

// Event is published after a ledger row commits.
type Event struct {
	Transaction Transaction
	Balance     Balance
}

// EventPublisher ships committed ledger events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// Observer receives engine outcomes for metrics.
type Observer interface {
	TransactionRecorded(tx Transaction)
	Rejected(reason string)
	DriftRepaired(kind string)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

type noopObserver struct{}

func (noopObserver) TransactionRecorded(Transaction) {}
func (noopObserver) Rejected(string)                 {}
func (noopObserver) DriftRepaired(string)            {}

// RejectionReason names the business reason behind a client error.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAmountTooSmall):
		return "amount_too_small"
	case errors.Is(err, ErrBelowMinimum):
		return "below_minimum_purchase"
	case errors.Is(err, ErrDuplicateInvoice):
		return "duplicate_invoice"
	case errors.Is(err, ErrMissingIdentifier):
		return "missing_identifier"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "persistence"
	}
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// CustomerRef identifies a customer by any one of its identifiers.
// Resolution order: GlobalCustomerID, Phone, Email, LocalCustomerID.
// A local id is only meaningful together with a store.
type CustomerRef struct {
	LocalCustomerID  string
	GlobalCustomerID CustomerID
	Phone            string
	Email            string
}

func (r CustomerRef) empty() bool {
	return strings.TrimSpace(r.LocalCustomerID) == "" &&
		strings.TrimSpace(string(r.GlobalCustomerID)) == "" &&
		strings.TrimSpace(r.Phone) == "" &&
		strings.TrimSpace(r.Email) == ""
}

type EarnRequest struct {
	StoreID            StoreID
	InvoiceNumber      string
	LocalCustomerID    string
	PurchaseAmount     decimal.Decimal
	PercentageOverride *decimal.Decimal
	Description        string
}

type EarnResult struct {
	Transaction Transaction
	Balance     Balance
	Customer    GlobalCustomer
	Capped      bool
}

type RedeemRequest struct {
	Customer      CustomerRef
	StoreID       StoreID
	Points        int64
	InvoiceNumber string
	Description   string
}

type RedeemResult struct {
	Transaction Transaction
	Balance     Balance
}

// BalanceView is a balance priced at the requesting store's rate.
type BalanceView struct {
	Balance             Balance
	PointsValuePerPoint decimal.Decimal
	AvailableValue      decimal.Decimal
}

type AdjustRequest struct {
	GlobalCustomerID CustomerID
	Points           int64
	Description      string
}

// ReconcileReport summarizes a drift sweep.
type ReconcileReport struct {
	CustomersChecked  int
	CustomersRepaired int
	StoresChecked     int
	StoresRepaired    int
}

// ExpiryReport summarizes an expiry sweep.
type ExpiryReport struct {
	CustomersChecked int
	CustomersExpired int
	PointsExpired    int64
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store      Store
	settings   *SettingsResolver
	directory  *Directory
	ledger     *Ledger
	settlement *Settlement
	customers  CustomerDirectory
	stores     StoreRegistry
	publisher  EventPublisher
	observer   Observer
	log        logrus.FieldLogger
	now        Clock
	cache      SettingsCacheConfig
}

type Option func(*Service)

func WithPublisher(p EventPublisher) Option { return func(s *Service) { s.publisher = p } }
func WithObserver(o Observer) Option        { return func(s *Service) { s.observer = o } }
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock pins the time source. Tests use it.
func WithClock(c Clock) Option { return func(s *Service) { s.now = c } }

func WithSettingsCache(cfg SettingsCacheConfig) Option {
	return func(s *Service) { s.cache = cfg }
}

func NewService(store Store, customers CustomerDirectory, stores StoreRegistry, opts ...Option) *Service {
	s := &Service{
		store:     store,
		customers: customers,
		stores:    stores,
		publisher: noopPublisher{},
		observer:  noopObserver{},
		log:       logrus.StandardLogger(),
		now:       systemClock,
		cache:     SettingsCacheConfig{Size: 256, TTL: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.settings = NewSettingsResolver(store, s.cache, s.log)
	s.settings.now = s.now
	s.directory = NewDirectory(store, s.log)
	s.directory.now = s.now
	s.settlement = NewSettlement(store, s.now)
	s.ledger = NewLedger(store, s.settlement, s.now)
	return s
}

// EarnPoints credits points for a completed sale.
func (s *Service) EarnPoints(ctx context.Context, req EarnRequest) (EarnResult, error) {
	res, err := s.earn(ctx, req)
	if err != nil {
		s.fail(ctx, "earn", "", req.StoreID, err)
	}
	return res, err
}

func (s *Service) earn(ctx context.Context, req EarnRequest) (EarnResult, error) {
	if strings.TrimSpace(string(req.StoreID)) == "" {
		return EarnResult{}, invalid("store_id", "required")
	}
	if strings.TrimSpace(req.InvoiceNumber) == "" {
		return EarnResult{}, invalid("invoice_number", "required")
	}
	if strings.TrimSpace(req.LocalCustomerID) == "" {
		return EarnResult{}, invalid("customer_id", "required")
	}
	if !req.PurchaseAmount.IsPositive() {
		return EarnResult{}, invalid("purchase_amount", "must be greater than zero")
	}
	if req.PercentageOverride != nil && !inPercentRange(*req.PercentageOverride) {
		return EarnResult{}, invalid("points_percentage", "must be between 0 and 100")
	}

	local, err := s.customers.GetCustomerByID(ctx, req.StoreID, req.LocalCustomerID)
	if err != nil {
		return EarnResult{}, err
	}
	if _, _, err := ResolveIdentifier(local.Phone, local.Email); err != nil {
		return EarnResult{}, &MissingIdentifierError{LocalCustomerID: req.LocalCustomerID}
	}

	settings, err := s.settings.Resolve(ctx, req.StoreID)
	if err != nil {
		return EarnResult{}, err
	}
	earning, err := ComputeEarnedPoints(req.PurchaseAmount, settings, req.PercentageOverride, s.now())
	if err != nil {
		return EarnResult{}, err
	}

	storeName, err := s.storeNameIfNew(ctx, req.StoreID)
	if err != nil {
		return EarnResult{}, err
	}
	customer, err := s.directory.GetOrCreate(ctx, req.StoreID, req.LocalCustomerID, local)
	if err != nil {
		return EarnResult{}, err
	}

	tx, bal, err := s.ledger.Credit(ctx, Credit{
		Customer:            customer,
		StoreID:             req.StoreID,
		StoreName:           storeName,
		InvoiceNumber:       req.InvoiceNumber,
		PurchaseAmount:      req.PurchaseAmount,
		Earning:             earning,
		PointsValuePerPoint: settings.PointsValuePerPoint,
		Description:         req.Description,
	})
	if err != nil {
		s.repairAfter(ctx, err, customer.ID, req.StoreID)
		return EarnResult{}, err
	}

	s.log.WithFields(logrus.Fields{
		"global_customer_id": customer.ID,
		"store_id":           req.StoreID,
		"invoice":            req.InvoiceNumber,
		"points":             tx.Points,
	}).Info("points earned")
	s.committed(ctx, tx, bal)
	return EarnResult{Transaction: tx, Balance: bal, Customer: customer, Capped: earning.Capped}, nil
}

// RedeemPoints spends points at a store. The store need not be where the
// points were earned.
func (s *Service) RedeemPoints(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	res, err := s.redeem(ctx, req)
	if err != nil {
		s.fail(ctx, "redeem", req.Customer.GlobalCustomerID, req.StoreID, err)
	}
	return res, err
}

func (s *Service) redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	if strings.TrimSpace(string(req.StoreID)) == "" {
		return RedeemResult{}, invalid("store_id", "required")
	}
	if req.Points < 1 {
		return RedeemResult{}, invalid("points", "must be at least 1")
	}

	// An unknown store must fail before resolveCustomer links it.
	storeName, err := s.storeNameIfNew(ctx, req.StoreID)
	if err != nil {
		return RedeemResult{}, err
	}
	id, err := s.resolveCustomer(ctx, req.Customer, req.StoreID, true)
	if err != nil {
		return RedeemResult{}, err
	}
	settings, err := s.settings.Resolve(ctx, req.StoreID)
	if err != nil {
		return RedeemResult{}, err
	}

	tx, bal, err := s.ledger.Debit(ctx, Debit{
		GlobalCustomerID:    id,
		StoreID:             req.StoreID,
		StoreName:           storeName,
		Points:              req.Points,
		PointsValuePerPoint: settings.PointsValuePerPoint,
		InvoiceNumber:       req.InvoiceNumber,
		Description:         req.Description,
	})
	if err != nil {
		s.repairAfter(ctx, err, id, req.StoreID)
		return RedeemResult{}, err
	}

	s.log.WithFields(logrus.Fields{
		"global_customer_id": id,
		"store_id":           req.StoreID,
		"invoice":            req.InvoiceNumber,
		"points":             tx.Points,
	}).Info("points redeemed")
	s.committed(ctx, tx, bal)
	return RedeemResult{Transaction: tx, Balance: bal}, nil
}

// GetBalance returns the customer's balance priced at contextStore's rate.
// contextStore may be empty, in which case the global rate applies.
func (s *Service) GetBalance(ctx context.Context, ref CustomerRef, contextStore StoreID) (BalanceView, error) {
	id, err := s.resolveCustomer(ctx, ref, contextStore, false)
	if err != nil {
		return BalanceView{}, err
	}
	bal, err := s.ledger.Balance(ctx, id)
	if err != nil {
		return BalanceView{}, err
	}
	rateStore := contextStore
	if rateStore == "" {
		rateStore = GlobalStoreID
	}
	settings, err := s.settings.Resolve(ctx, rateStore)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		Balance:             bal,
		PointsValuePerPoint: settings.PointsValuePerPoint,
		AvailableValue:      pointsValue(bal.AvailablePoints, settings.PointsValuePerPoint),
	}, nil
}

// GetHistory returns one page of the customer's transactions, newest first.
func (s *Service) GetHistory(ctx context.Context, ref CustomerRef, contextStore StoreID, page, limit int) (HistoryPage, error) {
	id, err := s.resolveCustomer(ctx, ref, contextStore, false)
	if err != nil {
		return HistoryPage{}, err
	}
	return s.ledger.History(ctx, id, page, limit)
}

func (s *Service) GetStoreAccount(ctx context.Context, storeID StoreID) (StoreAccount, error) {
	return s.settlement.Get(ctx, storeID)
}

func (s *Service) ListStoreAccounts(ctx context.Context) ([]StoreAccount, error) {
	return s.settlement.List(ctx)
}

// GetCustomer returns a global customer with its store links.
func (s *Service) GetCustomer(ctx context.Context, id CustomerID) (GlobalCustomer, error) {
	return s.directory.Get(ctx, id)
}

// =============================================================================
// SETTINGS
// =============================================================================

// GetSettings returns the effective settings for a store.
func (s *Service) GetSettings(ctx context.Context, storeID StoreID) (Settings, error) {
	return s.settings.Resolve(ctx, storeID)
}

func (s *Service) UpdateSettings(ctx context.Context, settings Settings) (Settings, error) {
	return s.settings.Update(ctx, settings)
}

// =============================================================================
// ADMIN - Rebuild, adjust, expire, reconcile
// =============================================================================

func (s *Service) RebuildCustomer(ctx context.Context, id CustomerID) (RebuildReport, error) {
	id = CustomerID(NormalizeIdentifier(string(id)))
	report, err := s.ledger.Rebuild(ctx, id)
	if err != nil {
		return RebuildReport{}, err
	}
	if report.Drifted {
		s.observer.DriftRepaired("balance")
		s.log.WithField("global_customer_id", id).Warn("balance rebuilt from log")
	}
	return report, nil
}

func (s *Service) RebuildStoreAccount(ctx context.Context, storeID StoreID) (AccountRebuildReport, error) {
	var (
		name string
		rate decimal.Decimal
	)
	existing, err := s.store.GetStoreAccount(ctx, storeID)
	if err != nil {
		return AccountRebuildReport{}, persistence("get store account", err)
	}
	if existing == nil {
		if info, err := s.stores.GetStoreByID(ctx, storeID); err == nil {
			name = info.Name
		}
		settings, err := s.settings.Resolve(ctx, storeID)
		if err != nil {
			return AccountRebuildReport{}, err
		}
		rate = settings.PointsValuePerPoint
	}

	report, err := s.settlement.Rebuild(ctx, storeID, name, rate)
	if err != nil {
		return AccountRebuildReport{}, err
	}
	if report.Drifted {
		s.observer.DriftRepaired("store_account")
		s.log.WithField("store_id", storeID).Warn("store account rebuilt from log")
	}
	return report, nil
}

// AdjustPoints records an admin correction for an existing customer.
func (s *Service) AdjustPoints(ctx context.Context, req AdjustRequest) (RedeemResult, error) {
	c, err := s.directory.Get(ctx, req.GlobalCustomerID)
	if err != nil {
		s.fail(ctx, "adjust", req.GlobalCustomerID, "", err)
		return RedeemResult{}, err
	}
	tx, bal, err := s.ledger.Adjust(ctx, Adjustment{
		GlobalCustomerID: c.ID,
		Points:           req.Points,
		Description:      req.Description,
	})
	if err != nil {
		s.fail(ctx, "adjust", c.ID, "", err)
		s.repairAfter(ctx, err, c.ID, "")
		return RedeemResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"global_customer_id": c.ID,
		"points":             tx.Points,
	}).Info("points adjusted")
	s.committed(ctx, tx, bal)
	return RedeemResult{Transaction: tx, Balance: bal}, nil
}

// ExpireDue expires the customer's points whose expiry is at or before now.
func (s *Service) ExpireDue(ctx context.Context, id CustomerID) (*Transaction, Balance, error) {
	id = CustomerID(NormalizeIdentifier(string(id)))
	tx, bal, err := s.ledger.ExpireDue(ctx, id, s.now())
	if err != nil {
		s.repairAfter(ctx, err, id, "")
		return nil, Balance{}, err
	}
	if tx != nil {
		s.log.WithFields(logrus.Fields{
			"global_customer_id": id,
			"points":             tx.Points,
		}).Info("points expired")
		s.committed(ctx, *tx, bal)
	}
	return tx, bal, nil
}

// ExpireAll runs ExpireDue for every customer with available points.
func (s *Service) ExpireAll(ctx context.Context) (ExpiryReport, error) {
	balances, err := s.store.ListBalances(ctx)
	if err != nil {
		return ExpiryReport{}, persistence("list balances", err)
	}
	var report ExpiryReport
	for _, b := range balances {
		if b.AvailablePoints <= 0 {
			continue
		}
		report.CustomersChecked++
		tx, _, err := s.ExpireDue(ctx, b.GlobalCustomerID)
		if err != nil {
			return report, err
		}
		if tx != nil {
			report.CustomersExpired++
			report.PointsExpired += -tx.Points
		}
	}
	return report, nil
}

// Reconcile rebuilds every balance and store account that disagrees with
// the log.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	balances, err := s.store.ListBalances(ctx)
	if err != nil {
		return report, persistence("list balances", err)
	}
	for _, b := range balances {
		r, err := s.RebuildCustomer(ctx, b.GlobalCustomerID)
		if err != nil {
			return report, err
		}
		report.CustomersChecked++
		if r.Drifted {
			report.CustomersRepaired++
		}
	}

	stores, err := s.store.ListStoresWithActivity(ctx)
	if err != nil {
		return report, persistence("list stores", err)
	}
	for _, id := range stores {
		r, err := s.RebuildStoreAccount(ctx, id)
		if err != nil {
			return report, err
		}
		report.StoresChecked++
		if r.Drifted {
			report.StoresRepaired++
		}
	}
	return report, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// resolveCustomer turns a CustomerRef into a global id. With link set (the
// redeem path) a local id links storeID to the identity and the identity must
// already exist.
func (s *Service) resolveCustomer(ctx context.Context, ref CustomerRef, storeID StoreID, link bool) (CustomerID, error) {
	if ref.empty() {
		return "", invalid("customer", "one of customer_id, global_customer_id, phone or email is required")
	}

	var id CustomerID
	switch {
	case strings.TrimSpace(string(ref.GlobalCustomerID)) != "":
		id = CustomerID(NormalizeIdentifier(string(ref.GlobalCustomerID)))
	case strings.TrimSpace(ref.Phone) != "":
		id, _, _ = ResolveIdentifier(ref.Phone, "")
	case strings.TrimSpace(ref.Email) != "":
		id, _, _ = ResolveIdentifier("", ref.Email)
	default:
		if strings.TrimSpace(string(storeID)) == "" {
			return "", invalid("store_id", "required with customer_id")
		}
		local, err := s.customers.GetCustomerByID(ctx, storeID, ref.LocalCustomerID)
		if err != nil {
			return "", err
		}
		if link {
			c, err := s.directory.GetOrCreate(ctx, storeID, ref.LocalCustomerID, local)
			if err != nil {
				return "", err
			}
			return c.ID, nil
		}
		id, _, err = ResolveIdentifier(local.Phone, local.Email)
		if err != nil {
			return "", &MissingIdentifierError{LocalCustomerID: ref.LocalCustomerID}
		}
		return id, nil
	}

	if link {
		if _, err := s.directory.Get(ctx, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// storeNameIfNew consults the registry only for stores without an account.
func (s *Service) storeNameIfNew(ctx context.Context, storeID StoreID) (string, error) {
	acct, err := s.store.GetStoreAccount(ctx, storeID)
	if err != nil {
		return "", persistence("get store account", err)
	}
	if acct != nil {
		return acct.StoreName, nil
	}
	info, err := s.stores.GetStoreByID(ctx, storeID)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

func (s *Service) committed(ctx context.Context, tx Transaction, bal Balance) {
	s.observer.TransactionRecorded(tx)
	if err := s.publisher.Publish(ctx, Event{Transaction: tx, Balance: bal}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"transaction_id":     tx.ID,
			"global_customer_id": tx.GlobalCustomerID,
		}).Warn("publish points event failed")
	}
}

func (s *Service) fail(ctx context.Context, op string, id CustomerID, storeID StoreID, err error) {
	if IsClientError(err) || IsNotFound(err) {
		s.observer.Rejected(RejectionReason(err))
		s.log.WithError(err).WithFields(logrus.Fields{
			"op":                 op,
			"global_customer_id": id,
			"store_id":           storeID,
		}).Debug("points request rejected")
		return
	}
	s.log.WithError(err).WithFields(logrus.Fields{
		"op":                 op,
		"global_customer_id": id,
		"store_id":           storeID,
	}).Error("points request failed")
}

// repairAfter rebuilds the caches when a commit outcome is unknown.
func (s *Service) repairAfter(ctx context.Context, err error, id CustomerID, storeID StoreID) {
	var pe *PersistenceError
	if !errors.As(err, &pe) || !pe.AfterAppend {
		return
	}
	fields := logrus.Fields{"global_customer_id": id, "store_id": storeID}
	if _, rerr := s.RebuildCustomer(ctx, id); rerr != nil {
		s.log.WithError(rerr).WithFields(fields).Error("balance rebuild after unknown commit failed")
	}
	if storeID == "" {
		return
	}
	if _, rerr := s.RebuildStoreAccount(ctx, storeID); rerr != nil {
		s.log.WithError(rerr).WithFields(fields).Error("store account rebuild after unknown commit failed")
	}
}
