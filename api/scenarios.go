/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that register stores and customers in the
	in-process CRM catalogue and run real earn/redeem calls through the
	service, so the balance and settlement endpoints have something to show.

AVAILABLE SCENARIOS:

	cross-store:   Earn at one store, redeem at another
	premium-rate:  Stores with different point values; valuation is frozen
	               per transaction
	capped-earn:   Minimum purchase, per-transaction cap and expiry

HOW SCENARIOS WORK:
 1. Register stores and local customers in the catalogue
 2. Save store settings where the scenario needs them
 3. Earn with fixed invoice numbers
 4. Redeem

Loading is idempotent: the invoice numbers are fixed, so a second load hits
the duplicate-invoice guard on its first earn and stops there. The ledger is
append-only and scenarios never reset it.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cross-store"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the 'loaders' map

NOTE:

	Only mounted when the server runs with the in-process catalogue.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cross-store",
		Name:        "Cross-Store Redemption",
		Description: "Ana earns at Corner Books and spends at Harbor Cafe; Corner Books owes the network, the network owes Harbor Cafe",
	},
	{
		ID:          "premium-rate",
		Name:        "Premium Point Value",
		Description: "Ben earns at a 0.01 store and a 0.02 store, then redeems at the 0.02 store; each row keeps its own value",
	},
	{
		ID:          "capped-earn",
		Name:        "Capped Earning",
		Description: "City Electronics caps points per sale, requires a minimum purchase and expires points after a year",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"cross-store":  h.loadCrossStoreScenario,
		"premium-rate": h.loadPremiumRateScenario,
		"capped-earn":  h.loadCappedEarnScenario,
	}
}

// errAlreadyLoaded stops a loader whose first earn was already recorded.
var errAlreadyLoaded = errors.New("scenario already loaded")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario runs a scenario against the service.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	status := "loaded"
	if err := load(r.Context()); err != nil {
		if !errors.Is(err, errAlreadyLoaded) {
			writeServiceError(w, "Failed to load scenario", err)
			return
		}
		status = "already_loaded"
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario " + status)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCrossStoreScenario(ctx context.Context) error {
	h.Catalogue.AddStore("corner-books", "Corner Books")
	h.Catalogue.AddStore("harbor-cafe", "Harbor Cafe")
	h.Catalogue.AddCustomer("corner-books", "cb-104", points.LocalCustomer{Name: "Ana Lima", Phone: "+15550101"})
	h.Catalogue.AddCustomer("harbor-cafe", "hc-7", points.LocalCustomer{Name: "Ana L.", Phone: "+15550101"})

	// 50 + 20 points at 0.01
	if err := h.earnFirst(ctx, "corner-books", "CB-1001", "cb-104", "1000"); err != nil {
		return err
	}
	if err := h.earn(ctx, "corner-books", "CB-1002", "cb-104", "400"); err != nil {
		return err
	}

	// Redeeming by Harbor Cafe's own id links Harbor Cafe to Ana's identity.
	return h.redeem(ctx, points.RedeemRequest{
		Customer:      points.CustomerRef{LocalCustomerID: "hc-7"},
		StoreID:       "harbor-cafe",
		Points:        30,
		InvoiceNumber: "HC-88",
		Description:   "Coffee and cake",
	})
}

func (h *Handler) loadPremiumRateScenario(ctx context.Context) error {
	h.Catalogue.AddStore("corner-books", "Corner Books")
	h.Catalogue.AddStore("premium-outfitters", "Premium Outfitters")
	h.Catalogue.AddCustomer("corner-books", "cb-210", points.LocalCustomer{Name: "Ben Okafor", Email: "ben@example.com"})
	h.Catalogue.AddCustomer("premium-outfitters", "po-3", points.LocalCustomer{Name: "Ben Okafor", Email: "Ben@Example.com"})

	if _, err := h.Service.UpdateSettings(ctx, points.Settings{
		StoreID:                 "premium-outfitters",
		UserPointsPercentage:    decimal.NewFromInt(10),
		CompanyProfitPercentage: decimal.NewFromInt(3),
		DefaultThreshold:        decimal.NewFromInt(10000),
		PointsValuePerPoint:     decimal.RequireFromString("0.02"),
	}); err != nil {
		return err
	}

	// 25 points worth 0.25 at Corner Books, 30 points worth 0.60 at Premium.
	if err := h.earnFirst(ctx, "corner-books", "CB-2001", "cb-210", "500"); err != nil {
		return err
	}
	if err := h.earn(ctx, "premium-outfitters", "PO-501", "po-3", "300"); err != nil {
		return err
	}

	// 40 points at 0.02: Premium redeems 0.80 against 0.60 issued.
	return h.redeem(ctx, points.RedeemRequest{
		Customer:      points.CustomerRef{Email: "ben@example.com"},
		StoreID:       "premium-outfitters",
		Points:        40,
		InvoiceNumber: "PO-502",
		Description:   "Gift wrap",
	})
}

func (h *Handler) loadCappedEarnScenario(ctx context.Context) error {
	h.Catalogue.AddStore("city-electronics", "City Electronics")
	h.Catalogue.AddCustomer("city-electronics", "ce-9", points.LocalCustomer{Name: "Cara Diaz", Phone: "+15550303", Email: "cara@example.com"})

	year := 365
	maxPoints := int64(100)
	if _, err := h.Service.UpdateSettings(ctx, points.Settings{
		StoreID:                 "city-electronics",
		UserPointsPercentage:    decimal.NewFromInt(5),
		CompanyProfitPercentage: decimal.NewFromInt(2),
		DefaultThreshold:        decimal.NewFromInt(10000),
		PointsExpirationDays:    &year,
		MinPurchaseAmount:       decimal.NewNullDecimal(decimal.NewFromInt(50)),
		MaxPointsPerTransaction: &maxPoints,
		PointsValuePerPoint:     decimal.RequireFromString("0.01"),
	}); err != nil {
		return err
	}

	// 5% of 5000 is 250, capped to 100.
	if err := h.earnFirst(ctx, "city-electronics", "CE-7001", "ce-9", "5000"); err != nil {
		return err
	}
	return h.earn(ctx, "city-electronics", "CE-7002", "ce-9", "120")
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) earn(ctx context.Context, store points.StoreID, invoice, customer, amount string) error {
	_, err := h.Service.EarnPoints(ctx, points.EarnRequest{
		StoreID:         store,
		InvoiceNumber:   invoice,
		LocalCustomerID: customer,
		PurchaseAmount:  decimal.RequireFromString(amount),
	})
	if err != nil {
		return fmt.Errorf("earn %s at %s: %w", invoice, store, err)
	}
	return nil
}

// earnFirst is earn for a scenario's first step: a duplicate means the
// scenario ran before.
func (h *Handler) earnFirst(ctx context.Context, store points.StoreID, invoice, customer, amount string) error {
	err := h.earn(ctx, store, invoice, customer, amount)
	if errors.Is(err, points.ErrDuplicateInvoice) {
		return errAlreadyLoaded
	}
	return err
}

func (h *Handler) redeem(ctx context.Context, req points.RedeemRequest) error {
	if _, err := h.Service.RedeemPoints(ctx, req); err != nil {
		return fmt.Errorf("redeem %s at %s: %w", req.InvoiceNumber, req.StoreID, err)
	}
	return nil
}
