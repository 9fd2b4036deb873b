/*
handlers.go - HTTP API handlers for the loyalty points engine

PURPOSE:
  Exposes the points service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to points.Service.

ENDPOINTS:
  Points:
    POST   /api/points/earn                     Credit points for a sale
    POST   /api/points/redeem                   Spend points at any store
    GET    /api/points/balance                  Balance (by customer_id+store_id,
                                                global_customer_id, phone or email)
    GET    /api/points/history                  Transactions, newest first

  Customers:
    GET    /api/customers/{globalCustomerID}    Global identity and store links

  Settlement:
    GET    /api/settlement/accounts             All store accounts
    GET    /api/settlement/accounts/{storeID}   One store account
    POST   /api/settlement/accounts/{storeID}/rebuild

  Settings:
    GET    /api/settings/{storeID}              Effective settings
    PUT    /api/settings/{storeID}              Replace the store's row

  Admin:
    POST   /api/admin/customers/{globalCustomerID}/rebuild
    POST   /api/admin/customers/{globalCustomerID}/expire
    POST   /api/admin/adjustments               Signed manual correction
    POST   /api/admin/expire                    Expiry sweep
    POST   /api/admin/reconcile                 Drift sweep

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate shape (validator tags)
  3. Call points.Service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON ErrorResponse with a machine-readable code:
  - 400: validation, missing identifier, business rules
         (insufficient_balance carries available/requested/shortfall)
  - 404: unknown customer, store or account
  - 409: duplicate invoice
  - 500: persistence (outcome_unknown when a commit may have landed)

SECURITY NOTE:
  No authentication. Run behind the network's API gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/crm"
	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *points.Service
	Log     logrus.FieldLogger

	// Catalogue is the in-process CRM used by demo scenarios. Nil when the
	// server talks to a real CRM.
	Catalogue *crm.Static

	// Ping checks storage for /healthz. Optional.
	Ping func(ctx context.Context) error

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler for the given service.
func NewHandler(svc *points.Service, log logrus.FieldLogger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Service: svc, Log: log, validate: v}
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// Earn credits points for a completed sale.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.EarnPoints(r.Context(), points.EarnRequest{
		StoreID:            points.StoreID(req.StoreID),
		InvoiceNumber:      req.InvoiceNumber,
		LocalCustomerID:    req.CustomerID,
		PurchaseAmount:     req.PurchaseAmount,
		PercentageOverride: req.PointsPercentage,
		Description:        req.Description,
	})
	if err != nil {
		writeServiceError(w, "Failed to earn points", err)
		return
	}

	writeJSON(w, http.StatusCreated, EarnResponseDTO{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
		Capped:      res.Capped,
	})
}

// Redeem spends points at the requesting store.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.RedeemPoints(r.Context(), points.RedeemRequest{
		Customer:      req.ref(),
		StoreID:       points.StoreID(req.StoreID),
		Points:        req.Points,
		InvoiceNumber: req.InvoiceNumber,
		Description:   req.Description,
	})
	if err != nil {
		writeServiceError(w, "Failed to redeem points", err)
		return
	}

	writeJSON(w, http.StatusCreated, EarnResponseDTO{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

// GetBalance returns the balance, priced at store_id's rate when given.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ref, store := customerQuery(r)

	view, err := h.Service.GetBalance(r.Context(), ref, store)
	if err != nil {
		writeServiceError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceViewDTO(view))
}

// GetHistory returns one page of transactions.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ref, store := customerQuery(r)

	page, err := intQuery(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	limit, err := intQuery(r, "limit", points.DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	hist, err := h.Service.GetHistory(r.Context(), ref, store, page, limit)
	if err != nil {
		writeServiceError(w, "Failed to get history", err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryDTO{
		Transactions: toTransactionDTOs(hist.Transactions),
		Pagination: PaginationDTO{
			Page:       hist.Pagination.Page,
			Limit:      hist.Pagination.Limit,
			Total:      hist.Pagination.Total,
			TotalPages: hist.Pagination.TotalPages,
		},
	})
}

// GetCustomer returns a global identity with its store links.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := points.CustomerID(chi.URLParam(r, "globalCustomerID"))

	c, err := h.Service.GetCustomer(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to get customer", err)
		return
	}

	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

func (h *Handler) ListStoreAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Service.ListStoreAccounts(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to list store accounts", err)
		return
	}

	dtos := make([]StoreAccountDTO, len(accts))
	for i, a := range accts {
		dtos[i] = toStoreAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetStoreAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Service.GetStoreAccount(r.Context(), points.StoreID(chi.URLParam(r, "storeID")))
	if err != nil {
		writeServiceError(w, "Failed to get store account", err)
		return
	}
	writeJSON(w, http.StatusOK, toStoreAccountDTO(acct))
}

// RebuildStoreAccount recomputes one account from the log.
func (h *Handler) RebuildStoreAccount(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.RebuildStoreAccount(r.Context(), points.StoreID(chi.URLParam(r, "storeID")))
	if err != nil {
		writeServiceError(w, "Failed to rebuild store account", err)
		return
	}

	dto := AccountRebuildDTO{
		StoreID: string(report.StoreID),
		Drifted: report.Drifted,
		After:   toStoreAccountDTO(report.After),
	}
	if report.Before != nil {
		before := toStoreAccountDTO(*report.Before)
		dto.Before = &before
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.GetSettings(r.Context(), points.StoreID(chi.URLParam(r, "storeID")))
	if err != nil {
		writeServiceError(w, "Failed to get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(s))
}

// UpdateSettings replaces the store's own settings row. Use "global" as
// the store id to change the fallback row.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.Service.UpdateSettings(r.Context(), req.toSettings(points.StoreID(chi.URLParam(r, "storeID"))))
	if err != nil {
		writeServiceError(w, "Failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(s))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RebuildCustomer recomputes one balance from the log.
func (h *Handler) RebuildCustomer(w http.ResponseWriter, r *http.Request) {
	id := points.CustomerID(chi.URLParam(r, "globalCustomerID"))

	report, err := h.Service.RebuildCustomer(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to rebuild balance", err)
		return
	}

	dto := RebuildDTO{
		GlobalCustomerID: string(report.GlobalCustomerID),
		Drifted:          report.Drifted,
		After:            toBalanceDTO(report.After),
	}
	if report.Before != nil {
		before := toBalanceDTO(*report.Before)
		dto.Before = &before
	}
	writeJSON(w, http.StatusOK, dto)
}

// ExpireCustomer expires the customer's due points now.
func (h *Handler) ExpireCustomer(w http.ResponseWriter, r *http.Request) {
	id := points.CustomerID(chi.URLParam(r, "globalCustomerID"))

	tx, bal, err := h.Service.ExpireDue(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to expire points", err)
		return
	}

	dto := ExpiryDTO{Expired: tx != nil, Balance: toBalanceDTO(bal)}
	if tx != nil {
		t := toTransactionDTO(*tx)
		dto.Transaction = &t
	}
	writeJSON(w, http.StatusOK, dto)
}

// ExpireAll runs the expiry sweep immediately.
func (h *Handler) ExpireAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.ExpireAll(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to run expiry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customers_checked": report.CustomersChecked,
		"customers_expired": report.CustomersExpired,
		"points_expired":    report.PointsExpired,
	})
}

// CreateAdjustment records a manual correction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.AdjustPoints(r.Context(), points.AdjustRequest{
		GlobalCustomerID: points.CustomerID(req.GlobalCustomerID),
		Points:           req.Points,
		Description:      req.Description,
	})
	if err != nil {
		writeServiceError(w, "Failed to create adjustment", err)
		return
	}

	writeJSON(w, http.StatusCreated, EarnResponseDTO{
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

// Reconcile runs the drift sweep immediately.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Reconcile(r.Context())
	if err != nil {
		writeServiceError(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{
		CustomersChecked:  report.CustomersChecked,
		CustomersRepaired: report.CustomersRepaired,
		StoresChecked:     report.StoresChecked,
		StoresRepaired:    report.StoresRepaired,
	})
}

// Health reports whether storage answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a points error to a status code and error code.
func writeServiceError(w http.ResponseWriter, message string, err error) {
	var insufficient *points.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: message,
			Code:  "insufficient_balance",
			Details: map[string]int64{
				"available": insufficient.Available,
				"requested": insufficient.Requested,
				"shortfall": insufficient.Shortfall(),
			},
		})
		return
	}

	var pe *points.PersistenceError
	switch {
	case errors.Is(err, points.ErrDuplicateInvoice):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: message, Code: "duplicate_invoice", Details: err.Error()})
	case points.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: points.RejectionReason(err), Details: err.Error()})
	case points.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	case errors.As(err, &pe) && pe.AfterAppend:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: message, Code: "outcome_unknown", Details: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: message, Code: "internal", Details: err.Error()})
	}
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "validation", Details: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		fields := make([]fieldError, len(verrs))
		for i, fe := range verrs {
			fields[i] = fieldError{Field: fe.Field(), Rule: fe.Tag()}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "validation", Details: fields})
		return false
	}
	return true
}

func customerQuery(r *http.Request) (points.CustomerRef, points.StoreID) {
	q := r.URL.Query()
	return points.CustomerRef{
		LocalCustomerID:  q.Get("customer_id"),
		GlobalCustomerID: points.CustomerID(q.Get("global_customer_id")),
		Phone:            q.Get("phone"),
		Email:            q.Get("email"),
	}, points.StoreID(q.Get("store_id"))
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
