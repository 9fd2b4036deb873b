/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the points engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Points:
    EarnRequest, RedeemRequest, EarnResponseDTO, TransactionDTO,
    BalanceDTO, HistoryDTO

  Settlement:
    StoreAccountDTO, AccountRebuildDTO

  Settings:
    SettingsRequest, SettingsDTO

  Customers:
    CustomerDTO, StoreLinkDTO

  Admin:
    AdjustmentRequest, RebuildDTO, ExpiryDTO, ReconcileDTO

MONEY:
  Money is always a decimal string with two places ("12.50"). Requests
  accept a JSON number or string.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, ranges). Business rules stay in the points package.
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// REQUESTS
// =============================================================================

// EarnRequest is the body of POST /api/points/earn.
type EarnRequest struct {
	StoreID          string           `json:"store_id" validate:"required,max=64"`
	InvoiceNumber    string           `json:"invoice_number" validate:"required,max=128"`
	CustomerID       string           `json:"customer_id" validate:"required,max=128"`
	PurchaseAmount   decimal.Decimal  `json:"purchase_amount"`
	PointsPercentage *decimal.Decimal `json:"points_percentage,omitempty"`
	Description      string           `json:"description" validate:"max=500"`
}

// RedeemRequest is the body of POST /api/points/redeem. One customer
// identifier is required; customer_id also needs store_id, which is always
// present here.
type RedeemRequest struct {
	StoreID          string `json:"store_id" validate:"required,max=64"`
	Points           int64  `json:"points" validate:"required,gte=1"`
	CustomerID       string `json:"customer_id" validate:"required_without_all=GlobalCustomerID Phone Email"`
	GlobalCustomerID string `json:"global_customer_id"`
	Phone            string `json:"phone"`
	Email            string `json:"email" validate:"omitempty,email"`
	InvoiceNumber    string `json:"invoice_number" validate:"max=128"`
	Description      string `json:"description" validate:"max=500"`
}

func (r RedeemRequest) ref() points.CustomerRef {
	return points.CustomerRef{
		LocalCustomerID:  r.CustomerID,
		GlobalCustomerID: points.CustomerID(r.GlobalCustomerID),
		Phone:            r.Phone,
		Email:            r.Email,
	}
}

// SettingsRequest is the body of PUT /api/settings/{storeID}.
type SettingsRequest struct {
	UserPointsPercentage    decimal.Decimal  `json:"user_points_percentage"`
	CompanyProfitPercentage decimal.Decimal  `json:"company_profit_percentage"`
	DefaultThreshold        decimal.Decimal  `json:"default_threshold"`
	PointsExpirationDays    *int             `json:"points_expiration_days,omitempty" validate:"omitempty,gte=1"`
	MinPurchaseAmount       *decimal.Decimal `json:"min_purchase_amount,omitempty"`
	MaxPointsPerTransaction *int64           `json:"max_points_per_transaction,omitempty" validate:"omitempty,gte=1"`
	PointsValuePerPoint     decimal.Decimal  `json:"points_value_per_point"`
}

func (r SettingsRequest) toSettings(storeID points.StoreID) points.Settings {
	s := points.Settings{
		StoreID:                 storeID,
		UserPointsPercentage:    r.UserPointsPercentage,
		CompanyProfitPercentage: r.CompanyProfitPercentage,
		DefaultThreshold:        r.DefaultThreshold,
		PointsExpirationDays:    r.PointsExpirationDays,
		MaxPointsPerTransaction: r.MaxPointsPerTransaction,
		PointsValuePerPoint:     r.PointsValuePerPoint,
	}
	if r.MinPurchaseAmount != nil {
		s.MinPurchaseAmount = decimal.NewNullDecimal(*r.MinPurchaseAmount)
	}
	return s
}

// AdjustmentRequest is the body of POST /api/admin/adjustments.
type AdjustmentRequest struct {
	GlobalCustomerID string `json:"global_customer_id" validate:"required"`
	Points           int64  `json:"points" validate:"required"`
	Description      string `json:"description" validate:"required,max=500"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// TransactionDTO represents one ledger row.
type TransactionDTO struct {
	ID               string  `json:"id"`
	GlobalCustomerID string  `json:"global_customer_id"`
	Type             string  `json:"transaction_type"`
	EarningStoreID   string  `json:"earning_store_id,omitempty"`
	RedeemingStoreID string  `json:"redeeming_store_id,omitempty"`
	Points           int64   `json:"points"`
	PurchaseAmount   *string `json:"purchase_amount,omitempty"`
	PointsPercentage *string `json:"points_percentage,omitempty"`
	PointsValue      string  `json:"points_value"`
	InvoiceNumber    string  `json:"invoice_number,omitempty"`
	Description      string  `json:"description,omitempty"`
	ExpiresAt        string  `json:"expires_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// BalanceDTO represents a customer's balance. AvailableValue is priced at
// the requesting store's rate when one is given.
type BalanceDTO struct {
	GlobalCustomerID    string `json:"global_customer_id"`
	CustomerName        string `json:"customer_name,omitempty"`
	TotalPoints         int64  `json:"total_points"`
	AvailablePoints     int64  `json:"available_points"`
	PendingPoints       int64  `json:"pending_points"`
	LifetimeEarned      int64  `json:"lifetime_earned"`
	LifetimeSpent       int64  `json:"lifetime_spent"`
	PointsValuePerPoint string `json:"points_value_per_point,omitempty"`
	AvailableValue      string `json:"available_value,omitempty"`
	LastTransactionDate string `json:"last_transaction_date,omitempty"`
}

// EarnResponseDTO is returned by earn and redeem.
type EarnResponseDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
	Capped      bool           `json:"capped,omitempty"`
}

// PaginationDTO describes a page of results.
type PaginationDTO struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type HistoryDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	Pagination   PaginationDTO    `json:"pagination"`
}

// StoreAccountDTO is the settlement view of one store.
type StoreAccountDTO struct {
	StoreID                  string `json:"store_id"`
	StoreName                string `json:"store_name"`
	TotalPointsIssued        int64  `json:"total_points_issued"`
	TotalPointsRedeemed      int64  `json:"total_points_redeemed"`
	NetPointsBalance         int64  `json:"net_points_balance"`
	PointsValuePerPoint      string `json:"points_value_per_point"`
	TotalPointsValueIssued   string `json:"total_points_value_issued"`
	TotalPointsValueRedeemed string `json:"total_points_value_redeemed"`
	NetFinancialBalance      string `json:"net_financial_balance"`
	AmountOwed               string `json:"amount_owed"`
	Direction                string `json:"settlement_direction"`
	LastUpdated              string `json:"last_updated"`
}

type SettingsDTO struct {
	StoreID                 string  `json:"store_id"`
	UserPointsPercentage    string  `json:"user_points_percentage"`
	CompanyProfitPercentage string  `json:"company_profit_percentage"`
	DefaultThreshold        string  `json:"default_threshold"`
	PointsExpirationDays    *int    `json:"points_expiration_days,omitempty"`
	MinPurchaseAmount       *string `json:"min_purchase_amount,omitempty"`
	MaxPointsPerTransaction *int64  `json:"max_points_per_transaction,omitempty"`
	PointsValuePerPoint     string  `json:"points_value_per_point"`
	UpdatedAt               string  `json:"updated_at,omitempty"`
}

// RebuildDTO reports a balance rebuild.
type RebuildDTO struct {
	GlobalCustomerID string      `json:"global_customer_id"`
	Drifted          bool        `json:"drifted"`
	Before           *BalanceDTO `json:"before,omitempty"`
	After            BalanceDTO  `json:"after"`
}

// AccountRebuildDTO reports a store account rebuild.
type AccountRebuildDTO struct {
	StoreID string           `json:"store_id"`
	Drifted bool             `json:"drifted"`
	Before  *StoreAccountDTO `json:"before,omitempty"`
	After   StoreAccountDTO  `json:"after"`
}

type ExpiryDTO struct {
	Expired     bool            `json:"expired"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Balance     BalanceDTO      `json:"balance"`
}

type ReconcileDTO struct {
	CustomersChecked  int `json:"customers_checked"`
	CustomersRepaired int `json:"customers_repaired"`
	StoresChecked     int `json:"stores_checked"`
	StoresRepaired    int `json:"stores_repaired"`
}

// CustomerDTO is a global identity with its store links.
type CustomerDTO struct {
	GlobalCustomerID string         `json:"global_customer_id"`
	IdentifierType   string         `json:"identifier_type"`
	Name             string         `json:"name"`
	Phone            string         `json:"phone,omitempty"`
	Email            string         `json:"email,omitempty"`
	Stores           []StoreLinkDTO `json:"stores"`
	CreatedAt        string         `json:"created_at"`
}

type StoreLinkDTO struct {
	StoreID         string `json:"store_id"`
	LocalCustomerID string `json:"customer_id"`
	CustomerName    string `json:"customer_name,omitempty"`
	RegisteredAt    string `json:"registered_at"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func optionalDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toTransactionDTO(tx points.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		GlobalCustomerID: string(tx.GlobalCustomerID),
		Type:             string(tx.Type),
		EarningStoreID:   string(tx.EarningStoreID),
		RedeemingStoreID: string(tx.RedeemingStoreID),
		Points:           tx.Points,
		PurchaseAmount:   optionalDecimal(tx.PurchaseAmount),
		PointsPercentage: optionalDecimal(tx.PointsPercentage),
		PointsValue:      money(tx.PointsValue),
		InvoiceNumber:    tx.InvoiceNumber,
		Description:      tx.Description,
		ExpiresAt:        formatTime(tx.ExpiresAt),
		CreatedAt:        formatTime(&tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []points.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toBalanceDTO(b points.Balance) BalanceDTO {
	return BalanceDTO{
		GlobalCustomerID:    string(b.GlobalCustomerID),
		CustomerName:        b.CustomerName,
		TotalPoints:         b.TotalPoints,
		AvailablePoints:     b.AvailablePoints,
		PendingPoints:       b.PendingPoints,
		LifetimeEarned:      b.LifetimeEarned,
		LifetimeSpent:       b.LifetimeSpent,
		LastTransactionDate: formatTime(b.LastTransactionDate),
	}
}

func toBalanceViewDTO(v points.BalanceView) BalanceDTO {
	dto := toBalanceDTO(v.Balance)
	dto.PointsValuePerPoint = v.PointsValuePerPoint.String()
	dto.AvailableValue = money(v.AvailableValue)
	return dto
}

func toStoreAccountDTO(a points.StoreAccount) StoreAccountDTO {
	return StoreAccountDTO{
		StoreID:                  string(a.StoreID),
		StoreName:                a.StoreName,
		TotalPointsIssued:        a.TotalPointsIssued,
		TotalPointsRedeemed:      a.TotalPointsRedeemed,
		NetPointsBalance:         a.NetPointsBalance,
		PointsValuePerPoint:      a.PointsValuePerPoint.String(),
		TotalPointsValueIssued:   money(a.TotalPointsValueIssued),
		TotalPointsValueRedeemed: money(a.TotalPointsValueRedeemed),
		NetFinancialBalance:      money(a.NetFinancialBalance),
		AmountOwed:               money(a.AmountOwed),
		Direction:                string(a.Direction),
		LastUpdated:              formatTime(&a.LastUpdated),
	}
}

func toCustomerDTO(c points.GlobalCustomer) CustomerDTO {
	links := make([]StoreLinkDTO, 0, len(c.Stores))
	for _, l := range c.Stores {
		links = append(links, StoreLinkDTO{
			StoreID:         string(l.StoreID),
			LocalCustomerID: l.LocalCustomerID,
			CustomerName:    l.CustomerName,
			RegisteredAt:    formatTime(&l.RegisteredAt),
		})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].StoreID < links[j].StoreID })
	return CustomerDTO{
		GlobalCustomerID: string(c.ID),
		IdentifierType:   string(c.IdentifierType),
		Name:             c.Name,
		Phone:            c.Phone,
		Email:            c.Email,
		Stores:           links,
		CreatedAt:        formatTime(&c.CreatedAt),
	}
}

func toSettingsDTO(s points.Settings) SettingsDTO {
	return SettingsDTO{
		StoreID:                 string(s.StoreID),
		UserPointsPercentage:    s.UserPointsPercentage.String(),
		CompanyProfitPercentage: s.CompanyProfitPercentage.String(),
		DefaultThreshold:        s.DefaultThreshold.String(),
		PointsExpirationDays:    s.PointsExpirationDays,
		MinPurchaseAmount:       optionalDecimal(s.MinPurchaseAmount),
		MaxPointsPerTransaction: s.MaxPointsPerTransaction,
		PointsValuePerPoint:     s.PointsValuePerPoint.String(),
		UpdatedAt:               formatTime(&s.UpdatedAt),
	}
}
