package gormstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/points"
)

// Table models. Money columns are numeric; decimal.Decimal scans and values
// itself so no float ever touches an amount.

type settingsRow struct {
	StoreID                 string          `gorm:"primaryKey;size:64"`
	UserPointsPercentage    decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	CompanyProfitPercentage decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	DefaultThreshold        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	PointsExpirationDays    *int
	MinPurchaseAmount       decimal.NullDecimal `gorm:"type:numeric(14,2)"`
	MaxPointsPerTransaction *int64
	PointsValuePerPoint     decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	UpdatedAt               time.Time       `gorm:"autoUpdateTime:false"`
}

func (settingsRow) TableName() string { return "points_settings" }

type customerRow struct {
	ID             string `gorm:"primaryKey;size:255"`
	IdentifierType string `gorm:"size:16;not null"`
	Name           string `gorm:"not null;default:''"`
	Phone          *string
	Email          *string
	CreatedAt      time.Time
}

func (customerRow) TableName() string { return "global_customers" }

type linkRow struct {
	GlobalCustomerID string `gorm:"primaryKey;size:255"`
	StoreID          string `gorm:"primaryKey;size:64"`
	LocalCustomerID  string `gorm:"size:64;not null"`
	CustomerName     string `gorm:"not null;default:''"`
	RegisteredAt     time.Time
}

func (linkRow) TableName() string { return "customer_store_links" }

type transactionRow struct {
	Seq              int64               `gorm:"primaryKey;autoIncrement"`
	ID               string              `gorm:"uniqueIndex;size:36;not null"`
	GlobalCustomerID string              `gorm:"index:idx_points_transactions_customer;size:255;not null"`
	EarningStoreID   *string             `gorm:"index;size:64"`
	RedeemingStoreID *string             `gorm:"index;size:64"`
	TransactionType  string              `gorm:"size:16;not null"`
	Points           int64               `gorm:"not null"`
	PurchaseAmount   decimal.NullDecimal `gorm:"type:numeric(14,2)"`
	PointsPercentage decimal.NullDecimal `gorm:"type:numeric(5,2)"`
	PointsValue      decimal.Decimal     `gorm:"type:numeric(14,2);not null"`
	InvoiceNumber    *string             `gorm:"size:128"`
	Description      string              `gorm:"not null;default:''"`
	IdempotencyKey   *string             `gorm:"uniqueIndex;size:255"`
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

func (transactionRow) TableName() string { return "points_transactions" }

type balanceRow struct {
	GlobalCustomerID    string `gorm:"primaryKey;size:255"`
	CustomerName        string `gorm:"not null;default:''"`
	Phone               string `gorm:"not null;default:''"`
	Email               string `gorm:"not null;default:''"`
	TotalPoints         int64  `gorm:"not null;default:0;check:total_points >= 0"`
	AvailablePoints     int64  `gorm:"not null;default:0;check:available_points >= 0"`
	PendingPoints       int64  `gorm:"not null;default:0"`
	LifetimeEarned      int64  `gorm:"not null;default:0"`
	LifetimeSpent       int64  `gorm:"not null;default:0"`
	LastTransactionDate *time.Time
}

func (balanceRow) TableName() string { return "points_balances" }

type accountRow struct {
	StoreID                  string          `gorm:"primaryKey;size:64"`
	StoreName                string          `gorm:"not null;default:''"`
	TotalPointsIssued        int64           `gorm:"not null;default:0"`
	TotalPointsRedeemed      int64           `gorm:"not null;default:0"`
	NetPointsBalance         int64           `gorm:"not null;default:0"`
	PointsValuePerPoint      decimal.Decimal `gorm:"type:numeric(12,6);not null"`
	TotalPointsValueIssued   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	TotalPointsValueRedeemed decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	NetFinancialBalance      decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	AmountOwed               decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Direction                string          `gorm:"size:32;not null"`
	LastUpdated              time.Time
}

func (accountRow) TableName() string { return "store_points_accounts" }

func allModels() []any {
	return []any{&settingsRow{}, &customerRow{}, &linkRow{}, &transactionRow{}, &balanceRow{}, &accountRow{}}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toSettingsRow(s points.Settings) settingsRow {
	return settingsRow{
		StoreID:                 string(s.StoreID),
		UserPointsPercentage:    s.UserPointsPercentage,
		CompanyProfitPercentage: s.CompanyProfitPercentage,
		DefaultThreshold:        s.DefaultThreshold,
		PointsExpirationDays:    s.PointsExpirationDays,
		MinPurchaseAmount:       s.MinPurchaseAmount,
		MaxPointsPerTransaction: s.MaxPointsPerTransaction,
		PointsValuePerPoint:     s.PointsValuePerPoint,
		UpdatedAt:               s.UpdatedAt,
	}
}

func (r settingsRow) toSettings() points.Settings {
	return points.Settings{
		StoreID:                 points.StoreID(r.StoreID),
		UserPointsPercentage:    r.UserPointsPercentage,
		CompanyProfitPercentage: r.CompanyProfitPercentage,
		DefaultThreshold:        r.DefaultThreshold,
		PointsExpirationDays:    r.PointsExpirationDays,
		MinPurchaseAmount:       r.MinPurchaseAmount,
		MaxPointsPerTransaction: r.MaxPointsPerTransaction,
		PointsValuePerPoint:     r.PointsValuePerPoint,
		UpdatedAt:               r.UpdatedAt,
	}
}

func toLinkRow(id points.CustomerID, l points.StoreLink) linkRow {
	return linkRow{
		GlobalCustomerID: string(id),
		StoreID:          string(l.StoreID),
		LocalCustomerID:  l.LocalCustomerID,
		CustomerName:     l.CustomerName,
		RegisteredAt:     l.RegisteredAt,
	}
}

func toTransactionRow(t points.Transaction) transactionRow {
	return transactionRow{
		ID:               string(t.ID),
		GlobalCustomerID: string(t.GlobalCustomerID),
		EarningStoreID:   optional(string(t.EarningStoreID)),
		RedeemingStoreID: optional(string(t.RedeemingStoreID)),
		TransactionType:  string(t.Type),
		Points:           t.Points,
		PurchaseAmount:   t.PurchaseAmount,
		PointsPercentage: t.PointsPercentage,
		PointsValue:      t.PointsValue,
		InvoiceNumber:    optional(t.InvoiceNumber),
		Description:      t.Description,
		IdempotencyKey:   optional(t.IdempotencyKey),
		ExpiresAt:        t.ExpiresAt,
		CreatedAt:        t.CreatedAt,
	}
}

func (r transactionRow) toTransaction() points.Transaction {
	return points.Transaction{
		ID:               points.TransactionID(r.ID),
		GlobalCustomerID: points.CustomerID(r.GlobalCustomerID),
		EarningStoreID:   points.StoreID(deref(r.EarningStoreID)),
		RedeemingStoreID: points.StoreID(deref(r.RedeemingStoreID)),
		Type:             points.TransactionType(r.TransactionType),
		Points:           r.Points,
		PurchaseAmount:   r.PurchaseAmount,
		PointsPercentage: r.PointsPercentage,
		PointsValue:      r.PointsValue,
		InvoiceNumber:    deref(r.InvoiceNumber),
		Description:      r.Description,
		IdempotencyKey:   deref(r.IdempotencyKey),
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        r.CreatedAt,
	}
}

func toTransactions(rows []transactionRow) []points.Transaction {
	out := make([]points.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTransaction())
	}
	return out
}

func toBalanceRow(b points.Balance) balanceRow {
	return balanceRow{
		GlobalCustomerID:    string(b.GlobalCustomerID),
		CustomerName:        b.CustomerName,
		Phone:               b.Phone,
		Email:               b.Email,
		TotalPoints:         b.TotalPoints,
		AvailablePoints:     b.AvailablePoints,
		PendingPoints:       b.PendingPoints,
		LifetimeEarned:      b.LifetimeEarned,
		LifetimeSpent:       b.LifetimeSpent,
		LastTransactionDate: b.LastTransactionDate,
	}
}

func (r balanceRow) toBalance() points.Balance {
	return points.Balance{
		GlobalCustomerID:    points.CustomerID(r.GlobalCustomerID),
		CustomerName:        r.CustomerName,
		Phone:               r.Phone,
		Email:               r.Email,
		TotalPoints:         r.TotalPoints,
		AvailablePoints:     r.AvailablePoints,
		PendingPoints:       r.PendingPoints,
		LifetimeEarned:      r.LifetimeEarned,
		LifetimeSpent:       r.LifetimeSpent,
		LastTransactionDate: r.LastTransactionDate,
	}
}

func toAccountRow(a points.StoreAccount) accountRow {
	return accountRow{
		StoreID:                  string(a.StoreID),
		StoreName:                a.StoreName,
		TotalPointsIssued:        a.TotalPointsIssued,
		TotalPointsRedeemed:      a.TotalPointsRedeemed,
		NetPointsBalance:         a.NetPointsBalance,
		PointsValuePerPoint:      a.PointsValuePerPoint,
		TotalPointsValueIssued:   a.TotalPointsValueIssued,
		TotalPointsValueRedeemed: a.TotalPointsValueRedeemed,
		NetFinancialBalance:      a.NetFinancialBalance,
		AmountOwed:               a.AmountOwed,
		Direction:                string(a.Direction),
		LastUpdated:              a.LastUpdated,
	}
}

func (r accountRow) toAccount() points.StoreAccount {
	return points.StoreAccount{
		StoreID:                  points.StoreID(r.StoreID),
		StoreName:                r.StoreName,
		TotalPointsIssued:        r.TotalPointsIssued,
		TotalPointsRedeemed:      r.TotalPointsRedeemed,
		NetPointsBalance:         r.NetPointsBalance,
		PointsValuePerPoint:      r.PointsValuePerPoint,
		TotalPointsValueIssued:   r.TotalPointsValueIssued,
		TotalPointsValueRedeemed: r.TotalPointsValueRedeemed,
		NetFinancialBalance:      r.NetFinancialBalance,
		AmountOwed:               r.AmountOwed,
		Direction:                points.SettlementDirection(r.Direction),
		LastUpdated:              r.LastUpdated,
	}
}
