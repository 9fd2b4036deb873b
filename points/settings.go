/*
settings.go - Effective earning rules per store

RESOLUTION ORDER:
  1. The store's own row
  2. The "global" row
  3. Create the "global" row with DefaultSettings()

  Two requests can race to create the global row. The store's unique
  constraint on store_id rejects the loser with ErrSettingsConflict and the
  resolver re-fetches instead of failing.

CACHING:
  Effective settings are cached per store (expirable LRU). Updating a store
  row evicts that store; updating the global row purges everything, since
  any store may be falling back to it.
*/
package points

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var hundred = decimal.NewFromInt(100)

// SettingsResolver resolves settings with store -> global -> default fallback.
type SettingsResolver struct {
	store SettingsStore
	cache *expirable.LRU[StoreID, Settings]
	log   logrus.FieldLogger
	now   Clock
}

// SettingsCacheConfig sizes the resolver cache. Zero values disable it.
type SettingsCacheConfig struct {
	Size int
	TTL  time.Duration
}

func NewSettingsResolver(store SettingsStore, cfg SettingsCacheConfig, log logrus.FieldLogger) *SettingsResolver {
	r := &SettingsResolver{store: store, log: log, now: systemClock}
	if cfg.Size > 0 {
		r.cache = expirable.NewLRU[StoreID, Settings](cfg.Size, nil, cfg.TTL)
	}
	return r
}

// Resolve returns the effective settings for a store.
func (r *SettingsResolver) Resolve(ctx context.Context, storeID StoreID) (Settings, error) {
	if r.cache != nil {
		if s, ok := r.cache.Get(storeID); ok {
			return s, nil
		}
	}

	s, err := r.resolve(ctx, storeID)
	if err != nil {
		return Settings{}, err
	}
	if r.cache != nil {
		r.cache.Add(storeID, s)
	}
	return s, nil
}

func (r *SettingsResolver) resolve(ctx context.Context, storeID StoreID) (Settings, error) {
	if storeID != GlobalStoreID {
		own, err := r.store.GetSettings(ctx, storeID)
		if err != nil {
			return Settings{}, persistence("get settings", err)
		}
		if own != nil {
			return *own, nil
		}
	}

	global, err := r.store.GetSettings(ctx, GlobalStoreID)
	if err != nil {
		return Settings{}, persistence("get global settings", err)
	}
	if global != nil {
		return *global, nil
	}

	defaults := DefaultSettings()
	defaults.UpdatedAt = r.now()
	err = r.store.CreateSettings(ctx, defaults)
	if err == nil {
		r.log.WithField("store_id", GlobalStoreID).Info("created default points settings")
		return defaults, nil
	}
	if !errors.Is(err, ErrSettingsConflict) {
		return Settings{}, persistence("create default settings", err)
	}

	// Lost the creation race; the winner's row is there now.
	r.log.Debug("default settings created concurrently, re-fetching")
	global, err = r.store.GetSettings(ctx, GlobalStoreID)
	if err != nil {
		return Settings{}, persistence("get global settings", err)
	}
	if global == nil {
		return Settings{}, &PersistenceError{Op: "get global settings", Err: ErrSettingsConflict}
	}
	return *global, nil
}

// Get returns the store's own row without fallback, or nil.
func (r *SettingsResolver) Get(ctx context.Context, storeID StoreID) (*Settings, error) {
	s, err := r.store.GetSettings(ctx, storeID)
	return s, persistence("get settings", err)
}

// Update validates and saves a settings row, then invalidates the cache.
func (r *SettingsResolver) Update(ctx context.Context, s Settings) (Settings, error) {
	if err := ValidateSettings(s); err != nil {
		return Settings{}, err
	}
	s.UpdatedAt = r.now()
	if err := r.store.SaveSettings(ctx, s); err != nil {
		return Settings{}, persistence("save settings", err)
	}
	r.Invalidate(s.StoreID)
	r.log.WithField("store_id", s.StoreID).Info("points settings updated")
	return s, nil
}

// Invalidate drops cached settings affected by a change to storeID.
func (r *SettingsResolver) Invalidate(storeID StoreID) {
	if r.cache == nil {
		return
	}
	if storeID == GlobalStoreID {
		r.cache.Purge()
		return
	}
	r.cache.Remove(storeID)
}

// ValidateSettings checks the ranges of a settings row.
func ValidateSettings(s Settings) error {
	if s.StoreID == "" {
		return invalid("store_id", "required")
	}
	if !inPercentRange(s.UserPointsPercentage) {
		return invalid("user_points_percentage", "must be between 0 and 100")
	}
	if !inPercentRange(s.CompanyProfitPercentage) {
		return invalid("company_profit_percentage", "must be between 0 and 100")
	}
	if s.DefaultThreshold.IsNegative() {
		return invalid("default_threshold", "must not be negative")
	}
	if !s.PointsValuePerPoint.IsPositive() {
		return invalid("points_value_per_point", "must be positive")
	}
	if s.PointsExpirationDays != nil && *s.PointsExpirationDays <= 0 {
		return invalid("points_expiration_days", "must be positive")
	}
	if s.MinPurchaseAmount.Valid && s.MinPurchaseAmount.Decimal.IsNegative() {
		return invalid("min_purchase_amount", "must not be negative")
	}
	if s.MaxPointsPerTransaction != nil && *s.MaxPointsPerTransaction <= 0 {
		return invalid("max_points_per_transaction", "must be positive")
	}
	return nil
}

func inPercentRange(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(hundred)
}
