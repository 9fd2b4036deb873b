/*
directory.go - Global customer identity

IDENTITY:
  A global customer id is the normalized phone number, or the normalized
  email when no phone is known. Normalization is trim + lowercase. The same
  person seen at two stores therefore resolves to the same id without any
  cross-store lookup.

LINKING:
  GetOrCreate is the only place a store-scoped customer becomes a global one.
  Linking a store twice is a no-op: the store's (customer, store) uniqueness
  and the Stores map both guarantee one link per store.
*/
package points

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// NormalizeIdentifier trims and lowercases an identifier.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ResolveIdentifier picks the global id for a phone/email pair.
// Phone takes priority over email.
func ResolveIdentifier(phone, email string) (CustomerID, IdentifierType, error) {
	if p := NormalizeIdentifier(phone); p != "" {
		return CustomerID(p), IdentifierPhone, nil
	}
	if e := NormalizeIdentifier(email); e != "" {
		return CustomerID(e), IdentifierEmail, nil
	}
	return "", "", &MissingIdentifierError{}
}

// Directory maps store-local customers to global identities.
type Directory struct {
	store CustomerStore
	log   logrus.FieldLogger
	now   Clock
}

func NewDirectory(store CustomerStore, log logrus.FieldLogger) *Directory {
	return &Directory{store: store, log: log, now: systemClock}
}

// Get returns the global customer or a NotFoundError.
func (d *Directory) Get(ctx context.Context, id CustomerID) (GlobalCustomer, error) {
	c, err := d.store.GetGlobalCustomer(ctx, CustomerID(NormalizeIdentifier(string(id))))
	if err != nil {
		return GlobalCustomer{}, persistence("get global customer", err)
	}
	if c == nil {
		return GlobalCustomer{}, &NotFoundError{Kind: "global customer", ID: string(id)}
	}
	return *c, nil
}

// GetOrCreate resolves the identity of a local customer, creating it on first
// sight and linking the store if it is new to this identity.
func (d *Directory) GetOrCreate(ctx context.Context, storeID StoreID, localCustomerID string, local LocalCustomer) (GlobalCustomer, error) {
	id, idType, err := ResolveIdentifier(local.Phone, local.Email)
	if err != nil {
		return GlobalCustomer{}, &MissingIdentifierError{LocalCustomerID: localCustomerID}
	}

	now := d.now()
	link := StoreLink{
		StoreID:         storeID,
		LocalCustomerID: localCustomerID,
		CustomerName:    local.Name,
		RegisteredAt:    now,
	}

	existing, err := d.store.GetGlobalCustomer(ctx, id)
	if err != nil {
		return GlobalCustomer{}, persistence("get global customer", err)
	}
	if existing != nil {
		return d.link(ctx, *existing, link)
	}

	c := GlobalCustomer{
		ID:             id,
		IdentifierType: idType,
		Name:           local.Name,
		Phone:          NormalizeIdentifier(local.Phone),
		Email:          NormalizeIdentifier(local.Email),
		Stores:         map[StoreID]StoreLink{storeID: link},
		CreatedAt:      now,
	}
	err = d.store.CreateGlobalCustomer(ctx, c)
	if err == nil {
		d.log.WithFields(logrus.Fields{
			"global_customer_id": id,
			"store_id":           storeID,
		}).Info("global customer created")
		return c, nil
	}
	if !errors.Is(err, ErrCustomerExists) {
		return GlobalCustomer{}, persistence("create global customer", err)
	}

	// Created concurrently by another request.
	existing, err = d.store.GetGlobalCustomer(ctx, id)
	if err != nil {
		return GlobalCustomer{}, persistence("get global customer", err)
	}
	if existing == nil {
		return GlobalCustomer{}, &PersistenceError{Op: "get global customer", Err: ErrCustomerExists}
	}
	return d.link(ctx, *existing, link)
}

func (d *Directory) link(ctx context.Context, c GlobalCustomer, link StoreLink) (GlobalCustomer, error) {
	if c.HasStore(link.StoreID) {
		return c, nil
	}
	added, err := d.store.LinkStore(ctx, c.ID, link)
	if err != nil {
		return GlobalCustomer{}, persistence("link store", err)
	}
	if added {
		d.log.WithFields(logrus.Fields{
			"global_customer_id": c.ID,
			"store_id":           link.StoreID,
		}).Info("store linked to global customer")
	}
	if c.Stores == nil {
		c.Stores = make(map[StoreID]StoreLink)
	}
	if _, ok := c.Stores[link.StoreID]; !ok {
		c.Stores[link.StoreID] = link
	}
	return c, nil
}
