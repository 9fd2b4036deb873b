/*
Package crm looks up stores and their local customers.

Stores and customers are owned by the surrounding CRM, not by the points
engine. Client talks to it over HTTP; Static serves a fixed in-process
catalogue for development and demo scenarios.

ENDPOINTS (CRM side):
  GET {base}/stores/{storeID}                         -> {"name": ...}
  GET {base}/stores/{storeID}/customers/{customerID}  -> {"name", "phone", "email"}

A 404 becomes a points.NotFoundError. Other failures are returned as-is
after resty's retries.
*/
package crm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/loyalty-engine/points"
)

// Config for the HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string
	Retries int
}

// Client implements points.CustomerDirectory and points.StoreRegistry
// against the CRM's HTTP API.
type Client struct {
	http *resty.Client
}

var (
	_ points.CustomerDirectory = (*Client)(nil)
	_ points.StoreRegistry     = (*Client)(nil)
)

type customerResponse struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type storeResponse struct {
	Name string `json:"name"`
}

// NewClient builds a client. Zero Timeout defaults to 5s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: c}
}

// GetCustomerByID fetches a store-local customer.
func (c *Client) GetCustomerByID(ctx context.Context, storeID points.StoreID, localCustomerID string) (points.LocalCustomer, error) {
	var out customerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"store": string(storeID), "customer": localCustomerID}).
		SetResult(&out).
		Get("/stores/{store}/customers/{customer}")
	if err := check(resp, err, "customer", localCustomerID); err != nil {
		return points.LocalCustomer{}, err
	}
	return points.LocalCustomer{Name: out.Name, Phone: out.Phone, Email: out.Email}, nil
}

// GetStoreByID fetches a store.
func (c *Client) GetStoreByID(ctx context.Context, storeID points.StoreID) (points.StoreInfo, error) {
	var out storeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("store", string(storeID)).
		SetResult(&out).
		Get("/stores/{store}")
	if err := check(resp, err, "store", string(storeID)); err != nil {
		return points.StoreInfo{}, err
	}
	return points.StoreInfo{Name: out.Name}, nil
}

func check(resp *resty.Response, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("crm %s %s: %w", kind, id, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return &points.NotFoundError{Kind: kind, ID: id}
	case resp.IsError():
		return fmt.Errorf("crm %s %s: unexpected status %d", kind, id, resp.StatusCode())
	}
	return nil
}

// =============================================================================
// STATIC CATALOGUE
// =============================================================================

// Static is an in-process catalogue of stores and customers.
type Static struct {
	mu        sync.RWMutex
	stores    map[points.StoreID]string
	customers map[points.StoreID]map[string]points.LocalCustomer
}

var (
	_ points.CustomerDirectory = (*Static)(nil)
	_ points.StoreRegistry     = (*Static)(nil)
)

func NewStatic() *Static {
	return &Static{
		stores:    make(map[points.StoreID]string),
		customers: make(map[points.StoreID]map[string]points.LocalCustomer),
	}
}

// AddStore registers or renames a store.
func (s *Static) AddStore(id points.StoreID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[id] = name
}

// AddCustomer registers a customer under a store.
func (s *Static) AddCustomer(storeID points.StoreID, localID string, c points.LocalCustomer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customers[storeID] == nil {
		s.customers[storeID] = make(map[string]points.LocalCustomer)
	}
	s.customers[storeID][localID] = c
}

// Reset forgets everything.
func (s *Static) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores = make(map[points.StoreID]string)
	s.customers = make(map[points.StoreID]map[string]points.LocalCustomer)
}

func (s *Static) GetCustomerByID(_ context.Context, storeID points.StoreID, localCustomerID string) (points.LocalCustomer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[storeID][localCustomerID]
	if !ok {
		return points.LocalCustomer{}, &points.NotFoundError{Kind: "customer", ID: localCustomerID}
	}
	return c, nil
}

func (s *Static) GetStoreByID(_ context.Context, storeID points.StoreID) (points.StoreInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.stores[storeID]
	if !ok {
		return points.StoreInfo{}, &points.NotFoundError{Kind: "store", ID: string(storeID)}
	}
	return points.StoreInfo{Name: name}, nil
}
