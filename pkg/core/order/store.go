package order

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CustomerInfo identifies who placed an order.
type CustomerInfo struct {
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email,omitempty"`
	SessionID     string `json:"session_id"`
}

// Details carries finalize-time extras.
type Details struct {
	Notes      string     `json:"notes,omitempty"`
	PickupTime *time.Time `json:"pickup_time,omitempty"`
	PaymentRef string     `json:"payment_ref,omitempty"`
}

// Store persists finalized orders.
type Store interface {
	CreateOrder(ctx context.Context, items []LineItem, customer CustomerInfo, details Details) (string, error)
}

// Record is a persisted order as seen by MemoryStore readers.
type Record struct {
	ID        string
	Items     []LineItem
	Customer  CustomerInfo
	Details   Details
	CreatedAt time.Time
}

// MemoryStore keeps orders in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	orders  map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entropy: ulid.Monotonic(rand.Reader, 0),
		orders:  make(map[string]Record),
		now:     time.Now,
	}
}

// CreateOrder implements Store.
func (s *MemoryStore) CreateOrder(ctx context.Context, items []LineItem, customer CustomerInfo, details Details) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", errors.New("order has no items")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", err
	}
	cp := WorkingOrder{Items: items}.Clone().Items
	s.orders[id.String()] = Record{ID: id.String(), Items: cp, Customer: customer, Details: details, CreatedAt: now}
	return id.String(), nil
}

// Get returns a stored order.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.orders[id]
	return r, ok
}

// Len reports how many orders were stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
