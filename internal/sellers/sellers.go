// Package sellers maintains the registry of seller agents.
//
// A seller agent is a logical service identifier (e.g. "skyjet-airways")
// mapped to a payout wallet, a webhook URL for escrow notifications, and an
// optional verification endpoint the oracle calls before release.
package sellers

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSellerNotFound = errors.New("seller not found")
	ErrSellerExists   = errors.New("seller already registered")
)

// Seller is a registered seller agent.
type Seller struct {
	AgentName  string    `json:"agentName"`
	Wallet     string    `json:"wallet"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	VerifyURL  string    `json:"verifyUrl,omitempty"`
	APIKey     string    `json:"-"` // sent as a bearer token on webhook deliveries
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists seller registrations.
type Store interface {
	Create(ctx context.Context, s *Seller) error
	Get(ctx context.Context, agentName string) (*Seller, error)
	Update(ctx context.Context, s *Seller) error
	List(ctx context.Context, limit int) ([]*Seller, error)
}

// Resolver resolves agent names to registrations. The escrow core uses it
// best-effort at creation and strictly at release time.
type Resolver interface {
	Resolve(ctx context.Context, agentName string) (*Seller, error)
}

// StoreResolver adapts a Store to the Resolver interface.
type StoreResolver struct {
	Store Store
}

// NewStoreResolver creates a resolver backed by a seller store.
func NewStoreResolver(store Store) StoreResolver {
	return StoreResolver{Store: store}
}

// Resolve looks up an active seller by agent name.
func (r StoreResolver) Resolve(ctx context.Context, agentName string) (*Seller, error) {
	s, err := r.Store.Get(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrSellerNotFound
	}
	return s, nil
}
