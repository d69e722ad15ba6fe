// Package broker defines the order-placement abstraction the execution engine
// talks to. Adapters normalize every brokerage's response shape at this
// boundary; broker-specific field names never leak past it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"auto-trade-bot-go/internal/models"
)

// ErrUnsupportedBroker is returned when no client is registered for a
// (market, broker) pair. This is a fatal wiring problem, not a policy reject.
var ErrUnsupportedBroker = errors.New("broker: unsupported broker for market")

// OrderType selects how the order is priced.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Order is a normalized order request.
type Order struct {
	Symbol        string
	Market        models.Market
	Side          models.Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price; reference price for market buys
	ClientOrderID string
}

// OrderResult is the normalized outcome of a submitted or queried order.
// CostsKnown marks whether Fee/Tax came from the broker; when false the cost
// reconciler fills them in later from trade history.
type OrderResult struct {
	OrderID       string
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
	Fee           decimal.Decimal
	Tax           decimal.Decimal
	CostsKnown    bool
	Raw           json.RawMessage
}

// Client is one brokerage integration. Every method carries a context with a
// bounded timeout; a timeout is treated exactly like a broker-reported failure.
type Client interface {
	// Name identifies the brokerage.
	Name() models.Broker

	// Markets lists the market segments this client can trade.
	Markets() []models.Market

	// PlaceOrder submits the order and returns the normalized result.
	PlaceOrder(ctx context.Context, o Order) (*OrderResult, error)

	// OrderDetail fetches the current state of a previously placed order,
	// including any fee/tax fields the placement response lacked.
	OrderDetail(ctx context.Context, market models.Market, symbol, orderID string) (*OrderResult, error)

	// Balances returns non-cash holdings as symbol -> quantity for a market.
	Balances(ctx context.Context, market models.Market) (map[string]decimal.Decimal, error)

	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error
}

type registryKey struct {
	market models.Market
	broker models.Broker
}

// Registry resolves a Client by (market, broker).
type Registry struct {
	mu      sync.RWMutex
	clients map[registryKey]Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[registryKey]Client)}
}

// Register adds a client under every market it serves.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range c.Markets() {
		r.clients[registryKey{market: m, broker: c.Name()}] = c
	}
}

// Resolve returns the client for (market, broker) or ErrUnsupportedBroker.
func (r *Registry) Resolve(market models.Market, broker models.Broker) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[registryKey{market: market, broker: broker}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedBroker, market, broker)
	}
	return c, nil
}

// All returns every registered client once.
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[models.Broker]bool)
	var out []Client
	for _, c := range r.clients {
		if !seen[c.Name()] {
			seen[c.Name()] = true
			out = append(out, c)
		}
	}
	return out
}
