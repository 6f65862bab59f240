// Package broker defines the execution venue contract and ships an in-process paper venue.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Broker is the execution venue contract consumed by the engine.
//
// SubmitOrder returns the venue's view of the order after submission. On
// failure the returned order still carries the terminal status the venue
// assigned, alongside an *errs.E describing the failure class.
type Broker interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	Account(ctx context.Context) (schema.Account, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
	Positions(ctx context.Context) (map[string]schema.Position, error)
	Position(ctx context.Context, symbol string) (schema.Position, bool, error)

	SubmitOrder(ctx context.Context, order schema.Order) (schema.Order, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
	ModifyOrder(ctx context.Context, id string, req ModifyRequest) (bool, error)
	OrderStatus(ctx context.Context, id string) (schema.Order, error)
	OpenOrders(ctx context.Context) ([]schema.Order, error)

	ReconcilePositions(ctx context.Context, symbols []string) (map[string]schema.Position, error)
	// UpdateMarketPrices refreshes the pricing cache used for fills. It performs no I/O.
	UpdateMarketPrices(prices map[string]decimal.Decimal)
	HealthCheck(ctx context.Context) error
}

// ModifyRequest carries replacement values for a working order. Zero fields are left unchanged.
type ModifyRequest struct {
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	StopPrice decimal.Decimal
}
