package broker

import (
	"fmt"
	"sync"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// Ledger indexes orders by internal id and by venue id.
// Listings are returned in insertion order.
type Ledger struct {
	mu      sync.RWMutex
	orders  map[string]schema.Order
	byVenue map[string]string
	order   []string
}

// NewLedger creates an empty order ledger.
func NewLedger() *Ledger {
	return &Ledger{
		orders:  make(map[string]schema.Order),
		byVenue: make(map[string]string),
	}
}

// Add registers a new order. Duplicate internal ids are rejected.
func (l *Ledger) Add(order schema.Order) error {
	if order.ID == "" {
		return fmt.Errorf("ledger: order id required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[order.ID]; exists {
		return fmt.Errorf("ledger: order %s already exists", order.ID)
	}
	l.orders[order.ID] = order.Clone()
	l.order = append(l.order, order.ID)
	if order.VenueOrderID != "" {
		l.byVenue[order.VenueOrderID] = order.ID
	}
	return nil
}

// Update replaces the stored copy of an order, adding it when unknown.
func (l *Ledger) Update(order schema.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[order.ID]; !exists {
		l.order = append(l.order, order.ID)
	}
	l.orders[order.ID] = order.Clone()
	if order.VenueOrderID != "" {
		l.byVenue[order.VenueOrderID] = order.ID
	}
}

// Get resolves an order by internal id or venue id.
func (l *Ledger) Get(id string) (schema.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if order, ok := l.orders[id]; ok {
		return order.Clone(), true
	}
	if internal, ok := l.byVenue[id]; ok {
		if order, ok := l.orders[internal]; ok {
			return order.Clone(), true
		}
	}
	return schema.Order{}, false
}

// OpenOrders lists every order that has not reached a terminal state.
func (l *Ledger) OpenOrders() []schema.Order {
	return l.filter(func(o schema.Order) bool { return !o.Status.IsTerminal() })
}

// PendingForSymbol lists open orders for symbol.
func (l *Ledger) PendingForSymbol(symbol string) []schema.Order {
	return l.filter(func(o schema.Order) bool {
		return o.Symbol == symbol && !o.Status.IsTerminal()
	})
}

// Filled lists fully filled orders.
func (l *Ledger) Filled() []schema.Order {
	return l.filter(func(o schema.Order) bool { return o.Status == schema.OrderStatusFilled })
}

// Remove drops an order from both indexes.
func (l *Ledger) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[id]
	if !ok {
		internal, found := l.byVenue[id]
		if !found {
			return false
		}
		order, ok = l.orders[internal]
		if !ok {
			return false
		}
	}
	delete(l.orders, order.ID)
	if order.VenueOrderID != "" {
		delete(l.byVenue, order.VenueOrderID)
	}
	for i, existing := range l.order {
		if existing == order.ID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of tracked orders.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

func (l *Ledger) filter(keep func(schema.Order) bool) []schema.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.Order, 0, len(l.order))
	for _, id := range l.order {
		order := l.orders[id]
		if keep(order) {
			out = append(out, order.Clone())
		}
	}
	return out
}
