package usecase

import (
	"sort"
	"sync"

	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/metrics"
)

// IndexEntry is the fast-path ladder state of one ACTIVE order.
type IndexEntry struct {
	TokenID      int64       `json:"tokenId"`
	Symbol       string      `json:"symbol"`
	OrderID      int64       `json:"orderId"`
	UserID       int64       `json:"userId"`
	Side         domain.Side `json:"side"`
	TargetID     int64       `json:"targetId"`
	TriggerPrice float64     `json:"triggerPrice"`
	StopOrderID  string      `json:"stopOrderId"`
}

// TargetIndex maps token -> order id -> ladder state. It holds no logic;
// the OrderService is its only writer.
type TargetIndex struct {
	mu      sync.RWMutex
	entries map[int64]map[int64]IndexEntry
	count   int
}

func NewTargetIndex() *TargetIndex {
	return &TargetIndex{entries: make(map[int64]map[int64]IndexEntry)}
}

// Put adds or replaces the entry for (e.TokenID, e.OrderID).
func (x *TargetIndex) Put(e IndexEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	orders, ok := x.entries[e.TokenID]
	if !ok {
		orders = make(map[int64]IndexEntry)
		x.entries[e.TokenID] = orders
	}
	if _, exists := orders[e.OrderID]; !exists {
		x.count++
	}
	orders[e.OrderID] = e
	metrics.IndexEntries.Set(float64(x.count))
}

func (x *TargetIndex) Get(tokenID, orderID int64) (IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[tokenID][orderID]
	return e, ok
}

// Update applies fn to an existing entry. It reports false when the entry is gone.
func (x *TargetIndex) Update(tokenID, orderID int64, fn func(*IndexEntry)) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[tokenID][orderID]
	if !ok {
		return false
	}
	fn(&e)
	x.entries[tokenID][orderID] = e
	return true
}

// Remove deletes the entry and reports how many entries remain for the token.
func (x *TargetIndex) Remove(tokenID, orderID int64) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	orders, ok := x.entries[tokenID]
	if !ok {
		return 0
	}
	if _, exists := orders[orderID]; exists {
		delete(orders, orderID)
		x.count--
		metrics.IndexEntries.Set(float64(x.count))
	}
	if len(orders) == 0 {
		delete(x.entries, tokenID)
		return 0
	}
	return len(orders)
}

// ForToken returns a snapshot of the token's entries ordered by order id.
func (x *TargetIndex) ForToken(tokenID int64) []IndexEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]IndexEntry, 0, len(x.entries[tokenID]))
	for _, e := range x.entries[tokenID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Tokens returns the ids of tokens with at least one entry.
func (x *TargetIndex) Tokens() []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]int64, 0, len(x.entries))
	for id := range x.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindByStop is the reverse lookup used by execution events.
func (x *TargetIndex) FindByStop(stopOrderID string) (IndexEntry, bool) {
	if stopOrderID == "" {
		return IndexEntry{}, false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, orders := range x.entries {
		for _, e := range orders {
			if e.StopOrderID == stopOrderID {
				return e, true
			}
		}
	}
	return IndexEntry{}, false
}

func (x *TargetIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

// All returns a snapshot of every entry ordered by token then order id.
func (x *TargetIndex) All() []IndexEntry {
	var out []IndexEntry
	for _, tokenID := range x.Tokens() {
		out = append(out, x.ForToken(tokenID)...)
	}
	return out
}
