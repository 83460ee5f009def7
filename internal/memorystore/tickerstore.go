package memorystore

import (
	"sync"

	"marketstream/internal/market"
)

// TickerStore is a latest-value cache of 24h tickers and last traded prices,
// one entry per symbol. Kline streams feed prices into it too, so LastPrice
// works even when no ticker channel is subscribed.
type TickerStore struct {
	mu      sync.RWMutex
	tickers map[string]market.Ticker
	prices  map[string]float64
}

func NewTickerStore() *TickerStore {
	return &TickerStore{
		tickers: make(map[string]market.Ticker),
		prices:  make(map[string]float64),
	}
}

func (s *TickerStore) Set(t market.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[t.Symbol] = t
	if t.Price > 0 {
		s.prices[t.Symbol] = t.Price
	}
}

// SetPrice records the last traded price for a symbol without touching the
// 24h snapshot.
func (s *TickerStore) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *TickerStore) Get(symbol string) (market.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

// LastPrice returns the most recent price seen for symbol from any transport.
func (s *TickerStore) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	return p, ok
}
