package trade

import "sync"

// marketLocks hands out one mutex per market ID so concurrent trades on the
// same market serialize while different markets proceed independently.
// Entries are never removed; the map is bounded by the number of markets
// touched by this process.
type marketLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMarketLocks() *marketLocks {
	return &marketLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *marketLocks) get(marketID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	mu, ok := l.locks[marketID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[marketID] = mu
	}
	return mu
}
