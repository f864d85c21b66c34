package httpserver

import (
	"sync"
	"time"
)

// windowStore is a fixed-window echo rate limiter store: each identifier
// gets limit requests per window, counted from its first request.
type windowStore struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	now       func() time.Time
	clients   map[string]*windowCount
	lastSweep time.Time
}

type windowCount struct {
	start time.Time
	n     int
}

func newWindowStore(limit int, window time.Duration) *windowStore {
	return &windowStore{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: map[string]*windowCount{},
	}
}

// Allow implements middleware.RateLimiterStore.
func (s *windowStore) Allow(identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= s.window {
		for id, c := range s.clients {
			if now.Sub(c.start) >= s.window {
				delete(s.clients, id)
			}
		}
		s.lastSweep = now
	}
	c, ok := s.clients[identifier]
	if !ok || now.Sub(c.start) >= s.window {
		s.clients[identifier] = &windowCount{start: now, n: 1}
		return true, nil
	}
	if c.n >= s.limit {
		return false, nil
	}
	c.n++
	return true, nil
}
