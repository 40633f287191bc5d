package tracker

import "sync"

// List holds a page's tracked requests keyed by request id while keeping
// insertion order. A request re-using an id shadows the older entry. With a
// positive limit the oldest entries are evicted first.
type List struct {
	mu    sync.RWMutex
	limit int
	order []*Request
	byID  map[string]*Request
}

func NewList(limit int) *List {
	if limit < 0 {
		limit = 0
	}
	return &List{limit: limit, byID: make(map[string]*Request)}
}

func (l *List) Add(r *Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, r)
	if r.RequestID != "" {
		l.byID[r.RequestID] = r
	}
	if l.limit > 0 && len(l.order) > l.limit {
		n := len(l.order) - l.limit
		for _, old := range l.order[:n] {
			if l.byID[old.RequestID] == old {
				delete(l.byID, old.RequestID)
			}
		}
		l.order = append([]*Request(nil), l.order[n:]...)
	}
}

// ByID returns the most recent request with the given id.
func (l *List) ByID(id string) (*Request, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[id]
	return r, ok
}

// ByURL returns the most recent request for the given full URL.
func (l *List) ByURL(fullURL string) (*Request, bool) {
	return l.Find(func(r *Request) bool { return r.FullURL == fullURL })
}

// Find returns the most recent request matching fn.
func (l *List) Find(fn func(*Request) bool) (*Request, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		if fn(l.order[i]) {
			return l.order[i], true
		}
	}
	return nil, false
}

// Snapshot returns the live requests in insertion order. Shadowed entries
// are left out.
func (l *List) Snapshot() []*Request {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Request, 0, len(l.order))
	for _, r := range l.order {
		if r.RequestID == "" || l.byID[r.RequestID] == r {
			out = append(out, r)
		}
	}
	return out
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}
