package relay

import (
	"container/list"
	"sync"
)

// closedHistory remembers the most recently closed sessions so diagnostics
// can explain why an id no longer resolves. Oldest entries are evicted
// first; capacity 0 disables it.
type closedHistory struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	byID  map[string]*list.Element
}

func newClosedHistory(capacity int) *closedHistory {
	return &closedHistory{
		cap:   capacity,
		order: list.New(),
		byID:  make(map[string]*list.Element),
	}
}

func (h *closedHistory) add(rec ClosedSession) {
	if h.cap <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if el, ok := h.byID[rec.SessionID]; ok {
		el.Value = rec
		h.order.MoveToBack(el)
		return
	}
	h.byID[rec.SessionID] = h.order.PushBack(rec)
	for h.order.Len() > h.cap {
		oldest := h.order.Front()
		h.order.Remove(oldest)
		delete(h.byID, oldest.Value.(ClosedSession).SessionID)
	}
}

func (h *closedHistory) get(id string) (ClosedSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	el, ok := h.byID[id]
	if !ok {
		return ClosedSession{}, false
	}
	return el.Value.(ClosedSession), true
}

func (h *closedHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Len()
}
