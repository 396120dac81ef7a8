package proxy

import "sync"

// Tracker remembers owned proxies handed across the boundary during one call
// scope so that any the receiver never released can be reclaimed at scope end.
type Tracker struct {
	proxies []*Proxy
	mu      sync.Mutex
}

// Track records p if it is owned and returns it.
func (t *Tracker) Track(p *Proxy) *Proxy {
	if p.ownership != Owned {
		return p
	}
	t.mu.Lock()
	t.proxies = append(t.proxies, p)
	t.mu.Unlock()
	return p
}

// Outstanding returns the number of tracked proxies not yet released.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.proxies {
		if !p.Released() {
			n++
		}
	}
	return n
}

// ReleaseOutstanding releases every tracked proxy the receiver leaked and
// returns how many there were. The tracker is empty afterwards.
func (t *Tracker) ReleaseOutstanding() int {
	t.mu.Lock()
	proxies := t.proxies
	t.proxies = nil
	t.mu.Unlock()

	leaked := 0
	for _, p := range proxies {
		if p.Release() == nil {
			leaked++
		}
	}
	return leaked
}
