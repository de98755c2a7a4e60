package stream

import "sync"

// connLimiter caps open streams per client address and in total.
type connLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	total    int
	perIP    int
	maxTotal int
}

// newConnLimiter clamps both caps to at least one stream.
func newConnLimiter(perIP, maxTotal int) *connLimiter {
	return &connLimiter{
		open:     make(map[string]int),
		perIP:    max(perIP, 1),
		maxTotal: max(maxTotal, 1),
	}
}

// acquire takes a slot for ip. It reports false, taking nothing, when
// either cap is full.
func (l *connLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal || l.open[ip] >= l.perIP {
		return false
	}
	l.open[ip]++
	l.total++
	return true
}

// release returns a slot taken by acquire.
func (l *connLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.open[ip]
	switch {
	case n == 0:
		return
	case n == 1:
		delete(l.open, ip)
	default:
		l.open[ip] = n - 1
	}
	l.total--
}

// count returns the streams open for ip.
func (l *connLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip]
}
