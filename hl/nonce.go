package hl

import (
	"sync"
	"time"
)

// NonceSource hands out wall-clock-millisecond nonces. The venue rejects
// reused nonces, so Next never returns the same value twice even when drawn
// within the same millisecond.
type NonceSource struct {
	mu   sync.Mutex
	last uint64
}

func (n *NonceSource) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := uint64(time.Now().UnixMilli())
	if now <= n.last {
		now = n.last + 1
	}
	n.last = now
	return now
}
