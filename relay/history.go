package relay

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
)

// history keeps resolved bundles, bounded by size and by age.
type history struct {
	retention time.Duration
	cache     *lru.Cache[common.Hash, Bundle]
}

func newHistory(size int, retention time.Duration) *history {
	if size < 1 {
		size = 1
	}
	return &history{
		retention: retention,
		cache:     lru.NewCache[common.Hash, Bundle](size),
	}
}

func (h *history) add(b Bundle) {
	h.cache.Add(b.ID, b)
}

func (h *history) get(id common.Hash) (Bundle, bool) {
	return h.cache.Peek(id)
}

func (h *history) len() int {
	return h.cache.Len()
}

// prune drops bundles resolved before now - retention and returns how many were dropped.
func (h *history) prune(now time.Time) int {
	if h.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-h.retention)
	dropped := 0
	for _, id := range h.cache.Keys() {
		b, ok := h.cache.Peek(id)
		if ok && b.ResolvedAt.Before(cutoff) {
			h.cache.Remove(id)
			dropped++
		}
	}
	return dropped
}
