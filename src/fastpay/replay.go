package fastpay

import (
	"sync"

	"github.com/AndreasBriese/bbloom"
)

// ReplayGuard is a probabilistic first-pass filter over recently-seen order
// and certificate digests. A hit means "probably a retransmission": the
// caller can take the cheap cached-answer path before doing any signature
// work. The account nonce remains the authoritative replay check, so a false
// positive only costs one extra table lookup and can never cause an incorrect
// acceptance.
type ReplayGuard struct {
	mtx sync.Mutex

	capacity uint64
	fpRate   float64
	count    uint64
	filter   bbloom.Bloom
}

// NewReplayGuard creates a guard sized for the given number of entries at the
// given false-positive rate.
func NewReplayGuard(capacity uint64, fpRate float64) *ReplayGuard {
	return &ReplayGuard{
		capacity: capacity,
		fpRate:   fpRate,
		filter:   bbloom.New(float64(capacity), fpRate),
	}
}

// Add records a digest. When the filter reaches capacity it is rotated
// wholesale; forgetting old entries is harmless because the nonce check
// stands behind it.
func (g *ReplayGuard) Add(digest string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.count >= g.capacity {
		g.filter = bbloom.New(float64(g.capacity), g.fpRate)
		g.count = 0
	}

	g.filter.Add([]byte(digest))
	g.count++
}

// Seen reports whether the digest was probably added recently.
func (g *ReplayGuard) Seen(digest string) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	return g.filter.Has([]byte(digest))
}
