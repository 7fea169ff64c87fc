package committee

import (
	"encoding/binary"

	"github.com/meshpay/meshpay/src/crypto"
)

/*
The wave leader is chosen by a public, input-only coin: a pure function of the
wave number and the committee. Any two nodes holding the same committee value
agree on the leader of every wave without exchanging messages, which keeps the
commit rule deterministic and replayable. The draw is weight-proportional: an
authority with twice the weight is the leader twice as often.
*/

// Leader returns the candidate leader authority for the given wave.
func (c *Committee) Leader(wave uint64) *Authority {
	if len(c.Authorities) == 0 {
		return nil
	}

	hash, err := c.Hash()
	if err != nil {
		return nil
	}

	seed := make([]byte, 8+len(hash))
	binary.BigEndian.PutUint64(seed[:8], wave)
	copy(seed[8:], hash)

	draw := binary.BigEndian.Uint64(crypto.SHA256(seed)[:8]) % c.TotalWeight()

	// walk the cumulative weight line; Authorities is in canonical ID order
	acc := uint64(0)
	for _, a := range c.Authorities {
		acc += a.Weight
		if draw < acc {
			return a
		}
	}

	return c.Authorities[len(c.Authorities)-1]
}
