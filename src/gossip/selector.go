package gossip

import (
	"math/rand"

	"github.com/meshpay/meshpay/src/committee"
)

// Selector defines an interface for gossip partner selection.
type Selector interface {
	Committee() *committee.Committee
	UpdateLast(authority uint32)
	Next() *committee.Authority
}

// RandomSelector picks a random committee member, excluding self and the
// authority contacted on the previous round of gossip.
type RandomSelector struct {
	committee  *committee.Committee
	selfID     uint32
	selectable []*committee.Authority
	last       uint32
}

// NewRandomSelector creates a RandomSelector.
func NewRandomSelector(c *committee.Committee, selfID uint32) *RandomSelector {
	_, selectable := committee.ExcludeAuthority(c.Authorities, selfID)
	return &RandomSelector{
		committee:  c,
		selfID:     selfID,
		selectable: selectable,
	}
}

// Committee returns the committee the selector draws from.
func (s *RandomSelector) Committee() *committee.Committee {
	return s.committee
}

// UpdateLast records the last contacted authority.
func (s *RandomSelector) UpdateLast(authority uint32) {
	s.last = authority
}

// Next returns the next gossip partner.
func (s *RandomSelector) Next() *committee.Authority {
	selectable := s.selectable

	if len(selectable) == 0 {
		return nil
	}

	if len(selectable) > 1 {
		_, selectable = committee.ExcludeAuthority(selectable, s.last)
	}

	i := rand.Intn(len(selectable))

	return selectable[i]
}
