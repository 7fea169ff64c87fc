package gossip

import (
	"testing"
)

func TestRandomSelector(t *testing.T) {
	c, _ := initGossipCommittee(t, 4)
	selfID := c.Authorities[0].ID()

	selector := NewRandomSelector(c, selfID)

	for i := 0; i < 100; i++ {
		partner := selector.Next()
		if partner == nil {
			t.Fatalf("selector should always find a partner")
		}
		if partner.ID() == selfID {
			t.Fatalf("selector should never pick self")
		}
	}

	//the previous partner is excluded while others remain
	last := c.Authorities[1].ID()
	selector.UpdateLast(last)
	for i := 0; i < 100; i++ {
		if partner := selector.Next(); partner.ID() == last {
			t.Fatalf("selector should not repeat the last partner")
		}
	}
}

func TestRandomSelectorSingleton(t *testing.T) {
	c, _ := initGossipCommittee(t, 1)
	selfID := c.Authorities[0].ID()

	selector := NewRandomSelector(c, selfID)
	if partner := selector.Next(); partner != nil {
		t.Fatalf("a committee of one has nobody to gossip with")
	}
}
