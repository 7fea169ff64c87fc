package committee

import (
	"crypto/ecdsa"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/meshpay/meshpay/src/crypto/keys"
)

func initCommittee(t *testing.T, weights []uint64) (*Committee, []*ecdsa.PrivateKey) {
	privKeys := []*ecdsa.PrivateKey{}
	authorities := []*Authority{}

	for i, w := range weights {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		authority := NewAuthority(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("addr%d", i),
			fmt.Sprintf("node%d", i),
			w)
		authorities = append(authorities, authority)
		privKeys = append(privKeys, key)
	}

	return NewCommittee(1, authorities), privKeys
}

func TestWeightThresholds(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1, 1})

	if tw := c.TotalWeight(); tw != 4 {
		t.Fatalf("TotalWeight should be 4, not %d", tw)
	}
	if qw := c.QuorumWeight(); qw != 3 {
		t.Fatalf("QuorumWeight should be 3, not %d", qw)
	}
	if sw := c.SupportWeight(); sw != 2 {
		t.Fatalf("SupportWeight should be 2, not %d", sw)
	}
	if mw := c.MajorityWeight(); mw != 3 {
		t.Fatalf("MajorityWeight should be 3, not %d", mw)
	}
}

func TestWeightedThresholds(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 2, 3, 4})

	if tw := c.TotalWeight(); tw != 10 {
		t.Fatalf("TotalWeight should be 10, not %d", tw)
	}
	if qw := c.QuorumWeight(); qw != 7 {
		t.Fatalf("QuorumWeight should be 7, not %d", qw)
	}
	if sw := c.SupportWeight(); sw != 4 {
		t.Fatalf("SupportWeight should be 4, not %d", sw)
	}
	if mw := c.MajorityWeight(); mw != 6 {
		t.Fatalf("MajorityWeight should be 6, not %d", mw)
	}
}

func TestConcurrentReads(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1, 1})
	cl := NewCluster(c, c.IDs()[:3])

	//committees are shared without locks; all derived values must be safe to
	//read from the first use on
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tw := c.TotalWeight(); tw != 4 {
				t.Errorf("TotalWeight should be 4, not %d", tw)
			}
			if qw := c.QuorumWeight(); qw != 3 {
				t.Errorf("QuorumWeight should be 3, not %d", qw)
			}
			if c.Hex() == "" {
				t.Errorf("Hex should not be empty")
			}
			if _, err := c.Hash(); err != nil {
				t.Errorf("err: %v", err)
			}
			if c.Leader(1) == nil {
				t.Errorf("Leader should not be nil")
			}
			if w := cl.Weight(); w != 3 {
				t.Errorf("cluster weight should be 3, not %d", w)
			}
		}()
	}
	wg.Wait()
}

func TestCanonicalOrder(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1, 1})

	//Rebuild the committee from a reversed slice; the hash must not change.
	reversed := []*Authority{}
	for i := len(c.Authorities) - 1; i >= 0; i-- {
		reversed = append(reversed, c.Authorities[i])
	}

	c2 := NewCommittee(c.Epoch, reversed)

	if c.Hex() != c2.Hex() {
		t.Fatalf("committee hash should not depend on input order")
	}

	for i := 0; i < len(c2.Authorities)-1; i++ {
		if c2.Authorities[i].ID() >= c2.Authorities[i+1].ID() {
			t.Fatalf("authorities should be sorted by ID")
		}
	}
}

func TestWithEpoch(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1, 1})

	c2 := c.WithEpoch(2)

	if c2.Epoch != 2 {
		t.Fatalf("epoch should be 2, not %d", c2.Epoch)
	}
	if c2.Len() != c.Len() {
		t.Fatalf("rotation should preserve membership")
	}
	if c.Hex() == c2.Hex() {
		t.Fatalf("committee hash should fold in the epoch")
	}
}

func TestWeightOfIDs(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 2, 3, 4})

	ids := map[uint32]bool{
		c.Authorities[0].ID(): true,
		c.Authorities[2].ID(): true,
	}

	expected := c.Authorities[0].Weight + c.Authorities[2].Weight
	if w := c.WeightOfIDs(ids); w != expected {
		t.Fatalf("WeightOfIDs should be %d, not %d", expected, w)
	}

	//unknown IDs carry no weight
	ids[12345] = true
	if w := c.WeightOfIDs(ids); w != expected {
		t.Fatalf("unknown ID should not add weight")
	}
}

func TestLeader(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1, 1})

	for wave := uint64(1); wave <= 10; wave++ {
		leader := c.Leader(wave)
		if leader == nil {
			t.Fatalf("leader of wave %d should not be nil", wave)
		}
		if _, ok := c.ByID[leader.ID()]; !ok {
			t.Fatalf("leader of wave %d should be a committee member", wave)
		}

		//the coin is a pure function of (wave, committee)
		c2 := NewCommittee(c.Epoch, c.Authorities)
		if again := c2.Leader(wave); again.ID() != leader.ID() {
			t.Fatalf("leader of wave %d should be deterministic", wave)
		}
	}
}

func TestExcludeAuthority(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1})

	target := c.Authorities[1]

	index, others := ExcludeAuthority(c.Authorities, target.ID())

	if index != 1 {
		t.Fatalf("index should be 1, not %d", index)
	}
	if len(others) != 2 {
		t.Fatalf("others should contain 2 authorities, not %d", len(others))
	}
	for _, a := range others {
		if a.ID() == target.ID() {
			t.Fatalf("excluded authority should not appear in result")
		}
	}

	index, others = ExcludeAuthority(c.Authorities, 12345)
	if index != -1 {
		t.Fatalf("index of unknown authority should be -1, not %d", index)
	}
	if len(others) != 3 {
		t.Fatalf("nothing should be excluded for an unknown ID")
	}
}

func TestCluster(t *testing.T) {
	c, _ := initCommittee(t, []uint64{1, 1, 1, 1})

	memberIDs := []uint32{
		c.Authorities[0].ID(),
		c.Authorities[1].ID(),
		c.Authorities[2].ID(),
	}

	cl := NewCluster(c, memberIDs)

	if w := cl.Weight(); w != 3 {
		t.Fatalf("cluster weight should be 3, not %d", w)
	}
	if qw := cl.QuorumWeight(); qw != 3 {
		t.Fatalf("cluster quorum should be 3, not %d", qw)
	}
	if !cl.Contains(memberIDs[0]) {
		t.Fatalf("cluster should contain its members")
	}
	if cl.Contains(c.Authorities[3].ID()) {
		t.Fatalf("cluster should not contain outside authorities")
	}

	ids := cl.MemberIDs()
	for i := 0; i < len(ids)-1; i++ {
		if ids[i] >= ids[i+1] {
			t.Fatalf("MemberIDs should be sorted")
		}
	}

	//both sides of a partition derive the same cluster ID
	cl2 := NewCluster(c, []uint32{memberIDs[2], memberIDs[0], memberIDs[1]})
	if cl.ID != cl2.ID {
		t.Fatalf("cluster ID should not depend on member order: %s != %s", cl.ID, cl2.ID)
	}
}

func TestJSONCommittee(t *testing.T) {
	// Create a test dir
	dir, err := ioutil.TempDir("", "meshpay")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	// Create the store
	store := NewJSONCommittee(dir)

	// Try a read, should get nothing
	c, err := store.Committee(1)
	if err == nil {
		t.Fatalf("store.Committee() should generate an error")
	}
	if c != nil {
		t.Fatalf("committee: %v", c)
	}

	newCommittee, _ := initCommittee(t, []uint64{1, 1, 1})

	if err := store.Write(newCommittee); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should find 3 authorities
	c, err = store.Committee(1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("committee should have 3 authorities, not %d", c.Len())
	}

	for i := 0; i < 3; i++ {
		if c.Authorities[i].PubKeyHex != newCommittee.Authorities[i].PubKeyHex {
			t.Fatalf("authorities[%d] PubKeyHex should be %s, not %s", i,
				newCommittee.Authorities[i].PubKeyHex, c.Authorities[i].PubKeyHex)
		}
		if c.Authorities[i].NetAddr != newCommittee.Authorities[i].NetAddr {
			t.Fatalf("authorities[%d] NetAddr should be %s, not %s", i,
				newCommittee.Authorities[i].NetAddr, c.Authorities[i].NetAddr)
		}
		if c.Authorities[i].Weight != newCommittee.Authorities[i].Weight {
			t.Fatalf("authorities[%d] Weight should be %d, not %d", i,
				newCommittee.Authorities[i].Weight, c.Authorities[i].Weight)
		}
	}

	if c.Hex() != newCommittee.Hex() {
		t.Fatalf("committee hash should survive the file roundtrip")
	}
}
