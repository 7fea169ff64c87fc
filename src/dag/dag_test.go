package dag

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/crypto/keys"
)

type testCommittee struct {
	committee *committee.Committee
	keys      map[uint32]*ecdsa.PrivateKey
}

func initTestCommittee(t testing.TB, n int) *testCommittee {
	privKeys := map[uint32]*ecdsa.PrivateKey{}
	authorities := []*committee.Authority{}

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		authority := committee.NewAuthority(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("addr%d", i),
			fmt.Sprintf("node%d", i),
			1)
		authorities = append(authorities, authority)
		privKeys[authority.ID()] = key
	}

	return &testCommittee{
		committee: committee.NewCommittee(1, authorities),
		keys:      privKeys,
	}
}

func (tc *testCommittee) newBlock(t testing.TB, authorID uint32, round uint64, parents []string, payload [][]byte) *Block {
	block := NewBlock(round, authorID, tc.committee.Epoch, parents, payload)
	if err := block.Sign(tc.keys[authorID]); err != nil {
		t.Fatalf("err: %v", err)
	}
	return block
}

// buildRounds returns blocks for rounds 1 through last where every author
// references every previous-round block.
func (tc *testCommittee) buildRounds(t testing.TB, last uint64) map[uint64][]*Block {
	rounds := map[uint64][]*Block{}

	parents := []string{}
	for round := uint64(1); round <= last; round++ {
		blocks := []*Block{}
		for _, a := range tc.committee.Authorities {
			var p []string
			if round > 1 {
				p = parents
			}
			blocks = append(blocks, tc.newBlock(t, a.ID(), round, p, nil))
		}
		rounds[round] = blocks

		parents = []string{}
		for _, b := range blocks {
			parents = append(parents, b.Hex())
		}
	}

	return rounds
}

func storeRounds(t testing.TB, store Store, rounds map[uint64][]*Block, last uint64) {
	for round := uint64(1); round <= last; round++ {
		for _, block := range rounds[round] {
			if err := store.SetBlock(block); err != nil {
				t.Fatalf("err: %v", err)
			}
		}
	}
}

func TestBlockSignature(t *testing.T) {
	tc := initTestCommittee(t, 2)
	author := tc.committee.Authorities[0]

	block := tc.newBlock(t, author.ID(), 1, nil, [][]byte{[]byte("payload")})

	pubBytes, err := author.PubKeyBytes()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	ok, err := block.Verify(pubBytes)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok {
		t.Fatalf("signature should verify")
	}

	otherBytes, _ := tc.committee.Authorities[1].PubKeyBytes()
	ok, _ = block.Verify(otherBytes)
	if ok {
		t.Fatalf("signature should not verify under another key")
	}
}

func TestBlockMarshal(t *testing.T) {
	tc := initTestCommittee(t, 2)
	author := tc.committee.Authorities[0]

	block := tc.newBlock(t, author.ID(), 2, []string{"0xbb", "0xaa"}, [][]byte{[]byte("payload")})

	raw, err := block.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	decoded := new(Block)
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatalf("err: %v", err)
	}

	if decoded.Hex() != block.Hex() {
		t.Fatalf("digest should survive the roundtrip: %s != %s", decoded.Hex(), block.Hex())
	}
	if decoded.Signature != block.Signature {
		t.Fatalf("signature should survive the roundtrip")
	}

	//parents are canonically sorted at construction
	if block.Parents()[0] != "0xaa" {
		t.Fatalf("parents should be sorted, got %v", block.Parents())
	}
}
