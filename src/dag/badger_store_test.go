package dag

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func initBadgerStore(t *testing.T) (*BadgerStore, string) {
	dir, err := ioutil.TempDir("", "badger")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	store, err := NewBadgerStore(100, filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("err: %v", err)
	}

	return store, dir
}

func TestBadgerBlocks(t *testing.T) {
	store, dir := initBadgerStore(t)
	defer os.RemoveAll(dir)
	defer store.Close()

	tc := initTestCommittee(t, 4)
	rounds := tc.buildRounds(t, 2)
	storeRounds(t, store, rounds, 2)

	block := rounds[2][0]

	got, err := store.GetBlock(block.Hex())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.Hex() != block.Hex() {
		t.Fatalf("retrieved wrong block")
	}

	digest, err := store.SlotDigest(block.AuthorID(), 2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if digest != block.Hex() {
		t.Fatalf("slot digest mismatch")
	}

	if store.LastRound() != 2 {
		t.Fatalf("LastRound should be 2, not %d", store.LastRound())
	}
}

func TestBadgerBootstrap(t *testing.T) {
	dir, err := ioutil.TempDir("", "badger")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "db")

	store, err := NewBadgerStore(100, path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	tc := initTestCommittee(t, 4)
	rounds := tc.buildRounds(t, 3)
	storeRounds(t, store, rounds, 3)

	//commit the round-1 blocks
	for i, block := range rounds[1] {
		if err := store.AddCommitted(i, block.Hex()); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	cert := NewClusterCertificate("A", 1, 4, "0xprefix", nil)
	if err := store.SetClusterCertificate(cert); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	//reopen and replay
	loaded, err := LoadBadgerStore(100, path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer loaded.Close()

	if !loaded.NeedBootstrap() {
		t.Fatalf("loaded store should need bootstrap")
	}

	for round := uint64(1); round <= 3; round++ {
		for _, block := range rounds[round] {
			if !loaded.HasBlock(block.Hex()) {
				t.Fatalf("block %s should survive the restart", block.Hex())
			}
		}
	}

	if loaded.LastRound() != 3 {
		t.Fatalf("LastRound should be 3, not %d", loaded.LastRound())
	}

	if loaded.LastCommittedSeq() != 3 {
		t.Fatalf("LastCommittedSeq should be 3, not %d", loaded.LastCommittedSeq())
	}
	for i, block := range rounds[1] {
		digest, err := loaded.Committed(i)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if digest != block.Hex() {
			t.Fatalf("committed sequence should survive the restart")
		}
	}

	certs, err := loaded.ClusterCertificates(1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(certs) != 1 || certs[0].Height != 4 {
		t.Fatalf("cluster certificate should survive the restart")
	}
}
