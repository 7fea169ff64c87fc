package dag

import (
	"testing"

	cm "github.com/meshpay/meshpay/src/common"
)

func TestInmemBlocks(t *testing.T) {
	tc := initTestCommittee(t, 4)
	store := NewInmemStore(100)

	author := tc.committee.Authorities[0]
	block := tc.newBlock(t, author.ID(), 1, nil, nil)

	if store.HasBlock(block.Hex()) {
		t.Fatalf("empty store should not have the block")
	}
	if _, err := store.GetBlock(block.Hex()); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}

	if err := store.SetBlock(block); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !store.HasBlock(block.Hex()) {
		t.Fatalf("store should have the block")
	}

	got, err := store.GetBlock(block.Hex())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.Hex() != block.Hex() {
		t.Fatalf("retrieved wrong block")
	}

	//storing the same block twice is a no-op
	if err := store.SetBlock(block); err != nil {
		t.Fatalf("re-storing should be a no-op: %v", err)
	}

	//a different block for the same slot is a conflict
	other := tc.newBlock(t, author.ID(), 1, nil, [][]byte{[]byte("other")})
	err = store.SetBlock(other)
	if !cm.IsStore(err, cm.KeyAlreadyExists) {
		t.Fatalf("expected KeyAlreadyExists, got %v", err)
	}

	digest, err := store.SlotDigest(author.ID(), 1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if digest != block.Hex() {
		t.Fatalf("slot should hold the first block")
	}
}

func TestInmemRounds(t *testing.T) {
	tc := initTestCommittee(t, 4)
	store := NewInmemStore(100)

	rounds := tc.buildRounds(t, 3)
	storeRounds(t, store, rounds, 3)

	if store.LastRound() != 3 {
		t.Fatalf("LastRound should be 3, not %d", store.LastRound())
	}

	for round := uint64(1); round <= 3; round++ {
		digests, err := store.RoundDigests(round)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if len(digests) != 4 {
			t.Fatalf("round %d should have 4 digests, not %d", round, len(digests))
		}
	}

	digests, err := store.RoundDigests(99)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(digests) != 0 {
		t.Fatalf("unknown round should be empty")
	}
}

func TestInmemCommitted(t *testing.T) {
	store := NewInmemStore(100)

	if store.LastCommittedSeq() != -1 {
		t.Fatalf("LastCommittedSeq should start at -1")
	}

	if err := store.AddCommitted(0, "0xaa"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := store.AddCommitted(1, "0xbb"); err != nil {
		t.Fatalf("err: %v", err)
	}

	//the committed sequence is gapless
	if err := store.AddCommitted(5, "0xcc"); !cm.IsStore(err, cm.SkippedIndex) {
		t.Fatalf("expected SkippedIndex, got %v", err)
	}

	digest, err := store.Committed(1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if digest != "0xbb" {
		t.Fatalf("Committed(1) should be 0xbb, not %s", digest)
	}
	if store.LastCommittedSeq() != 1 {
		t.Fatalf("LastCommittedSeq should be 1")
	}
}

func TestInmemClusterCertificates(t *testing.T) {
	store := NewInmemStore(100)

	low := NewClusterCertificate("A", 1, 2, "0xlow", nil)
	high := NewClusterCertificate("A", 1, 5, "0xhigh", nil)
	other := NewClusterCertificate("B", 1, 1, "0xb", nil)

	if err := store.SetClusterCertificate(high); err != nil {
		t.Fatalf("err: %v", err)
	}
	//a lower certificate for the same cluster is ignored
	if err := store.SetClusterCertificate(low); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := store.SetClusterCertificate(other); err != nil {
		t.Fatalf("err: %v", err)
	}

	certs, err := store.ClusterCertificates(1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("should hold 2 certificates, not %d", len(certs))
	}
	for _, cert := range certs {
		if cert.ClusterID == "A" && cert.Height != 5 {
			t.Fatalf("should keep the highest certificate per cluster")
		}
	}

	certs, err = store.ClusterCertificates(2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(certs) != 0 {
		t.Fatalf("epoch 2 should have no certificates")
	}
}

func TestInmemGlobalCertificate(t *testing.T) {
	store := NewInmemStore(100)

	if _, err := store.GlobalCertificate(1); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}

	global := &GlobalCertificate{Epoch: 1, CoveredWeight: 3}
	if err := store.SetGlobalCertificate(global); err != nil {
		t.Fatalf("err: %v", err)
	}

	got, err := store.GlobalCertificate(1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.CoveredWeight != 3 {
		t.Fatalf("retrieved wrong certificate")
	}
}
