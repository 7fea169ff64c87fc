package fastpay

import (
	"testing"
	"time"

	"github.com/meshpay/meshpay/src/committee"
	cm "github.com/meshpay/meshpay/src/common"
)

func initAuthority(t *testing.T) (*Authority, *testNetwork) {
	tn := initTestNetwork(t, 4)
	self := tn.committee.Authorities[0]
	a := NewAuthority(self.ID(), tn.keys[self.ID()], tn.committee, NewInmemLedger(), cm.NewTestEntry(t, "test"))
	return a, tn
}

func TestHandleTransferVote(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	order := tn.newOrder(t, tn.recipientID, 10, 0)

	vote, rejection := a.HandleTransfer(order)
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}

	valid, err := vote.Verify(order, tn.committee)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !valid {
		t.Fatalf("issued vote should verify")
	}

	//the nonce slot is reserved before the vote leaves
	pv, err := a.Ledger().PendingVote(tn.senderID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if pv.OrderHex != order.Hex() || pv.Nonce != 0 {
		t.Fatalf("pending vote mismatch: %v", pv)
	}

	//retrying the identical order returns the cached vote, not a new one
	again, rejection := a.HandleTransfer(order)
	if rejection != nil {
		t.Fatalf("retry should not be rejected: %v", rejection)
	}
	if again.Signature != vote.Signature {
		t.Fatalf("retry should return the cached vote")
	}
}

func TestTransferBadEpoch(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	order := NewTransferOrder(tn.senderID, tn.recipientID, 10, 0, 99)
	if err := order.Sign(tn.senderKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	_, rejection := a.HandleTransfer(order)
	if rejection == nil || rejection.Code != CodeBadEpoch {
		t.Fatalf("expected BadEpoch, got %v", rejection)
	}
}

func TestTransferExpired(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	order := NewTransferOrder(tn.senderID, tn.recipientID, 10, 0, tn.committee.Epoch)
	order.Body.Timestamp = time.Now().Add(-2 * DefaultOrderTTL).Unix()
	if err := order.Sign(tn.senderKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	_, rejection := a.HandleTransfer(order)
	if rejection == nil || rejection.Code != CodeExpired {
		t.Fatalf("expected Expired, got %v", rejection)
	}
}

func TestTransferBadSignature(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	order := NewTransferOrder(tn.senderID, tn.recipientID, 10, 0, tn.committee.Epoch)
	if err := order.Sign(tn.keys[a.ID()]); err != nil {
		t.Fatalf("err: %v", err)
	}

	_, rejection := a.HandleTransfer(order)
	if rejection == nil || rejection.Code != CodeBadSignature {
		t.Fatalf("expected BadSignature, got %v", rejection)
	}
}

func TestTransferUnknownAccount(t *testing.T) {
	a, tn := initAuthority(t)

	order := tn.newOrder(t, tn.recipientID, 10, 0)

	_, rejection := a.HandleTransfer(order)
	if rejection == nil || rejection.Code != CodeUnknownAccount {
		t.Fatalf("expected UnknownAccount, got %v", rejection)
	}
}

func TestTransferNonceChecks(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 5, a.ID())

	_, rejection := a.HandleTransfer(tn.newOrder(t, tn.recipientID, 10, 3))
	if rejection == nil || rejection.Code != CodeStaleNonce {
		t.Fatalf("expected StaleNonce, got %v", rejection)
	}

	_, rejection = a.HandleTransfer(tn.newOrder(t, tn.recipientID, 10, 7))
	if rejection == nil || rejection.Code != CodeFutureNonce {
		t.Fatalf("expected FutureNonce, got %v", rejection)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 10, 0, a.ID())

	_, rejection := a.HandleTransfer(tn.newOrder(t, tn.recipientID, 50, 0))
	if rejection == nil || rejection.Code != CodeInsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %v", rejection)
	}
}

func TestTransferNonceReserved(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	if _, rejection := a.HandleTransfer(tn.newOrder(t, tn.recipientID, 10, 0)); rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}

	//a different order for the reserved nonce is refused until the TTL lapses
	other := tn.newOrder(t, tn.recipientID, 99, 0)
	_, rejection := a.HandleTransfer(other)
	if rejection == nil || rejection.Code != CodeNonceReserved {
		t.Fatalf("expected NonceReserved, got %v", rejection)
	}
	if rejection.Code.Retryable() {
		t.Fatalf("NonceReserved should not be retryable")
	}
}

func TestTransferReservationExpiry(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	//a reservation from an already-expired order does not block the slot
	stale := NewTransferOrder(tn.senderID, tn.recipientID, 10, 0, tn.committee.Epoch)
	if err := stale.Sign(tn.senderKey); err != nil {
		t.Fatalf("err: %v", err)
	}
	vote, _ := NewVote(stale, a.ID(), tn.keys[a.ID()])
	err := a.Ledger().SetPendingVote(tn.senderID, &PendingVote{
		OrderHex: stale.Hex(),
		Nonce:    0,
		Expiry:   time.Now().Add(-time.Minute).Unix(),
		Vote:     vote,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	fresh := tn.newOrder(t, tn.recipientID, 20, 0)
	freshVote, rejection := a.HandleTransfer(fresh)
	if rejection != nil {
		t.Fatalf("expired reservation should free the slot: %v", rejection)
	}
	if freshVote.OrderHex != fresh.Hex() {
		t.Fatalf("vote should endorse the fresh order")
	}
}

func TestHandleCertificate(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	order := tn.newOrder(t, tn.recipientID, 30, 0)

	//vote first, so execution also releases the pending slot
	if _, rejection := a.HandleTransfer(order); rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}

	cert := tn.certify(t, order)

	receipt, rejection := a.HandleCertificate(cert)
	if rejection != nil {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
	if !receipt.Applied || receipt.Deferred {
		t.Fatalf("certificate should be applied: %v", receipt)
	}

	sender, err := a.Ledger().GetAccount(tn.senderID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if sender.Balance != 70 || sender.NextNonce != 1 {
		t.Fatalf("sender should hold 70 at nonce 1, got %d at %d", sender.Balance, sender.NextNonce)
	}

	//the first credit creates the recipient account in this shard
	recipient, err := a.Ledger().GetAccount(tn.recipientID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if recipient.Balance != 30 {
		t.Fatalf("recipient should hold 30, not %d", recipient.Balance)
	}

	if _, err := a.Ledger().PendingVote(tn.senderID); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("pending vote should be released, got %v", err)
	}
	if !a.Ledger().IsExecuted(tn.senderID, 0) {
		t.Fatalf("certificate should be marked executed")
	}

	//re-applying is a no-op
	receipt, rejection = a.HandleCertificate(cert)
	if rejection != nil || !receipt.Applied {
		t.Fatalf("replayed certificate should report applied")
	}
	sender, _ = a.Ledger().GetAccount(tn.senderID)
	if sender.Balance != 70 {
		t.Fatalf("replay should not move balances again, got %d", sender.Balance)
	}
}

func TestCertificateLaggingLedger(t *testing.T) {
	a, tn := initAuthority(t)

	//this replica's view of the sender is behind: the quorum that certified
	//the order saw credits this authority has not executed yet
	fund(t, a.Ledger(), tn.senderID, 10, 0, a.ID())

	cert := tn.certify(t, tn.newOrder(t, tn.recipientID, 30, 0))

	receipt, rejection := a.HandleCertificate(cert)
	if rejection != nil {
		t.Fatalf("certificate is final, lagging balance must not block it: %v", rejection)
	}
	if !receipt.Applied {
		t.Fatalf("certificate should be applied: %v", receipt)
	}

	sender, err := a.Ledger().GetAccount(tn.senderID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if sender.Balance != -20 {
		t.Fatalf("sender should dip to -20 until the missed credits arrive, got %d", sender.Balance)
	}
	if sender.NextNonce != 1 {
		t.Fatalf("nonce should advance to 1, not %d", sender.NextNonce)
	}

	recipient, err := a.Ledger().GetAccount(tn.recipientID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if recipient.Balance != 30 {
		t.Fatalf("recipient should hold 30, not %d", recipient.Balance)
	}

	//the missed credit arrives and the view recovers
	sender.Balance += 50
	if err := a.Ledger().PutAccount(sender); err != nil {
		t.Fatalf("err: %v", err)
	}
	sender, _ = a.Ledger().GetAccount(tn.senderID)
	if sender.Balance != 30 {
		t.Fatalf("balance should recover to 30, not %d", sender.Balance)
	}
}

func TestCertificateSubQuorum(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	order := tn.newOrder(t, tn.recipientID, 30, 0)

	//two votes carry weight 2, below the quorum of 3
	id0 := tn.committee.Authorities[0].ID()
	id1 := tn.committee.Authorities[1].ID()
	vote0, _ := NewVote(order, id0, tn.keys[id0])
	vote1, _ := NewVote(order, id1, tn.keys[id1])
	thin := NewTransferCertificate(order, []*Vote{vote0, vote1})

	_, rejection := a.HandleCertificate(thin)
	if rejection == nil || rejection.Code != CodeBadSignature {
		t.Fatalf("sub-quorum certificate should be rejected, got %v", rejection)
	}
}

func TestDeferredCertificate(t *testing.T) {
	a, tn := initAuthority(t)

	id0 := tn.committee.Authorities[0].ID()
	id1 := tn.committee.Authorities[1].ID()
	outside := tn.committee.Authorities[2].ID()

	fund(t, a.Ledger(), tn.senderID, 100, 0, id0)
	fund(t, a.Ledger(), tn.recipientID, 0, 0, outside)

	a.SetCluster(committee.NewCluster(tn.committee, []uint32{id0, id1}))

	cert := tn.certify(t, tn.newOrder(t, tn.recipientID, 30, 0))

	receipt, rejection := a.HandleCertificate(cert)
	if rejection == nil || rejection.Code != CodeDeferred {
		t.Fatalf("expected Deferred, got %v", rejection)
	}
	if !rejection.Code.Retryable() {
		t.Fatalf("Deferred should be retryable")
	}
	if receipt == nil || !receipt.Deferred || receipt.Applied {
		t.Fatalf("receipt should report deferral: %v", receipt)
	}
	if a.DeferredCount() != 1 {
		t.Fatalf("DeferredCount should be 1, not %d", a.DeferredCount())
	}

	sender, _ := a.Ledger().GetAccount(tn.senderID)
	if sender.Balance != 100 {
		t.Fatalf("deferred certificate should not move balances")
	}

	//the partition heals: the queue drains
	a.SetCluster(nil)

	if applied := a.DrainDeferred(); applied != 1 {
		t.Fatalf("should apply 1 deferred certificate, not %d", applied)
	}
	if a.DeferredCount() != 0 {
		t.Fatalf("queue should be empty after the drain")
	}

	sender, _ = a.Ledger().GetAccount(tn.senderID)
	recipient, _ := a.Ledger().GetAccount(tn.recipientID)
	if sender.Balance != 70 || recipient.Balance != 30 {
		t.Fatalf("drained certificate should move balances: %d / %d", sender.Balance, recipient.Balance)
	}
}

func TestIntraClusterCertificate(t *testing.T) {
	a, tn := initAuthority(t)

	id0 := tn.committee.Authorities[0].ID()
	id1 := tn.committee.Authorities[1].ID()

	fund(t, a.Ledger(), tn.senderID, 100, 0, id0)
	fund(t, a.Ledger(), tn.recipientID, 0, 0, id1)

	a.SetCluster(committee.NewCluster(tn.committee, []uint32{id0, id1}))

	//both shards are inside the cluster: execution proceeds during the split
	cert := tn.certify(t, tn.newOrder(t, tn.recipientID, 30, 0))

	receipt, rejection := a.HandleCertificate(cert)
	if rejection != nil {
		t.Fatalf("intra-cluster certificate should execute: %v", rejection)
	}
	if !receipt.Applied {
		t.Fatalf("receipt should report applied")
	}
}

func TestApplyHandoff(t *testing.T) {
	a, tn := initAuthority(t)
	fund(t, a.Ledger(), tn.senderID, 100, 0, a.ID())

	newOwner := tn.committee.Authorities[1].ID()
	proof := NewHandoffProof(tn.senderID, a.ID(), newOwner, tn.committee.Epoch)

	//a single signature is below the quorum
	if err := proof.AddSignature(a.ID(), tn.keys[a.ID()]); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := a.ApplyHandoff(proof); err == nil {
		t.Fatalf("under-signed handoff should be rejected")
	}

	for _, authority := range tn.committee.Authorities[1:3] {
		if err := proof.AddSignature(authority.ID(), tn.keys[authority.ID()]); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	if err := a.ApplyHandoff(proof); err != nil {
		t.Fatalf("err: %v", err)
	}

	account, err := a.Ledger().GetAccount(tn.senderID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if account.Owner != newOwner {
		t.Fatalf("owner should be %d, not %d", newOwner, account.Owner)
	}
}
