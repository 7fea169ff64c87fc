package fastpay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	cm "github.com/meshpay/meshpay/src/common"
)

// loopbackSender dispatches protocol messages to in-process authorities,
// keyed by their committee net address.
type loopbackSender struct {
	mtx         sync.Mutex
	authorities map[string]*Authority
	down        map[string]bool
}

func newLoopbackSender() *loopbackSender {
	return &loopbackSender{
		authorities: make(map[string]*Authority),
		down:        make(map[string]bool),
	}
}

func (s *loopbackSender) authority(netAddr string) (*Authority, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.down[netAddr] {
		return nil, fmt.Errorf("%s unreachable", netAddr)
	}
	a, ok := s.authorities[netAddr]
	if !ok {
		return nil, fmt.Errorf("no authority at %s", netAddr)
	}
	return a, nil
}

func (s *loopbackSender) setDown(netAddr string, down bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.down[netAddr] = down
}

func (s *loopbackSender) SendTransfer(netAddr string, order *TransferOrder) (*Vote, *Rejection, error) {
	a, err := s.authority(netAddr)
	if err != nil {
		return nil, nil, err
	}
	vote, rejection := a.HandleTransfer(order)
	return vote, rejection, nil
}

func (s *loopbackSender) SendCertificate(netAddr string, cert *TransferCertificate) (*Receipt, *Rejection, error) {
	a, err := s.authority(netAddr)
	if err != nil {
		return nil, nil, err
	}
	receipt, rejection := a.HandleCertificate(cert)
	return receipt, rejection, nil
}

// initPaymentNetwork stands up one authority per committee member, each with
// its own ledger holding the funded sender account.
func initPaymentNetwork(t *testing.T, balance int64) (*Client, *loopbackSender, *testNetwork, []*Authority) {
	tn := initTestNetwork(t, 4)
	sender := newLoopbackSender()
	owner := tn.committee.Authorities[0].ID()

	authorities := []*Authority{}
	for _, member := range tn.committee.Authorities {
		a := NewAuthority(member.ID(), tn.keys[member.ID()], tn.committee, NewInmemLedger(), cm.NewTestEntry(t, member.Moniker))
		fund(t, a.Ledger(), tn.senderID, balance, 0, owner)
		sender.authorities[member.NetAddr] = a
		authorities = append(authorities, a)
	}

	client := NewClient(tn.senderKey, tn.committee, 0, sender, cm.NewTestEntry(t, "client"))

	return client, sender, tn, authorities
}

func TestClientTransfer(t *testing.T) {
	client, _, tn, authorities := initPaymentNetwork(t, 100)

	cert, err := client.Transfer(tn.recipientID, 25)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	valid, err := cert.Verify(tn.committee)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !valid {
		t.Fatalf("certificate should verify")
	}

	if client.NextNonce() != 1 {
		t.Fatalf("NextNonce should be 1, not %d", client.NextNonce())
	}

	//the broadcast reached every authority
	for _, a := range authorities {
		sender, err := a.Ledger().GetAccount(tn.senderID)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if sender.Balance != 75 {
			t.Fatalf("authority %d: sender should hold 75, not %d", a.ID(), sender.Balance)
		}
		if !a.Ledger().IsExecuted(tn.senderID, 0) {
			t.Fatalf("authority %d should have executed the certificate", a.ID())
		}
	}
}

func TestClientQuorumNotReached(t *testing.T) {
	client, sender, tn, _ := initPaymentNetwork(t, 100)

	//two of four unreachable: reachable weight 2 < quorum 3
	sender.setDown(tn.committee.Authorities[2].NetAddr, true)
	sender.setDown(tn.committee.Authorities[3].NetAddr, true)

	if _, err := client.Transfer(tn.recipientID, 25); err == nil {
		t.Fatalf("transfer should fail without a quorum")
	}

	//the nonce is not consumed by a failed attempt
	if client.NextNonce() != 0 {
		t.Fatalf("NextNonce should still be 0, not %d", client.NextNonce())
	}
}

func TestClientRejectionAborts(t *testing.T) {
	client, _, tn, _ := initPaymentNetwork(t, 10)

	_, err := client.Transfer(tn.recipientID, 50)
	if err == nil {
		t.Fatalf("over-balance transfer should fail")
	}

	rejection, ok := err.(*Rejection)
	if !ok || rejection.Code != CodeInsufficientBalance {
		t.Fatalf("expected InsufficientBalance rejection, got %v", err)
	}
	if client.NextNonce() != 0 {
		t.Fatalf("NextNonce should still be 0")
	}
}

func TestClientSingleRejection(t *testing.T) {
	tn := initTestNetwork(t, 4)
	sender := newLoopbackSender()
	owner := tn.committee.Authorities[0].ID()

	//one authority never heard of the sender account and rejects the order;
	//the other three hold the funded account and vote
	authorities := []*Authority{}
	for i, member := range tn.committee.Authorities {
		a := NewAuthority(member.ID(), tn.keys[member.ID()], tn.committee, NewInmemLedger(), cm.NewTestEntry(t, member.Moniker))
		if i != 0 {
			fund(t, a.Ledger(), tn.senderID, 100, 0, owner)
		}
		sender.authorities[member.NetAddr] = a
		authorities = append(authorities, a)
	}

	client := NewClient(tn.senderKey, tn.committee, 0, sender, cm.NewTestEntry(t, "client"))

	//a quorum of 3 is still reachable, so the rejection must not veto the
	//transfer
	cert, err := client.Transfer(tn.recipientID, 25)
	if err != nil {
		t.Fatalf("one rejecting authority should not block the transfer: %v", err)
	}

	valid, err := cert.Verify(tn.committee)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !valid {
		t.Fatalf("certificate should verify")
	}
	if client.NextNonce() != 1 {
		t.Fatalf("NextNonce should be 1, not %d", client.NextNonce())
	}

	for _, a := range authorities[1:] {
		account, err := a.Ledger().GetAccount(tn.senderID)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if account.Balance != 75 {
			t.Fatalf("authority %d: sender should hold 75, not %d", a.ID(), account.Balance)
		}
	}
}

func TestClientRetryQueue(t *testing.T) {
	client, sender, tn, authorities := initPaymentNetwork(t, 100)

	//the whole committee is out of range
	for _, member := range tn.committee.Authorities {
		sender.setDown(member.NetAddr, true)
	}

	//buffered transfers claim their nonces immediately
	client.EnqueueTransfer(tn.recipientID, 10)
	client.EnqueueTransfer(tn.recipientID, 20)
	if client.NextNonce() != 2 {
		t.Fatalf("NextNonce should be 2, not %d", client.NextNonce())
	}

	certs := client.ProcessRetries()
	if len(certs) != 0 {
		t.Fatalf("no transfer should certify while the mesh is down")
	}
	if client.PendingTransfers() != 2 {
		t.Fatalf("both transfers should remain buffered")
	}

	//the mesh comes back; wait out the first transfer's backoff
	for _, member := range tn.committee.Authorities {
		sender.setDown(member.NetAddr, false)
	}
	time.Sleep(defaultRetryBackoff + 100*time.Millisecond)

	certs = client.ProcessRetries()
	if len(certs) != 2 {
		t.Fatalf("both transfers should certify, got %d", len(certs))
	}
	if certs[0].Order.Body.Nonce != 0 || certs[1].Order.Body.Nonce != 1 {
		t.Fatalf("transfers should certify in nonce order")
	}
	if client.PendingTransfers() != 0 {
		t.Fatalf("queue should be empty")
	}

	account, err := authorities[0].Ledger().GetAccount(tn.senderID)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if account.Balance != 70 || account.NextNonce != 2 {
		t.Fatalf("sender should hold 70 at nonce 2, got %d at %d", account.Balance, account.NextNonce)
	}

	//the queue drained in order, so a direct transfer follows on cleanly
	if _, err := client.Transfer(tn.recipientID, 5); err != nil {
		t.Fatalf("err: %v", err)
	}
	if client.NextNonce() != 3 {
		t.Fatalf("NextNonce should be 3, not %d", client.NextNonce())
	}
}
