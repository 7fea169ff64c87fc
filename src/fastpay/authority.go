package fastpay

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/sirupsen/logrus"
)

const (
	replayGuardCapacity = 100000
	replayGuardFPRate   = 0.001
)

// Authority is one committee member's side of the payment protocol: the
// lock→verify→vote half against transfer orders, and the execute half against
// transfer certificates. Verification never coordinates with peers; every
// check reads only local ledger state. Orders on different accounts are
// processed fully in parallel; the per-account lock around the nonce
// compare-and-set is the protocol's only serialization point.
type Authority struct {
	id     uint32
	key    *ecdsa.PrivateKey
	ledger Ledger
	guard  *ReplayGuard
	logger *logrus.Entry

	//immutable committee value, swapped wholesale at epoch boundaries
	committeeMtx sync.RWMutex
	committee    *committee.Committee
	cluster      *committee.Cluster //nil when the network is whole

	accountLocks sync.Map //account ID => *sync.Mutex

	deferredMtx sync.Mutex
	deferred    map[string]*TransferCertificate //order digest => deferred certificate
}

// NewAuthority creates an Authority.
func NewAuthority(id uint32, key *ecdsa.PrivateKey, c *committee.Committee, ledger Ledger, logger *logrus.Entry) *Authority {
	return &Authority{
		id:        id,
		key:       key,
		ledger:    ledger,
		guard:     NewReplayGuard(replayGuardCapacity, replayGuardFPRate),
		committee: c,
		deferred:  make(map[string]*TransferCertificate),
		logger:    logger.WithField("component", "authority"),
	}
}

// ID returns the authority's committee ID.
func (a *Authority) ID() uint32 {
	return a.id
}

// Committee returns the current committee value.
func (a *Authority) Committee() *committee.Committee {
	a.committeeMtx.RLock()
	defer a.committeeMtx.RUnlock()
	return a.committee
}

// SetCommittee swaps the committee value at an epoch boundary.
func (a *Authority) SetCommittee(c *committee.Committee) {
	a.committeeMtx.Lock()
	defer a.committeeMtx.Unlock()
	a.committee = c
}

// SetCluster installs a partition view. Cross-cluster certificate execution
// is deferred while a cluster view is set; passing nil restores whole-network
// operation.
func (a *Authority) SetCluster(cl *committee.Cluster) {
	a.committeeMtx.Lock()
	defer a.committeeMtx.Unlock()
	a.cluster = cl
}

func (a *Authority) currentCluster() *committee.Cluster {
	a.committeeMtx.RLock()
	defer a.committeeMtx.RUnlock()
	return a.cluster
}

func (a *Authority) lockAccount(id string) *sync.Mutex {
	l, _ := a.accountLocks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// HandleTransfer runs the verify→vote step against a transfer order. It
// returns exactly one of a vote or a signed rejection. Retrying an identical
// order returns the cached vote: an authority never emits two distinct votes
// for one (account, nonce).
func (a *Authority) HandleTransfer(order *TransferOrder) (*Vote, *Rejection) {
	orderHex := order.Hex()
	c := a.Committee()

	//fast path for retransmissions: a guard hit plus a matching pending
	//vote skips signature verification entirely
	if a.guard.Seen(orderHex) {
		if pv, err := a.ledger.PendingVote(order.Body.Sender); err == nil && pv.OrderHex == orderHex {
			a.logger.WithField("order", orderHex).Debug("Returning cached vote (replay)")
			return pv.Vote, nil
		}
	}

	if _, ok := c.ByID[a.id]; !ok {
		return nil, NewRejection(orderHex, CodeWrongShard, a.id, a.key)
	}

	if order.Body.Epoch != c.Epoch {
		return nil, NewRejection(orderHex, CodeBadEpoch, a.id, a.key)
	}

	if order.Expired(time.Now()) {
		return nil, NewRejection(orderHex, CodeExpired, a.id, a.key)
	}

	if valid, err := order.Verify(); err != nil || !valid {
		return nil, NewRejection(orderHex, CodeBadSignature, a.id, a.key)
	}

	//serialize against other orders and certificates on the same account
	lock := a.lockAccount(order.Body.Sender)
	lock.Lock()
	defer lock.Unlock()

	account, err := a.ledger.GetAccount(order.Body.Sender)
	if err != nil {
		return nil, NewRejection(orderHex, CodeUnknownAccount, a.id, a.key)
	}

	if order.Body.Nonce < account.NextNonce {
		return nil, NewRejection(orderHex, CodeStaleNonce, a.id, a.key)
	}
	if order.Body.Nonce > account.NextNonce {
		return nil, NewRejection(orderHex, CodeFutureNonce, a.id, a.key)
	}

	if account.Balance < int64(order.Body.Amount) {
		return nil, NewRejection(orderHex, CodeInsufficientBalance, a.id, a.key)
	}

	//the nonce slot may already be reserved
	if pv, err := a.ledger.PendingVote(order.Body.Sender); err == nil && pv.Nonce == order.Body.Nonce {
		if pv.OrderHex == orderHex {
			return pv.Vote, nil
		}
		if time.Now().Unix() <= pv.Expiry {
			return nil, NewRejection(orderHex, CodeNonceReserved, a.id, a.key)
		}
		//the reservation lapsed with its order's TTL; the slot is free again
	}

	vote, err := NewVote(order, a.id, a.key)
	if err != nil {
		return nil, NewRejection(orderHex, CodeBadSignature, a.id, a.key)
	}

	//reserve the nonce slot before the vote leaves this authority
	pv := &PendingVote{
		OrderHex: orderHex,
		Nonce:    order.Body.Nonce,
		Expiry:   order.Body.Timestamp + order.Body.TTL,
		Vote:     vote,
	}
	if err := a.ledger.SetPendingVote(order.Body.Sender, pv); err != nil {
		a.logger.WithError(err).Error("Persisting pending vote")
		return nil, NewRejection(orderHex, CodeUnknownAccount, a.id, a.key)
	}

	a.guard.Add(orderHex)

	a.logger.WithFields(logrus.Fields{
		"order":  orderHex,
		"sender": order.Body.Sender,
		"nonce":  order.Body.Nonce,
	}).Debug("Vote issued")

	return vote, nil
}

// HandleCertificate applies a transfer certificate: debit the sender, credit
// the recipient, release the nonce slot. Re-applying an executed certificate
// is a no-op, so retransmitted certificates are always safe. While a
// partition view is installed, certificates whose recipient lives outside the
// cluster are deferred, not rejected.
func (a *Authority) HandleCertificate(cert *TransferCertificate) (*Receipt, *Rejection) {
	orderHex := cert.Hex()
	c := a.Committee()
	order := cert.Order

	//guard hit plus executed mark short-circuits certificate verification
	if a.guard.Seen(orderHex) && a.ledger.IsExecuted(order.Body.Sender, order.Body.Nonce) {
		return &Receipt{OrderHex: orderHex, AuthorityID: a.id, Applied: true}, nil
	}

	if valid, err := cert.Verify(c); err != nil || !valid {
		return nil, NewRejection(orderHex, CodeBadSignature, a.id, a.key)
	}

	lock := a.lockAccount(order.Body.Sender)
	lock.Lock()
	defer lock.Unlock()

	if a.ledger.IsExecuted(order.Body.Sender, order.Body.Nonce) {
		return &Receipt{OrderHex: orderHex, AuthorityID: a.id, Applied: true}, nil
	}

	sender, err := a.ledger.GetAccount(order.Body.Sender)
	if err != nil {
		return nil, NewRejection(orderHex, CodeUnknownAccount, a.id, a.key)
	}

	if order.Body.Nonce < sender.NextNonce {
		//nonce consumed but no executed mark: certificate from before a
		//handoff; treat as applied
		return &Receipt{OrderHex: orderHex, AuthorityID: a.id, Applied: true}, nil
	}
	if order.Body.Nonce > sender.NextNonce {
		return nil, NewRejection(orderHex, CodeFutureNonce, a.id, a.key)
	}

	//partition check: executing a cross-cluster credit is paused until a
	//global certificate exists
	if cl := a.currentCluster(); cl != nil {
		recipientOwner := a.recipientOwner(order.Body.Recipient)
		if recipientOwner != 0 && !cl.Contains(recipientOwner) {
			a.deferCertificate(cert)
			return &Receipt{OrderHex: orderHex, AuthorityID: a.id, Deferred: true},
				NewRejection(orderHex, CodeDeferred, a.id, a.key)
		}
	}

	if err := a.execute(cert, sender); err != nil {
		a.logger.WithError(err).Error("Executing certificate")
		return nil, NewRejection(orderHex, CodeUnknownAccount, a.id, a.key)
	}

	a.guard.Add(orderHex)

	return &Receipt{OrderHex: orderHex, AuthorityID: a.id, Applied: true}, nil
}

// execute applies the balance movement. The caller holds the sender's
// account lock and has established nonce equality. A quorum certificate is
// final, so the debit goes through even when this replica's view of the
// balance does not cover it yet; the balance dips negative and recovers when
// the missed credits arrive.
func (a *Authority) execute(cert *TransferCertificate, sender *Account) error {
	order := cert.Order

	sender.Balance -= int64(order.Body.Amount)
	sender.NextNonce = order.Body.Nonce + 1
	if err := a.ledger.PutAccount(sender); err != nil {
		return err
	}

	recipient, err := a.ledger.GetAccount(order.Body.Recipient)
	if err != nil {
		//first credit creates the recipient account in this shard
		recipient = &Account{ID: order.Body.Recipient, Owner: a.id}
	}
	recipient.Balance += int64(order.Body.Amount)
	if err := a.ledger.PutAccount(recipient); err != nil {
		return err
	}

	if err := a.ledger.MarkExecuted(cert); err != nil {
		return err
	}
	if err := a.ledger.ClearPendingVote(order.Body.Sender); err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"order":     cert.Hex(),
		"sender":    order.Body.Sender,
		"recipient": order.Body.Recipient,
		"amount":    order.Body.Amount,
		"nonce":     order.Body.Nonce,
	}).Debug("Certificate executed")

	return nil
}

func (a *Authority) recipientOwner(recipient string) uint32 {
	account, err := a.ledger.GetAccount(recipient)
	if err != nil {
		return 0
	}
	return account.Owner
}

func (a *Authority) deferCertificate(cert *TransferCertificate) {
	a.deferredMtx.Lock()
	defer a.deferredMtx.Unlock()

	if _, ok := a.deferred[cert.Hex()]; !ok {
		a.deferred[cert.Hex()] = cert
		a.logger.WithField("order", cert.Hex()).Debug("Certificate deferred, partition pending")
	}
}

// DeferredCount returns the number of certificates queued behind the
// partition.
func (a *Authority) DeferredCount() int {
	a.deferredMtx.Lock()
	defer a.deferredMtx.Unlock()
	return len(a.deferred)
}

// DrainDeferred re-applies all deferred certificates. The node calls it after
// a global certificate forms; the cluster view must have been cleared or
// widened first.
func (a *Authority) DrainDeferred() int {
	a.deferredMtx.Lock()
	queued := make([]*TransferCertificate, 0, len(a.deferred))
	for _, cert := range a.deferred {
		queued = append(queued, cert)
	}
	a.deferred = make(map[string]*TransferCertificate)
	a.deferredMtx.Unlock()

	applied := 0
	for _, cert := range queued {
		if receipt, _ := a.HandleCertificate(cert); receipt != nil && receipt.Applied {
			applied++
		}
	}

	return applied
}

// ApplyHandoff transfers shard ownership of an account. The proof must carry
// a quorum of the committee's weight.
func (a *Authority) ApplyHandoff(proof *HandoffProof) error {
	c := a.Committee()

	if valid, err := proof.Verify(c); err != nil || !valid {
		return &Rejection{OrderHex: proof.Hex(), Code: CodeBadSignature, AuthorityID: a.id}
	}

	lock := a.lockAccount(proof.AccountID)
	lock.Lock()
	defer lock.Unlock()

	account, err := a.ledger.GetAccount(proof.AccountID)
	if err != nil {
		return err
	}

	account.Owner = proof.To
	return a.ledger.PutAccount(account)
}

// Ledger exposes the underlying ledger for read-only service queries.
func (a *Authority) Ledger() Ledger {
	return a.ledger
}
