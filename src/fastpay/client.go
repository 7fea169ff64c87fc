package fastpay

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries   = 5
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 8 * time.Second
)

// Sender delivers protocol messages to one authority and waits for its answer.
// The transport layer implements it; tests substitute direct calls.
type Sender interface {
	// SendTransfer submits a transfer order to the authority at the given
	// network address. Exactly one of vote or rejection is non-nil on a nil
	// error.
	SendTransfer(netAddr string, order *TransferOrder) (*Vote, *Rejection, error)

	// SendCertificate submits a transfer certificate.
	SendCertificate(netAddr string, cert *TransferCertificate) (*Receipt, *Rejection, error)
}

// Client drives the two-phase payment protocol from the sender's side: sign
// an order, collect votes until the committee's quorum weight is reached,
// assemble the certificate, then broadcast it. A client talks to authorities
// one at a time and needs no view of the mesh topology.
type Client struct {
	key       *ecdsa.PrivateKey
	accountID string
	sender    Sender
	logger    *logrus.Entry

	committeeMtx sync.RWMutex
	committee    *committee.Committee

	nonceMtx  sync.Mutex
	nextNonce uint64

	retryMtx sync.Mutex
	retries  []*BufferedTransfer
}

// BufferedTransfer is a transfer waiting for enough authorities to become
// reachable. Retries present the identical signed order so authorities answer
// from their pending-vote cache; the order is re-signed only once its TTL
// lapses, which also releases the stale nonce reservations.
type BufferedTransfer struct {
	Recipient string
	Amount    uint64
	Nonce     uint64
	Attempts  int
	NextTry   time.Time

	order *TransferOrder
}

// NewClient creates a Client. The account ID is derived from the client's
// public key; the starting nonce must match the account's ledger state.
func NewClient(key *ecdsa.PrivateKey, c *committee.Committee, nextNonce uint64, sender Sender, logger *logrus.Entry) *Client {
	return &Client{
		key:       key,
		accountID: keys.PublicKeyHex(&key.PublicKey),
		sender:    sender,
		committee: c,
		nextNonce: nextNonce,
		logger:    logger.WithField("component", "client"),
	}
}

// AccountID returns the client's account ID.
func (cl *Client) AccountID() string {
	return cl.accountID
}

// Committee returns the committee the client is submitting against.
func (cl *Client) Committee() *committee.Committee {
	cl.committeeMtx.RLock()
	defer cl.committeeMtx.RUnlock()
	return cl.committee
}

// SetCommittee swaps the committee at an epoch boundary.
func (cl *Client) SetCommittee(c *committee.Committee) {
	cl.committeeMtx.Lock()
	defer cl.committeeMtx.Unlock()
	cl.committee = c
}

// NextNonce returns the nonce the next transfer will use.
func (cl *Client) NextNonce() uint64 {
	cl.nonceMtx.Lock()
	defer cl.nonceMtx.Unlock()
	return cl.nextNonce
}

// Transfer runs the full protocol for one payment: sign, collect a quorum of
// votes, certify, broadcast. On success it returns the certificate and bumps
// the local nonce. When the quorum becomes unreachable the attempt aborts
// without consuming the nonce, surfacing the first non-retryable rejection.
func (cl *Client) Transfer(recipient string, amount uint64) (*TransferCertificate, error) {
	cl.nonceMtx.Lock()
	nonce := cl.nextNonce
	cl.nonceMtx.Unlock()

	cert, err := cl.transferWithNonce(recipient, amount, nonce)
	if err != nil {
		return nil, err
	}

	cl.nonceMtx.Lock()
	if cl.nextNonce == nonce {
		cl.nextNonce = nonce + 1
	}
	cl.nonceMtx.Unlock()

	return cert, nil
}

func (cl *Client) transferWithNonce(recipient string, amount, nonce uint64) (*TransferCertificate, error) {
	c := cl.Committee()

	order := NewTransferOrder(cl.accountID, recipient, amount, nonce, c.Epoch)
	if err := order.Sign(cl.key); err != nil {
		return nil, err
	}

	return cl.submitOrder(order, c)
}

func (cl *Client) submitOrder(order *TransferOrder, c *committee.Committee) (*TransferCertificate, error) {
	votes, err := cl.collectVotes(order, c)
	if err != nil {
		return nil, err
	}

	cert := NewTransferCertificate(order, votes)
	if valid, err := cert.Verify(c); err != nil || !valid {
		return nil, fmt.Errorf("collected votes do not form a quorum: %v", err)
	}

	cl.broadcastCertificate(cert, c)

	cl.logger.WithFields(logrus.Fields{
		"order":     cert.Hex(),
		"recipient": order.Body.Recipient,
		"amount":    order.Body.Amount,
		"nonce":     order.Body.Nonce,
	}).Debug("Transfer certified")

	return cert, nil
}

// collectVotes contacts authorities one by one until the valid votes carry the
// committee's quorum weight. Unreachable authorities are skipped, and a signed
// rejection from one authority never blocks the collection on its own: up to f
// Byzantine weight can reject anything. Collection gives up only when the
// quorum is out of reach, reporting the first non-retryable rejection if one
// was received.
func (cl *Client) collectVotes(order *TransferOrder, c *committee.Committee) ([]*Vote, error) {
	votes := []*Vote{}
	signers := make(map[uint32]bool)
	remaining := c.TotalWeight()

	var firstRejection *Rejection

	for _, authority := range c.Authorities {
		remaining -= authority.Weight

		vote, rejection, err := cl.sender.SendTransfer(authority.NetAddr, order)
		if err != nil {
			cl.logger.WithFields(logrus.Fields{
				"authority": authority.Moniker,
				"error":     err,
			}).Debug("Authority unreachable")
		} else if rejection != nil {
			if !rejection.Code.Retryable() && firstRejection == nil {
				firstRejection = rejection
			}
			cl.logger.WithFields(logrus.Fields{
				"authority": authority.Moniker,
				"code":      rejection.Code,
			}).Debug("Vote rejected")
		} else if valid, err := vote.Verify(order, c); err != nil || !valid {
			cl.logger.WithField("authority", authority.Moniker).Warning("Invalid vote")
		} else if !signers[vote.AuthorityID] {
			signers[vote.AuthorityID] = true
			votes = append(votes, vote)
		}

		if c.WeightOfIDs(signers) >= c.QuorumWeight() {
			return votes, nil
		}
		if c.WeightOfIDs(signers)+remaining < c.QuorumWeight() {
			break
		}
	}

	if firstRejection != nil {
		return nil, firstRejection
	}
	return nil, fmt.Errorf("quorum not reached: %d of %d weight", c.WeightOfIDs(signers), c.QuorumWeight())
}

// broadcastCertificate submits the certificate to every reachable authority.
// Finality does not depend on how many accept; the certificate can be
// resubmitted by anyone at any time.
func (cl *Client) broadcastCertificate(cert *TransferCertificate, c *committee.Committee) {
	for _, authority := range c.Authorities {
		if _, _, err := cl.sender.SendCertificate(authority.NetAddr, cert); err != nil {
			cl.logger.WithFields(logrus.Fields{
				"authority": authority.Moniker,
				"error":     err,
			}).Debug("Certificate delivery failed")
		}
	}
}

// SubmitCertificate re-broadcasts an existing certificate, for recovery after
// a partial delivery.
func (cl *Client) SubmitCertificate(cert *TransferCertificate) {
	cl.broadcastCertificate(cert, cl.Committee())
}

// EnqueueTransfer buffers a transfer for background retry instead of failing
// it outright. Each buffered transfer claims its nonce immediately, so later
// direct transfers do not collide with it.
func (cl *Client) EnqueueTransfer(recipient string, amount uint64) *BufferedTransfer {
	cl.nonceMtx.Lock()
	nonce := cl.nextNonce
	cl.nextNonce = nonce + 1
	cl.nonceMtx.Unlock()

	bt := &BufferedTransfer{
		Recipient: recipient,
		Amount:    amount,
		Nonce:     nonce,
		NextTry:   time.Now(),
	}

	cl.retryMtx.Lock()
	cl.retries = append(cl.retries, bt)
	cl.retryMtx.Unlock()

	return bt
}

// PendingTransfers returns the number of buffered transfers awaiting a quorum.
func (cl *Client) PendingTransfers() int {
	cl.retryMtx.Lock()
	defer cl.retryMtx.Unlock()
	return len(cl.retries)
}

// ProcessRetries attempts every due buffered transfer once. Buffered transfers
// are processed in nonce order because each one's success is a precondition
// for the next one's nonce check. It returns the certificates obtained in
// this pass.
func (cl *Client) ProcessRetries() []*TransferCertificate {
	cl.retryMtx.Lock()
	due := cl.retries
	cl.retries = nil
	cl.retryMtx.Unlock()

	c := cl.Committee()
	now := time.Now()
	certified := []*TransferCertificate{}
	remaining := []*BufferedTransfer{}

	blocked := false
	for _, bt := range due {
		if blocked || now.Before(bt.NextTry) {
			remaining = append(remaining, bt)
			continue
		}

		if bt.order == nil || bt.order.Expired(now) {
			order := NewTransferOrder(cl.accountID, bt.Recipient, bt.Amount, bt.Nonce, c.Epoch)
			if err := order.Sign(cl.key); err != nil {
				remaining = append(remaining, bt)
				continue
			}
			bt.order = order
		}

		cert, err := cl.submitOrder(bt.order, c)
		if err != nil {
			bt.Attempts++
			if bt.Attempts >= defaultMaxRetries {
				cl.logger.WithFields(logrus.Fields{
					"nonce": bt.Nonce,
					"error": err,
				}).Error("Buffered transfer abandoned")
				blocked = true //later nonces cannot proceed past a hole
				remaining = append(remaining, bt)
				continue
			}

			bt.NextTry = now.Add(retryBackoff(bt.Attempts))
			blocked = true
			remaining = append(remaining, bt)
			continue
		}

		certified = append(certified, cert)
	}

	cl.retryMtx.Lock()
	cl.retries = append(remaining, cl.retries...)
	cl.retryMtx.Unlock()

	return certified
}

func retryBackoff(attempts int) time.Duration {
	backoff := defaultRetryBackoff << uint(attempts-1)
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	return backoff
}
