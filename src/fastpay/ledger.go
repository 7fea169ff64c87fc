package fastpay

import (
	"fmt"
	"sort"
	"sync"

	cm "github.com/meshpay/meshpay/src/common"
)

// Ledger is the per-account persistence layer of an authority. It holds
// account state, the pending vote reserved for each account's current nonce,
// and the executed certificates that are the authoritative record of past
// transfers.
type Ledger interface {
	// GetAccount retrieves an account by ID.
	GetAccount(id string) (*Account, error)

	// PutAccount stores an account, replacing any previous state.
	PutAccount(account *Account) error

	// Accounts returns all accounts, sorted by ID.
	Accounts() ([]*Account, error)

	// PendingVote returns the vote reserved for the account's current nonce,
	// or a KeyNotFound store error.
	PendingVote(id string) (*PendingVote, error)

	// SetPendingVote reserves the account's current nonce slot.
	SetPendingVote(id string, pv *PendingVote) error

	// ClearPendingVote releases the reservation after execution.
	ClearPendingVote(id string) error

	// MarkExecuted records a certificate as executed against its sender and
	// nonce.
	MarkExecuted(cert *TransferCertificate) error

	// IsExecuted reports whether a certificate was executed for
	// (sender, nonce).
	IsExecuted(sender string, nonce uint64) bool

	// Certificate retrieves the executed certificate for (sender, nonce).
	Certificate(sender string, nonce uint64) (*TransferCertificate, error)

	// CertificatesByAccount returns executed certificates in which the
	// account is sender or recipient, in nonce order.
	CertificatesByAccount(id string) ([]*TransferCertificate, error)

	// Close releases underlying resources.
	Close() error
}

// InmemLedger implements Ledger with in-memory maps. It backs tests and is
// embedded in BadgerLedger as the write-through cache.
type InmemLedger struct {
	mtx sync.RWMutex

	accounts map[string]*Account
	pending  map[string]*PendingVote
	executed map[string]*TransferCertificate //"sender_nonce" => certificate
}

// NewInmemLedger creates an empty InmemLedger.
func NewInmemLedger() *InmemLedger {
	return &InmemLedger{
		accounts: make(map[string]*Account),
		pending:  make(map[string]*PendingVote),
		executed: make(map[string]*TransferCertificate),
	}
}

// GetAccount implements the Ledger interface.
func (l *InmemLedger) GetAccount(id string) (*Account, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	account, ok := l.accounts[id]
	if !ok {
		return nil, cm.NewStoreErr("Account", cm.KeyNotFound, id)
	}
	return account.Copy(), nil
}

// PutAccount implements the Ledger interface.
func (l *InmemLedger) PutAccount(account *Account) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.accounts[account.ID] = account.Copy()
	return nil
}

// Accounts implements the Ledger interface.
func (l *InmemLedger) Accounts() ([]*Account, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	res := make([]*Account, 0, len(l.accounts))
	for _, account := range l.accounts {
		res = append(res, account.Copy())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// PendingVote implements the Ledger interface.
func (l *InmemLedger) PendingVote(id string) (*PendingVote, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	pv, ok := l.pending[id]
	if !ok {
		return nil, cm.NewStoreErr("PendingVote", cm.KeyNotFound, id)
	}
	return pv, nil
}

// SetPendingVote implements the Ledger interface.
func (l *InmemLedger) SetPendingVote(id string, pv *PendingVote) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.pending[id] = pv
	return nil
}

// ClearPendingVote implements the Ledger interface.
func (l *InmemLedger) ClearPendingVote(id string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	delete(l.pending, id)
	return nil
}

// MarkExecuted implements the Ledger interface.
func (l *InmemLedger) MarkExecuted(cert *TransferCertificate) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.executed[executedKey(cert.Order.Body.Sender, cert.Order.Body.Nonce)] = cert
	return nil
}

// IsExecuted implements the Ledger interface.
func (l *InmemLedger) IsExecuted(sender string, nonce uint64) bool {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	_, ok := l.executed[executedKey(sender, nonce)]
	return ok
}

// Certificate implements the Ledger interface.
func (l *InmemLedger) Certificate(sender string, nonce uint64) (*TransferCertificate, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	key := executedKey(sender, nonce)
	cert, ok := l.executed[key]
	if !ok {
		return nil, cm.NewStoreErr("Certificate", cm.KeyNotFound, key)
	}
	return cert, nil
}

// CertificatesByAccount implements the Ledger interface.
func (l *InmemLedger) CertificatesByAccount(id string) ([]*TransferCertificate, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	res := []*TransferCertificate{}
	for _, cert := range l.executed {
		if cert.Order.Body.Sender == id || cert.Order.Body.Recipient == id {
			res = append(res, cert)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Order.Body.Sender != res[j].Order.Body.Sender {
			return res[i].Order.Body.Sender < res[j].Order.Body.Sender
		}
		return res[i].Order.Body.Nonce < res[j].Order.Body.Nonce
	})
	return res, nil
}

// Close implements the Ledger interface.
func (l *InmemLedger) Close() error {
	return nil
}

func executedKey(sender string, nonce uint64) string {
	return fmt.Sprintf("%s_%012d", sender, nonce)
}
