package fastpay

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"
)

const (
	accountPrefix  = "account"
	pendingPrefix  = "pending"
	executedPrefix = "executed"
)

// BadgerLedger is a write-through persistent Ledger. The account ledger must
// survive process restart: the pending-vote table in particular is what keeps
// an authority from double-voting a nonce after a crash.
type BadgerLedger struct {
	inmem *InmemLedger
	db    *badger.DB
	path  string
}

// NewBadgerLedger creates a ledger with a fresh database.
func NewBadgerLedger(path string) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerLedger{
		inmem: NewInmemLedger(),
		db:    handle,
		path:  path,
	}, nil
}

// LoadBadgerLedger opens an existing database and replays accounts, pending
// votes, and executed certificates into memory.
func LoadBadgerLedger(path string) (*BadgerLedger, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	ledger, err := NewBadgerLedger(path)
	if err != nil {
		return nil, err
	}

	if err := ledger.bootstrap(); err != nil {
		ledger.Close()
		return nil, err
	}

	return ledger, nil
}

func (l *BadgerLedger) bootstrap() error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			err := item.Value(func(val []byte) error {
				switch {
				case hasPrefix(key, accountPrefix):
					account := new(Account)
					if err := account.Unmarshal(val); err != nil {
						return err
					}
					return l.inmem.PutAccount(account)
				case hasPrefix(key, pendingPrefix):
					pv := new(PendingVote)
					if err := pv.Unmarshal(val); err != nil {
						return err
					}
					return l.inmem.SetPendingVote(key[len(pendingPrefix)+1:], pv)
				case hasPrefix(key, executedPrefix):
					cert := new(TransferCertificate)
					if err := cert.Unmarshal(val); err != nil {
						return err
					}
					return l.inmem.MarkExecuted(cert)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// GetAccount implements the Ledger interface.
func (l *BadgerLedger) GetAccount(id string) (*Account, error) {
	return l.inmem.GetAccount(id)
}

// PutAccount implements the Ledger interface.
func (l *BadgerLedger) PutAccount(account *Account) error {
	if err := l.inmem.PutAccount(account); err != nil {
		return err
	}

	raw, err := account.Marshal()
	if err != nil {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(accountPrefix+"_"+account.ID), raw)
	})
}

// Accounts implements the Ledger interface.
func (l *BadgerLedger) Accounts() ([]*Account, error) {
	return l.inmem.Accounts()
}

// PendingVote implements the Ledger interface.
func (l *BadgerLedger) PendingVote(id string) (*PendingVote, error) {
	return l.inmem.PendingVote(id)
}

// SetPendingVote implements the Ledger interface.
func (l *BadgerLedger) SetPendingVote(id string, pv *PendingVote) error {
	if err := l.inmem.SetPendingVote(id, pv); err != nil {
		return err
	}

	raw, err := pv.Marshal()
	if err != nil {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+"_"+id), raw)
	})
}

// ClearPendingVote implements the Ledger interface.
func (l *BadgerLedger) ClearPendingVote(id string) error {
	if err := l.inmem.ClearPendingVote(id); err != nil {
		return err
	}

	return l.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(pendingPrefix + "_" + id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// MarkExecuted implements the Ledger interface.
func (l *BadgerLedger) MarkExecuted(cert *TransferCertificate) error {
	if err := l.inmem.MarkExecuted(cert); err != nil {
		return err
	}

	raw, err := cert.Marshal()
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s_%s", executedPrefix, executedKey(cert.Order.Body.Sender, cert.Order.Body.Nonce))
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

// IsExecuted implements the Ledger interface.
func (l *BadgerLedger) IsExecuted(sender string, nonce uint64) bool {
	return l.inmem.IsExecuted(sender, nonce)
}

// Certificate implements the Ledger interface.
func (l *BadgerLedger) Certificate(sender string, nonce uint64) (*TransferCertificate, error) {
	return l.inmem.Certificate(sender, nonce)
}

// CertificatesByAccount implements the Ledger interface.
func (l *BadgerLedger) CertificatesByAccount(id string) ([]*TransferCertificate, error) {
	return l.inmem.CertificatesByAccount(id)
}

// Close implements the Ledger interface.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

func hasPrefix(key, prefix string) bool {
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}
