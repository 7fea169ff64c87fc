package dag

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"
	cm "github.com/meshpay/meshpay/src/common"
)

const (
	blockPrefix  = "block"
	slotPrefix   = "slot"
	roundPrefix  = "round"
	commitPrefix = "commit"
	ccertPrefix  = "ccert"
	gcertPrefix  = "gcert"
)

// BadgerStore is a write-through persistent Store. Every write goes to the
// embedded InmemStore first and to the Badger database second, so reads are
// served from memory while the DAG and committed prefix survive restarts.
type BadgerStore struct {
	inmemStore    *InmemStore
	db            *badger.DB
	path          string
	needBootstrap bool
}

// NewBadgerStore creates a brand new store with a fresh database.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	inmemStore := NewInmemStore(cacheSize)

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		inmemStore: inmemStore,
		db:         handle,
		path:       path,
	}, nil
}

// LoadBadgerStore opens an existing database and replays its contents into
// the in-memory cache.
func LoadBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore:    NewInmemStore(cacheSize),
		db:            handle,
		path:          path,
		needBootstrap: true,
	}

	if err := store.bootstrap(); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

// bootstrap replays blocks in round order, then the committed sequence. Round
// keys are zero-padded so the badger iterator yields them in ascending round
// order, which guarantees every parent is replayed before its children.
func (s *BadgerStore) bootstrap() error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(blockKeyPrefixByRound())
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var digest string
			if err := it.Item().Value(func(val []byte) error {
				digest = string(val)
				return nil
			}); err != nil {
				return err
			}

			block, err := s.dbGetBlock(txn, digest)
			if err != nil {
				return err
			}
			if err := s.inmemStore.SetBlock(block); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		seq := 0
		prefix := []byte(commitPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var digest string
			if err := it.Item().Value(func(val []byte) error {
				digest = string(val)
				return nil
			}); err != nil {
				return err
			}
			if err := s.inmemStore.AddCommitted(seq, digest); err != nil {
				return err
			}
			seq++
		}

		return nil
	})
}

// CacheSize implements the Store interface.
func (s *BadgerStore) CacheSize() int {
	return s.inmemStore.CacheSize()
}

// GetBlock implements the Store interface. Blocks that have fallen out of the
// cache are read back from disk.
func (s *BadgerStore) GetBlock(hex string) (*Block, error) {
	block, err := s.inmemStore.GetBlock(hex)
	if err == nil {
		return block, nil
	}

	err = s.db.View(func(txn *badger.Txn) error {
		var verr error
		block, verr = s.dbGetBlock(txn, hex)
		return verr
	})
	if err != nil {
		return nil, cm.NewStoreErr("Block", cm.KeyNotFound, hex)
	}
	return block, nil
}

// SetBlock implements the Store interface.
func (s *BadgerStore) SetBlock(block *Block) error {
	if err := s.inmemStore.SetBlock(block); err != nil {
		return err
	}
	return s.dbSetBlock(block)
}

// HasBlock implements the Store interface.
func (s *BadgerStore) HasBlock(hex string) bool {
	if s.inmemStore.HasBlock(hex) {
		return true
	}
	_, err := s.GetBlock(hex)
	return err == nil
}

// SlotDigest implements the Store interface.
func (s *BadgerStore) SlotDigest(authorID uint32, round uint64) (string, error) {
	digest, err := s.inmemStore.SlotDigest(authorID, round)
	if err == nil {
		return digest, nil
	}

	key := fmt.Sprintf("%s_%012d_%d", slotPrefix, round, authorID)
	err = s.db.View(func(txn *badger.Txn) error {
		item, verr := txn.Get([]byte(key))
		if verr != nil {
			return verr
		}
		return item.Value(func(val []byte) error {
			digest = string(val)
			return nil
		})
	})
	if err != nil {
		return "", cm.NewStoreErr("Slot", cm.KeyNotFound, key)
	}
	return digest, nil
}

// RoundDigests implements the Store interface.
func (s *BadgerStore) RoundDigests(round uint64) ([]string, error) {
	return s.inmemStore.RoundDigests(round)
}

// LastRound implements the Store interface.
func (s *BadgerStore) LastRound() uint64 {
	return s.inmemStore.LastRound()
}

// AddCommitted implements the Store interface.
func (s *BadgerStore) AddCommitted(seq int, hex string) error {
	if err := s.inmemStore.AddCommitted(seq, hex); err != nil {
		return err
	}

	key := fmt.Sprintf("%s_%012d", commitPrefix, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(hex))
	})
}

// Committed implements the Store interface.
func (s *BadgerStore) Committed(seq int) (string, error) {
	return s.inmemStore.Committed(seq)
}

// LastCommittedSeq implements the Store interface.
func (s *BadgerStore) LastCommittedSeq() int {
	return s.inmemStore.LastCommittedSeq()
}

// SetClusterCertificate implements the Store interface.
func (s *BadgerStore) SetClusterCertificate(cert *ClusterCertificate) error {
	if err := s.inmemStore.SetClusterCertificate(cert); err != nil {
		return err
	}

	raw, err := cert.Marshal()
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s_%012d_%s", ccertPrefix, cert.Epoch, cert.ClusterID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

// ClusterCertificates implements the Store interface.
func (s *BadgerStore) ClusterCertificates(epoch uint64) ([]*ClusterCertificate, error) {
	certs, err := s.inmemStore.ClusterCertificates(epoch)
	if err != nil || len(certs) > 0 {
		return certs, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("%s_%012d_", ccertPrefix, epoch))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			cert := new(ClusterCertificate)
			if verr := it.Item().Value(func(val []byte) error {
				return cert.Unmarshal(val)
			}); verr != nil {
				return verr
			}
			certs = append(certs, cert)
		}
		return nil
	})

	return certs, err
}

// SetGlobalCertificate implements the Store interface.
func (s *BadgerStore) SetGlobalCertificate(cert *GlobalCertificate) error {
	if err := s.inmemStore.SetGlobalCertificate(cert); err != nil {
		return err
	}

	raw, err := cert.Marshal()
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s_%012d", gcertPrefix, cert.Epoch)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

// GlobalCertificate implements the Store interface.
func (s *BadgerStore) GlobalCertificate(epoch uint64) (*GlobalCertificate, error) {
	cert, err := s.inmemStore.GlobalCertificate(epoch)
	if err == nil {
		return cert, nil
	}

	key := fmt.Sprintf("%s_%012d", gcertPrefix, epoch)
	cert = new(GlobalCertificate)
	err = s.db.View(func(txn *badger.Txn) error {
		item, verr := txn.Get([]byte(key))
		if verr != nil {
			return verr
		}
		return item.Value(func(val []byte) error {
			return cert.Unmarshal(val)
		})
	})
	if err != nil {
		return nil, cm.NewStoreErr("GlobalCertificate", cm.KeyNotFound, key)
	}
	return cert, nil
}

// NeedBootstrap implements the Store interface.
func (s *BadgerStore) NeedBootstrap() bool {
	return s.needBootstrap
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

/* DB write helpers */

func (s *BadgerStore) dbSetBlock(block *Block) error {
	raw, err := block.Marshal()
	if err != nil {
		return err
	}

	hex := block.Hex()
	slotKey := fmt.Sprintf("%s_%012d_%d", slotPrefix, block.Round(), block.AuthorID())
	roundKey := fmt.Sprintf("%s_%012d_%s", roundPrefix, block.Round(), hex)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(blockPrefix+"_"+hex), raw); err != nil {
			return err
		}
		if err := txn.Set([]byte(slotKey), []byte(hex)); err != nil {
			return err
		}
		return txn.Set([]byte(roundKey), []byte(hex))
	})
}

func (s *BadgerStore) dbGetBlock(txn *badger.Txn, hex string) (*Block, error) {
	item, err := txn.Get([]byte(blockPrefix + "_" + hex))
	if err != nil {
		return nil, err
	}

	block := new(Block)
	if err := item.Value(func(val []byte) error {
		return block.Unmarshal(val)
	}); err != nil {
		return nil, err
	}

	return block, nil
}

func blockKeyPrefixByRound() string {
	return roundPrefix + "_"
}
