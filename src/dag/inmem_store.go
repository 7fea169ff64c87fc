package dag

import (
	"fmt"
	"strconv"
	"sync"

	cm "github.com/meshpay/meshpay/src/common"
)

// InmemStore implements the Store interface with in-memory maps and a rolling
// window of recent rounds for gossip. It is also embedded in BadgerStore as
// the write-through cache.
type InmemStore struct {
	mtx sync.RWMutex

	cacheSize    int
	blocks       map[string]*Block
	slots        map[string]string //"round_author" => digest
	roundWindow  *cm.RollingIndex  //recent rounds => []digest
	lastRound    uint64
	committed    []string
	clusterCerts map[uint64]map[string]*ClusterCertificate //epoch => cluster hex => cert
	globalCerts  map[uint64]*GlobalCertificate
}

// NewInmemStore creates an empty InmemStore with the given recent-round
// window size.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		cacheSize:    cacheSize,
		blocks:       make(map[string]*Block),
		slots:        make(map[string]string),
		roundWindow:  cm.NewRollingIndex("RoundDigests", cacheSize),
		committed:    []string{},
		clusterCerts: make(map[uint64]map[string]*ClusterCertificate),
		globalCerts:  make(map[uint64]*GlobalCertificate),
	}
}

// CacheSize implements the Store interface.
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(hex string) (*Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	block, ok := s.blocks[hex]
	if !ok {
		return nil, cm.NewStoreErr("Block", cm.KeyNotFound, hex)
	}
	return block, nil
}

// SetBlock implements the Store interface.
func (s *InmemStore) SetBlock(block *Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.setBlock(block)
}

func (s *InmemStore) setBlock(block *Block) error {
	hex := block.Hex()

	if _, ok := s.blocks[hex]; ok {
		return nil
	}

	slotKey := slotKey(block.AuthorID(), block.Round())
	if occupied, ok := s.slots[slotKey]; ok && occupied != hex {
		return cm.NewStoreErr("Slot", cm.KeyAlreadyExists, slotKey)
	}

	s.blocks[hex] = block
	s.slots[slotKey] = hex

	round := block.Round()
	if err := s.indexRound(round, hex); err != nil {
		return err
	}
	if round > s.lastRound {
		s.lastRound = round
	}

	return nil
}

func (s *InmemStore) indexRound(round uint64, hex string) error {
	item, err := s.roundWindow.GetItem(int(round))

	var digests []string
	if err == nil {
		digests = item.([]string)
	} else if !cm.IsStore(err, cm.KeyNotFound) && !cm.IsStore(err, cm.TooLate) {
		return err
	}

	//fill intermediate empty rounds so the window never has gaps
	_, lastIndex := s.roundWindow.GetLastWindow()
	for i := lastIndex + 1; i < int(round); i++ {
		if err := s.roundWindow.Set([]string{}, i); err != nil {
			return err
		}
	}

	err = s.roundWindow.Set(append(digests, hex), int(round))
	if cm.IsStore(err, cm.TooLate) {
		//round has fallen out of the gossip window; block remains reachable
		//by digest
		return nil
	}
	return err
}

// HasBlock implements the Store interface.
func (s *InmemStore) HasBlock(hex string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	_, ok := s.blocks[hex]
	return ok
}

// SlotDigest implements the Store interface.
func (s *InmemStore) SlotDigest(authorID uint32, round uint64) (string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	key := slotKey(authorID, round)
	digest, ok := s.slots[key]
	if !ok {
		return "", cm.NewStoreErr("Slot", cm.KeyNotFound, key)
	}
	return digest, nil
}

// RoundDigests implements the Store interface.
func (s *InmemStore) RoundDigests(round uint64) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	item, err := s.roundWindow.GetItem(int(round))
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	return item.([]string), nil
}

// LastRound implements the Store interface.
func (s *InmemStore) LastRound() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.lastRound
}

// AddCommitted implements the Store interface.
func (s *InmemStore) AddCommitted(seq int, hex string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if seq != len(s.committed) {
		return cm.NewStoreErr("Committed", cm.SkippedIndex, strconv.Itoa(seq))
	}
	s.committed = append(s.committed, hex)
	return nil
}

// Committed implements the Store interface.
func (s *InmemStore) Committed(seq int) (string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if seq < 0 || seq >= len(s.committed) {
		return "", cm.NewStoreErr("Committed", cm.KeyNotFound, strconv.Itoa(seq))
	}
	return s.committed[seq], nil
}

// LastCommittedSeq implements the Store interface.
func (s *InmemStore) LastCommittedSeq() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return len(s.committed) - 1
}

// SetClusterCertificate implements the Store interface.
func (s *InmemStore) SetClusterCertificate(cert *ClusterCertificate) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	byCluster, ok := s.clusterCerts[cert.Epoch]
	if !ok {
		byCluster = make(map[string]*ClusterCertificate)
		s.clusterCerts[cert.Epoch] = byCluster
	}

	//keep the highest certificate per cluster
	if existing, ok := byCluster[cert.ClusterID]; ok && existing.Height >= cert.Height {
		return nil
	}
	byCluster[cert.ClusterID] = cert

	return nil
}

// ClusterCertificates implements the Store interface.
func (s *InmemStore) ClusterCertificates(epoch uint64) ([]*ClusterCertificate, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	res := []*ClusterCertificate{}
	for _, cert := range s.clusterCerts[epoch] {
		res = append(res, cert)
	}
	return res, nil
}

// SetGlobalCertificate implements the Store interface.
func (s *InmemStore) SetGlobalCertificate(cert *GlobalCertificate) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.globalCerts[cert.Epoch] = cert
	return nil
}

// GlobalCertificate implements the Store interface.
func (s *InmemStore) GlobalCertificate(epoch uint64) (*GlobalCertificate, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	cert, ok := s.globalCerts[epoch]
	if !ok {
		return nil, cm.NewStoreErr("GlobalCertificate", cm.KeyNotFound, strconv.FormatUint(epoch, 10))
	}
	return cert, nil
}

// NeedBootstrap implements the Store interface.
func (s *InmemStore) NeedBootstrap() bool {
	return false
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

func slotKey(authorID uint32, round uint64) string {
	return fmt.Sprintf("%d_%d", round, authorID)
}
