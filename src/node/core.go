package node

import (
	"sort"

	"github.com/meshpay/meshpay/src/committee"
	cm "github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/dag"
	"github.com/meshpay/meshpay/src/fastpay"
	"github.com/sirupsen/logrus"
)

// Core wires the DAG validator, the wave orderer, and the payment authority
// together. It is not thread safe; the node serialises access through
// coreLock, the same way RPC handlers and the gossip routine take turns.
type Core struct {
	signer    *Signer
	committee *committee.Committee
	store     dag.Store
	validator *dag.Validator
	orderer   *dag.WaveOrderer
	authority *fastpay.Authority
	logger    *logrus.Entry

	//knownRounds caches each author's highest accepted round; it mirrors the
	//store's slot index
	knownRounds map[uint32]uint64

	//payloadPool collects records for the next self block
	payloadPool [][]byte

	cluster *committee.Cluster

	committedCount int
	queuedFaults   int
}

// NewCore creates a Core.
func NewCore(
	signer *Signer,
	c *committee.Committee,
	store dag.Store,
	authority *fastpay.Authority,
	logger *logrus.Logger,
) *Core {
	entry := logger.WithField("id", signer.ID())

	return &Core{
		signer:      signer,
		committee:   c,
		store:       store,
		validator:   dag.NewValidator(store, c, entry),
		orderer:     dag.NewWaveOrderer(store, c, entry),
		authority:   authority,
		logger:      entry,
		knownRounds: make(map[uint32]uint64),
	}
}

// Bootstrap rebuilds the in-memory indices from a store loaded off disk. The
// commit rule is deterministic, so replaying it over the same blocks rebuilds
// the identical committed sequence.
func (c *Core) Bootstrap() error {
	last := c.store.LastRound()
	for round := uint64(1); round <= last; round++ {
		digests, err := c.store.RoundDigests(round)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				continue
			}
			return err
		}
		for _, digest := range digests {
			block, err := c.store.GetBlock(digest)
			if err != nil {
				return err
			}
			if round > c.knownRounds[block.AuthorID()] {
				c.knownRounds[block.AuthorID()] = round
			}
		}
	}

	committed, err := c.orderer.Evaluate()
	if err != nil {
		return err
	}
	c.committedCount += len(committed)

	c.logger.WithFields(logrus.Fields{
		"last_round": last,
		"committed":  c.committedCount,
	}).Debug("Bootstrapped")

	return nil
}

// Committee returns the current committee.
func (c *Core) Committee() *committee.Committee {
	return c.committee
}

// KnownRounds returns a copy of the per-author highest accepted rounds.
func (c *Core) KnownRounds() map[uint32]uint64 {
	known := make(map[uint32]uint64, len(c.knownRounds))
	for id, round := range c.knownRounds {
		known[id] = round
	}
	//authors with no blocks yet still appear, so partners know to push
	//their round-1 blocks
	for _, a := range c.committee.Authorities {
		if _, ok := known[a.ID()]; !ok {
			known[a.ID()] = 0
		}
	}
	return known
}

// BlocksSince returns accepted blocks above the given per-author rounds,
// oldest round first, capped at limit.
func (c *Core) BlocksSince(known map[uint32]uint64, limit int) []*dag.Block {
	res := []*dag.Block{}

	last := c.store.LastRound()
	for round := uint64(1); round <= last; round++ {
		digests, err := c.store.RoundDigests(round)
		if err != nil {
			continue
		}

		sort.Strings(digests)
		for _, digest := range digests {
			block, err := c.store.GetBlock(digest)
			if err != nil {
				continue
			}
			if round <= known[block.AuthorID()] {
				continue
			}
			res = append(res, block)
			if limit > 0 && len(res) >= limit {
				return res
			}
		}
	}

	return res
}

// BlocksByDigest returns the locally-held blocks among the requested digests.
func (c *Core) BlocksByDigest(digests []string) []*dag.Block {
	res := []*dag.Block{}
	for _, digest := range digests {
		block, err := c.store.GetBlock(digest)
		if err != nil {
			continue
		}
		res = append(res, block)
	}
	return res
}

// InsertBlocks feeds received blocks into validation and advances the commit
// rule. Equivocations become fault-evidence payload for the next self block;
// other validation failures are logged and dropped.
func (c *Core) InsertBlocks(blocks []*dag.Block) error {
	for _, block := range blocks {
		accepted, err := c.validator.InsertBlock(block)
		if err != nil {
			switch e := err.(type) {
			case dag.EquivocationError:
				c.logger.WithFields(logrus.Fields{
					"author": e.AuthorID,
					"round":  e.Round,
				}).Warn("Equivocating block dropped")
			case dag.ValidationError:
				c.logger.WithError(e).Debug("Block rejected")
			default:
				return err
			}
			continue
		}

		for _, a := range accepted {
			if a.Round() > c.knownRounds[a.AuthorID()] {
				c.knownRounds[a.AuthorID()] = a.Round()
			}
		}
	}

	//equivocations can also surface while draining the pending buffer, with
	//no error on the insert that triggered the drain
	c.queueFaults()

	return c.RunConsensus()
}

// RunConsensus advances the wave commit rule over the current store contents.
func (c *Core) RunConsensus() error {
	committed, err := c.orderer.Evaluate()
	if err != nil {
		return err
	}
	c.committedCount += len(committed)
	return nil
}

// WantList returns the digests of missing parents blocking buffered blocks.
func (c *Core) WantList() []string {
	return c.validator.WantList()
}

// AddPayload queues an encoded payload item for the next self block.
func (c *Core) AddPayload(data []byte) {
	c.payloadPool = append(c.payloadPool, data)
}

// NoteCertificate anchors an executed transfer certificate's digest in the
// next self block.
func (c *Core) NoteCertificate(cert *fastpay.TransferCertificate) {
	item := &PayloadItem{
		Kind: PayloadCertDigest,
		Data: []byte(cert.Hex()),
	}
	raw, err := item.Marshal()
	if err != nil {
		c.logger.WithError(err).Error("Encoding certificate payload")
		return
	}
	c.AddPayload(raw)
}

// queueFaults drains new fault evidence from the validator into the payload
// pool.
func (c *Core) queueFaults() {
	faults := c.validator.Faults()
	defer func() { c.queuedFaults = len(faults) }()

	for _, evidence := range faults[c.queuedFaults:] {
		raw, err := evidence.Marshal()
		if err != nil {
			continue
		}
		item := &PayloadItem{
			Kind: PayloadFaultEvidence,
			Data: raw,
		}
		encoded, err := item.Marshal()
		if err != nil {
			continue
		}
		c.AddPayload(encoded)
	}
}

// Busy reports whether there is something to gossip about: queued payload, or
// rounds we have not yet referenced with a self block.
func (c *Core) Busy() bool {
	return len(c.payloadPool) > 0 || c.knownRounds[c.signer.ID()] < c.store.LastRound()
}

// ProduceBlock creates, signs, and inserts this node's next block. The block
// references every accepted previous-round block, so it embeds the round's
// quorum certificate. It returns nil when the previous round does not yet
// hold a quorum weight of blocks.
func (c *Core) ProduceBlock() (*dag.Block, error) {
	nextRound := c.knownRounds[c.signer.ID()] + 1

	var parents []string
	if nextRound > 1 {
		digests, err := c.store.RoundDigests(nextRound - 1)
		if err != nil {
			return nil, nil
		}

		authors := make(map[uint32]bool)
		for _, digest := range digests {
			block, err := c.store.GetBlock(digest)
			if err != nil {
				return nil, err
			}
			authors[block.AuthorID()] = true
		}
		if c.committee.WeightOfIDs(authors) < c.committee.QuorumWeight() {
			return nil, nil
		}

		parents = digests
	}

	payload := c.payloadPool
	c.payloadPool = nil

	block := dag.NewBlock(nextRound, c.signer.ID(), c.committee.Epoch, parents, payload)
	if err := block.Sign(c.signer.Key); err != nil {
		return nil, err
	}

	if _, err := c.validator.InsertBlock(block); err != nil {
		return nil, err
	}
	c.knownRounds[c.signer.ID()] = nextRound

	c.logger.WithFields(logrus.Fields{
		"round":   nextRound,
		"parents": len(parents),
		"payload": len(payload),
	}).Debug("Block produced")

	if err := c.RunConsensus(); err != nil {
		return block, err
	}

	return block, nil
}

/*******************************************************************************
Partitions
*******************************************************************************/

// SetCluster installs a partition view on the commit path and the payment
// authority. Passing nil restores whole-network operation.
func (c *Core) SetCluster(cl *committee.Cluster) {
	c.cluster = cl
	c.authority.SetCluster(cl)
}

// Cluster returns the current partition view, or nil.
func (c *Core) Cluster() *committee.Cluster {
	return c.cluster
}

// BuildClusterCertificate signs a certificate over the current committed
// prefix. It requires a partition view to be installed.
func (c *Core) BuildClusterCertificate() (*dag.ClusterCertificate, error) {
	if c.cluster == nil {
		return nil, dag.ErrPartitionPending
	}

	slots, err := c.orderer.CommittedSlots()
	if err != nil {
		return nil, err
	}

	cert := dag.NewClusterCertificate(
		c.cluster.ID,
		c.committee.Epoch,
		c.orderer.Height(),
		c.orderer.Prefix(),
		slots,
	)

	if err := cert.Sign(c.signer.ID(), c.signer.Key); err != nil {
		return nil, err
	}

	if err := c.store.SetClusterCertificate(cert); err != nil {
		return nil, err
	}

	return cert, nil
}

// MergeClusterCertificate absorbs a cluster certificate received from a peer,
// merging signature shares for certificates we already hold, then attempts
// the global merge.
func (c *Core) MergeClusterCertificate(cert *dag.ClusterCertificate) error {
	existing, err := c.store.ClusterCertificates(cert.Epoch)
	if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
		return err
	}

	for _, have := range existing {
		if have.Hex() == cert.Hex() {
			for id, sig := range cert.Signatures {
				have.AddSignature(id, sig)
			}
			cert = have
			break
		}
	}

	if err := c.store.SetClusterCertificate(cert); err != nil {
		return err
	}

	return c.TryGlobalCertificate()
}

// TryGlobalCertificate attempts to merge the stored cluster certificates into
// a global certificate. On success the partition view is lifted and deferred
// cross-cluster certificates are re-applied.
func (c *Core) TryGlobalCertificate() error {
	epoch := c.committee.Epoch

	if _, err := c.store.GlobalCertificate(epoch); err == nil {
		return nil
	}

	certs, err := c.store.ClusterCertificates(epoch)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return nil
		}
		return err
	}
	if len(certs) == 0 {
		return nil
	}

	global, faults, err := dag.MergeClusterCertificates(c.committee, certs)
	if err != nil {
		if err == dag.ErrPartitionPending {
			return nil
		}
		return err
	}

	for _, evidence := range faults {
		raw, err := evidence.Marshal()
		if err != nil {
			continue
		}
		item := &PayloadItem{Kind: PayloadFaultEvidence, Data: raw}
		if encoded, err := item.Marshal(); err == nil {
			c.AddPayload(encoded)
		}
	}

	if err := c.store.SetGlobalCertificate(global); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"epoch":    epoch,
		"clusters": len(global.Certificates),
		"weight":   global.CoveredWeight,
	}).Info("Global certificate formed")

	c.SetCluster(nil)
	applied := c.authority.DrainDeferred()
	if applied > 0 {
		c.logger.WithField("applied", applied).Info("Deferred certificates applied")
	}

	return nil
}

// ClusterCertificates returns the stored cluster certificates for an epoch.
func (c *Core) ClusterCertificates(epoch uint64) []*dag.ClusterCertificate {
	certs, err := c.store.ClusterCertificates(epoch)
	if err != nil {
		return []*dag.ClusterCertificate{}
	}
	return certs
}

/*******************************************************************************
Epochs
*******************************************************************************/

// NextEpoch installs the next committee. Rounds keep counting; blocks stamped
// with the new epoch validate against the new committee, and fault records
// from the previous epoch stop applying.
func (c *Core) NextEpoch(next *committee.Committee) {
	c.committee = next
	c.validator.SetCommittee(next)
	c.orderer.SetCommittee(next)
	c.authority.SetCommittee(next)

	c.logger.WithField("epoch", next.Epoch).Info("Epoch advanced")
}

/*******************************************************************************
Stats
*******************************************************************************/

// LastRound returns the highest accepted round.
func (c *Core) LastRound() uint64 {
	return c.store.LastRound()
}

// CommittedCount returns the number of committed blocks.
func (c *Core) CommittedCount() int {
	return c.committedCount
}

// PendingCount returns the number of blocks buffered behind missing parents.
func (c *Core) PendingCount() int {
	return c.validator.PendingCount()
}

// Height returns the committed-sequence height.
func (c *Core) Height() uint64 {
	return c.orderer.Height()
}

// Prefix returns the chain-hash digest of the committed prefix.
func (c *Core) Prefix() string {
	return c.orderer.Prefix()
}
