package dag

import (
	"sort"
	"sync"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto"
	"github.com/sirupsen/logrus"
)

// WaveSize is the number of consecutive rounds forming one wave.
const WaveSize = 3

// CommittedBlock is one entry of the global total order.
type CommittedBlock struct {
	Seq   int
	Block *Block
}

// WaveOrderer implements the commit rule. Rounds group into waves of
// WaveSize; each wave has one candidate leader block, chosen by the
// committee's deterministic coin. A leader whose support-round references
// reach the support threshold is an anchor: it commits directly, and it
// decides every earlier undecided wave on the way. An earlier leader commits
// iff it sits in the causal history of the chain of committed leaders, and is
// skipped otherwise. Support can only grow as blocks arrive, and the causal
// history of a block is fixed, so both halves of the decision are stable:
// evaluating early and re-evaluating later can never disagree with evaluating
// once over the full store. Committing a leader commits its entire
// uncommitted causal history in digest-ordered depth-first order, which
// yields the global total order directly.
//
// Evaluate is a pure function of the store contents: two nodes holding the
// same blocks produce the identical commit sequence.
type WaveOrderer struct {
	mtx sync.Mutex

	store     Store
	committee *committee.Committee
	logger    *logrus.Entry

	decidedWave uint64 //waves <= decidedWave are committed or skipped
	seq         int
	committed   map[string]bool
	prefix      []byte //running chain-hash of the committed sequence
}

// NewWaveOrderer creates a WaveOrderer with no wave decided yet.
func NewWaveOrderer(store Store, c *committee.Committee, logger *logrus.Entry) *WaveOrderer {
	return &WaveOrderer{
		store:     store,
		committee: c,
		logger:    logger.WithField("component", "orderer"),
		committed: make(map[string]bool),
		prefix:    []byte{},
	}
}

// SetCommittee swaps the committee value at an epoch boundary.
func (w *WaveOrderer) SetCommittee(c *committee.Committee) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.committee = c
}

// LeaderRound returns the leader round of a wave: its first round.
func LeaderRound(wave uint64) uint64 {
	return (wave-1)*WaveSize + 1
}

// Evaluate advances the commit rule as far as the store contents allow and
// returns the newly committed blocks in order. A wave is never decided from
// round completeness alone: support below the threshold can still grow as
// late blocks arrive, so an under-supported leader stays undecided until a
// later anchor commits, at which point the look-back over the anchor's
// leader chain settles it for good.
func (w *WaveOrderer) Evaluate() ([]CommittedBlock, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	out := []CommittedBlock{}

	for {
		anchorWave, anchorDigest, err := w.nextAnchor()
		if err != nil {
			return out, err
		}
		if anchorWave == 0 {
			break
		}

		//walk back through the undecided waves: an earlier leader commits
		//iff the chain of committed leaders reaches it causally
		chain := []string{anchorDigest}
		cur := anchorDigest
		for wave := anchorWave - 1; wave > w.decidedWave; wave-- {
			leader := w.committee.Leader(wave)
			if leader == nil {
				continue
			}

			digest, err := w.store.SlotDigest(leader.ID(), LeaderRound(wave))
			if err != nil {
				w.logger.WithFields(logrus.Fields{
					"wave":   wave,
					"leader": leader.ID(),
				}).Debug("Wave skipped, no leader block")
				continue
			}

			reachable, err := w.inHistory(cur, digest)
			if err != nil {
				return out, err
			}
			if !reachable {
				w.logger.WithFields(logrus.Fields{
					"wave":   wave,
					"leader": digest,
				}).Debug("Wave skipped, leader outside the anchor chain")
				continue
			}

			chain = append([]string{digest}, chain...)
			cur = digest
		}

		for _, digest := range chain {
			batch, err := w.commitLeader(digest)
			if err != nil {
				return out, err
			}

			w.logger.WithFields(logrus.Fields{
				"leader": digest,
				"batch":  len(batch),
			}).Debug("Wave committed")

			out = append(out, batch...)
		}

		w.decidedWave = anchorWave
	}

	return out, nil
}

// nextAnchor scans the undecided waves in order for the first leader whose
// direct support reaches the threshold. Support only grows, so a wave that
// anchors once anchors on every node holding at least these blocks. Returns
// wave 0 when no anchor is decidable yet.
func (w *WaveOrderer) nextAnchor() (uint64, string, error) {
	lastRound := w.store.LastRound()

	for wave := w.decidedWave + 1; LeaderRound(wave) <= lastRound; wave++ {
		leader := w.committee.Leader(wave)
		if leader == nil {
			continue
		}

		leaderDigest, err := w.store.SlotDigest(leader.ID(), LeaderRound(wave))
		if err != nil {
			continue
		}

		support, err := w.supportWeight(leaderDigest, LeaderRound(wave)+1)
		if err != nil {
			return 0, "", err
		}
		if support >= w.committee.SupportWeight() {
			return wave, leaderDigest, nil
		}
	}

	return 0, "", nil
}

// inHistory reports whether target is in the causal history of from
// (inclusive). The walk never descends below the target's round.
func (w *WaveOrderer) inHistory(from, target string) (bool, error) {
	targetBlock, err := w.store.GetBlock(target)
	if err != nil {
		return false, err
	}
	floor := targetBlock.Round()

	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		digest := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if digest == target {
			return true, nil
		}
		if visited[digest] {
			continue
		}
		visited[digest] = true

		block, err := w.store.GetBlock(digest)
		if err != nil {
			return false, err
		}
		if block.Round() <= floor {
			continue
		}
		stack = append(stack, block.Parents()...)
	}

	return false, nil
}

// supportWeight sums the weights of distinct supportRound authors whose
// blocks causally reference the leader digest as a parent.
func (w *WaveOrderer) supportWeight(leaderDigest string, supportRound uint64) (uint64, error) {
	digests, err := w.store.RoundDigests(supportRound)
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	supporters := make(map[uint32]bool)
	for _, digest := range digests {
		block, err := w.store.GetBlock(digest)
		if err != nil {
			return 0, err
		}
		for _, parent := range block.Parents() {
			if parent == leaderDigest {
				supporters[block.AuthorID()] = true
				break
			}
		}
	}

	return w.committee.WeightOfIDs(supporters), nil
}

// commitLeader commits the leader and all of its not-yet-committed causal
// ancestors. Parents are visited in ascending digest order, depth first,
// parents before children.
func (w *WaveOrderer) commitLeader(leaderDigest string) ([]CommittedBlock, error) {
	out := []CommittedBlock{}

	var visit func(digest string) error
	visit = func(digest string) error {
		if w.committed[digest] {
			return nil
		}

		block, err := w.store.GetBlock(digest)
		if err != nil {
			return err
		}

		w.committed[digest] = true

		parents := make([]string, len(block.Parents()))
		copy(parents, block.Parents())
		sort.Strings(parents)

		for _, parent := range parents {
			if err := visit(parent); err != nil {
				return err
			}
		}

		if err := w.store.AddCommitted(w.seq, digest); err != nil {
			return err
		}

		hash, err := block.Hash()
		if err != nil {
			return err
		}
		w.prefix = crypto.ChainHash(w.prefix, hash)

		out = append(out, CommittedBlock{Seq: w.seq, Block: block})
		w.seq++

		return nil
	}

	if err := visit(leaderDigest); err != nil {
		return out, err
	}

	return out, nil
}

// Height returns the number of committed blocks.
func (w *WaveOrderer) Height() uint64 {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return uint64(w.seq)
}

// Prefix returns the running chain-hash digest of the committed sequence, in
// hex form. It identifies the committed prefix in cluster certificates.
func (w *WaveOrderer) Prefix() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return common.EncodeToString(w.prefix)
}

// CommittedSlots returns the slot references of all committed blocks, for
// inclusion in a cluster certificate.
func (w *WaveOrderer) CommittedSlots() ([]SlotRef, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	slots := make([]SlotRef, 0, w.seq)
	for seq := 0; seq < w.seq; seq++ {
		digest, err := w.store.Committed(seq)
		if err != nil {
			return nil, err
		}
		block, err := w.store.GetBlock(digest)
		if err != nil {
			return nil, err
		}
		slots = append(slots, SlotRef{
			Round:    block.Round(),
			AuthorID: block.AuthorID(),
			Digest:   digest,
		})
	}

	return slots, nil
}

// IsCommitted reports whether a block digest is in the committed sequence.
func (w *WaveOrderer) IsCommitted(digest string) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.committed[digest]
}
