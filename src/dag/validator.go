package dag

import (
	"fmt"
	"sync"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/sirupsen/logrus"
)

// Validator is the single ingestion point of the DAG. It accepts a block iff
// its signature is valid under the author's committee key, its parents carry
// a quorum of the previous round, and the (author, round) slot is free. A
// block whose causal history is not yet resolved is buffered, not rejected;
// the gossip layer pulls the missing parents from the validator's want list.
// Validation is a pure function of (block, store, committee), so replaying
// the same blocks in any order yields the same accepted set.
type Validator struct {
	mtx sync.Mutex

	store     Store
	committee *committee.Committee
	logger    *logrus.Entry

	pending map[string]*pendingBlock //block digest => buffered block
	missing map[string][]string      //missing parent digest => dependent block digests
	faulted map[uint32]uint64        //authorID => epoch in which it was faulted
	faults  []FaultEvidence
}

type pendingBlock struct {
	block   *Block
	missing map[string]bool
}

// NewValidator creates a Validator over a store and a committee.
func NewValidator(store Store, c *committee.Committee, logger *logrus.Entry) *Validator {
	return &Validator{
		store:     store,
		committee: c,
		logger:    logger.WithField("component", "validator"),
		pending:   make(map[string]*pendingBlock),
		missing:   make(map[string][]string),
		faulted:   make(map[uint32]uint64),
	}
}

// SetCommittee swaps the committee value at an epoch boundary. Fault records
// from previous epochs stop applying.
func (v *Validator) SetCommittee(c *committee.Committee) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	v.committee = c
}

// InsertBlock validates and stores a block. The returned slice contains the
// blocks that became ready as a result, in acceptance order: the block itself
// and any buffered descendants whose causal history it completed. A buffered
// block yields an empty slice and no error.
func (v *Validator) InsertBlock(block *Block) ([]*Block, error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	return v.insertBlock(block)
}

func (v *Validator) insertBlock(block *Block) ([]*Block, error) {
	hex := block.Hex()

	//duplicate delivery is harmless
	if v.store.HasBlock(hex) {
		return nil, nil
	}
	if _, ok := v.pending[hex]; ok {
		return nil, nil
	}

	author, ok := v.committee.ByID[block.AuthorID()]
	if !ok {
		return nil, ValidationError{hex, fmt.Sprintf("unknown author %d", block.AuthorID())}
	}

	if epoch, ok := v.faulted[block.AuthorID()]; ok && epoch == v.committee.Epoch {
		return nil, ValidationError{hex, fmt.Sprintf("author %d faulted for epoch %d", block.AuthorID(), epoch)}
	}

	if block.Body.Epoch != v.committee.Epoch {
		return nil, ValidationError{hex, fmt.Sprintf("epoch %d, current is %d", block.Body.Epoch, v.committee.Epoch)}
	}

	pubBytes, err := author.PubKeyBytes()
	if err != nil {
		return nil, err
	}
	valid, err := block.Verify(pubBytes)
	if err != nil || !valid {
		return nil, ValidationError{hex, "invalid signature"}
	}

	//equivocation check before anything else touches the slot
	if occupied, err := v.store.SlotDigest(block.AuthorID(), block.Round()); err == nil && occupied != hex {
		v.faulted[block.AuthorID()] = v.committee.Epoch
		evidence := FaultEvidence{
			AuthorID:        block.AuthorID(),
			Round:           block.Round(),
			Epoch:           v.committee.Epoch,
			AcceptedDigest:  occupied,
			OffendingDigest: hex,
		}
		v.faults = append(v.faults, evidence)

		v.logger.WithFields(logrus.Fields{
			"author": block.AuthorID(),
			"round":  block.Round(),
		}).Warn("Equivocation detected")

		return nil, EquivocationError{block.AuthorID(), block.Round()}
	}

	if block.Round() == 1 {
		if len(block.Parents()) != 0 {
			return nil, ValidationError{hex, "first-round block must not have parents"}
		}
		return v.accept(block)
	}

	if len(block.Parents()) == 0 {
		return nil, ValidationError{hex, "block has no parents"}
	}

	missing := make(map[string]bool)
	for _, parent := range block.Parents() {
		if !v.store.HasBlock(parent) {
			missing[parent] = true
		}
	}

	if len(missing) > 0 {
		v.buffer(block, missing)
		return []*Block{}, nil
	}

	if err := v.checkParentQuorum(block); err != nil {
		return nil, err
	}

	return v.accept(block)
}

// checkParentQuorum verifies that the parents are distinct previous-round
// blocks whose authors carry at least a quorum of the committee weight. This
// is the quorum certificate embedded in every block.
func (v *Validator) checkParentQuorum(block *Block) error {
	hex := block.Hex()
	parentAuthors := make(map[uint32]bool)

	for _, parentHex := range block.Parents() {
		parent, err := v.store.GetBlock(parentHex)
		if err != nil {
			return err
		}

		if parent.Round() != block.Round()-1 {
			return ValidationError{hex, fmt.Sprintf("parent %s is in round %d, want %d", parentHex, parent.Round(), block.Round()-1)}
		}

		if parentAuthors[parent.AuthorID()] {
			return ValidationError{hex, fmt.Sprintf("duplicate parent author %d", parent.AuthorID())}
		}
		parentAuthors[parent.AuthorID()] = true
	}

	weight := v.committee.WeightOfIDs(parentAuthors)
	if weight < v.committee.QuorumWeight() {
		return ValidationError{hex, fmt.Sprintf("parent weight %d below quorum %d", weight, v.committee.QuorumWeight())}
	}

	return nil
}

func (v *Validator) accept(block *Block) ([]*Block, error) {
	if err := v.store.SetBlock(block); err != nil {
		return nil, err
	}

	v.logger.WithFields(logrus.Fields{
		"digest": block.Hex(),
		"author": block.AuthorID(),
		"round":  block.Round(),
	}).Debug("Block accepted")

	accepted := []*Block{block}

	//drain buffered descendants that this block unblocks
	drained, err := v.resolve(block.Hex())
	if err != nil {
		return accepted, err
	}

	return append(accepted, drained...), nil
}

func (v *Validator) buffer(block *Block, missing map[string]bool) {
	hex := block.Hex()

	v.pending[hex] = &pendingBlock{
		block:   block,
		missing: missing,
	}

	for parent := range missing {
		v.missing[parent] = append(v.missing[parent], hex)
	}

	v.logger.WithFields(logrus.Fields{
		"digest":  hex,
		"missing": len(missing),
	}).Debug("Block buffered pending parents")
}

func (v *Validator) resolve(parentHex string) ([]*Block, error) {
	dependents, ok := v.missing[parentHex]
	if !ok {
		return nil, nil
	}
	delete(v.missing, parentHex)

	accepted := []*Block{}
	for _, dependentHex := range dependents {
		p, ok := v.pending[dependentHex]
		if !ok {
			continue
		}

		delete(p.missing, parentHex)
		if len(p.missing) > 0 {
			continue
		}

		delete(v.pending, dependentHex)

		//two conflicting blocks can sit in the buffer behind the same
		//parent; the slot check has to run again at drain time
		if occupied, err := v.store.SlotDigest(p.block.AuthorID(), p.block.Round()); err == nil && occupied != dependentHex {
			v.faulted[p.block.AuthorID()] = v.committee.Epoch
			v.faults = append(v.faults, FaultEvidence{
				AuthorID:        p.block.AuthorID(),
				Round:           p.block.Round(),
				Epoch:           v.committee.Epoch,
				AcceptedDigest:  occupied,
				OffendingDigest: dependentHex,
			})

			v.logger.WithFields(logrus.Fields{
				"author": p.block.AuthorID(),
				"round":  p.block.Round(),
			}).Warn("Equivocation detected")

			continue
		}

		if err := v.checkParentQuorum(p.block); err != nil {
			v.logger.WithError(err).WithField("digest", dependentHex).Warn("Buffered block failed validation")
			continue
		}

		drained, err := v.accept(p.block)
		if err != nil {
			return accepted, err
		}
		accepted = append(accepted, drained...)
	}

	return accepted, nil
}

// WantList returns the digests of missing parents blocking buffered blocks.
// The gossip layer pulls these from peers.
func (v *Validator) WantList() []string {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	res := make([]string, 0, len(v.missing))
	for digest := range v.missing {
		res = append(res, digest)
	}
	return res
}

// PendingCount returns the number of buffered blocks.
func (v *Validator) PendingCount() int {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	return len(v.pending)
}

// Faults returns the fault evidence collected so far.
func (v *Validator) Faults() []FaultEvidence {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	res := make([]FaultEvidence, len(v.faults))
	copy(res, v.faults)
	return res
}

// IsFaulted returns true if the author was faulted in the current epoch.
func (v *Validator) IsFaulted(authorID uint32) bool {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	epoch, ok := v.faulted[authorID]
	return ok && epoch == v.committee.Epoch
}

// Missing reports whether a digest is a known missing parent.
func (v *Validator) Missing(digest string) bool {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	_, ok := v.missing[digest]
	return ok
}
