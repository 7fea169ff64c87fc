package committee

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto"
)

// Committee is the weighted set of authorities for one epoch. A committee of
// total weight 3f+1 tolerates f Byzantine weight. Committees are immutable
// values: epoch rotation builds a whole new Committee rather than mutating an
// existing one, so every component can hold a reference without locking.
type Committee struct {
	Epoch       uint64       `json:"epoch"`
	Authorities []*Authority `json:"authorities"`

	ByPubKey map[string]*Authority `json:"-"`
	ByID     map[uint32]*Authority `json:"-"`

	//derived values, computed once in NewCommittee so that reads stay
	//lock-free
	hash         []byte
	hashErr      error
	hex          string
	totalWeight  uint64
	quorumWeight uint64
}

// NewCommittee creates a Committee for the given epoch. The authority order is
// canonicalised by ID so that all nodes derive the same committee hash from
// the same membership.
func NewCommittee(epoch uint64, authorities []*Authority) *Committee {
	sorted := make([]*Authority, len(authorities))
	copy(sorted, authorities)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID() < sorted[j].ID()
	})

	committee := &Committee{
		Epoch:       epoch,
		Authorities: sorted,
		ByPubKey:    make(map[string]*Authority),
		ByID:        make(map[uint32]*Authority),
	}

	for _, a := range sorted {
		committee.ByPubKey[a.PubKeyHex] = a
		committee.ByID[a.ID()] = a
		committee.totalWeight += a.Weight
	}
	committee.quorumWeight = 2*committee.totalWeight/3 + 1

	var b bytes.Buffer
	b.Write(uint64Bytes(epoch))
	for _, a := range sorted {
		pubBytes, err := a.PubKeyBytes()
		if err != nil {
			committee.hashErr = err
			break
		}
		b.Write(pubBytes)
		b.Write(uint64Bytes(a.Weight))
	}
	if committee.hashErr == nil {
		committee.hash = crypto.SHA256(b.Bytes())
		committee.hex = common.EncodeToString(committee.hash)
	}

	return committee
}

// NewCommitteeFromBytes creates a Committee from a JSON-encoded authority
// slice.
func NewCommitteeFromBytes(epoch uint64, raw []byte) (*Committee, error) {
	authorities := []*Authority{}

	dec := json.NewDecoder(bytes.NewBuffer(raw))
	if err := dec.Decode(&authorities); err != nil {
		return nil, err
	}

	return NewCommittee(epoch, authorities), nil
}

// WithEpoch returns a new Committee with the same membership and a new epoch
// number. This is the only supported form of epoch rotation without a
// membership change.
func (c *Committee) WithEpoch(epoch uint64) *Committee {
	return NewCommittee(epoch, c.Authorities)
}

// Len returns the number of authorities in the committee.
func (c *Committee) Len() int {
	return len(c.Authorities)
}

// TotalWeight returns the sum of all authority weights.
func (c *Committee) TotalWeight() uint64 {
	return c.totalWeight
}

// QuorumWeight returns the canonical quorum threshold: strictly more than
// two-thirds of the total weight (2W/3 + 1). With unit weights and W = 3f+1
// this is exactly 2f+1. The same formula serves block parent quorums, payment
// vote quorums, and cluster certificates.
func (c *Committee) QuorumWeight() uint64 {
	return c.quorumWeight
}

// SupportWeight returns the threshold guaranteeing at least one honest
// endorsement: strictly more than one-third of the total weight (W/3 + 1,
// f+1 with unit weights).
func (c *Committee) SupportWeight() uint64 {
	return c.TotalWeight()/3 + 1
}

// MajorityWeight returns a strict majority of the total weight. Global
// certificates must cover cluster certificates of at least this much weight.
func (c *Committee) MajorityWeight() uint64 {
	return c.TotalWeight()/2 + 1
}

// WeightOf returns the weight of the authority with the given ID, or 0 if it
// is not a member.
func (c *Committee) WeightOf(id uint32) uint64 {
	if a, ok := c.ByID[id]; ok {
		return a.Weight
	}
	return 0
}

// WeightOfIDs sums the weights of the given distinct authority IDs.
func (c *Committee) WeightOfIDs(ids map[uint32]bool) uint64 {
	w := uint64(0)
	for id := range ids {
		w += c.WeightOf(id)
	}
	return w
}

// IDs returns the committee's slice of authority IDs, in canonical order.
func (c *Committee) IDs() []uint32 {
	res := make([]uint32, 0, len(c.Authorities))
	for _, a := range c.Authorities {
		res = append(res, a.ID())
	}
	return res
}

// Hash uniquely identifies the committee. It is the SHA256 of the canonically
// ordered public keys and weights, folded with the epoch.
func (c *Committee) Hash() ([]byte, error) {
	return c.hash, c.hashErr
}

// Hex returns the hex representation of the committee hash.
func (c *Committee) Hex() string {
	return c.hex
}

// Marshal returns the JSON encoding of the committee's authorities.
func (c *Committee) Marshal() ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	if err := enc.Encode(c.Authorities); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
