package dag

import (
	"bytes"
	"crypto/ecdsa"
	"sort"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

/*
During a partition each cluster of connected authorities keeps committing
blocks locally. A ClusterCertificate is the aggregate proof of a cluster's
committed prefix; a GlobalCertificate is formed, after the partition heals, by
merging cluster certificates that cover non-conflicting histories and a
majority of the total committee weight. Honest clusters can never conflict on
an (author, round) slot because equivocation is rejected at ingestion, so a
conflict is itself Byzantine evidence.
*/

// SlotRef identifies the block occupying one (author, round) slot of a
// committed prefix.
type SlotRef struct {
	Round    uint64
	AuthorID uint32
	Digest   string
}

/*******************************************************************************
ClusterCertificate
*******************************************************************************/

// ClusterCertificate is a quorum-signed statement that a cluster committed a
// prefix of the DAG. Height is the number of committed blocks covered, Prefix
// the running chain-hash of their digests in committed order, and Slots the
// slot assignments the prefix covers.
type ClusterCertificate struct {
	ClusterID  string
	Epoch      uint64
	Height     uint64
	Prefix     string
	Slots      []SlotRef
	Signatures map[uint32]string //authorityID => signature of the content hash

	hash []byte
	hex  string
}

type clusterCertBody struct {
	ClusterID string
	Epoch     uint64
	Height    uint64
	Prefix    string
	Slots     []SlotRef
}

// NewClusterCertificate builds an unsigned certificate over a committed
// prefix. Slots are canonicalised by (round, author).
func NewClusterCertificate(clusterID string, epoch, height uint64, prefix string, slots []SlotRef) *ClusterCertificate {
	sorted := make([]SlotRef, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Round != sorted[j].Round {
			return sorted[i].Round < sorted[j].Round
		}
		return sorted[i].AuthorID < sorted[j].AuthorID
	})

	return &ClusterCertificate{
		ClusterID:  clusterID,
		Epoch:      epoch,
		Height:     height,
		Prefix:     prefix,
		Slots:      sorted,
		Signatures: make(map[uint32]string),
	}
}

// Hash returns the digest of the certificate content, excluding signatures.
func (cc *ClusterCertificate) Hash() ([]byte, error) {
	if len(cc.hash) == 0 {
		body := clusterCertBody{
			ClusterID: cc.ClusterID,
			Epoch:     cc.Epoch,
			Height:    cc.Height,
			Prefix:    cc.Prefix,
			Slots:     cc.Slots,
		}

		buf := new(bytes.Buffer)
		jh := new(codec.JsonHandle)
		jh.Canonical = true
		enc := codec.NewEncoder(buf, jh)
		if err := enc.Encode(body); err != nil {
			return nil, err
		}

		cc.hash = crypto.SHA256(buf.Bytes())
	}
	return cc.hash, nil
}

// Hex returns the hex representation of the content hash.
func (cc *ClusterCertificate) Hex() string {
	if cc.hex == "" {
		hash, _ := cc.Hash()
		cc.hex = common.EncodeToString(hash)
	}
	return cc.hex
}

// Sign adds the calling authority's signature share.
func (cc *ClusterCertificate) Sign(authorityID uint32, key *ecdsa.PrivateKey) error {
	signBytes, err := cc.Hash()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(key, signBytes)
	if err != nil {
		return err
	}

	cc.Signatures[authorityID] = keys.EncodeSignature(r, s)

	return nil
}

// AddSignature merges a signature share received from a peer.
func (cc *ClusterCertificate) AddSignature(authorityID uint32, signature string) {
	if _, ok := cc.Signatures[authorityID]; !ok {
		cc.Signatures[authorityID] = signature
	}
}

// SignatureWeight sums the weights of valid signers that belong to the
// cluster.
func (cc *ClusterCertificate) SignatureWeight(cl *committee.Cluster) (uint64, error) {
	signBytes, err := cc.Hash()
	if err != nil {
		return 0, err
	}

	weight := uint64(0)
	for id, sig := range cc.Signatures {
		if !cl.Contains(id) {
			continue
		}

		authority, ok := cl.Committee.ByID[id]
		if !ok {
			continue
		}

		pubBytes, err := authority.PubKeyBytes()
		if err != nil {
			continue
		}

		r, s, err := keys.DecodeSignature(sig)
		if err != nil {
			continue
		}

		if keys.Verify(keys.ToPublicKey(pubBytes), signBytes, r, s) {
			weight += authority.Weight
		}
	}

	return weight, nil
}

// Verify checks that the certificate carries a local quorum of valid cluster
// signatures.
func (cc *ClusterCertificate) Verify(cl *committee.Cluster) (bool, error) {
	weight, err := cc.SignatureWeight(cl)
	if err != nil {
		return false, err
	}
	return weight >= cl.QuorumWeight(), nil
}

// SignerIDs returns the IDs of all signature holders.
func (cc *ClusterCertificate) SignerIDs() map[uint32]bool {
	ids := make(map[uint32]bool, len(cc.Signatures))
	for id := range cc.Signatures {
		ids[id] = true
	}
	return ids
}

// Marshal returns the canonical JSON encoding of the certificate.
func (cc *ClusterCertificate) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(cc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a certificate produced by Marshal.
func (cc *ClusterCertificate) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(cc)
}

/*******************************************************************************
GlobalCertificate
*******************************************************************************/

// GlobalCertificate is the merge of non-conflicting cluster certificates
// covering a majority of the committee's total weight. Once it exists,
// cross-cluster transfers deferred during the partition can execute.
type GlobalCertificate struct {
	Epoch         uint64
	Certificates  []*ClusterCertificate
	Slots         []SlotRef
	CoveredWeight uint64
}

// Marshal returns the canonical JSON encoding of the certificate.
func (gc *GlobalCertificate) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(gc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a certificate produced by Marshal.
func (gc *GlobalCertificate) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(gc)
}

// MergeClusterCertificates merges cluster certificates into a
// GlobalCertificate. Certificates disagreeing about an (author, round) slot
// expose an equivocating author: the offending author's slots are excluded
// from the merge and fault evidence is returned, but the merge itself
// proceeds. ErrPartitionPending is returned while the certificates cover less
// than a majority of the total committee weight.
func MergeClusterCertificates(c *committee.Committee, certs []*ClusterCertificate) (*GlobalCertificate, []FaultEvidence, error) {
	type slotID struct {
		round    uint64
		authorID uint32
	}

	occupied := make(map[slotID]SlotRef)
	excluded := make(map[uint32]bool)
	faults := []FaultEvidence{}

	for _, cert := range certs {
		for _, slot := range cert.Slots {
			id := slotID{slot.Round, slot.AuthorID}
			prev, ok := occupied[id]
			if !ok {
				occupied[id] = slot
				continue
			}
			if prev.Digest != slot.Digest && !excluded[slot.AuthorID] {
				excluded[slot.AuthorID] = true
				faults = append(faults, FaultEvidence{
					AuthorID:        slot.AuthorID,
					Round:           slot.Round,
					Epoch:           cert.Epoch,
					AcceptedDigest:  prev.Digest,
					OffendingDigest: slot.Digest,
				})
			}
		}
	}

	//coverage is the union of signer weights across certificates
	signers := make(map[uint32]bool)
	for _, cert := range certs {
		for id := range cert.SignerIDs() {
			signers[id] = true
		}
	}

	coveredWeight := c.WeightOfIDs(signers)
	if coveredWeight < c.MajorityWeight() {
		return nil, faults, ErrPartitionPending
	}

	merged := make([]SlotRef, 0, len(occupied))
	for id, slot := range occupied {
		if excluded[id.authorID] {
			continue
		}
		merged = append(merged, slot)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Round != merged[j].Round {
			return merged[i].Round < merged[j].Round
		}
		return merged[i].AuthorID < merged[j].AuthorID
	})

	global := &GlobalCertificate{
		Epoch:         certs[0].Epoch,
		Certificates:  certs,
		Slots:         merged,
		CoveredWeight: coveredWeight,
	}

	return global, faults, nil
}
