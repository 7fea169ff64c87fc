package fastpay

import (
	"bytes"
	"fmt"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/ugorji/go/codec"
)

// TransferCertificate is a transfer order plus votes carrying a quorum of the
// shard committee's weight. It is self-verifying: anyone holding the
// committee's public keys can check it, with no coordinator involved, and it
// is the authoritative record of the transfer's finality.
type TransferCertificate struct {
	Order *TransferOrder
	Votes []*Vote
}

// NewTransferCertificate assembles a certificate from collected votes.
func NewTransferCertificate(order *TransferOrder, votes []*Vote) *TransferCertificate {
	return &TransferCertificate{
		Order: order,
		Votes: votes,
	}
}

// Verify checks quorum soundness: every vote must be a valid signature over
// this exact order's digest, signers must be distinct committee members, and
// their combined weight must reach the quorum threshold.
func (tc *TransferCertificate) Verify(c *committee.Committee) (bool, error) {
	if tc.Order == nil {
		return false, fmt.Errorf("certificate has no order")
	}

	if valid, err := tc.Order.Verify(); err != nil || !valid {
		return false, err
	}

	signers := make(map[uint32]bool)
	for _, vote := range tc.Votes {
		if signers[vote.AuthorityID] {
			continue
		}

		valid, err := vote.Verify(tc.Order, c)
		if err != nil {
			return false, err
		}
		if !valid {
			continue
		}

		signers[vote.AuthorityID] = true
	}

	return c.WeightOfIDs(signers) >= c.QuorumWeight(), nil
}

// Hex returns the underlying order's digest; a certificate finalizes exactly
// one order, so they share an identity.
func (tc *TransferCertificate) Hex() string {
	return tc.Order.Hex()
}

// Marshal returns the canonical JSON encoding of the certificate.
func (tc *TransferCertificate) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(tc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a certificate produced by Marshal.
func (tc *TransferCertificate) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(tc)
}
