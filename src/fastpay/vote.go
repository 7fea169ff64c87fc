package fastpay

import (
	"crypto/ecdsa"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/crypto/keys"
)

// Vote is one authority's signature over a transfer order digest. An
// authority emits at most one vote per (account, nonce); this is enforced by
// the authority's own pending-vote state, not by the network.
type Vote struct {
	OrderHex    string
	AuthorityID uint32
	Signature   string
}

// NewVote signs the order digest with the authority's key.
func NewVote(order *TransferOrder, authorityID uint32, key *ecdsa.PrivateKey) (*Vote, error) {
	signBytes, err := order.Hash()
	if err != nil {
		return nil, err
	}

	r, s, err := keys.Sign(key, signBytes)
	if err != nil {
		return nil, err
	}

	return &Vote{
		OrderHex:    order.Hex(),
		AuthorityID: authorityID,
		Signature:   keys.EncodeSignature(r, s),
	}, nil
}

// Verify checks the vote against the order digest and the authority's
// committee key.
func (v *Vote) Verify(order *TransferOrder, c *committee.Committee) (bool, error) {
	if v.OrderHex != order.Hex() {
		return false, nil
	}

	authority, ok := c.ByID[v.AuthorityID]
	if !ok {
		return false, nil
	}

	pubBytes, err := authority.PubKeyBytes()
	if err != nil {
		return false, err
	}

	signBytes, err := order.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(v.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(keys.ToPublicKey(pubBytes), signBytes, r, s), nil
}
