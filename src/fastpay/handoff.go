package fastpay

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// HandoffProof reassigns an account's shard ownership from one authority to
// another. Like a transfer certificate it is self-verifying: it takes effect
// once it carries a quorum of the committee's weight, and each authority
// applies it independently.
type HandoffProof struct {
	AccountID  string
	From       uint32
	To         uint32
	Epoch      uint64
	Signatures map[uint32]string

	hash []byte
	hex  string
}

// NewHandoffProof creates an unsigned handoff proof.
func NewHandoffProof(accountID string, from, to uint32, epoch uint64) *HandoffProof {
	return &HandoffProof{
		AccountID:  accountID,
		From:       from,
		To:         to,
		Epoch:      epoch,
		Signatures: make(map[uint32]string),
	}
}

// Hash returns the SHA256 digest of the proof body, signatures excluded.
func (hp *HandoffProof) Hash() []byte {
	if hp.hash == nil {
		hp.hash = crypto.SHA256([]byte(fmt.Sprintf("%s|%d|%d|%d", hp.AccountID, hp.From, hp.To, hp.Epoch)))
	}
	return hp.hash
}

// Hex returns the hex-encoded digest.
func (hp *HandoffProof) Hex() string {
	if hp.hex == "" {
		hp.hex = common.EncodeToString(hp.Hash())
	}
	return hp.hex
}

// AddSignature signs the proof body and records the signature under the
// authority's ID.
func (hp *HandoffProof) AddSignature(authorityID uint32, key *ecdsa.PrivateKey) error {
	r, s, err := keys.Sign(key, hp.Hash())
	if err != nil {
		return err
	}
	hp.Signatures[authorityID] = keys.EncodeSignature(r, s)
	return nil
}

// Verify checks that the valid signatures carry a quorum of the committee's
// weight.
func (hp *HandoffProof) Verify(c *committee.Committee) (bool, error) {
	signers := make(map[uint32]bool)

	for id, sig := range hp.Signatures {
		authority, ok := c.ByID[id]
		if !ok {
			continue
		}

		pubBytes, err := authority.PubKeyBytes()
		if err != nil {
			return false, err
		}

		r, s, err := keys.DecodeSignature(sig)
		if err != nil {
			return false, err
		}

		if keys.Verify(keys.ToPublicKey(pubBytes), hp.Hash(), r, s) {
			signers[id] = true
		}
	}

	return c.WeightOfIDs(signers) >= c.QuorumWeight(), nil
}

// Marshal returns the canonical JSON encoding of the proof.
func (hp *HandoffProof) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(hp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a proof produced by Marshal.
func (hp *HandoffProof) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(hp)
}
