package dag

import (
	"bytes"
	"crypto/ecdsa"
	"sort"

	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

/*******************************************************************************
BlockBody
*******************************************************************************/

// BlockBody contains the payload of a Block and the parent references that tie
// it to the previous round. Parents reference strictly earlier rounds, so the
// graph is acyclic by construction. The payload carries auxiliary facts only
// (transfer-certificate digests, fault evidence, configuration records);
// payments themselves finalize outside the DAG.
type BlockBody struct {
	Round    uint64
	AuthorID uint32
	Epoch    uint64
	Parents  []string //digests of previous-round blocks, canonically sorted
	Payload  [][]byte
}

// Marshal returns the canonical JSON encoding of a BlockBody.
func (b *BlockBody) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal converts a canonical JSON encoding back to a BlockBody.
func (b *BlockBody) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(b)
}

// Hash returns the SHA256 hash of the canonical encoding. This is the block's
// identity.
func (b *BlockBody) Hash() ([]byte, error) {
	hashBytes, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

/*******************************************************************************
Block
*******************************************************************************/

// Block is the unit of the DAG. It contains a BlockBody and a signature of the
// body by the block's author. Identity is the content digest of the body; a
// Block is immutable once signed.
type Block struct {
	Body      BlockBody
	Signature string

	hash []byte
	hex  string
}

// NewBlock instantiates a new Block. Parents are sorted into canonical order
// so that the same references always produce the same digest.
func NewBlock(round uint64, authorID uint32, epoch uint64, parents []string, payload [][]byte) *Block {
	sortedParents := make([]string, len(parents))
	copy(sortedParents, parents)
	sort.Strings(sortedParents)

	return &Block{
		Body: BlockBody{
			Round:    round,
			AuthorID: authorID,
			Epoch:    epoch,
			Parents:  sortedParents,
			Payload:  payload,
		},
	}
}

// Round returns the block's round.
func (b *Block) Round() uint64 {
	return b.Body.Round
}

// AuthorID returns the block author's committee ID.
func (b *Block) AuthorID() uint32 {
	return b.Body.AuthorID
}

// Parents returns the block's parent digests.
func (b *Block) Parents() []string {
	return b.Body.Parents
}

// PayloadDigest returns the SHA256 digest of the concatenated payload items.
func (b *Block) PayloadDigest() []byte {
	var buf bytes.Buffer
	for _, p := range b.Body.Payload {
		buf.Write(p)
	}
	return crypto.SHA256(buf.Bytes())
}

// Sign signs the hash of the block's body with an ecdsa key.
func (b *Block) Sign(privKey *ecdsa.PrivateKey) error {
	signBytes, err := b.Body.Hash()
	if err != nil {
		return err
	}

	R, S, err := keys.Sign(privKey, signBytes)
	if err != nil {
		return err
	}

	b.Signature = keys.EncodeSignature(R, S)

	return nil
}

// Verify verifies the block's signature against the author's public key.
func (b *Block) Verify(pubBytes []byte) (bool, error) {
	pubKey := keys.ToPublicKey(pubBytes)

	signBytes, err := b.Body.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(b.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Hash returns the block's content digest.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		hash, err := b.Body.Hash()
		if err != nil {
			return nil, err
		}
		b.hash = hash
	}
	return b.hash, nil
}

// Hex returns the hex string of the block's content digest. Blocks are keyed
// by this string everywhere.
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}

// Marshal returns the canonical JSON encoding of the whole block, body and
// signature, for storage and wire transfer.
func (b *Block) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)

	wrapper := blockWrapper{
		Body:      b.Body,
		Signature: b.Signature,
	}

	if err := enc.Encode(wrapper); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes a block produced by Marshal.
func (b *Block) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)

	var wrapper blockWrapper
	if err := dec.Decode(&wrapper); err != nil {
		return err
	}

	b.Body = wrapper.Body
	b.Signature = wrapper.Signature
	b.hash = nil
	b.hex = ""

	return nil
}

type blockWrapper struct {
	Body      BlockBody
	Signature string
}
