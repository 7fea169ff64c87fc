package node

import (
	"crypto/ecdsa"

	"github.com/meshpay/meshpay/src/crypto/keys"
)

// Signer holds the key material identifying this node within the committee.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	id       uint32
	pubBytes []byte
	pubHex   string
}

// NewSigner is a factory method for a Signer.
func NewSigner(key *ecdsa.PrivateKey, moniker string) *Signer {
	return &Signer{
		Key:     key,
		Moniker: moniker,
	}
}

// ID returns the node's committee ID.
func (s *Signer) ID() uint32 {
	if s.id == 0 {
		s.id = keys.PublicKeyID(s.PublicKeyBytes())
	}
	return s.id
}

// PublicKeyBytes returns the node's public key as a byte array.
func (s *Signer) PublicKeyBytes() []byte {
	if len(s.pubBytes) == 0 {
		s.pubBytes = keys.FromPublicKey(&s.Key.PublicKey)
	}
	return s.pubBytes
}

// PublicKeyHex returns the node's public key as a hex string.
func (s *Signer) PublicKeyHex() string {
	if len(s.pubHex) == 0 {
		s.pubHex = keys.PublicKeyHex(&s.Key.PublicKey)
	}
	return s.pubHex
}
