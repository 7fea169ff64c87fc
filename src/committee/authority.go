package committee

import (
	"github.com/meshpay/meshpay/src/common"
)

// Authority is a committee member. It validates blocks, votes on transfer
// orders, and owns a shard of accounts. The ID is derived from the public key
// and is never transmitted; each node computes it locally.
type Authority struct {
	NetAddr   string `json:"NetAddr"`
	PubKeyHex string `json:"PubKeyHex"`
	Moniker   string `json:"Moniker"`
	Weight    uint64 `json:"Weight"`

	id uint32
}

// NewAuthority creates an Authority from a public key, network address,
// moniker, and voting weight.
func NewAuthority(pubKeyHex, netAddr, moniker string, weight uint64) *Authority {
	if weight == 0 {
		weight = 1
	}

	authority := &Authority{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
		Weight:    weight,
	}

	return authority
}

// ID returns the authority's unique ID, a 32-bit hash of its public key.
func (a *Authority) ID() uint32 {
	if a.id == 0 {
		pubBytes, err := a.PubKeyBytes()
		if err != nil {
			return 0
		}
		a.id = common.Hash32(pubBytes)
	}
	return a.id
}

// PubKeyBytes returns the decoded public key.
func (a *Authority) PubKeyBytes() ([]byte, error) {
	return common.DecodeFromString(a.PubKeyHex)
}

// ExcludeAuthority returns authorities with the given ID filtered out, along
// with the index at which it was found (-1 if absent).
func ExcludeAuthority(authorities []*Authority, id uint32) (int, []*Authority) {
	index := -1
	others := make([]*Authority, 0, len(authorities))
	for i, a := range authorities {
		if a.ID() != id {
			others = append(others, a)
		} else {
			index = i
		}
	}
	return index, others
}
