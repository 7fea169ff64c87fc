package fastpay

import (
	"crypto/ecdsa"
	"fmt"
	"testing"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/crypto/keys"
)

// testNetwork holds a committee with its private keys, plus a funded client
// pair to submit transfers with.
type testNetwork struct {
	committee *committee.Committee
	keys      map[uint32]*ecdsa.PrivateKey

	senderKey   *ecdsa.PrivateKey
	senderID    string
	recipientID string
}

func initTestNetwork(t *testing.T, n int) *testNetwork {
	privKeys := map[uint32]*ecdsa.PrivateKey{}
	authorities := []*committee.Authority{}

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		authority := committee.NewAuthority(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("addr%d", i),
			fmt.Sprintf("node%d", i),
			1)
		authorities = append(authorities, authority)
		privKeys[authority.ID()] = key
	}

	senderKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	recipientKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	return &testNetwork{
		committee:   committee.NewCommittee(1, authorities),
		keys:        privKeys,
		senderKey:   senderKey,
		senderID:    keys.PublicKeyHex(&senderKey.PublicKey),
		recipientID: keys.PublicKeyHex(&recipientKey.PublicKey),
	}
}

func (tn *testNetwork) newOrder(t *testing.T, recipient string, amount, nonce uint64) *TransferOrder {
	order := NewTransferOrder(tn.senderID, recipient, amount, nonce, tn.committee.Epoch)
	if err := order.Sign(tn.senderKey); err != nil {
		t.Fatalf("err: %v", err)
	}
	return order
}

// certify assembles a certificate with votes from every committee member.
func (tn *testNetwork) certify(t *testing.T, order *TransferOrder) *TransferCertificate {
	votes := []*Vote{}
	for _, authority := range tn.committee.Authorities {
		vote, err := NewVote(order, authority.ID(), tn.keys[authority.ID()])
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		votes = append(votes, vote)
	}
	return NewTransferCertificate(order, votes)
}

func fund(t *testing.T, ledger Ledger, id string, balance int64, nonce uint64, owner uint32) {
	err := ledger.PutAccount(&Account{
		ID:        id,
		Balance:   balance,
		NextNonce: nonce,
		Owner:     owner,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
}
