package fastpay

import (
	"bytes"
	"crypto/ecdsa"
	"time"

	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// DefaultOrderTTL is how long a signed order remains submittable.
const DefaultOrderTTL = 30 * time.Second

/*******************************************************************************
OrderBody
*******************************************************************************/

// OrderBody is the signed content of a transfer order. The nonce ties the
// order to exactly one slot of the sender's account; the epoch ties it to one
// committee; the TTL bounds how long a lock can linger unresolved.
type OrderBody struct {
	Sender    string //sender account ID (public key hex)
	Recipient string
	Amount    uint64
	Nonce     uint64
	Epoch     uint64
	Timestamp int64 //unix seconds
	TTL       int64 //seconds
}

// Marshal returns the canonical JSON encoding of the order body.
func (b *OrderBody) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA256 digest of the canonical encoding. Votes sign this
// digest, so a vote endorses the exact order bytes.
func (b *OrderBody) Hash() ([]byte, error) {
	raw, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(raw), nil
}

/*******************************************************************************
TransferOrder
*******************************************************************************/

// TransferOrder is a client's signed spend intent, the Lock of the payment
// state machine. It is immutable once signed and identified by its content
// digest.
type TransferOrder struct {
	Body      OrderBody
	Signature string

	hash []byte
	hex  string
}

// NewTransferOrder builds an unsigned order stamped with the current time and
// the default TTL.
func NewTransferOrder(sender, recipient string, amount, nonce, epoch uint64) *TransferOrder {
	return &TransferOrder{
		Body: OrderBody{
			Sender:    sender,
			Recipient: recipient,
			Amount:    amount,
			Nonce:     nonce,
			Epoch:     epoch,
			Timestamp: time.Now().Unix(),
			TTL:       int64(DefaultOrderTTL / time.Second),
		},
	}
}

// Sign signs the order body with the sender's key.
func (o *TransferOrder) Sign(privKey *ecdsa.PrivateKey) error {
	signBytes, err := o.Body.Hash()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(privKey, signBytes)
	if err != nil {
		return err
	}

	o.Signature = keys.EncodeSignature(r, s)

	return nil
}

// Verify checks the sender's signature. The sender's public key is the
// account ID itself.
func (o *TransferOrder) Verify() (bool, error) {
	pubBytes, err := common.DecodeFromString(o.Body.Sender)
	if err != nil {
		return false, err
	}

	signBytes, err := o.Body.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(o.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(keys.ToPublicKey(pubBytes), signBytes, r, s), nil
}

// Expired reports whether the order's TTL has elapsed at the given time.
func (o *TransferOrder) Expired(now time.Time) bool {
	return now.Unix() > o.Body.Timestamp+o.Body.TTL
}

// Hash returns the order's content digest.
func (o *TransferOrder) Hash() ([]byte, error) {
	if len(o.hash) == 0 {
		hash, err := o.Body.Hash()
		if err != nil {
			return nil, err
		}
		o.hash = hash
	}
	return o.hash, nil
}

// Hex returns the hex form of the order's content digest.
func (o *TransferOrder) Hex() string {
	if o.hex == "" {
		hash, _ := o.Hash()
		o.hex = common.EncodeToString(hash)
	}
	return o.hex
}
