package fastpay

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/meshpay/meshpay/src/crypto"
	"github.com/meshpay/meshpay/src/crypto/keys"
)

// RejectCode classifies why an authority refused an order or certificate.
// Validation failures are non-retryable without correcting the order; a
// deferred certificate is a wait condition, not a failure.
type RejectCode uint32

const (
	// CodeBadSignature means the order or vote signature did not verify.
	CodeBadSignature RejectCode = iota
	// CodeUnknownAccount means the sender account is not in this shard's
	// ledger.
	CodeUnknownAccount
	// CodeStaleNonce means the nonce was already consumed (replay).
	CodeStaleNonce
	// CodeFutureNonce means the nonce skips ahead of the account sequence.
	CodeFutureNonce
	// CodeNonceReserved means a different order already holds this nonce
	// slot.
	CodeNonceReserved
	// CodeInsufficientBalance means the amount exceeds the spendable
	// balance.
	CodeInsufficientBalance
	// CodeBadEpoch means the order's epoch is outside the validity window.
	CodeBadEpoch
	// CodeExpired means the order's TTL elapsed before it was locked.
	CodeExpired
	// CodeWrongShard means this authority does not serve the sender's shard.
	CodeWrongShard
	// CodeDeferred means the certificate is valid but cross-cluster
	// execution is paused until the partition heals.
	CodeDeferred
)

var rejectCodes = map[RejectCode]string{
	CodeBadSignature:        "bad signature",
	CodeUnknownAccount:      "unknown account",
	CodeStaleNonce:          "stale nonce",
	CodeFutureNonce:         "future nonce",
	CodeNonceReserved:       "nonce reserved by another order",
	CodeInsufficientBalance: "insufficient balance",
	CodeBadEpoch:            "epoch outside validity window",
	CodeExpired:             "order expired",
	CodeWrongShard:          "wrong shard",
	CodeDeferred:            "cross-cluster execution deferred",
}

// String implements the Stringer interface.
func (c RejectCode) String() string {
	if s, ok := rejectCodes[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown reject code %d", uint32(c))
}

// Retryable reports whether resubmitting the same order can succeed.
func (c RejectCode) Retryable() bool {
	return c == CodeDeferred
}

// Rejection is a signed refusal returned to the client, so the client can
// prove what the authority answered.
type Rejection struct {
	OrderHex    string
	Code        RejectCode
	AuthorityID uint32
	Signature   string
}

// NewRejection builds and signs a rejection for the given order digest.
func NewRejection(orderHex string, code RejectCode, authorityID uint32, key *ecdsa.PrivateKey) *Rejection {
	rejection := &Rejection{
		OrderHex:    orderHex,
		Code:        code,
		AuthorityID: authorityID,
	}

	r, s, err := keys.Sign(key, rejection.signBytes())
	if err == nil {
		rejection.Signature = keys.EncodeSignature(r, s)
	}

	return rejection
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("order %s rejected by authority %d: %s", r.OrderHex, r.AuthorityID, r.Code)
}

func (r *Rejection) signBytes() []byte {
	return crypto.SHA256([]byte(fmt.Sprintf("%s|%d|%d", r.OrderHex, r.Code, r.AuthorityID)))
}

// Receipt acknowledges a certificate submission. Applied certificates changed
// balances; deferred ones are queued for after the partition heals; a
// replayed certificate reports Applied with no further effect.
type Receipt struct {
	OrderHex    string
	AuthorityID uint32
	Applied     bool
	Deferred    bool
}
