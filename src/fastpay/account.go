package fastpay

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Account is the payment-side state of one client, replicated by the
// authorities of its shard. NextNonce is the only serialization point of the
// whole payment protocol: an order is voteable iff its nonce equals NextNonce
// exactly, and executing a certificate advances it by one. Balance is signed:
// an authority that executes a certificate it has not voted on, after missing
// the preceding ones, can hold a transiently negative view until the earlier
// certificates reach it. Voting still requires a non-negative covering
// balance, so the network-wide balance never goes below zero. Owner is the
// authority currently responsible for executing certificates against this
// account; it changes only through a signed handoff.
type Account struct {
	ID        string //the owner client's public key, in hex form
	Balance   int64
	NextNonce uint64
	Owner     uint32 //shard owner authority ID
}

// Copy returns a value copy, so callers can mutate without aliasing ledger
// state.
func (a *Account) Copy() *Account {
	c := *a
	return &c
}

// Marshal returns the canonical JSON encoding of the account.
func (a *Account) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an account produced by Marshal.
func (a *Account) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(a)
}

// PendingVote records the vote an authority has already emitted for an
// account's current nonce. It is persisted with the account so that a restart
// cannot lead to two distinct votes for one nonce. Expiry mirrors the order's
// TTL: once it passes, the nonce slot is free for a different order.
type PendingVote struct {
	OrderHex string
	Nonce    uint64
	Expiry   int64 //unix seconds
	Vote     *Vote
}

// Marshal returns the canonical JSON encoding of the pending vote.
func (pv *PendingVote) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(pv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a pending vote produced by Marshal.
func (pv *PendingVote) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(pv)
}
