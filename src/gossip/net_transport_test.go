package gossip

import (
	"reflect"
	"testing"
	"time"

	"github.com/meshpay/meshpay/src/common"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/meshpay/meshpay/src/dag"
	"github.com/meshpay/meshpay/src/fastpay"
)

func newTCPPair(t *testing.T) (*NetworkTransport, *NetworkTransport) {
	trans1, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, common.NewTestEntry(t, "trans1"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	go trans1.Listen()

	trans2, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, common.NewTestEntry(t, "trans2"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	go trans2.Listen()

	return trans1, trans2
}

func TestNetworkTransportStartStop(t *testing.T) {
	trans, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, common.NewTestEntry(t, "test"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	trans.Close()
}

func TestNetworkTransportSync(t *testing.T) {
	trans1, trans2 := newTCPPair(t)
	defer trans1.Close()
	defer trans2.Close()

	rpcCh := trans1.Consumer()

	args := SyncRequest{
		FromID:    0,
		Epoch:     1,
		Known:     map[uint32]uint64{0: 1, 1: 2, 2: 3},
		SyncLimit: 100,
	}
	resp := SyncResponse{
		FromID: 1,
		Known:  map[uint32]uint64{0: 5, 1: 5, 2: 6},
	}

	go func() {
		select {
		case rpc := <-rpcCh:
			req := rpc.Command.(*SyncRequest)
			if !reflect.DeepEqual(req, &args) {
				t.Errorf("command mismatch: %#v %#v", *req, args)
			}
			rpc.Respond(&resp, nil)
		case <-time.After(200 * time.Millisecond):
			t.Errorf("timeout")
		}
	}()

	var out SyncResponse
	if err := trans2.Sync(trans1.LocalAddr(), &args, &out); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(resp, out) {
		t.Fatalf("response mismatch: %#v %#v", resp, out)
	}
}

func TestNetworkTransportPush(t *testing.T) {
	trans1, trans2 := newTCPPair(t)
	defer trans1.Close()
	defer trans2.Close()

	rpcCh := trans1.Consumer()

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	block := dag.NewBlock(1, 42, 1, nil, [][]byte{[]byte("payload")})
	if err := block.Sign(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	args := PushRequest{
		FromID: 0,
		Blocks: []*dag.Block{block},
	}

	go func() {
		select {
		case rpc := <-rpcCh:
			req := rpc.Command.(*PushRequest)
			//the block must survive the wire intact: same digest, same
			//signature
			if len(req.Blocks) != 1 || req.Blocks[0].Hex() != block.Hex() {
				t.Errorf("block digest should survive the wire")
			}
			if req.Blocks[0].Signature != block.Signature {
				t.Errorf("block signature should survive the wire")
			}
			rpc.Respond(&PushResponse{FromID: 1, Success: true}, nil)
		case <-time.After(200 * time.Millisecond):
			t.Errorf("timeout")
		}
	}()

	var out PushResponse
	if err := trans2.Push(trans1.LocalAddr(), &args, &out); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !out.Success {
		t.Fatalf("push should succeed")
	}
}

func TestNetworkTransportTransfer(t *testing.T) {
	trans1, trans2 := newTCPPair(t)
	defer trans1.Close()
	defer trans2.Close()

	rpcCh := trans1.Consumer()

	senderKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	order := fastpay.NewTransferOrder(keys.PublicKeyHex(&senderKey.PublicKey), "recipient", 10, 0, 1)
	if err := order.Sign(senderKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	authorityKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	go func() {
		select {
		case rpc := <-rpcCh:
			req := rpc.Command.(*TransferRequest)
			if req.Class != ClassFastPayBCB {
				t.Errorf("traffic class should survive the wire")
			}
			if req.Order.Hex() != order.Hex() {
				t.Errorf("order digest should survive the wire")
			}
			vote, err := fastpay.NewVote(req.Order, 1, authorityKey)
			if err != nil {
				t.Errorf("err: %v", err)
			}
			rpc.Respond(&TransferResponse{FromID: 1, Vote: vote}, nil)
		case <-time.After(200 * time.Millisecond):
			t.Errorf("timeout")
		}
	}()

	args := TransferRequest{Class: ClassFastPayBCB, Order: order}
	var out TransferResponse
	if err := trans2.Transfer(trans1.LocalAddr(), &args, &out); err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Vote == nil || out.Vote.OrderHex != order.Hex() {
		t.Fatalf("vote should endorse the order")
	}
}

func TestNetworkTransportRPCError(t *testing.T) {
	trans1, trans2 := newTCPPair(t)
	defer trans1.Close()
	defer trans2.Close()

	rpcCh := trans1.Consumer()

	go func() {
		rpc := <-rpcCh
		rpc.Respond(&PullResponse{}, ErrTransportShutdown)
	}()

	args := PullRequest{FromID: 0, Digests: []string{"0xaa"}}
	var out PullResponse
	err := trans2.Pull(trans1.LocalAddr(), &args, &out)
	if err == nil || err.Error() != ErrTransportShutdown.Error() {
		t.Fatalf("responder error should travel back, got %v", err)
	}
}
