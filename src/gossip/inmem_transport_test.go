package gossip

import (
	"testing"
	"time"
)

func TestInmemTransportSync(t *testing.T) {
	addr1, trans1 := NewInmemTransport("")
	addr2, trans2 := NewInmemTransport("")

	trans1.Connect(addr2, trans2)
	trans2.Connect(addr1, trans1)

	go func() {
		select {
		case rpc := <-trans2.Consumer():
			req := rpc.Command.(*SyncRequest)
			rpc.Respond(&SyncResponse{
				FromID: 1,
				Known:  map[uint32]uint64{req.FromID: 5},
			}, nil)
		case <-time.After(200 * time.Millisecond):
			t.Errorf("timeout")
		}
	}()

	args := SyncRequest{FromID: 0, Epoch: 1, Known: map[uint32]uint64{}}
	var out SyncResponse
	if err := trans1.Sync(addr2, &args, &out); err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Known[0] != 5 {
		t.Fatalf("response mismatch: %v", out)
	}

	//a disconnected peer is unreachable
	trans1.Disconnect(addr2)
	if err := trans1.Sync(addr2, &args, &out); err == nil {
		t.Fatalf("disconnected peer should be unreachable")
	}
}
