package gossip

import (
	"testing"
	"time"

	"github.com/meshpay/meshpay/src/common"
)

func TestTCPTransportBadAddr(t *testing.T) {
	_, err := NewTCPTransport("0.0.0.0:0", "", 1, time.Second, common.NewTestEntry(t, "test"))
	if err != errNotAdvertisable {
		t.Fatalf("err: %v", err)
	}
}

func TestTCPTransportWithAdvertise(t *testing.T) {
	trans, err := NewTCPTransport("0.0.0.0:0", "127.0.0.1:12345", 1, time.Second, common.NewTestEntry(t, "test"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans.Close()

	if trans.AdvertiseAddr() != "127.0.0.1:12345" {
		t.Fatalf("bad: %v", trans.AdvertiseAddr())
	}
}
