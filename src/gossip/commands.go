package gossip

import (
	"github.com/meshpay/meshpay/src/dag"
	"github.com/meshpay/meshpay/src/fastpay"
)

// TrafficClass orders messages by forwarding priority on constrained links.
// Payment protocol traffic preempts block dissemination, which preempts
// everything else.
type TrafficClass uint8

const (
	// ClassBestEffort is background traffic with no delivery priority.
	ClassBestEffort TrafficClass = iota
	// ClassPaymentData covers block and certificate dissemination.
	ClassPaymentData
	// ClassFastPayBCB covers orders, votes, and transfer certificates; it is
	// forwarded ahead of everything else.
	ClassFastPayBCB
)

// String implements the Stringer interface.
func (tc TrafficClass) String() string {
	switch tc {
	case ClassFastPayBCB:
		return "fastpay-bcb"
	case ClassPaymentData:
		return "payment-data"
	default:
		return "best-effort"
	}
}

// SyncRequest is the pull half of the gossip exchange. Known maps each
// committee author to the highest round the requester holds a block for; the
// responder answers with blocks above those rounds, capped at SyncLimit.
type SyncRequest struct {
	FromID    uint32
	Epoch     uint64
	Known     map[uint32]uint64
	SyncLimit int
}

// SyncResponse returns the blocks the requester is missing, plus the
// responder's own Known map so the requester can push back what the responder
// lacks.
type SyncResponse struct {
	FromID uint32
	Blocks []*dag.Block
	Known  map[uint32]uint64
}

// PushRequest is the push half of the gossip exchange: blocks sent without
// being asked for.
type PushRequest struct {
	FromID uint32
	Blocks []*dag.Block
}

// PushResponse indicates the success or failure of a PushRequest.
type PushResponse struct {
	FromID  uint32
	Success bool
}

// PullRequest fetches specific blocks by digest. It resolves missing-parent
// holes that round-based sync cannot express.
type PullRequest struct {
	FromID  uint32
	Digests []string
}

// PullResponse returns the requested blocks that the responder holds.
type PullResponse struct {
	FromID uint32
	Blocks []*dag.Block
}

// TransferRequest submits a transfer order to an authority.
type TransferRequest struct {
	Class TrafficClass
	Order *fastpay.TransferOrder
}

// TransferResponse carries the authority's vote or signed rejection.
type TransferResponse struct {
	FromID    uint32
	Vote      *fastpay.Vote
	Rejection *fastpay.Rejection
}

// CertificateRequest submits a transfer certificate for execution.
type CertificateRequest struct {
	Class TrafficClass
	Cert  *fastpay.TransferCertificate
}

// CertificateResponse carries the execution receipt or signed rejection.
type CertificateResponse struct {
	FromID    uint32
	Receipt   *fastpay.Receipt
	Rejection *fastpay.Rejection
}

// ClusterCertRequest exchanges cluster certificates after a partition heals.
// Both sides learn what the other side committed; the exchange is symmetric.
type ClusterCertRequest struct {
	FromID       uint32
	Epoch        uint64
	Certificates []*dag.ClusterCertificate
}

// ClusterCertResponse returns the responder's own cluster certificates for
// the same epoch.
type ClusterCertResponse struct {
	FromID       uint32
	Certificates []*dag.ClusterCertificate
}
