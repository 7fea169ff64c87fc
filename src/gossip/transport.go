package gossip

// Transport provides an interface for network transports to allow a node to
// communicate with other authorities.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other
	// authorities can reach us.
	AdvertiseAddr() string

	// Sync, Push, Pull, Transfer, Certificate, and ClusterCerts send the
	// appropriate RPC to the target authority.

	Sync(target string, args *SyncRequest, resp *SyncResponse) error

	Push(target string, args *PushRequest, resp *PushResponse) error

	Pull(target string, args *PullRequest, resp *PullResponse) error

	Transfer(target string, args *TransferRequest, resp *TransferResponse) error

	Certificate(target string, args *CertificateRequest, resp *CertificateResponse) error

	ClusterCerts(target string, args *ClusterCertRequest, resp *ClusterCertResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
