package dag

// Store is the content-addressed ledger of accepted blocks, plus the
// bookkeeping the commit rule and the cluster-merge mechanism need. All
// methods are safe for concurrent use; the gossip tasks and the validator talk
// to the same Store.
type Store interface {
	// CacheSize returns the size of the recent-round window.
	CacheSize() int

	// GetBlock retrieves a block by content digest.
	GetBlock(hex string) (*Block, error)

	// SetBlock stores an already-validated block and indexes its
	// (author, round) slot. Storing the same block twice is a no-op; storing
	// a different block for an occupied slot returns a KeyAlreadyExists
	// store error.
	SetBlock(block *Block) error

	// HasBlock returns true if the digest is present.
	HasBlock(hex string) bool

	// SlotDigest returns the digest occupying the (author, round) slot, or a
	// KeyNotFound store error.
	SlotDigest(authorID uint32, round uint64) (string, error)

	// RoundDigests returns the digests of all accepted blocks in a round.
	RoundDigests(round uint64) ([]string, error)

	// LastRound returns the highest round with at least one accepted block.
	LastRound() uint64

	// AddCommitted appends a block digest to the committed sequence.
	AddCommitted(seq int, hex string) error

	// Committed returns the digest at a position of the committed sequence.
	Committed(seq int) (string, error)

	// LastCommittedSeq returns the last position of the committed sequence,
	// or -1 when nothing is committed.
	LastCommittedSeq() int

	// SetClusterCertificate stores a cluster certificate.
	SetClusterCertificate(cert *ClusterCertificate) error

	// ClusterCertificates returns all stored cluster certificates for an
	// epoch.
	ClusterCertificates(epoch uint64) ([]*ClusterCertificate, error)

	// SetGlobalCertificate stores the global certificate for an epoch.
	SetGlobalCertificate(cert *GlobalCertificate) error

	// GlobalCertificate returns the stored global certificate for an epoch,
	// or a KeyNotFound store error.
	GlobalCertificate(epoch uint64) (*GlobalCertificate, error)

	// NeedBootstrap returns true if the store was loaded from an existing
	// database and holds state to replay.
	NeedBootstrap() bool

	// Close releases underlying resources.
	Close() error
}
