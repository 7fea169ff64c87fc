package crypto

import "crypto/sha256"

// SHA256 returns the SHA256 hash of data. All content digests in the DAG and
// the payment protocol are computed with this function.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// ChainHash returns the SHA256 hash of the concatenation of prev and next. It
// is used to fold a committed prefix into a single running digest.
func ChainHash(prev []byte, next []byte) []byte {
	hasher := sha256.New()
	hasher.Write(prev)
	hasher.Write(next)
	return hasher.Sum(nil)
}
