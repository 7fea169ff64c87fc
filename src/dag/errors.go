package dag

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

// ErrPartitionPending is returned when a global certificate cannot be formed
// because the collected cluster certificates do not cover a majority of the
// committee weight. It is a wait condition, not a failure.
var ErrPartitionPending = errors.New("cluster certificates below global quorum, partition pending")

// EquivocationError is returned when an author produces a second, different
// block for an occupied (author, round) slot. The offending block is rejected
// and the author is faulted for the epoch; the validator keeps running.
type EquivocationError struct {
	AuthorID uint32
	Round    uint64
}

func (e EquivocationError) Error() string {
	return fmt.Sprintf("equivocation by author %d in round %d", e.AuthorID, e.Round)
}

// ValidationError is returned when a block fails a deterministic acceptance
// check. It is non-retryable: resubmitting the same block fails the same way.
type ValidationError struct {
	BlockHex string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid block %s: %s", e.BlockHex, e.Reason)
}

// FaultEvidence records Byzantine behaviour observed by this node. It is
// gossiped in block payloads so that the whole committee eventually learns of
// the fault.
type FaultEvidence struct {
	AuthorID        uint32
	Round           uint64
	Epoch           uint64
	AcceptedDigest  string
	OffendingDigest string
}

func (f FaultEvidence) String() string {
	return fmt.Sprintf("author %d equivocated in round %d: %s vs %s",
		f.AuthorID, f.Round, f.AcceptedDigest, f.OffendingDigest)
}

// Marshal returns the canonical JSON encoding of the evidence, for inclusion
// in block payloads.
func (f *FaultEvidence) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes evidence produced by Marshal.
func (f *FaultEvidence) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(f)
}
