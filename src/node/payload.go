package node

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// PayloadKind tags the records nodes embed in block payloads. Payments
// finalize outside the DAG; payloads carry auxiliary facts that benefit from
// the total order.
type PayloadKind uint8

const (
	// PayloadCertDigest anchors an executed transfer certificate in the
	// total order.
	PayloadCertDigest PayloadKind = iota
	// PayloadFaultEvidence disseminates proof of equivocation.
	PayloadFaultEvidence
)

// PayloadItem is one record of a block payload.
type PayloadItem struct {
	Kind PayloadKind
	Data []byte
}

// Marshal returns the canonical JSON encoding of the item.
func (p *PayloadItem) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(buf, jh)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an item produced by Marshal.
func (p *PayloadItem) Unmarshal(data []byte) error {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bytes.NewBuffer(data), jh)
	return dec.Decode(p)
}
