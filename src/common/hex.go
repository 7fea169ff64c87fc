package common

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeToString returns the lowercase hex representation of raw with the 0x
// prefix. Content digests are passed around in this form.
func EncodeToString(raw []byte) string {
	return fmt.Sprintf("0x%x", raw)
}

// DecodeFromString converts a hex string, with or without the 0x prefix, back
// to a byte slice.
func DecodeFromString(hexString string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(hexString, "0x"))
}
