package common

import "fmt"

// StoreErrType classifies store access failures.
type StoreErrType uint32

const (
	// KeyNotFound is returned when an item is not in the store.
	KeyNotFound StoreErrType = iota
	// TooLate is returned when an item has fallen out of a rolling window.
	TooLate
	// SkippedIndex is returned when inserting an item would leave a gap in a
	// rolling window.
	SkippedIndex
	// UnknownAuthority is returned when an authority is not in the committee.
	UnknownAuthority
	// KeyAlreadyExists is returned when a slot is already occupied.
	KeyAlreadyExists
	// Empty is returned when reading from an uninitialised store section.
	Empty
)

// StoreErr is the error type returned by block stores and account ledgers.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr builds a StoreErr for the given data type and key.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case TooLate:
		m = "Too Late"
	case SkippedIndex:
		m = "Skipped Index"
	case UnknownAuthority:
		m = "Unknown Authority"
	case KeyAlreadyExists:
		m = "Already Exists"
	case Empty:
		m = "Empty"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore returns true if err is a StoreErr of the given type.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
