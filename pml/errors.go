package pml

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the communicator has been closed.
	ErrClosed = errors.New("pml: communicator closed")
	// ErrInvalidRank indicates a source rank outside the communicator.
	ErrInvalidRank = errors.New("pml: invalid rank")
	// ErrInvalidTag indicates a tag that cannot be used for the requested operation.
	ErrInvalidTag = errors.New("pml: invalid tag")
	// ErrRequestActive indicates the request is still posted and cannot be reused yet.
	ErrRequestActive = errors.New("pml: request still active")
	// ErrRequestFreed indicates the request was already released.
	ErrRequestFreed = errors.New("pml: request already freed")
	// ErrNotPersistent indicates Start was called on a non-persistent request.
	ErrNotPersistent = errors.New("pml: request is not persistent")
	// ErrNilRequest indicates a nil request was supplied.
	ErrNilRequest = errors.New("pml: nil request")
	// ErrForeignRequest indicates a request used with a communicator or completion domain it does
	// not belong to.
	ErrForeignRequest = errors.New("pml: request belongs to another communicator")
	// ErrNilFragment indicates a nil fragment or a fragment without an owning transport.
	ErrNilFragment = errors.New("pml: nil fragment or missing owner")
)

// RankError reports a rank that does not belong to the communicator.
type RankError struct {
	Rank int
	Size int
}

func (e RankError) Error() string {
	return fmt.Sprintf("pml: rank %d outside communicator of size %d", e.Rank, e.Size)
}

// Unwrap allows errors.Is to match ErrInvalidRank.
func (e RankError) Unwrap() error {
	return ErrInvalidRank
}
