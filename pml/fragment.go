package pml

import (
	"container/list"

	"github.com/google/uuid"
)

// Header carries the match fields of a fragment as defined by the wire protocol.
type Header struct {
	Source int
	Tag    int
	Length uint64
}

// Peer is a transport specific descriptor of a remote rank.
type Peer any

// Transport is the network layer that feeds fragments to a communicator.
type Transport interface {
	// Name identifies the transport; it keys the peer descriptor cache.
	Name() string
	// ResolvePeer returns the descriptor of rank within comm. It is called at most once per
	// (transport, rank) while the descriptor stays cached, with the matching lock held.
	ResolvePeer(comm uuid.UUID, rank int) Peer
	// Matched continues delivery of a claimed fragment into frag.Request. It is invoked exactly
	// once per claimed fragment, outside the matching lock.
	Matched(frag *Fragment)
}

// Fragment is the first fragment of a message as it arrived from the transport.
type Fragment struct {
	Header  Header
	Payload []byte
	Owner   Transport
	// Peer is resolved lazily when the fragment is first matched.
	Peer Peer
	// Request is the receive that claimed the fragment, nil until then.
	Request *Request

	elem *list.Element
}

type peerKey struct {
	transport string
	rank      int
}
