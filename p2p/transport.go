package p2p

import "context"

// Sender is the transport the consensus core is handed at construction.
// Injecting it keeps the instance free of any back-reference into the
// host's networking layer. The core never observes delivery success.
type Sender interface {
	// Send unicasts data to a single peer.
	Send(ctx context.Context, peer Peer, data []byte) error
	// Broadcast multicasts data to every peer in the set.
	Broadcast(ctx context.Context, peers []Peer, data []byte) error
}
