// Package transport abstracts the underlying peer connection primitive. A
// PeerLink carries opaque byte frames between exactly two peers once the
// offer/answer exchange completes; session logic above it never touches the
// connection library directly.
package transport

import "errors"

var (
	ErrLinkClosed   = errors.New("link closed")
	ErrLinkNotReady = errors.New("link not ready")
)

type LinkState uint8

const (
	LinkConnecting LinkState = iota
	LinkOpen
	LinkClosed
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "CONNECTING"
	case LinkOpen:
		return "OPEN"
	case LinkClosed:
		return "CLOSED"
	case LinkFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// PeerLink is one side of a point-to-point byte channel.
//
// An initiator calls CreateOffer, carries the descriptor out of band, and
// completes with AcceptAnswer once the remote descriptor comes back. A
// responder calls CreateAnswer with the initiator's descriptor. Send is valid
// only while the link is open. Recv and States are closed when the link
// terminates; a LinkClosed or LinkFailed state is the last value delivered on
// States.
type PeerLink interface {
	CreateOffer() (string, error)
	CreateAnswer(remoteOffer string) (string, error)
	AcceptAnswer(remoteAnswer string) error
	Send(data []byte) error
	Recv() <-chan []byte
	States() <-chan LinkState
	Close() error
}

// Dialer creates fresh links. Each peer session owns exactly one link.
type Dialer interface {
	NewLink() (PeerLink, error)
}
