package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PipeNetwork pairs in-process links through the same offer/answer dance as
// the real transport. It backs tests and local loopback sessions where no
// network negotiation is wanted.
type PipeNetwork struct {
	mu      sync.Mutex
	offers  map[string]*PipeLink
	answers map[string]*PipeLink
}

func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{
		offers:  make(map[string]*PipeLink),
		answers: make(map[string]*PipeLink),
	}
}

func (n *PipeNetwork) NewLink() (PeerLink, error) {
	return &PipeLink{
		network: n,
		recv:    make(chan []byte, 256),
		states:  make(chan LinkState, 8),
	}, nil
}

// PipeLink is one endpoint of an in-process pair.
type PipeLink struct {
	network *PipeNetwork

	mu     sync.Mutex
	peer   *PipeLink
	open   bool
	closed bool

	recv   chan []byte
	states chan LinkState
}

func (l *PipeLink) CreateOffer() (string, error) {
	id := "pipe-offer:" + uuid.NewString()
	l.network.mu.Lock()
	l.network.offers[id] = l
	l.network.mu.Unlock()
	l.pushState(LinkConnecting)
	return id, nil
}

func (l *PipeLink) CreateAnswer(remoteOffer string) (string, error) {
	l.network.mu.Lock()
	initiator, ok := l.network.offers[remoteOffer]
	if ok {
		delete(l.network.offers, remoteOffer)
	}
	l.network.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown offer descriptor %q", remoteOffer)
	}

	l.mu.Lock()
	l.peer = initiator
	l.mu.Unlock()

	id := "pipe-answer:" + uuid.NewString()
	l.network.mu.Lock()
	l.network.answers[id] = l
	l.network.mu.Unlock()
	l.pushState(LinkConnecting)
	return id, nil
}

func (l *PipeLink) AcceptAnswer(remoteAnswer string) error {
	l.network.mu.Lock()
	responder, ok := l.network.answers[remoteAnswer]
	if ok {
		delete(l.network.answers, remoteAnswer)
	}
	l.network.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown answer descriptor %q", remoteAnswer)
	}

	l.mu.Lock()
	l.peer = responder
	l.open = true
	l.mu.Unlock()
	responder.mu.Lock()
	responder.open = true
	responder.mu.Unlock()

	l.pushState(LinkOpen)
	responder.pushState(LinkOpen)
	return nil
}

func (l *PipeLink) Send(data []byte) error {
	l.mu.Lock()
	peer, open, closed := l.peer, l.open, l.closed
	l.mu.Unlock()

	if closed {
		return ErrLinkClosed
	}
	if !open || peer == nil {
		return ErrLinkNotReady
	}
	return peer.deliver(data)
}

func (l *PipeLink) deliver(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case l.recv <- buf:
	default:
	}
	return nil
}

func (l *PipeLink) Recv() <-chan []byte { return l.recv }

func (l *PipeLink) States() <-chan LinkState { return l.states }

func (l *PipeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.open = false
	peer := l.peer
	l.peer = nil
	close(l.recv)
	l.mu.Unlock()

	l.pushState(LinkClosed)
	close(l.states)

	if peer != nil {
		_ = peer.Close()
	}
	return nil
}

func (l *PipeLink) pushState(s LinkState) {
	select {
	case l.states <- s:
	default:
	}
}
