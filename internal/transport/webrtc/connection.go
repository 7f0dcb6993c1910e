// Package webrtc implements transport.PeerLink over a pion peer connection.
//
// Signaling is one-shot (QR code or clipboard), so trickle ICE is not an
// option: both offer and answer wait for ICE gathering to complete and the
// returned SDP carries every candidate.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/peerlink-chat/peerlink/internal/transport"
)

// Dialer creates links sharing one ICE server configuration.
type Dialer struct {
	config webrtc.Configuration
}

func NewDialer(config webrtc.Configuration) *Dialer {
	return &Dialer{config: config}
}

func (d *Dialer) NewLink() (transport.PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newLink(pc), nil
}

type link struct {
	pc     *webrtc.PeerConnection
	recv   chan []byte
	states chan transport.LinkState

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	open     bool
	finished bool
}

func newLink(pc *webrtc.PeerConnection) *link {
	l := &link{
		pc:     pc,
		recv:   make(chan []byte, 256),
		states: make(chan transport.LinkState, 8),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			l.pushState(transport.LinkConnecting)
		case webrtc.PeerConnectionStateFailed:
			l.finish(transport.LinkFailed)
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			l.finish(transport.LinkClosed)
		}
	})

	// The responder side waits for the initiator's channel.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.setupDataChannel(dc)
	})

	return l
}

func (l *link) createDataChannel() error {
	ordered := true
	protocolName := "peerlink"
	dc, err := l.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &protocolName,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	l.setupDataChannel(dc)
	return nil
}

func (l *link) setupDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.open = true
		l.mu.Unlock()
		l.pushState(transport.LinkOpen)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.finished {
			return
		}
		select {
		case l.recv <- msg.Data:
		default:
		}
	})

	dc.OnClose(func() {
		l.finish(transport.LinkClosed)
	})
}

func (l *link) CreateOffer() (string, error) {
	if err := l.createDataChannel(); err != nil {
		return "", err
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered

	return l.pc.LocalDescription().SDP, nil
}

func (l *link) CreateAnswer(remoteOffer string) (string, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOffer}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered

	return l.pc.LocalDescription().SDP, nil
}

func (l *link) AcceptAnswer(remoteAnswer string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteAnswer}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	dc, open, finished := l.dc, l.open, l.finished
	l.mu.Unlock()

	if finished {
		return transport.ErrLinkClosed
	}
	if dc == nil || !open {
		return transport.ErrLinkNotReady
	}
	return dc.Send(data)
}

func (l *link) Recv() <-chan []byte { return l.recv }

func (l *link) States() <-chan transport.LinkState { return l.states }

func (l *link) Close() error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	err := l.pc.Close()
	l.finish(transport.LinkClosed)
	return err
}

// pushState delivers a non-terminal state without blocking a pion
// callback. Holding the mutex keeps the send ordered against finish
// closing the channel.
func (l *link) pushState(s transport.LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	select {
	case l.states <- s:
	default:
	}
}

// finish delivers the terminal state exactly once and closes both channels.
// The send and close happen under the mutex so pushState and OnMessage can
// never race into a closed channel.
func (l *link) finish(final transport.LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	l.finished = true
	l.open = false

	select {
	case l.states <- final:
	default:
	}
	close(l.states)
	close(l.recv)
}

var _ transport.PeerLink = (*link)(nil)
var _ transport.Dialer = (*Dialer)(nil)
