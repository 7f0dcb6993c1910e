// Package session owns one peer connection lifecycle: the offer/answer
// handshake, the data channel, inbound frame routing and outbound chunked
// sends. Exactly one Session exists per remote peer; the coordinator decides
// what happens when a second attempt targets the same peer.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerlink-chat/peerlink/internal/crypto"
	"github.com/peerlink-chat/peerlink/internal/protocol"
	"github.com/peerlink-chat/peerlink/internal/signal"
	"github.com/peerlink-chat/peerlink/internal/transport"
)

var (
	// ErrChannelNotReady means an operation that needs an open data channel
	// was called in another state. The caller must queue or report, never
	// silently drop.
	ErrChannelNotReady = errors.New("data channel not ready")
	ErrInvalidState    = errors.New("operation invalid in current state")
)

const (
	defaultInterChunkDelay = 5 * time.Millisecond
	eventBufferSize        = 256
)

type Options struct {
	LocalPeerID string
	UserName    string
	Dialer      transport.Dialer
	Logger      *logrus.Logger

	// SecureKey, when set, makes the session encode and require encrypted
	// signaling tokens.
	SecureKey *crypto.Key

	ChunkSize       int
	InterChunkDelay time.Duration
}

type Session struct {
	localPeerID string
	userName    string
	dialer      transport.Dialer
	logger      *logrus.Logger
	secureKey   *crypto.Key

	chunkSize       int
	interChunkDelay time.Duration

	reassembler *protocol.Reassembler
	events      chan Event

	mu           sync.Mutex
	state        State
	remotePeerID string
	link         transport.PeerLink
	finished     bool

	// emitMu serializes event delivery against channel close.
	emitMu       sync.Mutex
	eventsClosed bool
}

func New(opts Options) (*Session, error) {
	if opts.LocalPeerID == "" {
		return nil, errors.New("local peer id is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}

	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	delay := opts.InterChunkDelay
	if delay <= 0 {
		delay = defaultInterChunkDelay
	}

	return &Session{
		localPeerID:     opts.LocalPeerID,
		userName:        opts.UserName,
		dialer:          opts.Dialer,
		logger:          log,
		secureKey:       opts.SecureKey,
		chunkSize:       chunkSize,
		interChunkDelay: delay,
		reassembler:     protocol.NewReassembler(),
		events:          make(chan Event, eventBufferSize),
		state:           StateIdle,
	}, nil
}

// Events delivers this session's events in raise order. The channel is
// closed after the terminal CLOSED or FAILED state change.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) LocalPeerID() string { return s.localPeerID }

func (s *Session) RemotePeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePeerID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartAsInitiator creates the offer and returns it as an out-of-band token.
// The session then waits for CompleteWithAnswer.
func (s *Session) StartAsInitiator() (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: start in %s", ErrInvalidState, s.state)
	}
	s.state = StateOffering
	s.mu.Unlock()
	s.emitState(StateOffering)

	link, err := s.dialer.NewLink()
	if err != nil {
		s.fail("transport: " + err.Error())
		return "", err
	}
	sdp, err := link.CreateOffer()
	if err != nil {
		_ = link.Close()
		s.fail("transport: " + err.Error())
		return "", err
	}

	var token string
	if s.secureKey != nil {
		token, err = signal.EncodeSecureOffer(sdp, s.localPeerID, s.userName, *s.secureKey)
	} else {
		token, err = signal.EncodeOffer(sdp, s.localPeerID, s.userName)
	}
	if err != nil {
		_ = link.Close()
		s.fail("signal encode: " + err.Error())
		return "", err
	}

	s.mu.Lock()
	s.link = link
	s.state = StateAwaitingAnswer
	s.mu.Unlock()
	s.emitState(StateAwaitingAnswer)

	go s.watchLink(link)
	go s.readLoop(link)
	return token, nil
}

// CompleteWithAnswer consumes the answer token produced by the remote
// responder. An undecodable or wrong-typed token fails the session.
func (s *Session) CompleteWithAnswer(token string) error {
	// Only AwaitingAnswer guarantees the link is set; completing during
	// Offering would race the offer still being built.
	s.mu.Lock()
	if s.state != StateAwaitingAnswer {
		s.mu.Unlock()
		return fmt.Errorf("%w: complete in %s", ErrInvalidState, s.state)
	}
	link := s.link
	s.mu.Unlock()

	sig := s.decodeToken(token)
	if sig == nil {
		s.fail("invalid answer token")
		return errors.New("invalid answer token")
	}
	if sig.Type != signal.TypeAnswer {
		s.fail(fmt.Sprintf("expected answer token, got %s", sig.Type))
		return fmt.Errorf("expected answer token, got %s", sig.Type)
	}

	if err := link.AcceptAnswer(sig.SDP); err != nil {
		s.fail("transport: " + err.Error())
		return err
	}

	s.mu.Lock()
	s.remotePeerID = sig.PeerID
	s.state = StateConnecting
	s.mu.Unlock()
	s.emitState(StateConnecting)
	return nil
}

// StartAsResponder consumes an offer token and returns the answer token to
// carry back. The session then waits for the transport to open.
func (s *Session) StartAsResponder(offerToken string) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: start in %s", ErrInvalidState, s.state)
	}
	s.mu.Unlock()

	sig := s.decodeToken(offerToken)
	if sig == nil {
		s.fail("invalid offer token")
		return "", errors.New("invalid offer token")
	}
	if sig.Type != signal.TypeOffer && sig.Type != signal.TypeSecureConnection {
		s.fail(fmt.Sprintf("expected offer token, got %s", sig.Type))
		return "", fmt.Errorf("expected offer token, got %s", sig.Type)
	}

	link, err := s.dialer.NewLink()
	if err != nil {
		s.fail("transport: " + err.Error())
		return "", err
	}
	answerSDP, err := link.CreateAnswer(sig.SDP)
	if err != nil {
		_ = link.Close()
		s.fail("transport: " + err.Error())
		return "", err
	}

	var token string
	if s.secureKey != nil {
		token, err = signal.EncodeSecureAnswer(answerSDP, s.localPeerID, s.userName, *s.secureKey)
	} else {
		token, err = signal.EncodeAnswer(answerSDP, s.localPeerID, s.userName)
	}
	if err != nil {
		_ = link.Close()
		s.fail("signal encode: " + err.Error())
		return "", err
	}

	s.mu.Lock()
	s.link = link
	s.remotePeerID = sig.PeerID
	s.state = StateConnecting
	s.mu.Unlock()
	s.emitState(StateConnecting)

	go s.watchLink(link)
	go s.readLoop(link)
	return token, nil
}

func (s *Session) decodeToken(token string) *signal.Signal {
	if s.secureKey != nil {
		return signal.DecodeSecure(token, *s.secureKey)
	}
	return signal.Decode(token)
}

// SendMessage sends one text frame. Valid only while the channel is open.
func (s *Session) SendMessage(text string) error {
	link, err := s.openLink()
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeTextFrame(text, s.localPeerID)
	if err != nil {
		return err
	}
	return link.Send(frame)
}

// SendTyping sends a typing indicator. Valid only while the channel is open.
func (s *Session) SendTyping(isTyping bool) error {
	link, err := s.openLink()
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeTypingFrame(isTyping, s.localPeerID)
	if err != nil {
		return err
	}
	return link.Send(frame)
}

// SendFile chunks the payload and sends the chunks sequentially with a small
// delay between them so the channel's send buffer is not overwhelmed. The
// transfer runs in the background; if the channel closes mid-transfer it is
// abandoned (no resume) and an EventError is raised. Returns the number of
// chunks the transfer will carry.
func (s *Session) SendFile(fileBytes []byte, fileName, mimeType string) (int, error) {
	link, err := s.openLink()
	if err != nil {
		return 0, err
	}
	frames, err := protocol.EncodeFileFrames(fileBytes, fileName, mimeType, s.localPeerID, s.chunkSize)
	if err != nil {
		return 0, err
	}

	go func() {
		for i, frame := range frames {
			if s.State() != StateOpen {
				s.emit(Event{Kind: EventError, Reason: fmt.Sprintf("file transfer %q abandoned after %d/%d chunks", fileName, i, len(frames))})
				return
			}
			if err := link.Send(frame); err != nil {
				s.emit(Event{Kind: EventError, Reason: fmt.Sprintf("file transfer %q failed at chunk %d/%d: %v", fileName, i, len(frames), err)})
				return
			}
			if i < len(frames)-1 {
				time.Sleep(s.interChunkDelay)
			}
		}
		s.logger.WithFields(logrus.Fields{
			"file":   fileName,
			"chunks": len(frames),
		}).Debug("file transfer sent")
	}()

	return len(frames), nil
}

func (s *Session) openLink() (transport.PeerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.link == nil {
		return nil, ErrChannelNotReady
	}
	return s.link, nil
}

// Close tears the session down. Idempotent and safe in any state. All
// pending inbound transfers are dropped; no partial file is ever delivered.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state.terminal() || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	link := s.link
	s.mu.Unlock()
	s.emitState(StateClosing)

	if link != nil {
		_ = link.Close()
	}
	s.finish(StateClosed, "")
}

// Abort fails the session with a reason unless it is already open or
// finished. Used by the coordinator for handshake timeouts.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	if s.state == StateOpen || s.state.terminal() || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(reason)
}

// EvictStaleTransfers drops inbound transfers with no chunk activity for
// maxIdle and reports how many were dropped.
func (s *Session) EvictStaleTransfers(maxIdle time.Duration) int {
	evicted := s.reassembler.EvictStale(maxIdle)
	for _, id := range evicted {
		s.logger.WithField("transfer", id).Warn("evicted stale inbound transfer")
	}
	return len(evicted)
}

// watchLink mirrors transport state into the session state machine.
func (s *Session) watchLink(link transport.PeerLink) {
	for state := range link.States() {
		switch state {
		case transport.LinkOpen:
			s.mu.Lock()
			if s.state.terminal() || s.state == StateClosing {
				s.mu.Unlock()
				continue
			}
			s.state = StateOpen
			remote := s.remotePeerID
			s.mu.Unlock()
			s.emit(Event{Kind: EventOpen, RemotePeerID: remote})
			s.emitState(StateOpen)

		case transport.LinkFailed:
			s.finish(StateFailed, "transport failure")

		case transport.LinkClosed:
			s.finish(StateClosed, "")
		}
	}
}

// readLoop is the only goroutine consuming inbound frames, which keeps frame
// handling and reassembly single-writer.
func (s *Session) readLoop(link transport.PeerLink) {
	for data := range link.Recv() {
		switch frame := protocol.DecodeFrame(data).(type) {
		case protocol.TextFrame:
			s.emit(Event{
				Kind:      EventMessage,
				Text:      frame.Content,
				Timestamp: frame.Timestamp,
				SenderID:  frame.SenderID,
			})

		case protocol.TypingFrame:
			s.emit(Event{Kind: EventTyping, IsTyping: frame.IsTyping, SenderID: frame.SenderID})

		case protocol.FileChunkFrame:
			result := s.reassembler.AddChunk(frame)
			switch result.Status {
			case protocol.ReassemblyComplete:
				s.emit(Event{
					Kind:     EventFileReceived,
					FileData: result.Data,
					FileName: result.FileName,
					MimeType: result.MimeType,
					SenderID: frame.SenderID,
				})
			case protocol.ReassemblyError:
				// Only this transfer is aborted; other traffic continues.
				s.emit(Event{Kind: EventError, Reason: "reassembly: " + result.Reason})
			}

		case protocol.UnknownFrame:
			s.logger.WithField("bytes", len(frame.Raw)).Warn("dropping unknown frame")
		}
	}
}

// fail moves the session to FAILED with a reason, releasing all buffers.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
	s.finish(StateFailed, reason)
}

// finish performs the terminal transition exactly once: optional error
// event, final state change, then the event channel closes.
func (s *Session) finish(final State, reason string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = final
	remote := s.remotePeerID
	s.mu.Unlock()

	s.reassembler.ReleaseAll()

	if reason != "" {
		s.push(Event{Kind: EventError, RemotePeerID: remote, Reason: reason})
	}
	s.push(Event{Kind: EventStateChanged, RemotePeerID: remote, State: final})
	s.closeEvents()

	s.logger.WithFields(logrus.Fields{
		"peer":   remote,
		"state":  final.String(),
		"reason": reason,
	}).Debug("session finished")
}

// emit delivers a non-terminal event unless the session already finished.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if ev.RemotePeerID == "" {
		ev.RemotePeerID = s.remotePeerID
	}
	s.mu.Unlock()
	s.push(ev)
}

func (s *Session) emitState(state State) {
	s.emit(Event{Kind: EventStateChanged, State: state})
}

func (s *Session) push(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.WithField("kind", ev.Kind.String()).Warn("event buffer full, dropping event")
	}
}

func (s *Session) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClosed {
		return
	}
	s.eventsClosed = true
	close(s.events)
}
