package session

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerlink-chat/peerlink/internal/crypto"
	"github.com/peerlink-chat/peerlink/internal/protocol"
	"github.com/peerlink-chat/peerlink/internal/transport"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newSession(t *testing.T, network *transport.PipeNetwork, peerID string, key *crypto.Key) *Session {
	t.Helper()

	s, err := New(Options{
		LocalPeerID:     peerID,
		UserName:        peerID,
		Dialer:          network,
		Logger:          quietLogger(),
		SecureKey:       key,
		ChunkSize:       100,
		InterChunkDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// connectedPair runs the full offer/answer handshake over the pipe transport
// and waits until both sessions are open.
func connectedPair(t *testing.T, key *crypto.Key) (*Session, *Session) {
	t.Helper()

	network := transport.NewPipeNetwork()
	initiator := newSession(t, network, "peer-a", key)
	responder := newSession(t, network, "peer-b", key)

	offerToken, err := initiator.StartAsInitiator()
	if err != nil {
		t.Fatalf("StartAsInitiator failed: %v", err)
	}
	answerToken, err := responder.StartAsResponder(offerToken)
	if err != nil {
		t.Fatalf("StartAsResponder failed: %v", err)
	}
	if err := initiator.CompleteWithAnswer(answerToken); err != nil {
		t.Fatalf("CompleteWithAnswer failed: %v", err)
	}

	waitEvent(t, initiator, EventOpen)
	waitEvent(t, responder, EventOpen)
	return initiator, responder
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func TestHandshakeOpensBothSessions(t *testing.T) {
	initiator, responder := connectedPair(t, nil)

	if initiator.State() != StateOpen {
		t.Errorf("initiator: expected OPEN, got %s", initiator.State())
	}
	if responder.State() != StateOpen {
		t.Errorf("responder: expected OPEN, got %s", responder.State())
	}
	if initiator.RemotePeerID() != "peer-b" {
		t.Errorf("initiator: expected remote peer-b, got %q", initiator.RemotePeerID())
	}
	if responder.RemotePeerID() != "peer-a" {
		t.Errorf("responder: expected remote peer-a, got %q", responder.RemotePeerID())
	}
}

func TestSecureHandshake(t *testing.T) {
	key := crypto.DeriveKey([]byte("shared secret"))
	initiator, responder := connectedPair(t, &key)

	if initiator.State() != StateOpen || responder.State() != StateOpen {
		t.Error("secure handshake did not open both sessions")
	}
}

func TestSecureHandshakeWrongKey(t *testing.T) {
	network := transport.NewPipeNetwork()
	rightKey := crypto.DeriveKey([]byte("right"))
	wrongKey := crypto.DeriveKey([]byte("wrong"))

	initiator := newSession(t, network, "peer-a", &rightKey)
	responder := newSession(t, network, "peer-b", &wrongKey)

	offerToken, err := initiator.StartAsInitiator()
	if err != nil {
		t.Fatalf("StartAsInitiator failed: %v", err)
	}
	if _, err := responder.StartAsResponder(offerToken); err == nil {
		t.Fatal("expected responder to reject offer under wrong key")
	}

	ev := waitEvent(t, responder, EventStateChanged)
	for ev.State != StateFailed {
		ev = waitEvent(t, responder, EventStateChanged)
	}
}

func TestSendMessage(t *testing.T) {
	initiator, responder := connectedPair(t, nil)

	if err := initiator.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	ev := waitEvent(t, responder, EventMessage)
	if ev.Text != "hi" {
		t.Errorf("expected text 'hi', got %q", ev.Text)
	}
	if ev.SenderID != "peer-a" {
		t.Errorf("expected sender peer-a, got %q", ev.SenderID)
	}
}

func TestSendTyping(t *testing.T) {
	initiator, responder := connectedPair(t, nil)

	if err := initiator.SendTyping(true); err != nil {
		t.Fatalf("SendTyping failed: %v", err)
	}
	ev := waitEvent(t, responder, EventTyping)
	if !ev.IsTyping {
		t.Error("expected isTyping true")
	}

	if err := initiator.SendTyping(false); err != nil {
		t.Fatalf("SendTyping failed: %v", err)
	}
	ev = waitEvent(t, responder, EventTyping)
	if ev.IsTyping {
		t.Error("expected isTyping false")
	}
}

func TestSendFile(t *testing.T) {
	initiator, responder := connectedPair(t, nil)

	fileBytes := make([]byte, 1000)
	for i := range fileBytes {
		fileBytes[i] = byte(i % 256)
	}

	chunks, err := initiator.SendFile(fileBytes, "x.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if chunks != 10 {
		t.Errorf("expected 10 chunks for 1000 bytes at chunk size 100, got %d", chunks)
	}

	ev := waitEvent(t, responder, EventFileReceived)
	if !bytes.Equal(ev.FileData, fileBytes) {
		t.Error("received file differs from sent file")
	}
	if ev.FileName != "x.bin" {
		t.Errorf("expected file name x.bin, got %q", ev.FileName)
	}
	if ev.MimeType != "application/octet-stream" {
		t.Errorf("expected mime type preserved, got %q", ev.MimeType)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	network := transport.NewPipeNetwork()
	s := newSession(t, network, "peer-a", nil)

	if err := s.SendMessage("too early"); err != ErrChannelNotReady {
		t.Errorf("SendMessage: expected ErrChannelNotReady, got %v", err)
	}
	if err := s.SendTyping(true); err != ErrChannelNotReady {
		t.Errorf("SendTyping: expected ErrChannelNotReady, got %v", err)
	}
	if _, err := s.SendFile([]byte("data"), "f", "m"); err != ErrChannelNotReady {
		t.Errorf("SendFile: expected ErrChannelNotReady, got %v", err)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	network := transport.NewPipeNetwork()
	s := newSession(t, network, "peer-a", nil)

	if _, err := s.StartAsInitiator(); err != nil {
		t.Fatalf("StartAsInitiator failed: %v", err)
	}
	if _, err := s.StartAsInitiator(); err == nil {
		t.Error("second StartAsInitiator should be rejected")
	}
}

func TestCompleteDuringOfferSetupRejected(t *testing.T) {
	network := transport.NewPipeNetwork()
	s := newSession(t, network, "peer-a", nil)

	// The link is not assigned until the offer is fully built; completing
	// in this window must be rejected, never dereference a nil link.
	s.mu.Lock()
	s.state = StateOffering
	s.mu.Unlock()

	if err := s.CompleteWithAnswer("token"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if s.State() != StateOffering {
		t.Errorf("rejected completion must not change state, got %s", s.State())
	}
}

func TestCompleteWithGarbageFailsSession(t *testing.T) {
	network := transport.NewPipeNetwork()
	s := newSession(t, network, "peer-a", nil)

	if _, err := s.StartAsInitiator(); err != nil {
		t.Fatalf("StartAsInitiator failed: %v", err)
	}
	if err := s.CompleteWithAnswer("garbage-token"); err == nil {
		t.Fatal("expected error for garbage answer token")
	}

	ev := waitEvent(t, s, EventStateChanged)
	for ev.State != StateFailed {
		ev = waitEvent(t, s, EventStateChanged)
	}
}

func TestCompleteWithOfferTokenFailsSession(t *testing.T) {
	network := transport.NewPipeNetwork()
	a := newSession(t, network, "peer-a", nil)
	b := newSession(t, network, "peer-b", nil)

	offerA, err := a.StartAsInitiator()
	if err != nil {
		t.Fatalf("StartAsInitiator failed: %v", err)
	}
	if _, err := b.StartAsInitiator(); err != nil {
		t.Fatalf("StartAsInitiator failed: %v", err)
	}

	// Feeding an offer where an answer belongs must fail the session.
	if err := b.CompleteWithAnswer(offerA); err == nil {
		t.Fatal("expected error when completing with an offer token")
	}
	if b.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", b.State())
	}
}

func TestResponderRejectsInvalidOffer(t *testing.T) {
	network := transport.NewPipeNetwork()
	s := newSession(t, network, "peer-b", nil)

	if _, err := s.StartAsResponder("not a token"); err == nil {
		t.Fatal("expected error for invalid offer token")
	}
	if s.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", s.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	initiator, _ := connectedPair(t, nil)

	initiator.Close()
	initiator.Close()

	if initiator.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", initiator.State())
	}
}

func TestTerminalEventIsLast(t *testing.T) {
	initiator, _ := connectedPair(t, nil)
	initiator.Close()

	var last Event
	for ev := range initiator.Events() {
		last = ev
	}
	if last.Kind != EventStateChanged || !last.State.terminal() {
		t.Errorf("expected terminal state change last, got kind=%s state=%s", last.Kind, last.State)
	}
}

func TestPeerCloseSurfacesOnOtherSide(t *testing.T) {
	initiator, responder := connectedPair(t, nil)

	initiator.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-responder.Events():
			if !ok {
				t.Fatal("responder events closed without terminal state change")
			}
			if ev.Kind == EventStateChanged && ev.State.terminal() {
				return
			}
		case <-deadline:
			t.Fatal("responder never observed peer close")
		}
	}
}

func TestCloseMidTransferReleasesBuffers(t *testing.T) {
	initiator, responder := connectedPair(t, nil)

	// Deliver 3 of 10 chunks as raw frames, then tear the receiver down
	// mid-transfer.
	fileBytes := make([]byte, 1000)
	frames, err := protocol.EncodeFileFrames(fileBytes, "x.bin", "application/octet-stream", "peer-a", 100)
	if err != nil {
		t.Fatalf("EncodeFileFrames failed: %v", err)
	}
	link, err := initiator.openLink()
	if err != nil {
		t.Fatalf("openLink failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := link.Send(frames[i]); err != nil {
			t.Fatalf("Send chunk %d failed: %v", i, err)
		}
	}

	// A text frame after the chunks proves they were consumed.
	if err := initiator.SendMessage("marker"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitEvent(t, responder, EventMessage)

	if responder.reassembler.Pending() != 1 {
		t.Fatalf("expected 1 in-flight transfer, got %d", responder.reassembler.Pending())
	}

	responder.Close()
	if responder.reassembler.Pending() != 0 {
		t.Error("reassembly buffers not released on close")
	}

	// No completed file may ever have been delivered.
	for ev := range responder.Events() {
		if ev.Kind == EventFileReceived {
			t.Error("partial transfer delivered as complete")
		}
	}
}
