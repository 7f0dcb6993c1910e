package webrtc

import (
	"testing"

	"github.com/peerlink-chat/peerlink/internal/transport"
)

func newTestLink(t *testing.T) *link {
	t.Helper()

	d := NewDialer(DefaultConfig())
	pl, err := d.NewLink()
	if err != nil {
		t.Fatalf("NewLink failed: %v", err)
	}
	l := pl.(*link)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPushStateDelivers(t *testing.T) {
	l := newTestLink(t)

	l.pushState(transport.LinkConnecting)

	select {
	case s := <-l.States():
		if s != transport.LinkConnecting {
			t.Errorf("expected CONNECTING, got %s", s)
		}
	default:
		t.Fatal("no state delivered")
	}
}

func TestPushStateAfterFinishIsNoop(t *testing.T) {
	l := newTestLink(t)

	l.finish(transport.LinkClosed)
	l.pushState(transport.LinkOpen)

	var states []transport.LinkState
	for s := range l.States() {
		states = append(states, s)
	}
	if len(states) != 1 || states[0] != transport.LinkClosed {
		t.Errorf("expected a single terminal CLOSED, got %v", states)
	}
}

func TestCloseIdempotent(t *testing.T) {
	l := newTestLink(t)

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_ = l.Close()

	if _, ok := <-l.Recv(); ok {
		t.Error("recv channel still open after close")
	}
}

func TestSendBeforeOpen(t *testing.T) {
	l := newTestLink(t)

	if err := l.Send([]byte("early")); err != transport.ErrLinkNotReady {
		t.Errorf("expected ErrLinkNotReady, got %v", err)
	}

	l.finish(transport.LinkClosed)
	if err := l.Send([]byte("late")); err != transport.ErrLinkClosed {
		t.Errorf("expected ErrLinkClosed, got %v", err)
	}
}
