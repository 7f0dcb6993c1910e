package coordinator

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerlink-chat/peerlink/internal/session"
	"github.com/peerlink-chat/peerlink/internal/store"
)

// pump forwards one session's events to the merged channel, persisting
// message content on the way through. It is the only reader of the
// session's event channel and exits when that channel closes.
func (c *Coordinator) pump(m *managed) {
	defer c.wg.Done()

	for ev := range m.sess.Events() {
		out := Event{
			ConnectionID: m.id,
			RemotePeerID: ev.RemotePeerID,
			Kind:         ev.Kind,
			State:        ev.State,
			Text:         ev.Text,
			Timestamp:    ev.Timestamp,
			SenderID:     ev.SenderID,
			IsTyping:     ev.IsTyping,
			FileData:     ev.FileData,
			FileName:     ev.FileName,
			MimeType:     ev.MimeType,
			Reason:       ev.Reason,
		}

		switch ev.Kind {
		case session.EventOpen:
			c.adoptPeer(m, ev.RemotePeerID)

		case session.EventMessage:
			out.Message = c.persistInbound(ev)

		case session.EventFileReceived:
			out.Message = c.persistInboundFile(ev)
		}

		c.emit(out)
	}

	close(m.done)
	c.mu.Lock()
	delete(c.sessions, m.id)
	c.mu.Unlock()
}

// watch runs the per-session timers: the handshake timeout and the
// periodic health check that evicts stale inbound transfers.
func (c *Coordinator) watch(m *managed) {
	defer c.wg.Done()

	timeout := time.NewTimer(c.connectTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return

		case <-timeout.C:
			if m.sess.State() != session.StateOpen {
				c.logger.WithField("connection", m.id).Warn("handshake timed out")
				m.sess.Abort("connect timeout")
			}

		case <-ticker.C:
			state := m.sess.State()
			if state == session.StateClosed || state == session.StateFailed {
				return
			}
			if n := m.sess.EvictStaleTransfers(c.staleAge); n > 0 {
				c.logger.WithFields(logrus.Fields{
					"connection": m.id,
					"transfers":  n,
				}).Warn("health check dropped stale transfers")
			}
		}
	}
}

// adoptPeer resolves duplicate connections to one remote peer: the newest
// session wins and any older session for the same peer is closed.
func (c *Coordinator) adoptPeer(m *managed, remotePeerID string) {
	if remotePeerID == "" {
		return
	}

	if _, err := c.store.CreateOrGetConversation([]string{c.localPeerID, remotePeerID}, ""); err != nil {
		c.logger.Warnf("failed to ensure conversation for %s: %v", remotePeerID, err)
	}

	c.mu.Lock()
	var stale []*managed
	for _, other := range c.sessions {
		if other.id != m.id && other.sess.RemotePeerID() == remotePeerID {
			stale = append(stale, other)
		}
	}
	c.mu.Unlock()

	for _, other := range stale {
		c.logger.WithFields(logrus.Fields{
			"peer":     remotePeerID,
			"replaced": other.id,
			"by":       m.id,
		}).Info("replacing existing session for peer")
		other.sess.Close()
	}
}

func (c *Coordinator) persistInbound(ev session.Event) *store.Message {
	sender := ev.SenderID
	if sender == "" {
		sender = ev.RemotePeerID
	}
	msg := &store.Message{
		ID:            uuid.NewString(),
		SenderID:      sender,
		ReceiverID:    c.localPeerID,
		Kind:          store.KindText,
		Content:       []byte(ev.Text),
		DeliveryState: store.DeliveryDelivered,
		Timestamp:     ev.Timestamp,
	}
	if err := c.store.AppendMessage(msg); err != nil {
		c.logger.Warnf("failed to persist inbound message: %v", err)
		return nil
	}
	return msg
}

func (c *Coordinator) persistInboundFile(ev session.Event) *store.Message {
	sender := ev.SenderID
	if sender == "" {
		sender = ev.RemotePeerID
	}
	msg := &store.Message{
		ID:            uuid.NewString(),
		SenderID:      sender,
		ReceiverID:    c.localPeerID,
		Kind:          kindForMime(ev.MimeType),
		Content:       ev.FileData,
		FileName:      ev.FileName,
		FileSize:      int64(len(ev.FileData)),
		MimeType:      ev.MimeType,
		DeliveryState: store.DeliveryDelivered,
		Timestamp:     time.Now().Unix(),
	}
	if err := c.store.AppendMessage(msg); err != nil {
		c.logger.Warnf("failed to persist inbound file: %v", err)
		return nil
	}
	return msg
}

func (c *Coordinator) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.WithField("kind", ev.Kind.String()).Warn("coordinator event buffer full, dropping event")
	}
}
