// Package coordinator ties peer sessions to the conversation store and is
// the single facade application layers call. It owns session lifecycles:
// handshake timeouts, the per-session health check, duplicate-peer
// resolution and teardown.
package coordinator

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerlink-chat/peerlink/internal/crypto"
	"github.com/peerlink-chat/peerlink/internal/session"
	"github.com/peerlink-chat/peerlink/internal/store"
	"github.com/peerlink-chat/peerlink/internal/transport"
)

var (
	ErrClosed    = errors.New("coordinator is closed")
	ErrNoSession = errors.New("no session for connection id")
)

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultHealthInterval   = 15 * time.Second
	defaultStaleTransferAge = 2 * time.Minute
	eventBufferSize         = 512
)

type Options struct {
	LocalPeerID string
	UserName    string
	Dialer      transport.Dialer
	Store       store.ConversationRepository
	Logger      *logrus.Logger

	// ConnectTimeout bounds the time between starting a handshake and the
	// data channel opening. A session still handshaking when it expires
	// fails with reason "connect timeout".
	ConnectTimeout time.Duration

	// HealthCheckInterval drives the per-session liveness tick.
	HealthCheckInterval time.Duration

	// StaleTransferAge is how long an inbound transfer may sit without a
	// new chunk before the health check evicts it.
	StaleTransferAge time.Duration

	ChunkSize       int
	InterChunkDelay time.Duration
}

// Event is a session event annotated with the owning connection and, when
// the event carried content, the persisted message record.
type Event struct {
	ConnectionID string
	RemotePeerID string
	Kind         session.EventKind

	State session.State

	Text      string
	Timestamp int64
	SenderID  string
	IsTyping  bool

	FileData []byte
	FileName string
	MimeType string

	Reason string

	Message *store.Message
}

type managed struct {
	id   string
	sess *session.Session
	done chan struct{}
}

type Coordinator struct {
	localPeerID string
	userName    string
	dialer      transport.Dialer
	store       store.ConversationRepository
	logger      *logrus.Logger

	connectTimeout time.Duration
	healthInterval time.Duration
	staleAge       time.Duration

	chunkSize       int
	interChunkDelay time.Duration

	events chan Event

	mu       sync.Mutex
	sessions map[string]*managed
	closed   bool
	wg       sync.WaitGroup

	emitMu       sync.Mutex
	eventsClosed bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.LocalPeerID == "" {
		return nil, errors.New("local peer id is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	healthInterval := opts.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	staleAge := opts.StaleTransferAge
	if staleAge <= 0 {
		staleAge = defaultStaleTransferAge
	}

	return &Coordinator{
		localPeerID:     opts.LocalPeerID,
		userName:        opts.UserName,
		dialer:          opts.Dialer,
		store:           opts.Store,
		logger:          log,
		connectTimeout:  connectTimeout,
		healthInterval:  healthInterval,
		staleAge:        staleAge,
		chunkSize:       opts.ChunkSize,
		interChunkDelay: opts.InterChunkDelay,
		events:          make(chan Event, eventBufferSize),
		sessions:        make(map[string]*managed),
	}, nil
}

// Events delivers all session events merged into one channel, each tagged
// with its connection id. The channel closes after Close.
func (c *Coordinator) Events() <-chan Event { return c.events }

// StartConnection opens a new outbound session and returns its connection
// id with the offer token to hand to the remote peer out of band.
func (c *Coordinator) StartConnection() (string, string, error) {
	return c.start(nil)
}

// StartSecureConnection is StartConnection with the signaling token
// encrypted under a key derived from the shared secret.
func (c *Coordinator) StartSecureConnection(secret []byte) (string, string, error) {
	key := crypto.DeriveKey(secret)
	return c.start(&key)
}

func (c *Coordinator) start(key *crypto.Key) (string, string, error) {
	sess, err := c.newSession(key)
	if err != nil {
		return "", "", err
	}
	offer, err := sess.StartAsInitiator()
	if err != nil {
		return "", "", err
	}
	m, err := c.register(sess)
	if err != nil {
		sess.Close()
		return "", "", err
	}
	return m.id, offer, nil
}

// AcceptConnection answers a received offer token and returns the
// connection id with the answer token for the initiator.
func (c *Coordinator) AcceptConnection(offerToken string) (string, string, error) {
	return c.accept(offerToken, nil)
}

// AcceptSecureConnection answers an encrypted offer token using a key
// derived from the shared secret.
func (c *Coordinator) AcceptSecureConnection(offerToken string, secret []byte) (string, string, error) {
	key := crypto.DeriveKey(secret)
	return c.accept(offerToken, &key)
}

func (c *Coordinator) accept(offerToken string, key *crypto.Key) (string, string, error) {
	sess, err := c.newSession(key)
	if err != nil {
		return "", "", err
	}
	answer, err := sess.StartAsResponder(offerToken)
	if err != nil {
		return "", "", err
	}
	m, err := c.register(sess)
	if err != nil {
		sess.Close()
		return "", "", err
	}
	return m.id, answer, nil
}

// CompleteConnection feeds the remote answer token into an outbound
// connection started earlier.
func (c *Coordinator) CompleteConnection(connectionID, answerToken string) error {
	m, err := c.lookup(connectionID)
	if err != nil {
		return err
	}
	return m.sess.CompleteWithAnswer(answerToken)
}

func (c *Coordinator) newSession(key *crypto.Key) (*session.Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return session.New(session.Options{
		LocalPeerID:     c.localPeerID,
		UserName:        c.userName,
		Dialer:          c.dialer,
		Logger:          c.logger,
		SecureKey:       key,
		ChunkSize:       c.chunkSize,
		InterChunkDelay: c.interChunkDelay,
	})
}

func (c *Coordinator) register(sess *session.Session) (*managed, error) {
	m := &managed{
		id:   uuid.NewString(),
		sess: sess,
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.sessions[m.id] = m
	c.wg.Add(2)
	c.mu.Unlock()

	go c.pump(m)
	go c.watch(m)
	return m, nil
}

func (c *Coordinator) lookup(connectionID string) (*managed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.sessions[connectionID]
	if !ok {
		return nil, ErrNoSession
	}
	return m, nil
}

// Send persists an outbound text message and sends it over the session's
// data channel. The message id is returned even when the send fails, in
// which case the message is left in the failed state for retry.
func (c *Coordinator) Send(connectionID, text string) (string, error) {
	m, err := c.lookup(connectionID)
	if err != nil {
		return "", err
	}

	msg := &store.Message{
		ID:            uuid.NewString(),
		SenderID:      c.localPeerID,
		ReceiverID:    m.sess.RemotePeerID(),
		Kind:          store.KindText,
		Content:       []byte(text),
		DeliveryState: store.DeliverySending,
		Timestamp:     time.Now().Unix(),
	}
	if err := c.store.AppendMessage(msg); err != nil {
		return "", err
	}

	if err := m.sess.SendMessage(text); err != nil {
		c.markDelivery(msg.ID, store.DeliveryFailed)
		return msg.ID, err
	}
	c.markDelivery(msg.ID, store.DeliverySent)
	return msg.ID, nil
}

// SendFile persists the file message metadata and starts the chunked
// transfer. Returns the message id and the number of chunks.
func (c *Coordinator) SendFile(connectionID string, fileBytes []byte, fileName, mimeType string) (string, int, error) {
	m, err := c.lookup(connectionID)
	if err != nil {
		return "", 0, err
	}

	msg := &store.Message{
		ID:            uuid.NewString(),
		SenderID:      c.localPeerID,
		ReceiverID:    m.sess.RemotePeerID(),
		Kind:          kindForMime(mimeType),
		Content:       fileBytes,
		FileName:      fileName,
		FileSize:      int64(len(fileBytes)),
		MimeType:      mimeType,
		DeliveryState: store.DeliverySending,
		Timestamp:     time.Now().Unix(),
	}
	if err := c.store.AppendMessage(msg); err != nil {
		return "", 0, err
	}

	chunks, err := m.sess.SendFile(fileBytes, fileName, mimeType)
	if err != nil {
		c.markDelivery(msg.ID, store.DeliveryFailed)
		return msg.ID, 0, err
	}
	c.markDelivery(msg.ID, store.DeliverySent)
	return msg.ID, chunks, nil
}

// SendTyping sends a typing indicator. Not persisted.
func (c *Coordinator) SendTyping(connectionID string, isTyping bool) error {
	m, err := c.lookup(connectionID)
	if err != nil {
		return err
	}
	return m.sess.SendTyping(isTyping)
}

// MarkRead clears a conversation's unread count.
func (c *Coordinator) MarkRead(conversationID string) error {
	return c.store.MarkRead(conversationID)
}

// CloseSession tears one session down. The session's Closed event is
// delivered before it disappears from the coordinator.
func (c *Coordinator) CloseSession(connectionID string) error {
	m, err := c.lookup(connectionID)
	if err != nil {
		return err
	}
	m.sess.Close()
	return nil
}

// Close tears all sessions down, waits for their events to drain, and
// closes the merged event channel. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active := make([]*managed, 0, len(c.sessions))
	for _, m := range c.sessions {
		active = append(active, m)
	}
	c.mu.Unlock()

	for _, m := range active {
		m.sess.Close()
	}
	c.wg.Wait()

	c.emitMu.Lock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
	c.emitMu.Unlock()
}

func (c *Coordinator) markDelivery(messageID string, state store.DeliveryState) {
	if err := c.store.UpdateDeliveryState(messageID, state); err != nil {
		c.logger.WithFields(logrus.Fields{
			"message": messageID,
			"state":   string(state),
		}).Warnf("failed to update delivery state: %v", err)
	}
}

func kindForMime(mimeType string) store.MessageKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return store.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return store.KindAudio
	default:
		return store.KindFile
	}
}
