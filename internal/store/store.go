// Package store provides durable keyed storage of conversations and
// messages. Updates to one conversation are serialized; different
// conversations proceed fully in parallel.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/peerlink-chat/peerlink/internal/crypto"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidAdvance = errors.New("delivery state cannot move backwards")
	ErrNoParticipants = errors.New("participant set is empty")
)

// Open opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for tests.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

type Options struct {
	DB          *gorm.DB
	LocalPeerID string
	Logger      *logrus.Logger

	// MasterKey, when set, encrypts message content at rest under a key
	// derived per conversation.
	MasterKey *crypto.Key
}

type ConversationStore struct {
	db          *gorm.DB
	localPeerID string
	logger      *logrus.Logger
	masterKey   *crypto.Key

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

func NewConversationStore(opts Options) (*ConversationStore, error) {
	if opts.DB == nil {
		return nil, errors.New("db is required")
	}
	if opts.LocalPeerID == "" {
		return nil, errors.New("local peer id is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &ConversationStore{
		db:          opts.DB,
		localPeerID: opts.LocalPeerID,
		logger:      log,
		masterKey:   opts.MasterKey,
		convLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// LocalPeerID returns the peer id this store was opened for.
func (cs *ConversationStore) LocalPeerID() string { return cs.localPeerID }

// lockFor returns the mutex serializing writers for one conversation id.
func (cs *ConversationStore) lockFor(conversationID string) *sync.Mutex {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	l, ok := cs.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		cs.convLocks[conversationID] = l
	}
	return l
}

// AppendMessage persists the message and, in the same transaction, updates
// the owning conversation's last message, updatedAt and unread count. The
// unread count advances only for messages not authored by the local user.
// The conversation is created lazily on first message.
func (cs *ConversationStore) AppendMessage(msg *Message) error {
	if msg.ConversationID == "" {
		msg.ConversationID = ConversationID([]string{msg.SenderID, msg.ReceiverID})
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if msg.DeliveryState == "" {
		msg.DeliveryState = DeliverySending
	}

	lock := cs.lockFor(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if cs.masterKey != nil && !msg.Encrypted && len(msg.Content) > 0 {
		key := crypto.DeriveConversationKey(*cs.masterKey, msg.ConversationID)
		ciphertext, nonce, err := crypto.Encrypt(key, msg.Content)
		if err != nil {
			return fmt.Errorf("failed to encrypt content: %w", err)
		}
		msg.Content = ciphertext
		msg.Nonce = nonce
		msg.Encrypted = true
	}

	return cs.db.Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		err := tx.First(&conv, "id = ?", msg.ConversationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			conv = cs.newConversation([]string{msg.SenderID, msg.ReceiverID}, "")
			conv.ID = msg.ConversationID
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"last_message_id": msg.ID,
			"updated_at":      maxInt64(conv.UpdatedAt, msg.Timestamp),
		}
		if msg.SenderID != cs.localPeerID {
			updates["unread_count"] = conv.UnreadCount + 1
		}
		return tx.Model(&Conversation{}).Where("id = ?", msg.ConversationID).Updates(updates).Error
	})
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// GetMessages returns the conversation's messages ordered by timestamp
// ascending, decrypting content on read. A message whose content fails to
// decrypt is returned with DecryptFailed set instead of aborting the read.
func (cs *ConversationStore) GetMessages(conversationID string) ([]Message, error) {
	var messages []Message
	err := cs.db.
		Where("conversation_id = ?", conversationID).
		Order("timestamp asc").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for i := range messages {
		if !messages[i].Encrypted {
			continue
		}
		if cs.masterKey == nil {
			messages[i].DecryptFailed = true
			messages[i].Content = nil
			continue
		}
		key := crypto.DeriveConversationKey(*cs.masterKey, conversationID)
		plaintext, err := crypto.Decrypt(key, messages[i].Content, messages[i].Nonce)
		if err != nil {
			cs.logger.WithFields(logrus.Fields{
				"message":      messages[i].ID,
				"conversation": conversationID,
			}).Warn("failed to decrypt stored message")
			messages[i].DecryptFailed = true
			messages[i].Content = nil
			continue
		}
		messages[i].Content = plaintext
		messages[i].Encrypted = false
	}
	return messages, nil
}

// GetConversations returns all conversations ordered by most recent
// activity.
func (cs *ConversationStore) GetConversations() ([]Conversation, error) {
	var conversations []Conversation
	err := cs.db.Order("updated_at desc").Find(&conversations).Error
	return conversations, err
}

// GetConversation looks a conversation up by id.
func (cs *ConversationStore) GetConversation(conversationID string) (Conversation, error) {
	var conv Conversation
	err := cs.db.First(&conv, "id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrNotFound
	}
	return conv, err
}

// MarkRead resets the unread count. No-op when already zero.
func (cs *ConversationStore) MarkRead(conversationID string) error {
	lock := cs.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	return cs.db.Model(&Conversation{}).
		Where("id = ? AND unread_count > 0", conversationID).
		Update("unread_count", 0).Error
}

// UpdateDeliveryState advances a message's delivery state. States only move
// forward, except that a failed message may return to sending on retry and
// any state may move to failed.
func (cs *ConversationStore) UpdateDeliveryState(messageID string, state DeliveryState) error {
	var probe Message
	err := cs.db.Select("conversation_id").First(&probe, "id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	lock := cs.lockFor(probe.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: the advance check must run against the
	// current state, not one observed before a concurrent writer.
	var msg Message
	if err := cs.db.First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	if !validAdvance(msg.DeliveryState, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAdvance, msg.DeliveryState, state)
	}
	return cs.db.Model(&Message{}).Where("id = ?", messageID).
		Update("delivery_state", state).Error
}

func validAdvance(from, to DeliveryState) bool {
	if from == to {
		return true
	}
	if to == DeliveryFailed {
		return true
	}
	if from == DeliveryFailed {
		return to == DeliverySending
	}
	fromRank, okFrom := deliveryRank[from]
	toRank, okTo := deliveryRank[to]
	return okFrom && okTo && toRank > fromRank
}

// DeleteConversation removes all messages first and the conversation record
// last, so a crash mid-delete never leaves messages pointing at a vanished
// conversation.
func (cs *ConversationStore) DeleteConversation(conversationID string) error {
	lock := cs.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := cs.db.Where("conversation_id = ?", conversationID).Delete(&Message{}).Error; err != nil {
		return err
	}
	return cs.db.Where("id = ?", conversationID).Delete(&Conversation{}).Error
}

// FindConversationByParticipants looks a conversation up by its normalized
// participant set. Returns ErrNotFound when no conversation exists.
func (cs *ConversationStore) FindConversationByParticipants(participantIDs []string) (Conversation, error) {
	return cs.GetConversation(ConversationID(participantIDs))
}

// CreateOrGetConversation atomically finds or creates the conversation for a
// participant set. Concurrent calls for the same set yield exactly one
// conversation.
func (cs *ConversationStore) CreateOrGetConversation(participantIDs []string, name string) (Conversation, error) {
	normalized := NormalizeParticipants(participantIDs)
	if len(normalized) == 0 {
		return Conversation{}, ErrNoParticipants
	}
	id := ConversationID(normalized)

	lock := cs.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var conv Conversation
	err := cs.db.First(&conv, "id = ?", id).Error
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, err
	}

	conv = cs.newConversation(normalized, name)
	if err := cs.db.Create(&conv).Error; err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (cs *ConversationStore) newConversation(participantIDs []string, name string) Conversation {
	normalized := NormalizeParticipants(participantIDs)
	now := time.Now().Unix()
	return Conversation{
		ID:             ConversationID(normalized),
		Name:           name,
		ParticipantIDs: joinParticipants(normalized),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func joinParticipants(ids []string) string {
	return strings.Join(ids, participantSep)
}
