package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// deliveryRank orders states for the monotonic-advance rule. failed sits
// outside the ladder: a retry may move it back to sending.
var deliveryRank = map[DeliveryState]int{
	DeliverySending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindFile     MessageKind = "file"
	KindLocation MessageKind = "location"
	KindSystem   MessageKind = "system"
)

type Message struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index;not null"`
	SenderID       string `gorm:"not null"`
	ReceiverID     string
	Kind           MessageKind `gorm:"not null"`
	Content        []byte
	Nonce          []byte
	Encrypted      bool
	DeliveryState  DeliveryState `gorm:"not null"`
	Timestamp      int64         `gorm:"index;not null"`

	FilePath string
	FileName string
	FileSize int64
	MimeType string

	// DecryptFailed marks a message whose stored content could not be
	// decrypted on read. Never persisted.
	DecryptFailed bool `gorm:"-"`
}

type Conversation struct {
	ID             string `gorm:"primaryKey"`
	Name           string
	ParticipantIDs string `gorm:"not null"`
	LastMessageID  string
	UnreadCount    int   `gorm:"not null;default:0"`
	CreatedAt      int64 `gorm:"not null"`
	UpdatedAt      int64 `gorm:"index;not null"`
}

// Participants returns the stored participant ids in insertion order.
func (c Conversation) Participants() []string {
	if c.ParticipantIDs == "" {
		return nil
	}
	return strings.Split(c.ParticipantIDs, participantSep)
}

const participantSep = "\x1f"

// NormalizeParticipants returns a sorted copy with duplicates removed.
// Conversation identity is order-insensitive over this set.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConversationID derives the deterministic conversation id for a participant
// set: the same peers always map to the same conversation no matter who
// initiates.
func ConversationID(participantIDs []string) string {
	normalized := NormalizeParticipants(participantIDs)
	sum := sha256.Sum256([]byte(strings.Join(normalized, participantSep)))
	return hex.EncodeToString(sum[:])
}
