package store

// ConversationRepository defines the persistence operations the coordinator
// depends on.
type ConversationRepository interface {
	AppendMessage(msg *Message) error
	GetMessages(conversationID string) ([]Message, error)
	GetConversations() ([]Conversation, error)
	GetConversation(conversationID string) (Conversation, error)
	MarkRead(conversationID string) error
	UpdateDeliveryState(messageID string, state DeliveryState) error
	DeleteConversation(conversationID string) error
	FindConversationByParticipants(participantIDs []string) (Conversation, error)
	CreateOrGetConversation(participantIDs []string, name string) (Conversation, error)
}

var _ ConversationRepository = (*ConversationStore)(nil)
