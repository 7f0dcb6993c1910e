package session

type State uint8

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOffering:
		return "OFFERING"
	case StateAwaitingAnswer:
		return "AWAITING_ANSWER"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether no further transition is possible.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

type EventKind uint8

const (
	EventStateChanged EventKind = iota
	EventOpen
	EventMessage
	EventTyping
	EventFileReceived
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "STATE_CHANGED"
	case EventOpen:
		return "OPEN"
	case EventMessage:
		return "MESSAGE"
	case EventTyping:
		return "TYPING"
	case EventFileReceived:
		return "FILE_RECEIVED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one observable session side effect. Events for a session are
// delivered in the order raised; a state change to CLOSED or FAILED is always
// the last event, after which the event channel is closed.
type Event struct {
	Kind         EventKind
	RemotePeerID string

	// EventStateChanged
	State State

	// EventMessage / EventTyping
	Text      string
	Timestamp int64
	SenderID  string
	IsTyping  bool

	// EventFileReceived
	FileData []byte
	FileName string
	MimeType string

	// EventError
	Reason string
}
