package protocol

type FrameKind uint8

const (
	FrameUnknown FrameKind = iota
	FrameText
	FrameTyping
	FrameFileChunk
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "TEXT"
	case FrameTyping:
		return "TYPING"
	case FrameFileChunk:
		return "FILE_CHUNK"
	default:
		return "UNKNOWN"
	}
}

// Frame is one application-level unit carried over the data channel.
type Frame interface {
	Kind() FrameKind
}

type TextFrame struct {
	Content   string
	Timestamp int64
	SenderID  string
}

func (TextFrame) Kind() FrameKind { return FrameText }

type TypingFrame struct {
	IsTyping bool
	SenderID string
}

func (TypingFrame) Kind() FrameKind { return FrameTyping }

type FileChunkFrame struct {
	TransferID  string
	FileName    string
	MimeType    string
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	SenderID    string
}

func (FileChunkFrame) Kind() FrameKind { return FrameFileChunk }

// UnknownFrame is produced for any payload that does not decode to a valid
// frame. A corrupt frame never aborts the receive loop; callers skip it.
type UnknownFrame struct {
	Raw []byte
}

func (UnknownFrame) Kind() FrameKind { return FrameUnknown }
