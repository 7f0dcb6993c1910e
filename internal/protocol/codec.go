// Package protocol defines the wire format for data-channel frames and the
// chunked transfer of binary payloads. One frame is sent per channel message,
// encoded as UTF-8 JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	frameTypeText      = "message"
	frameTypeTyping    = "typing"
	frameTypeFileChunk = "file_chunk"

	// DefaultChunkSize keeps each chunk frame comfortably under the data
	// channel message size limit after JSON and base64 overhead.
	DefaultChunkSize = 32 * 1024
)

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// wireFrame is the superset of all frame fields on the wire.
type wireFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	SenderID    string `json:"senderId"`
	IsTyping    *bool  `json:"isTyping,omitempty"`
	TransferID  string `json:"transferId,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
	TotalChunks *int   `json:"totalChunks,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

func EncodeTextFrame(content, senderID string) ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:      frameTypeText,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SenderID:  senderID,
	})
}

func EncodeTypingFrame(isTyping bool, senderID string) ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:     frameTypeTyping,
		IsTyping: &isTyping,
		SenderID: senderID,
	})
}

// EncodeFileFrames splits fileBytes into ordered chunk frames of at most
// chunkSize payload bytes each. Every frame carries the same freshly
// generated transfer id; chunk indices are zero-based and contiguous.
func EncodeFileFrames(fileBytes []byte, fileName, mimeType, senderID string, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	total := (len(fileBytes) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	transferID := uuid.NewString()

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(fileBytes) {
			end = len(fileBytes)
		}

		idx := i
		count := total
		frame, err := json.Marshal(wireFrame{
			Type:        frameTypeFileChunk,
			TransferID:  transferID,
			FileName:    fileName,
			MimeType:    mimeType,
			ChunkIndex:  &idx,
			TotalChunks: &count,
			Data:        fileBytes[start:end],
			SenderID:    senderID,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// DecodeFrame decodes one channel message into a Frame. It is total over all
// inputs: malformed JSON, an unrecognized type, or missing required fields
// yield an UnknownFrame, never an error.
func DecodeFrame(data []byte) Frame {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return UnknownFrame{Raw: data}
	}

	switch w.Type {
	case frameTypeText:
		if w.SenderID == "" {
			return UnknownFrame{Raw: data}
		}
		ts := time.Now().Unix()
		if t, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			ts = t.Unix()
		}
		return TextFrame{Content: w.Content, Timestamp: ts, SenderID: w.SenderID}

	case frameTypeTyping:
		if w.SenderID == "" || w.IsTyping == nil {
			return UnknownFrame{Raw: data}
		}
		return TypingFrame{IsTyping: *w.IsTyping, SenderID: w.SenderID}

	case frameTypeFileChunk:
		if w.SenderID == "" || w.TransferID == "" || w.ChunkIndex == nil || w.TotalChunks == nil {
			return UnknownFrame{Raw: data}
		}
		return FileChunkFrame{
			TransferID:  w.TransferID,
			FileName:    w.FileName,
			MimeType:    w.MimeType,
			ChunkIndex:  *w.ChunkIndex,
			TotalChunks: *w.TotalChunks,
			Data:        w.Data,
			SenderID:    w.SenderID,
		}

	default:
		return UnknownFrame{Raw: data}
	}
}
