package protocol

import (
	"fmt"
	"sync"
	"time"
)

type ReassemblyStatus uint8

const (
	ReassemblyIncomplete ReassemblyStatus = iota
	ReassemblyComplete
	ReassemblyDuplicate
	ReassemblyError
)

func (s ReassemblyStatus) String() string {
	switch s {
	case ReassemblyIncomplete:
		return "INCOMPLETE"
	case ReassemblyComplete:
		return "COMPLETE"
	case ReassemblyDuplicate:
		return "DUPLICATE"
	default:
		return "ERROR"
	}
}

// ReassemblyResult is the outcome of feeding one chunk to the reassembler.
// Data, FileName and MimeType are set only when Status is ReassemblyComplete.
type ReassemblyResult struct {
	Status   ReassemblyStatus
	Data     []byte
	FileName string
	MimeType string
	Reason   string
}

type pendingTransfer struct {
	fileName     string
	mimeType     string
	totalChunks  int
	chunks       map[int][]byte
	lastActivity time.Time
}

// Reassembler accumulates file chunks per transfer id and reconstructs the
// original payload once every index 0..totalChunks-1 has been seen. Chunks
// may arrive in any order; duplicates are ignored. Buffers for abandoned
// transfers are released by the owning session, either explicitly or through
// EvictStale.
type Reassembler struct {
	mu        sync.Mutex
	transfers map[string]*pendingTransfer
}

func NewReassembler() *Reassembler {
	return &Reassembler{transfers: make(map[string]*pendingTransfer)}
}

// AddChunk feeds one received chunk. A chunk with an already-seen index is
// idempotent: it reports ReassemblyDuplicate and never double-counts toward
// completion. Invalid counts or indices abort the transfer and release its
// buffer.
func (r *Reassembler) AddChunk(chunk FileChunkFrame) ReassemblyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chunk.TotalChunks <= 0 {
		delete(r.transfers, chunk.TransferID)
		return ReassemblyResult{
			Status: ReassemblyError,
			Reason: fmt.Sprintf("invalid total chunk count %d", chunk.TotalChunks),
		}
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= chunk.TotalChunks {
		delete(r.transfers, chunk.TransferID)
		return ReassemblyResult{
			Status: ReassemblyError,
			Reason: fmt.Sprintf("chunk index %d out of range [0,%d)", chunk.ChunkIndex, chunk.TotalChunks),
		}
	}

	t, exists := r.transfers[chunk.TransferID]
	if !exists {
		t = &pendingTransfer{
			fileName:    chunk.FileName,
			mimeType:    chunk.MimeType,
			totalChunks: chunk.TotalChunks,
			chunks:      make(map[int][]byte, chunk.TotalChunks),
		}
		r.transfers[chunk.TransferID] = t
	} else if t.totalChunks != chunk.TotalChunks {
		delete(r.transfers, chunk.TransferID)
		return ReassemblyResult{
			Status: ReassemblyError,
			Reason: fmt.Sprintf("total chunk count changed from %d to %d", t.totalChunks, chunk.TotalChunks),
		}
	}
	t.lastActivity = time.Now()

	if _, seen := t.chunks[chunk.ChunkIndex]; seen {
		return ReassemblyResult{Status: ReassemblyDuplicate}
	}
	t.chunks[chunk.ChunkIndex] = chunk.Data

	if len(t.chunks) < t.totalChunks {
		return ReassemblyResult{Status: ReassemblyIncomplete}
	}

	size := 0
	for _, c := range t.chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for i := 0; i < t.totalChunks; i++ {
		data = append(data, t.chunks[i]...)
	}
	delete(r.transfers, chunk.TransferID)

	return ReassemblyResult{
		Status:   ReassemblyComplete,
		Data:     data,
		FileName: t.fileName,
		MimeType: t.mimeType,
	}
}

// Release drops the buffer for one in-flight transfer, if any.
func (r *Reassembler) Release(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfers, transferID)
}

// ReleaseAll drops every in-flight transfer buffer. Called on session
// teardown so a partial file is never delivered as complete.
func (r *Reassembler) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = make(map[string]*pendingTransfer)
}

// EvictStale releases transfers with no chunk activity for at least maxIdle
// and returns the ids it dropped.
func (r *Reassembler) EvictStale(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	cutoff := time.Now().Add(-maxIdle)
	for id, t := range r.transfers {
		if t.lastActivity.Before(cutoff) {
			delete(r.transfers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Pending reports the number of in-flight transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}
