package protocol

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func chunkFrames(t *testing.T, data []byte, chunkSize int) []FileChunkFrame {
	t.Helper()

	raw, err := EncodeFileFrames(data, "test.bin", "application/octet-stream", "peer-a", chunkSize)
	if err != nil {
		t.Fatalf("EncodeFileFrames failed: %v", err)
	}

	chunks := make([]FileChunkFrame, 0, len(raw))
	for _, r := range raw {
		chunk, ok := DecodeFrame(r).(FileChunkFrame)
		if !ok {
			t.Fatalf("expected FileChunkFrame")
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestReassembleInOrder(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	chunks := chunkFrames(t, data, 8)

	r := NewReassembler()
	for i, c := range chunks {
		res := r.AddChunk(c)
		if i < len(chunks)-1 && res.Status != ReassemblyIncomplete {
			t.Fatalf("chunk %d: expected INCOMPLETE, got %s", i, res.Status)
		}
		if i == len(chunks)-1 {
			if res.Status != ReassemblyComplete {
				t.Fatalf("final chunk: expected COMPLETE, got %s", res.Status)
			}
			if !bytes.Equal(res.Data, data) {
				t.Errorf("reassembled data mismatch")
			}
			if res.FileName != "test.bin" {
				t.Errorf("expected file name test.bin, got %q", res.FileName)
			}
			if res.MimeType != "application/octet-stream" {
				t.Errorf("expected mime type preserved, got %q", res.MimeType)
			}
		}
	}

	if r.Pending() != 0 {
		t.Errorf("expected no pending transfers after completion, got %d", r.Pending())
	}
}

func TestReassembleReverseOrder(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	chunks := chunkFrames(t, data, 100)
	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}

	r := NewReassembler()
	var final ReassemblyResult
	for i := len(chunks) - 1; i >= 0; i-- {
		final = r.AddChunk(chunks[i])
	}
	if final.Status != ReassemblyComplete {
		t.Fatalf("expected COMPLETE, got %s", final.Status)
	}
	if !bytes.Equal(final.Data, data) {
		t.Error("reverse-order reassembly did not reproduce original bytes")
	}
}

func TestReassembleRandomPermutation(t *testing.T) {
	data := make([]byte, 4096)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(data)

	chunks := chunkFrames(t, data, 300)
	rnd.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	r := NewReassembler()
	var final ReassemblyResult
	for _, c := range chunks {
		final = r.AddChunk(c)
	}
	if final.Status != ReassemblyComplete {
		t.Fatalf("expected COMPLETE, got %s", final.Status)
	}
	if !bytes.Equal(final.Data, data) {
		t.Error("permuted reassembly did not reproduce original bytes")
	}
}

func TestReassembleDuplicateIdempotent(t *testing.T) {
	chunks := chunkFrames(t, []byte("0123456789"), 2)

	r := NewReassembler()
	if res := r.AddChunk(chunks[0]); res.Status != ReassemblyIncomplete {
		t.Fatalf("expected INCOMPLETE, got %s", res.Status)
	}
	if res := r.AddChunk(chunks[0]); res.Status != ReassemblyDuplicate {
		t.Fatalf("duplicate: expected DUPLICATE, got %s", res.Status)
	}

	// A duplicate must not count toward completion.
	for i := 1; i < len(chunks)-1; i++ {
		if res := r.AddChunk(chunks[i]); res.Status != ReassemblyIncomplete {
			t.Fatalf("chunk %d: expected INCOMPLETE, got %s", i, res.Status)
		}
	}
	res := r.AddChunk(chunks[len(chunks)-1])
	if res.Status != ReassemblyComplete {
		t.Fatalf("expected COMPLETE, got %s", res.Status)
	}
	if string(res.Data) != "0123456789" {
		t.Errorf("expected '0123456789', got %q", res.Data)
	}
}

func TestReassembleInvalidTotalChunks(t *testing.T) {
	for _, total := range []int{0, -3} {
		r := NewReassembler()
		res := r.AddChunk(FileChunkFrame{TransferID: "t", ChunkIndex: 0, TotalChunks: total})
		if res.Status != ReassemblyError {
			t.Errorf("totalChunks=%d: expected ERROR, got %s", total, res.Status)
		}
	}
}

func TestReassembleIndexOutOfRange(t *testing.T) {
	r := NewReassembler()
	for _, idx := range []int{-1, 3, 100} {
		res := r.AddChunk(FileChunkFrame{TransferID: "t", ChunkIndex: idx, TotalChunks: 3})
		if res.Status != ReassemblyError {
			t.Errorf("index %d: expected ERROR, got %s", idx, res.Status)
		}
	}
}

func TestReassembleTotalChunksConflict(t *testing.T) {
	r := NewReassembler()
	r.AddChunk(FileChunkFrame{TransferID: "t", ChunkIndex: 0, TotalChunks: 5})
	res := r.AddChunk(FileChunkFrame{TransferID: "t", ChunkIndex: 1, TotalChunks: 9})
	if res.Status != ReassemblyError {
		t.Fatalf("expected ERROR on conflicting totalChunks, got %s", res.Status)
	}
	if r.Pending() != 0 {
		t.Error("aborted transfer buffer was not released")
	}
}

func TestReleaseDropsTransfer(t *testing.T) {
	chunks := chunkFrames(t, make([]byte, 1000), 100)

	r := NewReassembler()
	for i := 0; i < 3; i++ {
		r.AddChunk(chunks[i])
	}
	if r.Pending() != 1 {
		t.Fatalf("expected 1 pending transfer, got %d", r.Pending())
	}

	r.Release(chunks[0].TransferID)
	if r.Pending() != 0 {
		t.Fatal("Release did not drop the transfer buffer")
	}

	// Re-delivering the remaining chunks must not complete against released
	// state: the transfer restarts from scratch.
	var res ReassemblyResult
	for i := 3; i < len(chunks); i++ {
		res = r.AddChunk(chunks[i])
	}
	if res.Status == ReassemblyComplete {
		t.Error("transfer completed with chunks 0..2 missing after Release")
	}
}

func TestReleaseAll(t *testing.T) {
	r := NewReassembler()
	r.AddChunk(FileChunkFrame{TransferID: "a", ChunkIndex: 0, TotalChunks: 2})
	r.AddChunk(FileChunkFrame{TransferID: "b", ChunkIndex: 0, TotalChunks: 2})
	if r.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", r.Pending())
	}

	r.ReleaseAll()
	if r.Pending() != 0 {
		t.Error("ReleaseAll left pending transfers")
	}
}

func TestEvictStale(t *testing.T) {
	r := NewReassembler()
	r.AddChunk(FileChunkFrame{TransferID: "old", ChunkIndex: 0, TotalChunks: 2})
	r.transfers["old"].lastActivity = time.Now().Add(-time.Hour)
	r.AddChunk(FileChunkFrame{TransferID: "fresh", ChunkIndex: 0, TotalChunks: 2})

	evicted := r.EvictStale(time.Minute)
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("expected [old] evicted, got %v", evicted)
	}
	if r.Pending() != 1 {
		t.Errorf("expected 1 pending after eviction, got %d", r.Pending())
	}
}
