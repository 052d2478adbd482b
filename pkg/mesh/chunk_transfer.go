package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// chunkSize is the size of each StreamChunk payload, chosen to sit safely
// under typical WebRTC data channel message limits (spec.md §4.3).
const chunkSize = 16 * 1024

// reassemblyDeadline bounds how long a receiver waits for a stream's
// next chunk before abortStream drops the stream and reports a
// "stream_aborted:" reason through onState (spec.md §4.3, §8 boundary
// behavior).
const reassemblyDeadline = 20 * time.Second

var zstdEncoder, _ = zstd.NewWriter(nil)

// sendChunked splits e's JSON encoding into a sequence of StreamChunk
// frames, compressed with zstd, and sends each as its own length-prefixed
// envelope.
func (p *PeerConnection) sendChunked(e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	compressed := zstdEncoder.EncodeAll(body, nil)

	streamID := uuid.NewString()
	total := (len(compressed) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(compressed) {
			end = len(compressed)
		}
		chunk := StreamChunk{
			StreamID:   streamID,
			Seq:        uint32(i),
			Final:      i == total-1,
			Bytes:      compressed[start:end],
			Compressed: true,
		}
		env, err := NewEnvelope(e.From, e.To, e.Broadcast, KindStream, chunk)
		if err != nil {
			return err
		}
		frame, err := Encode(env)
		if err != nil {
			return err
		}
		if err := p.sendRaw(frame, e.Broadcast); err != nil {
			return fmt.Errorf("peerpigeon: send chunk %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}

// reassembler accumulates StreamChunk payloads for one stream id.
type reassembler struct {
	mu       sync.Mutex
	chunks   map[uint32][]byte
	finalSeq int32 // -1 until Final chunk seen
	lastSeen time.Time
	timer    *time.Timer
	aborted  bool
}

func (p *PeerConnection) handleStreamEnvelope(e Envelope) {
	var chunk StreamChunk
	if err := e.Unmarshal(&chunk); err != nil {
		return
	}

	p.mu.Lock()
	r, ok := p.reassemblers[chunk.StreamID]
	if !ok {
		r = &reassembler{chunks: make(map[uint32][]byte), finalSeq: -1}
		p.reassemblers[chunk.StreamID] = r
	}
	p.mu.Unlock()

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.chunks[chunk.Seq] = chunk.Bytes
	r.lastSeen = time.Now()
	if chunk.Final {
		r.finalSeq = int32(chunk.Seq)
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reassemblyDeadline, func() {
		p.abortStream(chunk.StreamID, "reassembly deadline exceeded")
	})
	complete := r.finalSeq >= 0 && len(r.chunks) == int(r.finalSeq)+1
	r.mu.Unlock()

	if complete {
		p.completeStream(chunk.StreamID, chunk.Compressed)
	}
}

func (p *PeerConnection) completeStream(streamID string, compressed bool) {
	p.mu.Lock()
	r, ok := p.reassemblers[streamID]
	if ok {
		delete(p.reassemblers, streamID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	var buf bytes.Buffer
	for i := 0; i <= int(r.finalSeq); i++ {
		buf.Write(r.chunks[uint32(i)])
	}
	r.mu.Unlock()

	body := buf.Bytes()
	if compressed {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return
		}
		defer decoder.Close()
		decoded, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return
		}
		body = decoded
	}

	var original Envelope
	if err := json.Unmarshal(body, &original); err != nil {
		return
	}
	if p.onEnvelope != nil {
		p.onEnvelope(p.remote, original)
	}
}

func (p *PeerConnection) abortStream(streamID, reason string) {
	p.mu.Lock()
	r, ok := p.reassemblers[streamID]
	if ok {
		delete(p.reassemblers, streamID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()

	if p.onState != nil {
		p.onState(p.remote, p.State(), fmt.Sprintf("stream_aborted:%s:%s", streamID, reason))
	}
}
