package services

import (
	"sync"

	"voicelink/internal/core/domain"
)

type bufferedSignal struct {
	from     domain.UserID
	envelope domain.SignalEnvelope
}

// SignalBuffer holds remote signals that arrived before a transport existed.
type SignalBuffer struct {
	mu      sync.Mutex
	entries []bufferedSignal
}

func NewSignalBuffer() *SignalBuffer {
	return &SignalBuffer{}
}

func (b *SignalBuffer) Enqueue(from domain.UserID, env domain.SignalEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, bufferedSignal{from: from, envelope: env})
}

// DrainInto replays every entry through handler in arrival order and leaves
// the buffer empty. Entries enqueued by handler are replayed in the same call.
func (b *SignalBuffer) DrainInto(handler func(from domain.UserID, env domain.SignalEnvelope)) int {
	drained := 0
	for {
		b.mu.Lock()
		pending := b.entries
		b.entries = nil
		b.mu.Unlock()

		if len(pending) == 0 {
			return drained
		}
		for _, e := range pending {
			handler(e.from, e.envelope)
			drained++
		}
	}
}

// Clear drops everything. Called when the owning call ends.
func (b *SignalBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

func (b *SignalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *SignalBuffer) LenFrom(from domain.UserID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.from == from {
			n++
		}
	}
	return n
}
