package services

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicelink/internal/core/domain"
)

func testEnvelope(from domain.UserID, kind domain.SignalKind, seq int) domain.SignalEnvelope {
	return domain.SignalEnvelope{
		FromUserID: from,
		CallID:     "c-1",
		Kind:       kind,
		Payload:    json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
	}
}

func TestSignalBuffer_DrainPreservesOrder(t *testing.T) {
	buf := NewSignalBuffer()
	buf.Enqueue("bob", testEnvelope("bob", domain.SignalOffer, 1))
	buf.Enqueue("bob", testEnvelope("bob", domain.SignalICECandidate, 2))
	buf.Enqueue("carol", testEnvelope("carol", domain.SignalICECandidate, 3))
	buf.Enqueue("bob", testEnvelope("bob", domain.SignalICECandidate, 4))

	assert.Equal(t, 4, buf.Len())
	assert.Equal(t, 3, buf.LenFrom("bob"))

	var seen []string
	n := buf.DrainInto(func(from domain.UserID, env domain.SignalEnvelope) {
		seen = append(seen, string(env.Payload))
	})

	assert.Equal(t, 4, n)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`, `{"seq":4}`}, seen)
	assert.Zero(t, buf.Len())
}

func TestSignalBuffer_EnqueueDuringDrain(t *testing.T) {
	buf := NewSignalBuffer()
	buf.Enqueue("bob", testEnvelope("bob", domain.SignalOffer, 1))

	var seen []string
	buf.DrainInto(func(from domain.UserID, env domain.SignalEnvelope) {
		seen = append(seen, string(env.Payload))
		if len(seen) == 1 {
			buf.Enqueue("bob", testEnvelope("bob", domain.SignalICECandidate, 2))
		}
	})

	require.Len(t, seen, 2)
	assert.Equal(t, `{"seq":2}`, seen[1])
	assert.Zero(t, buf.Len())
}

func TestSignalBuffer_Clear(t *testing.T) {
	buf := NewSignalBuffer()
	buf.Enqueue("bob", testEnvelope("bob", domain.SignalOffer, 1))
	buf.Clear()

	calls := 0
	buf.DrainInto(func(domain.UserID, domain.SignalEnvelope) { calls++ })
	assert.Zero(t, calls)
}
