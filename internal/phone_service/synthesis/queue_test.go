package synthesis

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateSynth is a controllable engine: playback of gated texts blocks until
// the gate closes or the context is cancelled. Everything else completes
// immediately. started announces each playback as it begins.
type gateSynth struct {
	mu      sync.Mutex
	spoken  []string
	gates   map[string]chan struct{}
	started chan string
}

func newGateSynth() *gateSynth {
	return &gateSynth{
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 32),
	}
}

func (s *gateSynth) gate(text string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[text] = ch
	return ch
}

func (s *gateSynth) Speak(ctx context.Context, req domain.SpeechRequest, voice domain.VoiceProfile) error {
	s.mu.Lock()
	gate := s.gates[req.Text]
	s.mu.Unlock()

	s.started <- req.Text
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.spoken = append(s.spoken, req.Text)
	s.mu.Unlock()
	return nil
}

func (s *gateSynth) GetName() string { return "gate" }

func (s *gateSynth) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func waitState(t *testing.T, q *QueueSet, requestID string, want domain.SpeechState) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := q.Get(requestID)
		return err == nil && r.State == want
	}, 2*time.Second, 5*time.Millisecond, "request %s never reached %s", requestID, want)
}

func waitStarted(t *testing.T, synth *gateSynth) string {
	t.Helper()
	select {
	case text := <-synth.started:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("no playback started in time")
		return ""
	}
}

func TestQueueSet_PriorityOrdering(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	gate := synth.gate("blocker")
	_, err := q.Enqueue(ctx, "persona-1", "blocker", domain.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "blocker", waitStarted(t, synth))

	// Queued while the blocker holds the driver; order on release must be
	// high, then normal, then low, regardless of enqueue order.
	t1, err := q.Enqueue(ctx, "persona-1", "t1", domain.PriorityLow)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "persona-1", "t2", domain.PriorityHigh)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "persona-1", "t3", domain.PriorityNormal)
	require.NoError(t, err)

	close(gate)
	waitState(t, q, t1, domain.SpeechDone)

	assert.Equal(t, []string{"blocker", "t2", "t3", "t1"}, synth.Spoken())
}

func TestQueueSet_FIFOWithinPriority(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	gate := synth.gate("blocker")
	_, err := q.Enqueue(ctx, "persona-1", "blocker", domain.PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, "blocker", waitStarted(t, synth))

	var last string
	for _, text := range []string{"a", "b", "c"} {
		last, err = q.Enqueue(ctx, "persona-1", text, domain.PriorityNormal)
		require.NoError(t, err)
	}

	close(gate)
	waitState(t, q, last, domain.SpeechDone)
	assert.Equal(t, []string{"blocker", "a", "b", "c"}, synth.Spoken())
}

func TestQueueSet_OnePlaybackPerPersona(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	gate := synth.gate("first")
	_, err := q.Enqueue(ctx, "persona-1", "first", domain.PriorityNormal)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "persona-1", "second", domain.PriorityNormal)
	require.NoError(t, err)

	require.Equal(t, "first", waitStarted(t, synth))

	// Nothing else may start while the first playback is in flight.
	select {
	case text := <-synth.started:
		t.Fatalf("unexpected concurrent playback: %s", text)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	waitState(t, q, second, domain.SpeechDone)
}

func TestQueueSet_PersonasPlayIndependently(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	gateA := synth.gate("a-speech")
	gateB := synth.gate("b-speech")
	_, err := q.Enqueue(ctx, "persona-a", "a-speech", domain.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "persona-b", "b-speech", domain.PriorityNormal)
	require.NoError(t, err)

	// Both start without either finishing: queues do not serialize across
	// personas.
	started := map[string]bool{waitStarted(t, synth): true, waitStarted(t, synth): true}
	assert.True(t, started["a-speech"])
	assert.True(t, started["b-speech"])

	close(gateA)
	close(gateB)
}

func TestQueueSet_CancelQueued(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	gate := synth.gate("blocker")
	_, err := q.Enqueue(ctx, "persona-1", "blocker", domain.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "blocker", waitStarted(t, synth))

	victim, err := q.Enqueue(ctx, "persona-1", "victim", domain.PriorityNormal)
	require.NoError(t, err)
	survivor, err := q.Enqueue(ctx, "persona-1", "survivor", domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(victim))
	got, err := q.Get(victim)
	require.NoError(t, err)
	assert.Equal(t, domain.SpeechCancelled, got.State)

	close(gate)
	waitState(t, q, survivor, domain.SpeechDone)
	assert.NotContains(t, synth.Spoken(), "victim")
}

func TestQueueSet_CancelWhilePlaying(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	synth.gate("long-speech") // never released; cancellation must unblock it
	playing, err := q.Enqueue(ctx, "persona-1", "long-speech", domain.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "long-speech", waitStarted(t, synth))

	require.NoError(t, q.Cancel(playing))
	waitState(t, q, playing, domain.SpeechCancelled)
	assert.NotContains(t, synth.Spoken(), "long-speech")

	// The driver keeps serving the queue after an interruption.
	next, err := q.Enqueue(ctx, "persona-1", "next", domain.PriorityNormal)
	require.NoError(t, err)
	waitState(t, q, next, domain.SpeechDone)
}

func TestQueueSet_CancelUnknown(t *testing.T) {
	q := NewQueueSet(newGateSynth(), 16, testLogger())
	defer q.Close()
	assert.ErrorIs(t, q.Cancel("nope"), domain.ErrSpeechNotFound)
}

func TestQueueSet_Saturation(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 2, testLogger())
	defer q.Close()
	ctx := context.Background()

	gate := synth.gate("blocker")
	_, err := q.Enqueue(ctx, "persona-1", "blocker", domain.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "blocker", waitStarted(t, synth))

	_, err = q.Enqueue(ctx, "persona-1", "q1", domain.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "persona-1", "q2", domain.PriorityNormal)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "persona-1", "q3", domain.PriorityNormal)
	assert.ErrorIs(t, err, domain.ErrQueueSaturated)

	close(gate)
}

func TestQueueSet_CancelAllOnHangup(t *testing.T) {
	synth := newGateSynth()
	q := NewQueueSet(synth, 16, testLogger())
	defer q.Close()
	ctx := context.Background()

	synth.gate("playing")
	_, err := q.Enqueue(ctx, "persona-1", "playing", domain.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, "playing", waitStarted(t, synth))

	q1, err := q.Enqueue(ctx, "persona-1", "queued-1", domain.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "persona-1", "queued-2", domain.PriorityHigh)
	require.NoError(t, err)

	assert.Equal(t, 3, q.CancelAll("persona-1"))
	assert.Equal(t, 0, q.Depth("persona-1"))
	_, err = q.Get(q1)
	assert.ErrorIs(t, err, domain.ErrSpeechNotFound)
	assert.Empty(t, synth.Spoken())

	assert.Zero(t, q.CancelAll("persona-unknown"))
}
