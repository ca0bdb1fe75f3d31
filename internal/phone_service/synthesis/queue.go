package synthesis

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// trackedRequest is a speech request inside a persona queue.
type trackedRequest struct {
	req       domain.SpeechRequest
	voice     domain.VoiceProfile
	seq       uint64
	heapIndex int                // -1 once popped or removed
	cancel    context.CancelFunc // set while playing
}

// requestHeap orders by priority (high first) then enqueue sequence (FIFO).
type requestHeap []*trackedRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *requestHeap) Push(x any) {
	tr := x.(*trackedRequest)
	tr.heapIndex = len(*h)
	*h = append(*h, tr)
}
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	tr := old[n-1]
	old[n-1] = nil
	tr.heapIndex = -1
	*h = old[:n-1]
	return tr
}

// personaQueue holds the pending heap and the playing slot for one persona.
// Exactly one driver goroutine consumes it, so at most one request is ever
// playing for a given speaker.
type personaQueue struct {
	personaID string
	voice     domain.VoiceProfile
	pending   requestHeap
	playing   *trackedRequest
	wake      chan struct{}
}

// QueueSet mediates ordered, interruptible speech playback, one logical queue
// per persona.
type QueueSet struct {
	logger *slog.Logger
	synth  Synthesizer
	depth  int

	mu      sync.Mutex
	queues  map[string]*personaQueue
	byReq   map[string]*trackedRequest
	nextSeq uint64

	rootCtx   context.Context
	rootStop  context.CancelFunc
	driverWG  sync.WaitGroup
	closeOnce sync.Once

	// PlaybackErrorHook observes synthesis failures (for metrics).
	PlaybackErrorHook func(personaID string)
}

// NewQueueSet creates a QueueSet. depth bounds each persona's pending queue;
// enqueueing beyond it fails with ErrQueueSaturated.
func NewQueueSet(synth Synthesizer, depth int, logger *slog.Logger) *QueueSet {
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueSet{
		logger:   logger.With("component", "synthesis_queue"),
		synth:    synth,
		depth:    depth,
		queues:   make(map[string]*personaQueue),
		byReq:    make(map[string]*trackedRequest),
		rootCtx:  ctx,
		rootStop: cancel,
	}
}

// RegisterPersona records the persona's voice profile so the driver can pass
// it to the engine. Safe to call repeatedly.
func (q *QueueSet) RegisterPersona(persona *domain.ExecutivePersona) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq := q.ensureQueueLocked(persona.ID)
	pq.voice = persona.Voice
}

func (q *QueueSet) ensureQueueLocked(personaID string) *personaQueue {
	pq, ok := q.queues[personaID]
	if !ok {
		pq = &personaQueue{
			personaID: personaID,
			wake:      make(chan struct{}, 1),
		}
		q.queues[personaID] = pq
		q.driverWG.Add(1)
		go q.driver(pq)
	}
	return pq
}

// Enqueue adds an utterance to the persona's queue. Ordering is strict
// priority, FIFO within equal priority.
func (q *QueueSet) Enqueue(ctx context.Context, personaID, text string, priority domain.SpeechPriority) (string, error) {
	if personaID == "" {
		return "", domain.ErrAccessViolation
	}

	q.mu.Lock()
	pq := q.ensureQueueLocked(personaID)
	if len(pq.pending) >= q.depth {
		q.mu.Unlock()
		q.logger.WarnContext(ctx, "Speech queue saturated", "persona_id", personaID, "depth", q.depth)
		return "", domain.ErrQueueSaturated
	}

	q.nextSeq++
	tr := &trackedRequest{
		req: domain.SpeechRequest{
			ID:         uuid.NewString(),
			PersonaID:  personaID,
			Text:       text,
			Priority:   priority,
			State:      domain.SpeechQueued,
			EnqueuedAt: time.Now().UTC(),
		},
		voice: pq.voice,
		seq:   q.nextSeq,
	}
	heap.Push(&pq.pending, tr)
	q.byReq[tr.req.ID] = tr
	q.mu.Unlock()

	select {
	case pq.wake <- struct{}{}:
	default:
	}
	return tr.req.ID, nil
}

// driver is the single consumer for one persona's queue.
func (q *QueueSet) driver(pq *personaQueue) {
	defer q.driverWG.Done()
	for {
		q.mu.Lock()
		var tr *trackedRequest
		if pq.pending.Len() > 0 {
			tr = heap.Pop(&pq.pending).(*trackedRequest)
			playCtx, cancel := context.WithCancel(q.rootCtx)
			tr.cancel = cancel
			tr.req.State = domain.SpeechPlaying
			pq.playing = tr
			q.mu.Unlock()

			err := q.synth.Speak(playCtx, tr.req, tr.voice)
			cancel()

			q.mu.Lock()
			pq.playing = nil
			switch {
			case tr.req.State == domain.SpeechCancelled:
				// Cancel observed mid-playback; state already final.
			case err != nil && playCtx.Err() != nil:
				tr.req.State = domain.SpeechCancelled
			case err != nil:
				tr.req.State = domain.SpeechDone
				q.mu.Unlock()
				q.logger.Error("Synthesis playback failed", "request_id", tr.req.ID, "persona_id", pq.personaID, "error", err)
				if q.PlaybackErrorHook != nil {
					q.PlaybackErrorHook(pq.personaID)
				}
				q.mu.Lock()
			default:
				tr.req.State = domain.SpeechDone
			}
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		select {
		case <-pq.wake:
		case <-q.rootCtx.Done():
			return
		}
	}
}

// Cancel stops one request. A queued request is removed; a playing request is
// stopped at the next safe boundary. Either way it ends cancelled, not done.
func (q *QueueSet) Cancel(requestID string) error {
	q.mu.Lock()
	tr, ok := q.byReq[requestID]
	if !ok {
		q.mu.Unlock()
		return domain.ErrSpeechNotFound
	}

	switch tr.req.State {
	case domain.SpeechQueued:
		pq := q.queues[tr.req.PersonaID]
		if tr.heapIndex >= 0 {
			heap.Remove(&pq.pending, tr.heapIndex)
		}
		tr.req.State = domain.SpeechCancelled
	case domain.SpeechPlaying:
		tr.req.State = domain.SpeechCancelled
		if tr.cancel != nil {
			tr.cancel()
		}
	default:
		// Already final; cancelling is a no-op.
	}
	q.mu.Unlock()
	return nil
}

// CancelAll cancels every queued and playing request for a persona. Used on
// hangup. Returns how many requests were cancelled.
func (q *QueueSet) CancelAll(personaID string) int {
	q.mu.Lock()
	pq, ok := q.queues[personaID]
	if !ok {
		q.mu.Unlock()
		return 0
	}

	n := 0
	for pq.pending.Len() > 0 {
		tr := heap.Pop(&pq.pending).(*trackedRequest)
		tr.req.State = domain.SpeechCancelled
		n++
	}
	if pq.playing != nil {
		pq.playing.req.State = domain.SpeechCancelled
		if pq.playing.cancel != nil {
			pq.playing.cancel()
		}
		n++
	}
	// Hangup also clears the persona's finished-request history.
	for id, tr := range q.byReq {
		if tr.req.PersonaID == personaID && tr.req.State != domain.SpeechPlaying {
			delete(q.byReq, id)
		}
	}
	q.mu.Unlock()

	if n > 0 {
		q.logger.Info("Speech requests cancelled", "persona_id", personaID, "count", n)
	}
	return n
}

// Get returns a copy of a request's current state.
func (q *QueueSet) Get(requestID string) (*domain.SpeechRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tr, ok := q.byReq[requestID]
	if !ok {
		return nil, domain.ErrSpeechNotFound
	}
	cp := tr.req
	return &cp, nil
}

// Depth returns the number of pending (not playing) requests for a persona.
func (q *QueueSet) Depth(personaID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.queues[personaID]; ok {
		return pq.pending.Len()
	}
	return 0
}

// Close stops every driver. In-flight playback is cancelled.
func (q *QueueSet) Close() {
	q.closeOnce.Do(func() {
		q.rootStop()
		q.driverWG.Wait()
	})
}
