package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// Synthesizer is the black-box speech engine boundary. Speak blocks for the
// duration of playback and must return promptly when ctx is cancelled (the
// next safe boundary).
type Synthesizer interface {
	Speak(ctx context.Context, req domain.SpeechRequest, voice domain.VoiceProfile) error
	GetName() string
}

// MockSynthesizer simulates a speech engine for testing and development.
// Playback duration scales with text length.
type MockSynthesizer struct {
	logger     *slog.Logger
	name       string
	failRate   float64
	msPerChar  int
	mu         sync.Mutex
	spokenLog  []string
}

// NewMockSynthesizer creates a new MockSynthesizer.
func NewMockSynthesizer(logger *slog.Logger, name string, failRate float64, msPerChar int) *MockSynthesizer {
	if name == "" {
		name = "mock-synth"
	}
	return &MockSynthesizer{
		logger:    logger.With("synthesizer", name),
		name:      name,
		failRate:  failRate,
		msPerChar: msPerChar,
	}
}

func (s *MockSynthesizer) GetName() string { return s.name }

func (s *MockSynthesizer) Speak(ctx context.Context, req domain.SpeechRequest, voice domain.VoiceProfile) error {
	duration := time.Duration(len(req.Text)*s.msPerChar) * time.Millisecond
	select {
	case <-time.After(duration):
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "MockSynthesizer: playback interrupted", "request_id", req.ID)
		return ctx.Err()
	}

	if rand.Float64() < s.failRate {
		return fmt.Errorf("simulated synthesis failure for request %s", req.ID)
	}

	s.mu.Lock()
	s.spokenLog = append(s.spokenLog, req.Text)
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "MockSynthesizer: spoke",
		"request_id", req.ID, "persona_id", req.PersonaID, "chars", len(req.Text), "timbre_seed", voice.TimbreSeed)
	return nil
}

// Spoken returns the texts spoken so far, in playback order.
func (s *MockSynthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spokenLog))
	copy(out, s.spokenLog)
	return out
}
