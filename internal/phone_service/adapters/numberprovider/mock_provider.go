package numberprovider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// MockProvider is a simulated provisioning provider for testing and development.
// It mints numbers on demand and remembers what it handed out.
type MockProvider struct {
	logger       *slog.Logger
	name         string
	failRate     float64 // chance to simulate failure (0.0 to 1.0)
	minLatencyMs int
	maxLatencyMs int

	mu     sync.Mutex
	issued map[string]domain.PhoneNumber
	next   int
}

// NewMockProvider creates a new MockProvider.
func NewMockProvider(logger *slog.Logger, name string, failRate float64, minLatencyMs, maxLatencyMs int) *MockProvider {
	if name == "" {
		name = "mock-provider"
	}
	return &MockProvider{
		logger:       logger.With("provider", name),
		name:         name,
		failRate:     failRate,
		minLatencyMs: minLatencyMs,
		maxLatencyMs: maxLatencyMs,
		issued:       make(map[string]domain.PhoneNumber),
		next:         5550100,
	}
}

func (p *MockProvider) GetName() string { return p.name }

func (p *MockProvider) simulate(ctx context.Context) error {
	if p.maxLatencyMs > 0 {
		latency := p.minLatencyMs + rand.Intn(p.maxLatencyMs-p.minLatencyMs+1)
		select {
		case <-time.After(time.Duration(latency) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if rand.Float64() < p.failRate {
		return fmt.Errorf("%w: simulated provider outage", domain.ErrProviderUnavailable)
	}
	return nil
}

func (p *MockProvider) LeaseNumbers(ctx context.Context, request LeaseRequestData) ([]domain.PhoneNumber, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	numbers := make([]domain.PhoneNumber, 0, request.Count)
	for i := 0; i < request.Count; i++ {
		e164 := fmt.Sprintf("+1415%07d", p.next)
		p.next++
		n := domain.PhoneNumber{
			Number:    e164,
			Geography: request.Geography,
			State:     domain.LeaseStateFree,
		}
		p.issued[e164] = n
		numbers = append(numbers, n)
	}

	p.logger.InfoContext(ctx, "MockProvider: numbers leased (simulated)",
		"count", len(numbers), "geography", request.Geography, "tier", request.Tier)
	return numbers, nil
}

func (p *MockProvider) ReleaseNumbers(ctx context.Context, numbers []string) error {
	if err := p.simulate(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range numbers {
		delete(p.issued, n)
	}
	p.logger.InfoContext(ctx, "MockProvider: numbers released (simulated)", "count", len(numbers))
	return nil
}

func (p *MockProvider) ListInventory(ctx context.Context) ([]domain.PhoneNumber, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	inventory := make([]domain.PhoneNumber, 0, len(p.issued))
	for _, n := range p.issued {
		inventory = append(inventory, n)
	}
	return inventory, nil
}

func (p *MockProvider) HealthCheck(ctx context.Context) error {
	return p.simulate(ctx)
}
