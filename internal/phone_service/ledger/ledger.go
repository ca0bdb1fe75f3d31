package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/boardline/phonesystem/internal/phone_service/adapters/numberprovider"
	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// Ledger tracks the inventory of phone numbers and their tenant leases.
// It is the only owner of the free/leased split; all other components see
// copies. Leasing is all-or-nothing per call and the free pool is handed out
// under a single mutex so concurrent tenants can never receive the same number.
type Ledger struct {
	logger   *slog.Logger
	provider numberprovider.Adapter
	repo     domain.LeaseRepository

	mu     sync.Mutex
	free   map[string]domain.PhoneNumber  // keyed by E.164
	leases map[string]*domain.TenantLease // keyed by tenant id

	subsMu sync.Mutex
	subs   []func(domain.InventoryChange)
}

// New creates a Ledger. Call ReconcileInventory before serving leases.
func New(provider numberprovider.Adapter, repo domain.LeaseRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		logger:   logger.With("component", "ledger"),
		provider: provider,
		repo:     repo,
		free:     make(map[string]domain.PhoneNumber),
		leases:   make(map[string]*domain.TenantLease),
	}
}

// Subscribe registers a callback for inventory changes. Callbacks run
// synchronously on the mutating goroutine and must be fast.
func (l *Ledger) Subscribe(fn func(domain.InventoryChange)) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Ledger) notify(tenantID string) {
	free, leased := l.Counts()
	change := domain.InventoryChange{
		TenantID:    tenantID,
		FreeCount:   free,
		LeasedCount: leased,
		ChangedAt:   time.Now().UTC(),
	}
	l.subsMu.Lock()
	subs := make([]func(domain.InventoryChange), len(l.subs))
	copy(subs, l.subs)
	l.subsMu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

// ReconcileInventory rebuilds the in-memory pool from the repository, then
// merges anything the provider reports that we have not seen yet. Active
// leases found in the repository survive the restart untouched.
func (l *Ledger) ReconcileInventory(ctx context.Context) error {
	stored, err := l.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load stored inventory: %w", err)
	}

	remote, err := l.provider.ListInventory(ctx)
	if err != nil {
		// Provider being down must not block a restart; stored state is enough.
		l.logger.WarnContext(ctx, "Provider inventory sync failed, continuing with stored state", "error", err)
		remote = nil
	}

	known := make(map[string]bool, len(stored))
	for _, n := range stored {
		known[n.Number] = true
	}
	var fresh []domain.PhoneNumber
	for _, n := range remote {
		if !known[n.Number] {
			fresh = append(fresh, n)
		}
	}
	if len(fresh) > 0 {
		if err := l.repo.UpsertNumbers(ctx, fresh); err != nil {
			return fmt.Errorf("persist new provider numbers: %w", err)
		}
	}

	l.mu.Lock()
	l.free = make(map[string]domain.PhoneNumber)
	l.leases = make(map[string]*domain.TenantLease)
	for _, n := range append(stored, fresh...) {
		switch n.State {
		case domain.LeaseStateLeased:
			lease, ok := l.leases[n.TenantID]
			if !ok {
				lease = &domain.TenantLease{TenantID: n.TenantID, CreatedAt: time.Now().UTC()}
				l.leases[n.TenantID] = lease
			}
			lease.Numbers = append(lease.Numbers, n)
		default:
			n.State = domain.LeaseStateFree
			n.TenantID = ""
			l.free[n.Number] = n
		}
	}
	freeCount, leasedCount := len(l.free), 0
	for _, lease := range l.leases {
		leasedCount += len(lease.Numbers)
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "Inventory reconciled",
		"free", freeCount, "leased", leasedCount, "new_from_provider", len(fresh))
	l.notify("")
	return nil
}

// Lease grants count numbers in the given geography to the tenant, topping up
// from the provider when the local pool runs short. All-or-nothing: on any
// failure no number changes state.
func (l *Ledger) Lease(ctx context.Context, tenantID string, tier domain.LeaseTier, geography string, count int) ([]domain.PhoneNumber, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("lease requires a tenant id")
	}
	if count <= 0 {
		return nil, fmt.Errorf("lease count must be positive, got %d", count)
	}

	candidates := l.reserveFree(geography, count)
	if len(candidates) < count {
		// Top up from the provider, then try once more.
		missing := count - len(candidates)
		topUp, err := l.provider.LeaseNumbers(ctx, numberprovider.LeaseRequestData{
			Geography: geography,
			Tier:      tier,
			Count:     missing,
		})
		if err != nil {
			l.unreserve(candidates)
			l.logger.WarnContext(ctx, "Provider top-up failed", "tenant_id", tenantID, "missing", missing, "error", err)
			return nil, fmt.Errorf("%w: pool short by %d and provider top-up failed: %v", domain.ErrExhaustedInventory, missing, err)
		}
		if err := l.repo.UpsertNumbers(ctx, topUp); err != nil {
			l.unreserve(candidates)
			return nil, fmt.Errorf("persist provider top-up: %w", err)
		}
		// A provider may round the grant up to a block size; only the
		// missing numbers join this lease, the surplus stays free.
		if len(topUp) > missing {
			l.unreserve(topUp[missing:])
			topUp = topUp[:missing]
		}
		candidates = append(candidates, topUp...)
		if len(candidates) < count {
			l.unreserve(candidates)
			return nil, fmt.Errorf("%w: wanted %d in %s, have %d", domain.ErrExhaustedInventory, count, geography, len(candidates))
		}
	}

	numberIDs := make([]string, len(candidates))
	for i, n := range candidates {
		numberIDs[i] = n.Number
	}
	if err := l.repo.MarkLeased(ctx, tenantID, tier, numberIDs); err != nil {
		l.unreserve(candidates)
		return nil, fmt.Errorf("persist lease for %s: %w", tenantID, err)
	}

	leased := make([]domain.PhoneNumber, len(candidates))
	for i, n := range candidates {
		n.State = domain.LeaseStateLeased
		n.TenantID = tenantID
		leased[i] = n
	}

	l.mu.Lock()
	lease, ok := l.leases[tenantID]
	if !ok {
		lease = &domain.TenantLease{TenantID: tenantID, Tier: tier, CreatedAt: time.Now().UTC()}
		l.leases[tenantID] = lease
	}
	lease.Numbers = append(lease.Numbers, leased...)
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "Numbers leased", "tenant_id", tenantID, "count", len(leased), "geography", geography)
	l.notify(tenantID)
	return leased, nil
}

// reserveFree pulls up to count matching numbers out of the free pool so no
// concurrent lease can see them while the repository write is in flight.
func (l *Ledger) reserveFree(geography string, count int) []domain.PhoneNumber {
	l.mu.Lock()
	defer l.mu.Unlock()

	matching := make([]domain.PhoneNumber, 0, count)
	for _, n := range l.free {
		if n.Geography == geography {
			matching = append(matching, n)
		}
	}
	// Deterministic grant order keeps tests and audits sane.
	sort.Slice(matching, func(i, j int) bool { return matching[i].Number < matching[j].Number })
	if len(matching) > count {
		matching = matching[:count]
	}
	for _, n := range matching {
		delete(l.free, n.Number)
	}
	return matching
}

// unreserve returns reserved numbers to the free pool after a failed lease.
func (l *Ledger) unreserve(numbers []domain.PhoneNumber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range numbers {
		n.State = domain.LeaseStateFree
		n.TenantID = ""
		l.free[n.Number] = n
	}
}

// Release frees every number held by the tenant. Idempotent: releasing a
// tenant with no lease succeeds and reports zero.
func (l *Ledger) Release(ctx context.Context, tenantID string) (int, error) {
	l.mu.Lock()
	lease, ok := l.leases[tenantID]
	if !ok {
		l.mu.Unlock()
		return 0, nil
	}
	numbers := lease.Numbers
	delete(l.leases, tenantID)
	l.mu.Unlock()

	released, err := l.repo.MarkReleased(ctx, tenantID)
	if err != nil {
		// Restore in-memory state so a retry can succeed.
		l.mu.Lock()
		l.leases[tenantID] = lease
		l.mu.Unlock()
		return 0, fmt.Errorf("persist release for %s: %w", tenantID, err)
	}

	l.mu.Lock()
	for _, n := range numbers {
		n.State = domain.LeaseStateFree
		n.TenantID = ""
		l.free[n.Number] = n
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "Tenant lease released", "tenant_id", tenantID, "count", len(numbers), "persisted", released)
	l.notify(tenantID)
	return len(numbers), nil
}

// ListLeased returns copies of the tenant's leased numbers.
func (l *Ledger) ListLeased(ctx context.Context, tenantID string) ([]domain.PhoneNumber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[tenantID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.PhoneNumber, len(lease.Numbers))
	copy(out, lease.Numbers)
	return out, nil
}

// TenantForNumber resolves which tenant holds a number. Used for inbound
// call routing.
func (l *Ledger) TenantForNumber(number string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tenantID, lease := range l.leases {
		for _, n := range lease.Numbers {
			if n.Number == number {
				return tenantID, nil
			}
		}
	}
	return "", domain.ErrNumberNotLeased
}

// Counts returns the current free and leased number counts.
func (l *Ledger) Counts() (free int, leased int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	free = len(l.free)
	for _, lease := range l.leases {
		leased += len(lease.Numbers)
	}
	return free, leased
}
