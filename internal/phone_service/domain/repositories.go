package domain

import "context"

// LeaseRepository persists number inventory and tenant leases so the ledger
// can rebuild its in-memory state after a restart. Call sessions and speech
// queues are deliberately not persisted.
type LeaseRepository interface {
	// UpsertNumbers inserts or refreshes inventory rows from a provider sync.
	UpsertNumbers(ctx context.Context, numbers []PhoneNumber) error
	// MarkLeased atomically assigns the given numbers to a tenant.
	// Must fail without partial effect if any number is already leased.
	MarkLeased(ctx context.Context, tenantID string, tier LeaseTier, numbers []string) error
	// MarkReleased frees every number held by the tenant and returns how many.
	MarkReleased(ctx context.Context, tenantID string) (int, error)
	// LoadAll returns the full inventory for startup reconciliation.
	LoadAll(ctx context.Context) ([]PhoneNumber, error)
}
