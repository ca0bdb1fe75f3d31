package numberprovider

import (
	"context"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// LeaseRequestData holds the parameters for leasing numbers from the provider.
type LeaseRequestData struct {
	Geography string
	Tier      domain.LeaseTier
	Count     int
}

// Adapter defines the interface for a number provisioning provider.
type Adapter interface {
	// LeaseNumbers asks the provider to allocate count numbers in a geography.
	LeaseNumbers(ctx context.Context, request LeaseRequestData) ([]domain.PhoneNumber, error)
	// ReleaseNumbers returns numbers to the provider pool.
	ReleaseNumbers(ctx context.Context, numbers []string) error
	// ListInventory returns every number the account currently holds.
	ListInventory(ctx context.Context) ([]domain.PhoneNumber, error)
	// GetName returns the provider name (e.g., "mock", "skywire").
	GetName() string
	// HealthCheck reports provider reachability for the health snapshot.
	HealthCheck(ctx context.Context) error
}
