package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// PgLeaseRepository persists the number inventory and tenant leases.
// Schema: phone_numbers(number TEXT PK, geography TEXT, state TEXT,
// tenant_id TEXT NULL, tier TEXT NULL, leased_at TIMESTAMPTZ NULL).
type PgLeaseRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgLeaseRepository creates a new PostgreSQL implementation of LeaseRepository.
func NewPgLeaseRepository(dbPool *pgxpool.Pool, logger *slog.Logger) *PgLeaseRepository {
	return &PgLeaseRepository{
		db:     dbPool,
		logger: logger.With("repository", "lease_pg"),
	}
}

// UpsertNumbers inserts inventory rows from a provider sync. Existing rows keep
// their lease columns; a provider sync must never clobber an active lease.
func (r *PgLeaseRepository) UpsertNumbers(ctx context.Context, numbers []domain.PhoneNumber) error {
	if len(numbers) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert numbers: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO phone_numbers (number, geography, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (number) DO UPDATE SET geography = EXCLUDED.geography
	`
	for _, n := range numbers {
		if _, err := tx.Exec(ctx, query, n.Number, n.Geography, string(domain.LeaseStateFree)); err != nil {
			return fmt.Errorf("upsert number %s: %w", n.Number, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert numbers: %w", err)
	}
	r.logger.DebugContext(ctx, "Upserted inventory rows", "count", len(numbers))
	return nil
}

// MarkLeased assigns numbers to a tenant inside one transaction. Rows are
// locked FOR UPDATE; if any number is not free the whole lease fails.
func (r *PgLeaseRepository) MarkLeased(ctx context.Context, tenantID string, tier domain.LeaseTier, numbers []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, number := range numbers {
		var state string
		err := tx.QueryRow(ctx,
			`SELECT state FROM phone_numbers WHERE number = $1 FOR UPDATE`, number,
		).Scan(&state)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("number %s not in inventory", number)
			}
			return fmt.Errorf("lock number %s: %w", number, err)
		}
		if state != string(domain.LeaseStateFree) {
			// Structural invariant breach if the in-memory pool handed this out.
			return fmt.Errorf("number %s is not free (state=%s)", number, state)
		}

		_, err = tx.Exec(ctx, `
			UPDATE phone_numbers
			SET state = $1, tenant_id = $2, tier = $3, leased_at = now()
			WHERE number = $4
		`, string(domain.LeaseStateLeased), tenantID, string(tier), number)
		if err != nil {
			return fmt.Errorf("mark %s leased: %w", number, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit lease tx: %w", err)
	}
	r.logger.InfoContext(ctx, "Numbers marked leased", "tenant_id", tenantID, "count", len(numbers))
	return nil
}

// MarkReleased frees every number held by the tenant and returns the count.
func (r *PgLeaseRepository) MarkReleased(ctx context.Context, tenantID string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE phone_numbers
		SET state = $1, tenant_id = NULL, tier = NULL, leased_at = NULL
		WHERE tenant_id = $2
	`, string(domain.LeaseStateFree), tenantID)
	if err != nil {
		return 0, fmt.Errorf("release tenant %s: %w", tenantID, err)
	}
	released := int(tag.RowsAffected())
	r.logger.InfoContext(ctx, "Numbers released", "tenant_id", tenantID, "count", released)
	return released, nil
}

// LoadAll returns the full inventory for startup reconciliation.
func (r *PgLeaseRepository) LoadAll(ctx context.Context) ([]domain.PhoneNumber, error) {
	rows, err := r.db.Query(ctx, `SELECT number, geography, state, COALESCE(tenant_id, '') FROM phone_numbers`)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	defer rows.Close()

	var numbers []domain.PhoneNumber
	for rows.Next() {
		var n domain.PhoneNumber
		var state string
		if err := rows.Scan(&n.Number, &n.Geography, &state, &n.TenantID); err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		n.State = domain.LeaseState(state)
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory rows: %w", err)
	}
	return numbers, nil
}
