package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/jogardn/salon-storefront/internal/storage/postgres"
)

// RoleRepository reads the user_roles table.
type RoleRepository struct {
	db postgres.DBTX
	sb sq.StatementBuilderType
}

func NewRoleRepository(db postgres.DBTX) *RoleRepository {
	return &RoleRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *RoleRepository) RoleOf(ctx context.Context, userID string) (Role, bool, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return "", false, nil
	}

	query, args, err := r.sb.
		Select("role").
		From("user_roles").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("failed to build query: %w", err)
	}

	var role string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read role: %w", err)
	}
	return Role(role), true, nil
}

// ProcedurePromoter calls the SECURITY DEFINER function assign_admin_role
// over a privileged connection.
type ProcedurePromoter struct {
	db postgres.DBTX
	sb sq.StatementBuilderType
}

// NewProcedurePromoter accepts a nil db for deployments without a privileged
// connection; Promote then always fails and the cascade moves on.
func NewProcedurePromoter(db postgres.DBTX) *ProcedurePromoter {
	return &ProcedurePromoter{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (p *ProcedurePromoter) Name() string { return "procedure" }

func (p *ProcedurePromoter) Promote(ctx context.Context, userID string) error {
	if p.db == nil {
		return errors.New("privileged connection not configured")
	}

	query, args, err := p.sb.Select().Column(sq.Expr("assign_admin_role(?)", userID)).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("assign_admin_role: %w", err)
	}
	return nil
}

// UpsertPromoter writes the role record directly.
type UpsertPromoter struct {
	db postgres.DBTX
	sb sq.StatementBuilderType
}

func NewUpsertPromoter(db postgres.DBTX) *UpsertPromoter {
	return &UpsertPromoter{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (p *UpsertPromoter) Name() string { return "upsert" }

func (p *UpsertPromoter) Promote(ctx context.Context, userID string) error {
	query, args, err := p.sb.
		Insert("user_roles").
		Columns("user_id", "role").
		Values(userID, string(RoleAdmin)).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert user_roles: %w", err)
	}
	return nil
}
