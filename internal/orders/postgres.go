package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/storage/postgres"
)

var orderColumns = []string{
	"id", "order_code", "customer_name", "customer_email", "customer_phone",
	"delivery_address", "city", "delivery_area", "items", "subtotal",
	"delivery_fee", "total", "payment_method", "payment_reference", "status",
	"user_id", "version", "created_at", "updated_at",
}

// PostgresStore keeps orders in the orders table. Items are stored as a
// JSONB snapshot; status changes are guarded by the version column.
type PostgresStore struct {
	db     postgres.DBTX
	sb     sq.StatementBuilderType
	logger *logrus.Logger
	now    func() time.Time
}

func NewPostgresStore(db postgres.DBTX, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Create(ctx context.Context, sub Submission) (Order, error) {
	const op = "orders.Create"

	if err := sub.Validate(); err != nil {
		return Order{}, err
	}
	code, err := NewCode()
	if err != nil {
		return Order{}, apperr.Persistence(op, err)
	}

	now := s.now()
	o := Order{
		ID:         uuid.New().String(),
		Code:       code,
		Submission: sub.normalized(),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	items, err := json.Marshal(o.Items)
	if err != nil {
		return Order{}, fmt.Errorf("failed to encode items: %w", err)
	}

	query, args, err := s.sb.
		Insert("orders").
		Columns(orderColumns...).
		Values(
			o.ID, o.Code, o.CustomerName, o.CustomerEmail, o.CustomerPhone,
			o.DeliveryAddress, o.City, o.DeliveryArea, string(items), o.Subtotal,
			o.DeliveryFee, o.Total, string(o.PaymentMethod), nullString(o.PaymentReference), string(o.Status),
			nullString(o.UserID), o.Version, o.CreatedAt, o.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return Order{}, fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if postgres.IsUniqueViolation(err) {
			s.logger.WithFields(logrus.Fields{
				"order_code": o.Code,
				"constraint": postgres.ConstraintOf(err),
			}).Warn("Order insert hit a unique constraint")
		}
		return Order{}, apperr.Persistence(op, err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    o.ID,
		"order_code":  o.Code,
		"total":       o.Total,
		"items_count": len(o.Items),
	}).Info("Order saved")
	return o, nil
}

func (s *PostgresStore) FindByCode(ctx context.Context, code string) (Order, bool, error) {
	o, err := s.findOne(ctx, sq.Eq{"order_code": code})
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, apperr.Persistence("orders.FindByCode", err)
	}
	return o, true, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Order, error) {
	const op = "orders.FindByID"

	if _, err := uuid.Parse(id); err != nil {
		return Order{}, notFound(op, id)
	}
	o, err := s.findOne(ctx, sq.Eq{"id": id})
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, notFound(op, id)
	}
	if err != nil {
		return Order{}, apperr.Persistence(op, err)
	}
	return o, nil
}

// List returns orders newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Order, error) {
	const op = "orders.List"

	builder := s.sb.
		Select(orderColumns...).
		From("orders").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(f.limit()))
	if f.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Offset > 0 {
		builder = builder.Offset(uint64(f.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence(op, err)
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	return out, nil
}

// Transition reads the current status and version, then updates only if
// the version is unchanged. Losing that race is reported as a conflict.
func (s *PostgresStore) Transition(ctx context.Context, id string, to Status) (Order, Status, error) {
	const op = "orders.Transition"

	if _, err := uuid.Parse(id); err != nil {
		return Order{}, "", notFound(op, id)
	}

	query, args, err := s.sb.
		Select("status", "version").
		From("orders").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return Order{}, "", fmt.Errorf("failed to build query: %w", err)
	}

	var (
		from    Status
		version int
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&from, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, "", notFound(op, id)
	}
	if err != nil {
		return Order{}, "", apperr.Persistence(op, err)
	}

	if !CanTransition(from, to) {
		return Order{}, "", invalidTransition(op, from, to)
	}

	query, args, err = s.sb.
		Update("orders").
		Set("status", string(to)).
		Set("updated_at", s.now()).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"version": version}).
		Suffix("RETURNING " + strings.Join(orderColumns, ", ")).
		ToSql()
	if err != nil {
		return Order{}, "", fmt.Errorf("failed to build query: %w", err)
	}

	o, err := scanOrder(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, "", apperr.New(op, apperr.ErrConflict,
			fmt.Errorf("order %s changed since version %d", id, version))
	}
	if err != nil {
		return Order{}, "", apperr.Persistence(op, err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    o.ID,
		"from_status": from,
		"to_status":   o.Status,
		"version":     o.Version,
	}).Info("Order status updated")
	return o, from, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const op = "orders.Delete"

	if _, err := uuid.Parse(id); err != nil {
		return notFound(op, id)
	}

	query, args, err := s.sb.Delete("orders").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if n == 0 {
		return notFound(op, id)
	}

	s.logger.WithField("order_id", id).Warn("Order deleted")
	return nil
}

func (s *PostgresStore) findOne(ctx context.Context, where sq.Eq) (Order, error) {
	query, args, err := s.sb.
		Select(orderColumns...).
		From("orders").
		Where(where).
		ToSql()
	if err != nil {
		return Order{}, fmt.Errorf("failed to build query: %w", err)
	}
	return scanOrder(s.db.QueryRowContext(ctx, query, args...))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (Order, error) {
	var (
		o         Order
		items     []byte
		method    string
		status    string
		reference sql.NullString
		userID    sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.Code, &o.CustomerName, &o.CustomerEmail, &o.CustomerPhone,
		&o.DeliveryAddress, &o.City, &o.DeliveryArea, &items, &o.Subtotal,
		&o.DeliveryFee, &o.Total, &method, &reference, &status,
		&userID, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("failed to decode items of order %s: %w", o.ID, err)
	}
	o.PaymentMethod = PaymentMethod(method)
	o.Status = Status(status)
	if reference.Valid {
		o.PaymentReference = &reference.String
	}
	if userID.Valid {
		o.UserID = &userID.String
	}
	return o, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
