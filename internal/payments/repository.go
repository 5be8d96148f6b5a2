package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/alexbotov/tegro/internal/domain"
	"github.com/lib/pq"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrDuplicateReference = errors.New("order or payment id already used")
)

// Repository stores orders and withdrawals
type Repository interface {
	InsertOrder(ctx context.Context, order *domain.Order) error
	UpdateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, shopOrderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, limit int) ([]*domain.Order, error)
	MarkOrderPaid(ctx context.Context, shopOrderID string, paidAt time.Time) (bool, error)

	InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	GetWithdrawal(ctx context.Context, paymentID string) (*domain.Withdrawal, error)
	ListWithdrawals(ctx context.Context, limit int) ([]*domain.Withdrawal, error)
}

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository backed by db
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, shop_order_id, tegro_order_id, amount, currency, payment_system, status,
		                    test, payment_url, fields, created_by, created_at, updated_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, o.ID, o.ShopOrderID, nullInt64(o.TegroOrderID), o.Amount.Amount, o.Amount.Currency, o.PaymentSystem,
		o.Status, o.Test, o.PaymentURL, nullJSON(o.Fields), o.CreatedBy, o.CreatedAt, o.UpdatedAt, o.PaidAt)
	return mapUniqueViolation(err)
}

func (r *PostgresRepository) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET tegro_order_id = $1, status = $2, payment_url = $3, updated_at = $4, paid_at = $5
		WHERE shop_order_id = $6
	`, nullInt64(o.TegroOrderID), o.Status, o.PaymentURL, o.UpdatedAt, o.PaidAt, o.ShopOrderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, shopOrderID string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, orderSelect+` WHERE shop_order_id = $1`, shopOrderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (r *PostgresRepository) ListOrders(ctx context.Context, limit int) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, orderSelect+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// MarkOrderPaid flips a non-paid order to paid and reports whether it changed
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, shopOrderID string, paidAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, paid_at = $2, updated_at = $2
		WHERE shop_order_id = $3 AND status <> $1
	`, domain.OrderStatusPaid, paidAt, shopOrderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, payment_id, tegro_withdrawal_id, account, amount, currency, payment_system,
		                         status, gateway_response, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, w.ID, w.PaymentID, nullInt64(w.TegroWithdrawalID), w.Account, w.Amount.Amount, w.Amount.Currency,
		w.PaymentSystem, w.Status, nullJSON(w.GatewayResponse), w.CreatedBy, w.CreatedAt)
	return mapUniqueViolation(err)
}

func (r *PostgresRepository) UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE withdrawals SET tegro_withdrawal_id = $1, status = $2, gateway_response = $3
		WHERE payment_id = $4
	`, nullInt64(w.TegroWithdrawalID), w.Status, nullJSON(w.GatewayResponse), w.PaymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

func (r *PostgresRepository) GetWithdrawal(ctx context.Context, paymentID string) (*domain.Withdrawal, error) {
	row := r.db.QueryRowContext(ctx, withdrawalSelect+` WHERE payment_id = $1`, paymentID)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (r *PostgresRepository) ListWithdrawals(ctx context.Context, limit int) ([]*domain.Withdrawal, error) {
	rows, err := r.db.QueryContext(ctx, withdrawalSelect+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var withdrawals []*domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

const orderSelect = `
	SELECT id, shop_order_id, tegro_order_id, amount, currency, payment_system, status, test,
	       payment_url, fields, created_by, created_at, updated_at, paid_at
	FROM orders`

const withdrawalSelect = `
	SELECT id, payment_id, tegro_withdrawal_id, account, amount, currency, payment_system,
	       status, gateway_response, created_by, created_at
	FROM withdrawals`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*domain.Order, error) {
	var o domain.Order
	var tegroID sql.NullInt64
	var amount int64
	var currency string
	var paymentURL sql.NullString
	var fields []byte
	var paidAt sql.NullTime

	err := s.Scan(&o.ID, &o.ShopOrderID, &tegroID, &amount, &currency, &o.PaymentSystem, &o.Status, &o.Test,
		&paymentURL, &fields, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &paidAt)
	if err != nil {
		return nil, err
	}

	o.TegroOrderID = tegroID.Int64
	o.Amount = domain.Money{Amount: amount, Currency: currency}
	o.PaymentURL = paymentURL.String
	if len(fields) > 0 {
		o.Fields = fields
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	return &o, nil
}

func scanWithdrawal(s scanner) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	var tegroID sql.NullInt64
	var amount int64
	var currency string
	var response []byte

	err := s.Scan(&w.ID, &w.PaymentID, &tegroID, &w.Account, &amount, &currency, &w.PaymentSystem,
		&w.Status, &response, &w.CreatedBy, &w.CreatedAt)
	if err != nil {
		return nil, err
	}

	w.TegroWithdrawalID = tegroID.Int64
	w.Amount = domain.Money{Amount: amount, Currency: currency}
	if len(response) > 0 {
		w.GatewayResponse = response
	}
	return &w, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}
