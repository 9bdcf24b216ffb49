package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

const paymentColumns = `
	id, order_ref, contract_id, student_id, amount, sequences, status,
	gateway_transaction_no, gateway_response_code, gateway_transaction_status, gateway_bank_code,
	callback_payload, failure_reason, expires_at, completed_at, created_at, updated_at`

type paymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) CreatePending(ctx context.Context, payment *domain.Payment) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (
			:id, :order_ref, :contract_id, :student_id, :amount, :sequences, :status,
			:gateway_transaction_no, :gateway_response_code, :gateway_transaction_status, :gateway_bank_code,
			:callback_payload, :failure_reason, :expires_at, :completed_at, :created_at, :updated_at
		)
	`
	if _, err = tx.NamedExecContext(ctx, insertQuery, payment); err != nil {
		return err
	}

	// Conditional on the prior status, so a concurrent initiation on the
	// same installment finds it PENDING and matches fewer rows.
	reserveQuery := `
		UPDATE installments
		SET status = 'PENDING', payment_id = $1, updated_at = $2
		WHERE contract_id = $3 AND sequence = ANY($4) AND status IN ('UNPAID', 'OVERDUE')
	`
	res, err := tx.ExecContext(ctx, reserveQuery, payment.ID, payment.CreatedAt, payment.ContractID, payment.Sequences)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(payment.Sequences)) {
		return ErrConflict
	}

	return tx.Commit()
}

func (r *paymentRepository) GetByOrderRef(ctx context.Context, orderRef string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_ref = $1`

	var payment domain.Payment
	err := r.db.GetContext(ctx, &payment, query, orderRef)
	if err != nil {
		return nil, err
	}

	return &payment, nil
}

func (r *paymentRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE contract_id = $1 ORDER BY created_at DESC`

	var payments []*domain.Payment
	err := r.db.SelectContext(ctx, &payments, query, contractID)
	if err != nil {
		return nil, err
	}

	return payments, nil
}

func (r *paymentRepository) Complete(ctx context.Context, payment *domain.Payment, outcome domain.GatewayOutcome) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := closePayment(ctx, tx, payment.ID, domain.PaymentStatusCompleted, outcome); err != nil {
		return err
	}

	var amounts []decimal.Decimal
	err = tx.SelectContext(ctx, &amounts, `
		UPDATE installments
		SET status = 'PAID', paid_at = $2, updated_at = $2
		WHERE payment_id = $1 AND status = 'PENDING'
		RETURNING amount
	`, payment.ID, outcome.At)
	if err != nil {
		return err
	}

	paid := decimal.Zero
	for _, a := range amounts {
		paid = paid.Add(a)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_schedules
		SET paid_amount = paid_amount + $2, updated_at = $3
		WHERE contract_id = $1
	`, payment.ContractID, paid, outcome.At)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_schedules
		SET status = 'COMPLETED', updated_at = $2
		WHERE contract_id = $1 AND status = 'ACTIVE'
			AND NOT EXISTS (
				SELECT 1 FROM installments
				WHERE contract_id = $1 AND status NOT IN ('PAID', 'CANCELLED')
			)
	`, payment.ContractID, outcome.At)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *paymentRepository) Fail(ctx context.Context, payment *domain.Payment, outcome domain.GatewayOutcome) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := closePayment(ctx, tx, payment.ID, domain.PaymentStatusFailed, outcome); err != nil {
		return err
	}
	if err := rollbackInstallments(ctx, tx, payment.ID, outcome.At); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *paymentRepository) Cancel(ctx context.Context, payment *domain.Payment, reason string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1 AND status = 'PENDING'
	`, payment.ID, domain.PaymentStatusCancelled, reason, at)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	if err := rollbackInstallments(ctx, tx, payment.ID, at); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *paymentRepository) ListExpiredPending(ctx context.Context, now time.Time, contractID *uuid.UUID, limit int) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'PENDING' AND expires_at < $1 AND ($2::uuid IS NULL OR contract_id = $2)
		ORDER BY expires_at
		LIMIT $3
	`

	var payments []*domain.Payment
	err := r.db.SelectContext(ctx, &payments, query, now, contractID, limit)
	if err != nil {
		return nil, err
	}

	return payments, nil
}

// closePayment moves a PENDING payment to a terminal status with the gateway outcome.
func closePayment(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.PaymentStatus, outcome domain.GatewayOutcome) error {
	var completedAt *time.Time
	if status == domain.PaymentStatusCompleted {
		completedAt = &outcome.At
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, gateway_transaction_no = $3, gateway_response_code = $4,
			gateway_transaction_status = $5, gateway_bank_code = $6, callback_payload = $7,
			failure_reason = $8, completed_at = $9, updated_at = $10
		WHERE id = $1 AND status = 'PENDING'
	`,
		id,
		status,
		outcome.TransactionNo,
		outcome.ResponseCode,
		outcome.TransactionStatus,
		outcome.BankCode,
		outcome.Payload,
		outcome.Reason,
		completedAt,
		outcome.At,
	)
	if err != nil {
		return err
	}

	return expectOne(res)
}

// rollbackInstallments returns the payment's installments to UNPAID. Only
// rows still PENDING under this payment move; a PAID row is never touched.
func rollbackInstallments(ctx context.Context, tx *sqlx.Tx, paymentID uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE installments
		SET status = 'UNPAID', payment_id = NULL, updated_at = $2
		WHERE payment_id = $1 AND status = 'PENDING'
	`, paymentID, at)
	return err
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}
