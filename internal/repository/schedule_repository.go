package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

const installmentColumns = `
	id, schedule_id, contract_id, sequence, amount, due_date, session_from, session_to,
	status, payment_id, paid_at, created_at, updated_at`

type scheduleRepository struct {
	db *sqlx.DB
}

func NewScheduleRepository(db *sqlx.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

func (r *scheduleRepository) GetByContractID(ctx context.Context, contractID uuid.UUID) (*domain.PaymentSchedule, []*domain.Installment, error) {
	scheduleQuery := `
		SELECT id, contract_id, method, total_amount, paid_amount, status, created_at, updated_at
		FROM payment_schedules
		WHERE contract_id = $1
	`

	var schedule domain.PaymentSchedule
	if err := r.db.GetContext(ctx, &schedule, scheduleQuery, contractID); err != nil {
		return nil, nil, err
	}

	installmentQuery := `
		SELECT ` + installmentColumns + `
		FROM installments
		WHERE contract_id = $1
		ORDER BY sequence
	`

	var installments []*domain.Installment
	if err := r.db.SelectContext(ctx, &installments, installmentQuery, contractID); err != nil {
		return nil, nil, err
	}

	return &schedule, installments, nil
}

func (r *scheduleRepository) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE installments
		SET status = 'OVERDUE', updated_at = $1
		WHERE status = 'UNPAID' AND due_date < $1
	`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *scheduleRepository) ListOpenDueBefore(ctx context.Context, before time.Time) ([]*domain.Installment, error) {
	query := `
		SELECT ` + installmentColumns + `
		FROM installments
		WHERE status IN ('UNPAID', 'OVERDUE') AND due_date < $1
		ORDER BY contract_id, sequence
	`

	var installments []*domain.Installment
	err := r.db.SelectContext(ctx, &installments, query, before)
	if err != nil {
		return nil, err
	}

	return installments, nil
}
