package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

const contractColumns = `
	id, code, contact_request_id, student_id, tutor_id, student_name, tutor_name, student_email, tutor_email, subject,
	total_sessions, price_per_session, total_amount, session_duration, learning_mode, schedule, start_date,
	payment_method, installments, down_payment,
	student_signed_at, tutor_signed_at, student_signature_origin, tutor_signature_origin,
	student_signature_token, tutor_signature_token, contract_version,
	is_signed, is_locked, locked_at, content_hash, snapshot,
	status, expires_at, activated_at, cancelled_at, cancelled_by, cancellation_reason, created_at, updated_at`

type contractRepository struct {
	db *sqlx.DB
}

func NewContractRepository(db *sqlx.DB) ContractRepository {
	return &contractRepository{db: db}
}

func (r *contractRepository) Create(ctx context.Context, contract *domain.Contract) error {
	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (
			:id, :code, :contact_request_id, :student_id, :tutor_id, :student_name, :tutor_name, :student_email, :tutor_email, :subject,
			:total_sessions, :price_per_session, :total_amount, :session_duration, :learning_mode, :schedule, :start_date,
			:payment_method, :installments, :down_payment,
			:student_signed_at, :tutor_signed_at, :student_signature_origin, :tutor_signature_origin,
			:student_signature_token, :tutor_signature_token, :contract_version,
			:is_signed, :is_locked, :locked_at, :content_hash, :snapshot,
			:status, :expires_at, :activated_at, :cancelled_at, :cancelled_by, :cancellation_reason, :created_at, :updated_at
		)
	`

	_, err := r.db.NamedExecContext(ctx, query, contract)
	return err
}

func (r *contractRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`

	var contract domain.Contract
	err := r.db.GetContext(ctx, &contract, query, id)
	if err != nil {
		return nil, err
	}

	return &contract, nil
}

func (r *contractRepository) UpdateTerms(ctx context.Context, c *domain.Contract, expectedVersion int) error {
	query := `
		UPDATE contracts
		SET subject = $3, total_sessions = $4, price_per_session = $5, total_amount = $6, session_duration = $7,
			learning_mode = $8, schedule = $9, start_date = $10, payment_method = $11, installments = $12,
			down_payment = $13, contract_version = $14, status = $15, expires_at = $16,
			student_signed_at = NULL, tutor_signed_at = NULL,
			student_signature_origin = '', tutor_signature_origin = '',
			student_signature_token = '', tutor_signature_token = '',
			updated_at = $17
		WHERE id = $1 AND contract_version = $2 AND is_locked = FALSE AND status = ANY($18)
	`

	res, err := r.db.ExecContext(ctx, query,
		c.ID,
		expectedVersion,
		c.Subject,
		c.TotalSessions,
		c.PricePerSession,
		c.TotalAmount,
		c.SessionDuration,
		c.LearningMode,
		c.Schedule,
		c.StartDate,
		c.PaymentMethod,
		c.Installments,
		c.DownPayment,
		c.ContractVersion,
		c.Status,
		c.ExpiresAt,
		c.UpdatedAt,
		statusArray(domain.PreActiveStatuses),
	)
	if err != nil {
		return err
	}

	return expectOne(res)
}

func (r *contractRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.ContractStatus, to domain.ContractStatus, at time.Time) error {
	query := `
		UPDATE contracts
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`

	res, err := r.db.ExecContext(ctx, query, id, to, at, statusArray(from))
	if err != nil {
		return err
	}

	return expectOne(res)
}

// signatureColumns returns the columns of role and of its counterpart.
func signatureColumns(role domain.SignerRole) (own, other string) {
	if role == domain.RoleStudent {
		return "student", "tutor"
	}
	return "tutor", "student"
}

func (r *contractRepository) RecordSignature(ctx context.Context, sig SignatureRecord) error {
	own, other := signatureColumns(sig.Role)

	// The counterpart must still be unsigned: when both parties sign at the
	// same moment only one of them takes this path, the other one activates.
	query := fmt.Sprintf(`
		UPDATE contracts
		SET %[1]s_signed_at = $2, %[1]s_signature_origin = $3, %[1]s_signature_token = $4,
			status = $5, updated_at = $2
		WHERE id = $1 AND contract_version = $6 AND is_locked = FALSE
			AND %[1]s_signed_at IS NULL AND %[2]s_signed_at IS NULL
			AND status = ANY($7) AND expires_at >= $2
	`, own, other)

	res, err := r.db.ExecContext(ctx, query,
		sig.ContractID,
		sig.SignedAt,
		sig.Origin,
		sig.Token,
		sig.NextStatus,
		sig.ContractVersion,
		statusArray(domain.PreActiveStatuses),
	)
	if err != nil {
		return err
	}

	return expectOne(res)
}

func (r *contractRepository) Activate(ctx context.Context, sig SignatureRecord, c *domain.Contract, schedule *domain.PaymentSchedule, installments []*domain.Installment) error {
	own, other := signatureColumns(sig.Role)

	lockQuery := fmt.Sprintf(`
		UPDATE contracts
		SET %[1]s_signed_at = $2, %[1]s_signature_origin = $3, %[1]s_signature_token = $4,
			is_signed = TRUE, is_locked = TRUE, locked_at = $5, content_hash = $6, snapshot = $7,
			status = $8, activated_at = $5, updated_at = $5
		WHERE id = $1 AND contract_version = $9 AND is_locked = FALSE
			AND %[1]s_signed_at IS NULL AND %[2]s_signed_at IS NOT NULL
			AND status = ANY($10) AND expires_at >= $2
	`, own, other)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, lockQuery,
		sig.ContractID,
		sig.SignedAt,
		sig.Origin,
		sig.Token,
		c.LockedAt,
		c.ContentHash,
		c.Snapshot,
		domain.ContractStatusActive,
		sig.ContractVersion,
		statusArray(domain.PreActiveStatuses),
	)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}

	scheduleQuery := `
		INSERT INTO payment_schedules (id, contract_id, method, total_amount, paid_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.ExecContext(ctx, scheduleQuery,
		schedule.ID,
		schedule.ContractID,
		schedule.Method,
		schedule.TotalAmount,
		schedule.PaidAmount,
		schedule.Status,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return err
	}

	installmentQuery := `
		INSERT INTO installments (id, schedule_id, contract_id, sequence, amount, due_date, session_from, session_to, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, inst := range installments {
		_, err = tx.ExecContext(ctx, installmentQuery,
			inst.ID,
			inst.ScheduleID,
			inst.ContractID,
			inst.Sequence,
			inst.Amount,
			inst.DueDate,
			inst.SessionFrom,
			inst.SessionTo,
			inst.Status,
			inst.CreatedAt,
			inst.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *contractRepository) Cancel(ctx context.Context, c Cancellation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE contracts
		SET status = $2, cancelled_at = $3, cancelled_by = $4, cancellation_reason = $5, updated_at = $3
		WHERE id = $1 AND is_locked = FALSE AND status = ANY($6)
	`, c.ContractID, domain.ContractStatusCancelled, c.At, c.Actor, c.Reason, statusArray(domain.PreActiveStatuses))
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE installments
		SET status = $2, updated_at = $3
		WHERE contract_id = $1 AND status IN ('PENDING', 'UNPAID')
	`, c.ContractID, domain.InstallmentStatusCancelled, c.At)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_schedules SET status = $2, updated_at = $3 WHERE contract_id = $1 AND status = 'ACTIVE'
	`, c.ContractID, domain.ScheduleStatusCancelled, c.At)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *contractRepository) ExpireStale(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE contracts
		SET status = $2, updated_at = $1
		WHERE status = ANY($3) AND expires_at < $1
		RETURNING id
	`

	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, query, now, domain.ContractStatusExpired, statusArray(domain.PreActiveStatuses))
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func statusArray(statuses []domain.ContractStatus) pq.StringArray {
	arr := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		arr[i] = string(s)
	}
	return arr
}
