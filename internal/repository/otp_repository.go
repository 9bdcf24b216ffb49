package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/segyhp/tutoring-contracts/internal/domain"
)

const otpColumns = `id, contract_id, email, role, purpose, code_hash, attempts, is_used, expires_at, used_at, created_at`

type otpRepository struct {
	db *sqlx.DB
}

func NewOTPRepository(db *sqlx.DB) OTPRepository {
	return &otpRepository{db: db}
}

func (r *otpRepository) Replace(ctx context.Context, code *domain.OTPCode) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE otp_codes
		SET is_used = TRUE, used_at = $5
		WHERE contract_id = $1 AND email = $2 AND role = $3 AND purpose = $4
			AND is_used = FALSE AND expires_at > $5
	`, code.ContractID, code.Email, code.Role, code.Purpose, code.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO otp_codes (`+otpColumns+`)
		VALUES (:id, :contract_id, :email, :role, :purpose, :code_hash, :attempts, :is_used, :expires_at, :used_at, :created_at)
	`, code)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Consume performs lookup, check and mark-used in one statement so two
// concurrent verifications of the same code cannot both succeed.
func (r *otpRepository) Consume(ctx context.Context, b domain.OTPBinding, codeHash string, now time.Time) (*domain.OTPCode, error) {
	query := `
		UPDATE otp_codes
		SET is_used = TRUE, used_at = $6
		WHERE contract_id = $1 AND email = $2 AND role = $3 AND purpose = $4
			AND code_hash = $5 AND is_used = FALSE AND expires_at > $6
		RETURNING ` + otpColumns

	var code domain.OTPCode
	err := r.db.GetContext(ctx, &code, query, b.ContractID, b.Email, b.Role, b.Purpose, codeHash, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	return &code, nil
}

func (r *otpRepository) RegisterFailure(ctx context.Context, b domain.OTPBinding, now time.Time, maxAttempts int) error {
	query := `
		UPDATE otp_codes
		SET attempts = attempts + 1,
			is_used = (attempts + 1 >= $6),
			used_at = CASE WHEN attempts + 1 >= $6 THEN $5 ELSE used_at END
		WHERE contract_id = $1 AND email = $2 AND role = $3 AND purpose = $4
			AND is_used = FALSE AND expires_at > $5
	`

	_, err := r.db.ExecContext(ctx, query, b.ContractID, b.Email, b.Role, b.Purpose, now, maxAttempts)
	return err
}
