// Package memory is an in-process implementation of the repository
// interfaces. It backs DATABASE_DRIVER=memory and the service tests, and
// applies the same conditional-update rules as the Postgres repositories.
package memory

import (
	"context"
	"database/sql"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segyhp/tutoring-contracts/internal/domain"
	"github.com/segyhp/tutoring-contracts/internal/repository"
)

// Store holds every aggregate behind one lock, which makes each repository
// call a single atomic unit like a database transaction.
type Store struct {
	mu           sync.Mutex
	contracts    map[uuid.UUID]domain.Contract
	schedules    map[uuid.UUID]domain.PaymentSchedule // by contract id
	installments map[uuid.UUID][]domain.Installment   // by contract id, ordered by sequence
	payments     map[string]domain.Payment            // by order ref
	otps         []domain.OTPCode
	hits         map[string][]time.Time
}

func NewStore() *Store {
	return &Store{
		contracts:    make(map[uuid.UUID]domain.Contract),
		schedules:    make(map[uuid.UUID]domain.PaymentSchedule),
		installments: make(map[uuid.UUID][]domain.Installment),
		payments:     make(map[string]domain.Payment),
		hits:         make(map[string][]time.Time),
	}
}

func (s *Store) Contracts() repository.ContractRepository { return &contractRepo{s} }
func (s *Store) Schedules() repository.ScheduleRepository { return &scheduleRepo{s} }
func (s *Store) Payments() repository.PaymentRepository   { return &paymentRepo{s} }
func (s *Store) OTPs() repository.OTPRepository           { return &otpRepo{s} }
func (s *Store) RateLimiter() repository.RateLimiter      { return &rateLimiter{s} }

func cloneContract(c domain.Contract) *domain.Contract {
	c.Schedule.DaysOfWeek = slices.Clone(c.Schedule.DaysOfWeek)
	return &c
}

func clonePayment(p domain.Payment) *domain.Payment {
	p.Sequences = slices.Clone(p.Sequences)
	return &p
}

// contracts

type contractRepo struct{ s *Store }

func (r *contractRepo) Create(_ context.Context, c *domain.Contract) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.contracts[c.ID] = *cloneContract(*c)
	return nil
}

func (r *contractRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Contract, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contracts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneContract(c), nil
}

func (r *contractRepo) UpdateTerms(_ context.Context, c *domain.Contract, expectedVersion int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.contracts[c.ID]
	if !ok || cur.ContractVersion != expectedVersion || cur.IsLocked || !cur.Status.IsPreActive() {
		return repository.ErrConflict
	}
	cur.Subject = c.Subject
	cur.TotalSessions = c.TotalSessions
	cur.PricePerSession = c.PricePerSession
	cur.TotalAmount = c.TotalAmount
	cur.SessionDuration = c.SessionDuration
	cur.LearningMode = c.LearningMode
	cur.Schedule = c.Schedule
	cur.StartDate = c.StartDate
	cur.PaymentMethod = c.PaymentMethod
	cur.Installments = c.Installments
	cur.DownPayment = c.DownPayment
	cur.ContractVersion = c.ContractVersion
	cur.Status = c.Status
	cur.ExpiresAt = c.ExpiresAt
	cur.StudentSignedAt, cur.TutorSignedAt = nil, nil
	cur.StudentSignatureOrigin, cur.TutorSignatureOrigin = "", ""
	cur.StudentSignatureToken, cur.TutorSignatureToken = "", ""
	cur.UpdatedAt = c.UpdatedAt
	r.s.contracts[c.ID] = *cloneContract(cur)
	return nil
}

func (r *contractRepo) TransitionStatus(_ context.Context, id uuid.UUID, from []domain.ContractStatus, to domain.ContractStatus, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.contracts[id]
	if !ok || !slices.Contains(from, cur.Status) {
		return repository.ErrConflict
	}
	cur.Status = to
	cur.UpdatedAt = at
	r.s.contracts[id] = cur
	return nil
}

func signable(c domain.Contract, sig repository.SignatureRecord) bool {
	return c.ContractVersion == sig.ContractVersion &&
		!c.IsLocked &&
		c.Status.IsPreActive() &&
		!c.ExpiresAt.Before(sig.SignedAt) &&
		!c.HasSigned(sig.Role)
}

func applySignature(c *domain.Contract, sig repository.SignatureRecord) {
	at := sig.SignedAt
	if sig.Role == domain.RoleStudent {
		c.StudentSignedAt = &at
		c.StudentSignatureOrigin = sig.Origin
		c.StudentSignatureToken = sig.Token
	} else {
		c.TutorSignedAt = &at
		c.TutorSignatureOrigin = sig.Origin
		c.TutorSignatureToken = sig.Token
	}
}

func (r *contractRepo) RecordSignature(_ context.Context, sig repository.SignatureRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.contracts[sig.ContractID]
	if !ok || !signable(cur, sig) || cur.HasSigned(sig.Role.Counterpart()) {
		return repository.ErrConflict
	}
	applySignature(&cur, sig)
	cur.Status = sig.NextStatus
	cur.UpdatedAt = sig.SignedAt
	r.s.contracts[sig.ContractID] = cur
	return nil
}

func (r *contractRepo) Activate(_ context.Context, sig repository.SignatureRecord, c *domain.Contract, schedule *domain.PaymentSchedule, installments []*domain.Installment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.contracts[sig.ContractID]
	if !ok || !signable(cur, sig) || !cur.HasSigned(sig.Role.Counterpart()) {
		return repository.ErrConflict
	}
	applySignature(&cur, sig)
	cur.IsSigned = true
	cur.IsLocked = true
	cur.LockedAt = c.LockedAt
	cur.ContentHash = c.ContentHash
	cur.Snapshot = c.Snapshot
	cur.Status = domain.ContractStatusActive
	cur.ActivatedAt = c.LockedAt
	cur.UpdatedAt = sig.SignedAt
	r.s.contracts[sig.ContractID] = cur

	r.s.schedules[sig.ContractID] = *schedule
	rows := make([]domain.Installment, 0, len(installments))
	for _, inst := range installments {
		rows = append(rows, *inst)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Sequence < rows[j].Sequence })
	r.s.installments[sig.ContractID] = rows
	return nil
}

func (r *contractRepo) Cancel(_ context.Context, c repository.Cancellation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.contracts[c.ContractID]
	if !ok || cur.IsLocked || !cur.Status.IsPreActive() {
		return repository.ErrConflict
	}
	at := c.At
	cur.Status = domain.ContractStatusCancelled
	cur.CancelledAt = &at
	cur.CancelledBy = c.Actor
	cur.CancellationReason = c.Reason
	cur.UpdatedAt = at
	r.s.contracts[c.ContractID] = cur

	rows := r.s.installments[c.ContractID]
	for i := range rows {
		if rows[i].Status == domain.InstallmentStatusPending || rows[i].Status == domain.InstallmentStatusUnpaid {
			rows[i].Status = domain.InstallmentStatusCancelled
			rows[i].UpdatedAt = at
		}
	}
	if sched, ok := r.s.schedules[c.ContractID]; ok && sched.Status == domain.ScheduleStatusActive {
		sched.Status = domain.ScheduleStatusCancelled
		sched.UpdatedAt = at
		r.s.schedules[c.ContractID] = sched
	}
	return nil
}

func (r *contractRepo) ExpireStale(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for id, c := range r.s.contracts {
		if c.IsExpired(now) {
			c.Status = domain.ContractStatusExpired
			c.UpdatedAt = now
			r.s.contracts[id] = c
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// schedules

type scheduleRepo struct{ s *Store }

func (r *scheduleRepo) GetByContractID(_ context.Context, contractID uuid.UUID) (*domain.PaymentSchedule, []*domain.Installment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sched, ok := r.s.schedules[contractID]
	if !ok {
		return nil, nil, sql.ErrNoRows
	}
	rows := r.s.installments[contractID]
	out := make([]*domain.Installment, len(rows))
	for i := range rows {
		inst := rows[i]
		out[i] = &inst
	}
	return &sched, out, nil
}

func (r *scheduleRepo) MarkOverdue(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, rows := range r.s.installments {
		for i := range rows {
			if rows[i].Status == domain.InstallmentStatusUnpaid && rows[i].DueDate.Before(now) {
				rows[i].Status = domain.InstallmentStatusOverdue
				rows[i].UpdatedAt = now
				n++
			}
		}
	}
	return n, nil
}

func (r *scheduleRepo) ListOpenDueBefore(_ context.Context, before time.Time) ([]*domain.Installment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Installment
	for _, rows := range r.s.installments {
		for i := range rows {
			if rows[i].IsPayable() && rows[i].DueDate.Before(before) {
				inst := rows[i]
				out = append(out, &inst)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID.String() < out[j].ContractID.String()
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// payments

type paymentRepo struct{ s *Store }

func (r *paymentRepo) CreatePending(_ context.Context, p *domain.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.payments[p.OrderRef]; exists {
		return repository.ErrConflict
	}
	rows := r.s.installments[p.ContractID]
	matched := 0
	for i := range rows {
		if p.Sequences.Contains(rows[i].Sequence) && rows[i].IsPayable() {
			matched++
		}
	}
	if matched != len(p.Sequences) {
		return repository.ErrConflict
	}
	id := p.ID
	for i := range rows {
		if p.Sequences.Contains(rows[i].Sequence) {
			rows[i].Status = domain.InstallmentStatusPending
			rows[i].PaymentID = &id
			rows[i].UpdatedAt = p.CreatedAt
		}
	}
	r.s.payments[p.OrderRef] = *clonePayment(*p)
	return nil
}

func (r *paymentRepo) GetByOrderRef(_ context.Context, orderRef string) (*domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[orderRef]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return clonePayment(p), nil
}

func (r *paymentRepo) ListByContract(_ context.Context, contractID uuid.UUID) ([]*domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Payment
	for _, p := range r.s.payments {
		if p.ContractID == contractID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// closePayment must be called with the lock held.
func (r *paymentRepo) closePayment(p *domain.Payment, status domain.PaymentStatus, o domain.GatewayOutcome) (domain.Payment, error) {
	cur, ok := r.s.payments[p.OrderRef]
	if !ok || cur.Status != domain.PaymentStatusPending {
		return cur, repository.ErrConflict
	}
	cur.Status = status
	cur.GatewayTransactionNo = o.TransactionNo
	cur.GatewayResponseCode = o.ResponseCode
	cur.GatewayTransactionStatus = o.TransactionStatus
	cur.GatewayBankCode = o.BankCode
	cur.CallbackPayload = o.Payload
	cur.FailureReason = o.Reason
	if status == domain.PaymentStatusCompleted {
		at := o.At
		cur.CompletedAt = &at
	}
	cur.UpdatedAt = o.At
	r.s.payments[p.OrderRef] = cur
	return cur, nil
}

// rollback must be called with the lock held.
func (r *paymentRepo) rollback(p domain.Payment, at time.Time) {
	rows := r.s.installments[p.ContractID]
	for i := range rows {
		if rows[i].Status == domain.InstallmentStatusPending && rows[i].PaymentID != nil && *rows[i].PaymentID == p.ID {
			rows[i].Status = domain.InstallmentStatusUnpaid
			rows[i].PaymentID = nil
			rows[i].UpdatedAt = at
		}
	}
}

func (r *paymentRepo) Complete(_ context.Context, p *domain.Payment, o domain.GatewayOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, err := r.closePayment(p, domain.PaymentStatusCompleted, o)
	if err != nil {
		return err
	}

	rows := r.s.installments[cur.ContractID]
	paid := decimal.Zero
	allSettled := true
	for i := range rows {
		if rows[i].Status == domain.InstallmentStatusPending && rows[i].PaymentID != nil && *rows[i].PaymentID == cur.ID {
			at := o.At
			rows[i].Status = domain.InstallmentStatusPaid
			rows[i].PaidAt = &at
			rows[i].UpdatedAt = at
			paid = paid.Add(rows[i].Amount)
		}
		if !rows[i].IsSettled() {
			allSettled = false
		}
	}

	if sched, ok := r.s.schedules[cur.ContractID]; ok {
		sched.PaidAmount = sched.PaidAmount.Add(paid)
		if allSettled && sched.Status == domain.ScheduleStatusActive {
			sched.Status = domain.ScheduleStatusCompleted
		}
		sched.UpdatedAt = o.At
		r.s.schedules[cur.ContractID] = sched
	}
	return nil
}

func (r *paymentRepo) Fail(_ context.Context, p *domain.Payment, o domain.GatewayOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, err := r.closePayment(p, domain.PaymentStatusFailed, o)
	if err != nil {
		return err
	}
	r.rollback(cur, o.At)
	return nil
}

func (r *paymentRepo) Cancel(_ context.Context, p *domain.Payment, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.payments[p.OrderRef]
	if !ok || cur.Status != domain.PaymentStatusPending {
		return repository.ErrConflict
	}
	cur.Status = domain.PaymentStatusCancelled
	cur.FailureReason = reason
	cur.UpdatedAt = at
	r.s.payments[p.OrderRef] = cur
	r.rollback(cur, at)
	return nil
}

func (r *paymentRepo) ListExpiredPending(_ context.Context, now time.Time, contractID *uuid.UUID, limit int) ([]*domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Payment
	for _, p := range r.s.payments {
		if !p.IsExpired(now) {
			continue
		}
		if contractID != nil && p.ContractID != *contractID {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// one-time codes

type otpRepo struct{ s *Store }

func activeFor(o domain.OTPCode, b domain.OTPBinding, now time.Time) bool {
	return o.Binding() == b && !o.IsUsed && o.ExpiresAt.After(now)
}

func (r *otpRepo) Replace(_ context.Context, code *domain.OTPCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b := code.Binding()
	for i := range r.s.otps {
		if activeFor(r.s.otps[i], b, code.CreatedAt) {
			at := code.CreatedAt
			r.s.otps[i].IsUsed = true
			r.s.otps[i].UsedAt = &at
		}
	}
	r.s.otps = append(r.s.otps, *code)
	return nil
}

func (r *otpRepo) Consume(_ context.Context, b domain.OTPBinding, codeHash string, now time.Time) (*domain.OTPCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.otps {
		o := &r.s.otps[i]
		if activeFor(*o, b, now) && o.CodeHash == codeHash {
			at := now
			o.IsUsed = true
			o.UsedAt = &at
			out := *o
			return &out, nil
		}
	}
	return nil, repository.ErrConflict
}

func (r *otpRepo) RegisterFailure(_ context.Context, b domain.OTPBinding, now time.Time, maxAttempts int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.otps {
		o := &r.s.otps[i]
		if activeFor(*o, b, now) {
			o.Attempts++
			if o.Attempts >= maxAttempts {
				at := now
				o.IsUsed = true
				o.UsedAt = &at
			}
		}
	}
	return nil
}

// rate limiting

type rateLimiter struct{ s *Store }

func (l *rateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	cutoff := now.Add(-window)
	hits := l.s.hits[key][:0:0]
	for _, h := range l.s.hits[key] {
		if h.After(cutoff) {
			hits = append(hits, h)
		}
	}
	if len(hits) >= limit {
		l.s.hits[key] = hits
		return false, hits[0].Add(window).Sub(now), nil
	}
	l.s.hits[key] = append(hits, now)
	return true, 0, nil
}
