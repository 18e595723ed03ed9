package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/edugrant-system/internal/model"
)

// MemoryRepository хранит данные в памяти. Реализует тот же контракт,
// что и PostgresRepository; используется в тестах и для локального запуска.
type MemoryRepository struct {
	mu sync.Mutex

	scholarships map[string]*model.Scholarship
	// reserved учитывает суммы, зарезервированные незавершёнными расчётами.
	reserved    map[string]decimal.Decimal
	milestones  map[string]*model.Milestone
	donations   map[string][]model.Donation
	verdicts    map[string][]model.VerificationVerdict
	settlements map[string]*model.SettlementRecord
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		scholarships: make(map[string]*model.Scholarship),
		reserved:     make(map[string]decimal.Decimal),
		milestones:   make(map[string]*model.Milestone),
		donations:    make(map[string][]model.Donation),
		verdicts:     make(map[string][]model.VerificationVerdict),
		settlements:  make(map[string]*model.SettlementRecord),
	}
}

// Close освобождает ресурсы хранилища.
func (r *MemoryRepository) Close() error { return nil }

// CreateScholarship создаёт новую стипендию.
func (r *MemoryRepository) CreateScholarship(ctx context.Context, s *model.Scholarship) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scholarships[s.ID]; ok {
		return ErrScholarshipExists
	}

	stored := *s
	stored.RaisedAmount = decimal.Zero
	stored.ReleasedAmount = decimal.Zero
	stored.Milestones = nil
	r.scholarships[s.ID] = &stored
	r.reserved[s.ID] = decimal.Zero
	return nil
}

// GetScholarship возвращает стипендию с этапами, упорядоченными по целевой дате.
func (r *MemoryRepository) GetScholarship(ctx context.Context, id string) (*model.Scholarship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scholarships[id]
	if !ok {
		return nil, ErrScholarshipNotFound
	}

	out := *s
	out.Milestones = nil
	for _, m := range r.milestones {
		if m.ScholarshipID == id {
			out.Milestones = append(out.Milestones, *m)
		}
	}
	sort.Slice(out.Milestones, func(i, j int) bool {
		return out.Milestones[i].TargetDate.Before(out.Milestones[j].TargetDate)
	})

	return &out, nil
}

// ArchiveScholarship переводит стипендию в архивное состояние.
func (r *MemoryRepository) ArchiveScholarship(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scholarships[id]
	if !ok {
		return ErrScholarshipNotFound
	}
	s.Status = model.ScholarshipStatusArchived
	return nil
}

// AddMilestone добавляет этап к стипендии.
func (r *MemoryRepository) AddMilestone(ctx context.Context, m *model.Milestone) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scholarships[m.ScholarshipID]
	if !ok {
		return ErrScholarshipNotFound
	}
	if s.Status == model.ScholarshipStatusArchived {
		return ErrScholarshipClosed
	}

	sharesTotal := decimal.Zero
	for _, existing := range r.milestones {
		if existing.ScholarshipID == m.ScholarshipID {
			sharesTotal = sharesTotal.Add(existing.ShareAmount)
		}
	}
	if sharesTotal.Add(m.ShareAmount).GreaterThan(s.GoalAmount) {
		return ErrGoalExceeded
	}

	stored := *m
	r.milestones[m.ID] = &stored
	return nil
}

// GetMilestone возвращает этап по идентификатору.
func (r *MemoryRepository) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	out := *m
	return &out, nil
}

// UpdateMilestoneEvidence записывает ссылку на доказательства и новый статус этапа.
func (r *MemoryRepository) UpdateMilestoneEvidence(ctx context.Context, id, evidenceRef string, status model.MilestoneStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	m.EvidenceRef = evidenceRef
	m.Status = status
	return nil
}

// UpdateMilestoneStatus обновляет статус этапа.
func (r *MemoryRepository) UpdateMilestoneStatus(ctx context.Context, id string, status model.MilestoneStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	m.Status = status
	return nil
}

// MarkMilestoneAccepted помечает этап принятым и фиксирует ссылку на транзакцию леджера.
func (r *MemoryRepository) MarkMilestoneAccepted(ctx context.Context, id, releaseTxRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.milestones[id]
	if !ok {
		return ErrMilestoneNotFound
	}
	m.Status = model.MilestoneStatusAccepted
	m.ReleaseTxRef = releaseTxRef
	return nil
}

// ListMilestonesUnderReview возвращает этапы, ожидающие вердикта проверки.
func (r *MemoryRepository) ListMilestonesUnderReview(ctx context.Context, limit int) ([]model.Milestone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Milestone
	for _, m := range r.milestones {
		if m.Status == model.MilestoneStatusUnderReview {
			res = append(res, *m)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// RecordDonation записывает пожертвование и увеличивает собранную сумму стипендии.
func (r *MemoryRepository) RecordDonation(ctx context.Context, d *model.Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scholarships[d.ScholarshipID]
	if !ok {
		return ErrScholarshipNotFound
	}
	if s.Status == model.ScholarshipStatusArchived {
		return ErrScholarshipClosed
	}
	if s.RaisedAmount.Add(d.Amount).GreaterThan(s.GoalAmount) {
		return ErrGoalOverflow
	}

	r.donations[d.ScholarshipID] = append(r.donations[d.ScholarshipID], *d)
	s.RaisedAmount = s.RaisedAmount.Add(d.Amount)
	return nil
}

// ListDonations возвращает пожертвования стипендии в порядке поступления.
func (r *MemoryRepository) ListDonations(ctx context.Context, scholarshipID string) ([]model.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Donation, len(r.donations[scholarshipID]))
	copy(res, r.donations[scholarshipID])
	return res, nil
}

// FundingTotals возвращает собранную, высвобожденную и зарезервированную суммы стипендии.
func (r *MemoryRepository) FundingTotals(ctx context.Context, scholarshipID string) (funded, released, reserved decimal.Decimal, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scholarships[scholarshipID]
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, ErrScholarshipNotFound
	}
	return s.RaisedAmount, s.ReleasedAmount, r.reserved[scholarshipID], nil
}

// AppendVerdict добавляет вердикт в историю проверок этапа.
func (r *MemoryRepository) AppendVerdict(ctx context.Context, v *model.VerificationVerdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.verdicts[v.MilestoneID] = append(r.verdicts[v.MilestoneID], *v)
	return nil
}

// ListVerdicts возвращает историю вердиктов этапа в порядке получения.
func (r *MemoryRepository) ListVerdicts(ctx context.Context, milestoneID string) ([]model.VerificationVerdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.VerificationVerdict, len(r.verdicts[milestoneID]))
	copy(res, r.verdicts[milestoneID])
	return res, nil
}

// ReserveSettlement резервирует долю этапа под расчёт.
func (r *MemoryRepository) ReserveSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scholarships[rec.ScholarshipID]
	if !ok {
		return ErrScholarshipNotFound
	}

	if existing, ok := r.settlements[rec.MilestoneID]; ok {
		switch existing.Status {
		case model.SettlementStatusPending, model.SettlementStatusConfirmed:
			return ErrSettlementInFlight
		}
	}

	available := s.RaisedAmount.Sub(s.ReleasedAmount).Sub(r.reserved[rec.ScholarshipID])
	if rec.GrossAmount.GreaterThan(available) {
		return ErrInsufficientFunds
	}

	stored := *rec
	stored.Status = model.SettlementStatusPending
	r.settlements[rec.MilestoneID] = &stored
	r.reserved[rec.ScholarshipID] = r.reserved[rec.ScholarshipID].Add(rec.GrossAmount)
	return nil
}

// ConfirmSettlement подтверждает расчёт и высвобождает зарезервированные средства.
func (r *MemoryRepository) ConfirmSettlement(ctx context.Context, milestoneID, ledgerTxRef string, confirmedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.settlements[milestoneID]
	if !ok || rec.Status != model.SettlementStatusPending {
		return ErrSettlementNotFound
	}

	s := r.scholarships[rec.ScholarshipID]
	rec.Status = model.SettlementStatusConfirmed
	rec.LedgerTxRef = ledgerTxRef
	at := confirmedAt
	rec.ConfirmedAt = &at

	s.ReleasedAmount = s.ReleasedAmount.Add(rec.GrossAmount)
	r.reserved[rec.ScholarshipID] = r.reserved[rec.ScholarshipID].Sub(rec.GrossAmount)
	return nil
}

// FailSettlement помечает расчёт неудачным и снимает резервирование средств.
func (r *MemoryRepository) FailSettlement(ctx context.Context, milestoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.settlements[milestoneID]
	if !ok || rec.Status != model.SettlementStatusPending {
		return ErrSettlementNotFound
	}

	rec.Status = model.SettlementStatusFailed
	r.reserved[rec.ScholarshipID] = r.reserved[rec.ScholarshipID].Sub(rec.GrossAmount)
	return nil
}

// GetSettlement возвращает расчёт по этапу.
func (r *MemoryRepository) GetSettlement(ctx context.Context, milestoneID string) (*model.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.settlements[milestoneID]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	out := *rec
	return &out, nil
}

// ListSettlements возвращает историю расчётов стипендии.
func (r *MemoryRepository) ListSettlements(ctx context.Context, scholarshipID string) ([]model.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.SettlementRecord
	for _, rec := range r.settlements {
		if rec.ScholarshipID == scholarshipID {
			res = append(res, *rec)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// ListSettlementsAwaitingIssuance возвращает подтверждённые расчёты без выпуска активов.
func (r *MemoryRepository) ListSettlementsAwaitingIssuance(ctx context.Context, limit int) ([]model.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.SettlementRecord
	for _, rec := range r.settlements {
		if rec.Status == model.SettlementStatusConfirmed && rec.IssuedAt == nil {
			res = append(res, *rec)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// MarkSettlementIssued фиксирует выпуск значка и донорских кредитов по расчёту.
func (r *MemoryRepository) MarkSettlementIssued(ctx context.Context, milestoneID string, issuedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.settlements[milestoneID]
	if !ok {
		return ErrSettlementNotFound
	}
	at := issuedAt
	rec.IssuedAt = &at
	return nil
}
