// Package service реализует бизнес-логику сервиса стипендий.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/edugrant-system/internal/fees"
	"github.com/mmeshcher/edugrant-system/internal/model"
	"github.com/mmeshcher/edugrant-system/internal/settlement"
	"github.com/mmeshcher/edugrant-system/internal/validation"
	"github.com/mmeshcher/edugrant-system/internal/verifier"
)

var (
	// ErrInvalidReference возвращается для пустой или непечатаемой внешней ссылки.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrInvalidAmount возвращается для неположительной суммы.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrMilestoneAccepted возвращается при попытке изменить принятый этап.
	ErrMilestoneAccepted = errors.New("milestone already accepted")
	// ErrEvidenceNotSubmitted возвращается при попытке вынести решение по этапу
	// без поданных доказательств.
	ErrEvidenceNotSubmitted = errors.New("milestone has no submitted evidence")
	// ErrConcurrentModification возвращается, когда этап уже обрабатывается
	// другим запросом.
	ErrConcurrentModification = errors.New("milestone is being processed")
	// ErrVerifierUnavailable возвращается, если шлюз проверки не сконфигурирован.
	ErrVerifierUnavailable = errors.New("verification gateway is not configured")
	// ErrLedgerUnavailable возвращается, если исполнитель расчётов не сконфигурирован.
	ErrLedgerUnavailable = errors.New("settlement executor is not configured")
	// ErrInvalidCredentials возвращается при неверном логине или пароле проверяющего.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateScholarship(ctx context.Context, s *model.Scholarship) error
	GetScholarship(ctx context.Context, id string) (*model.Scholarship, error)
	ArchiveScholarship(ctx context.Context, id string) error
	AddMilestone(ctx context.Context, m *model.Milestone) error
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)
	UpdateMilestoneEvidence(ctx context.Context, id, evidenceRef string, status model.MilestoneStatus) error
	UpdateMilestoneStatus(ctx context.Context, id string, status model.MilestoneStatus) error
	MarkMilestoneAccepted(ctx context.Context, id, releaseTxRef string) error
	ListMilestonesUnderReview(ctx context.Context, limit int) ([]model.Milestone, error)
	RecordDonation(ctx context.Context, d *model.Donation) error
	ListDonations(ctx context.Context, scholarshipID string) ([]model.Donation, error)
	AppendVerdict(ctx context.Context, v *model.VerificationVerdict) error
	ListVerdicts(ctx context.Context, milestoneID string) ([]model.VerificationVerdict, error)
	ListSettlements(ctx context.Context, scholarshipID string) ([]model.SettlementRecord, error)
	GetSettlement(ctx context.Context, milestoneID string) (*model.SettlementRecord, error)
}

// Options задают параметры сервиса, приходящие из конфигурации.
type Options struct {
	FeePolicy        fees.Policy
	ReviewerLogin    string
	ReviewerPassword string
}

// Service содержит бизнес-логику сервиса стипендий.
type Service struct {
	repo     Repository
	gateway  *verifier.Gateway
	executor *settlement.Executor
	policy   fees.Policy
	logger   *zap.Logger

	reviewerLogin string
	reviewerHash  []byte

	// milestoneLocks сериализует обработку одного этапа: подача доказательств,
	// ручное решение и фоновый опрос не должны применять вердикты параллельно.
	milestoneLocks sync.Map
}

// NewService создаёт новый сервис с указанным репозиторием, шлюзом проверки
// и исполнителем расчётов.
func NewService(repo Repository, gateway *verifier.Gateway, executor *settlement.Executor, opts Options, logger *zap.Logger) *Service {
	return &Service{
		repo:          repo,
		gateway:       gateway,
		executor:      executor,
		policy:        opts.FeePolicy,
		logger:        logger,
		reviewerLogin: opts.ReviewerLogin,
		reviewerHash:  hashPassword(opts.ReviewerLogin, opts.ReviewerPassword),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// AuthenticateReviewer проверяет логин и пароль проверяющего.
func (s *Service) AuthenticateReviewer(login, password string) error {
	if s.reviewerLogin == "" {
		return ErrInvalidCredentials
	}
	hashed := hashPassword(login, password)
	if login != s.reviewerLogin || hex.EncodeToString(hashed) != hex.EncodeToString(s.reviewerHash) {
		return ErrInvalidCredentials
	}
	return nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateScholarship создаёт новую стипендиальную программу.
func (s *Service) CreateScholarship(ctx context.Context, recipientRef string, goal decimal.Decimal) (*model.Scholarship, error) {
	if !validation.IsValidRef(recipientRef) {
		return nil, ErrInvalidReference
	}
	if goal.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	sch := &model.Scholarship{
		ID:           uuid.NewString(),
		RecipientRef: recipientRef,
		GoalAmount:   goal,
		Status:       model.ScholarshipStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateScholarship(ctx, sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// AddMilestone добавляет этап в стипендиальную программу. Сумма долей всех
// этапов не может превышать целевую сумму сбора.
func (s *Service) AddMilestone(ctx context.Context, scholarshipID, title string, share decimal.Decimal, targetDate time.Time) (*model.Milestone, error) {
	if title == "" {
		return nil, ErrInvalidReference
	}
	if share.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	m := &model.Milestone{
		ID:            uuid.NewString(),
		ScholarshipID: scholarshipID,
		Title:         title,
		ShareAmount:   share,
		TargetDate:    targetDate,
		Status:        model.MilestoneStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.AddMilestone(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ArchiveScholarship закрывает программу для новых пожертвований.
func (s *Service) ArchiveScholarship(ctx context.Context, id string) error {
	return s.repo.ArchiveScholarship(ctx, id)
}

// SubmitDonation записывает пожертвование и увеличивает собранную сумму.
func (s *Service) SubmitDonation(ctx context.Context, scholarshipID, sourceRef string, amount decimal.Decimal) (*model.Donation, error) {
	if !validation.IsValidRef(sourceRef) {
		return nil, ErrInvalidReference
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	d := &model.Donation{
		ID:            uuid.NewString(),
		ScholarshipID: scholarshipID,
		SourceRef:     sourceRef,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.RecordDonation(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SubmitMilestoneEvidence подаёт доказательства выполнения этапа на проверку.
// Для отклонённого этапа допускается повторная подача новых доказательств.
func (s *Service) SubmitMilestoneEvidence(ctx context.Context, milestoneID, evidenceRef string) (*model.Milestone, error) {
	if !validation.IsValidRef(evidenceRef) {
		return nil, ErrInvalidReference
	}
	if s.gateway == nil {
		return nil, ErrVerifierUnavailable
	}

	unlock, ok := s.lockMilestone(milestoneID)
	if !ok {
		return nil, ErrConcurrentModification
	}
	defer unlock()

	m, err := s.repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	if m.Status == model.MilestoneStatusAccepted {
		return nil, ErrMilestoneAccepted
	}
	// Повторная подача тех же доказательств при незавершённой проверке
	// отсекается шлюзом. Новые доказательства заменяют прежние: вердикт по
	// старым перестаёт действовать.
	if err := s.repo.UpdateMilestoneEvidence(ctx, m.ID, evidenceRef, model.MilestoneStatusSubmitted); err != nil {
		return nil, err
	}
	m.EvidenceRef = evidenceRef
	m.Status = model.MilestoneStatusSubmitted

	if err := s.repo.UpdateMilestoneStatus(ctx, m.ID, model.MilestoneStatusUnderReview); err != nil {
		return nil, err
	}
	m.Status = model.MilestoneStatusUnderReview

	if _, err := s.gateway.SubmitEvidence(ctx, m.ID, evidenceRef); err != nil {
		return nil, err
	}

	return s.applyEffectiveVerdict(ctx, m)
}

// OverrideMilestoneVerdict фиксирует ручное решение проверяющего по текущим
// доказательствам этапа. Ручное решение имеет приоритет над автоматическим,
// но принятый этап изменить нельзя.
func (s *Service) OverrideMilestoneVerdict(ctx context.Context, milestoneID string, decision model.Decision, reviewerRef string) (*model.Milestone, error) {
	if s.gateway == nil {
		return nil, ErrVerifierUnavailable
	}

	unlock, ok := s.lockMilestone(milestoneID)
	if !ok {
		return nil, ErrConcurrentModification
	}
	defer unlock()

	m, err := s.repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.MilestoneStatusAccepted {
		return nil, ErrMilestoneAccepted
	}
	if m.EvidenceRef == "" {
		return nil, ErrEvidenceNotSubmitted
	}

	if _, err := s.gateway.ApplyOverride(ctx, m.ID, m.EvidenceRef, decision, reviewerRef); err != nil {
		return nil, err
	}

	return s.applyEffectiveVerdict(ctx, m)
}

// applyEffectiveVerdict применяет действующий вердикт к этапу: одобрение
// запускает расчёт и принятие, отклонение переводит этап в REJECTED,
// запрос проверки оставляет этап на рассмотрении.
func (s *Service) applyEffectiveVerdict(ctx context.Context, m *model.Milestone) (*model.Milestone, error) {
	history, err := s.repo.ListVerdicts(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	verdict := model.EffectiveVerdict(history, m.EvidenceRef)
	m.Verdict = verdict
	if verdict == nil {
		return m, nil
	}

	switch verdict.Decision {
	case model.DecisionApprove:
		return s.acceptMilestone(ctx, m)
	case model.DecisionReject:
		if err := s.repo.UpdateMilestoneStatus(ctx, m.ID, model.MilestoneStatusRejected); err != nil {
			return nil, err
		}
		m.Status = model.MilestoneStatusRejected
		return m, nil
	default:
		// REVIEW: этап остаётся на рассмотрении до ручного решения.
		return m, nil
	}
}

// acceptMilestone проводит расчёт по одобренному этапу и помечает его принятым.
// Недостаток собранных средств оставляет этап на рассмотрении.
func (s *Service) acceptMilestone(ctx context.Context, m *model.Milestone) (*model.Milestone, error) {
	if s.executor == nil {
		return nil, ErrLedgerUnavailable
	}

	sch, err := s.repo.GetScholarship(ctx, m.ScholarshipID)
	if err != nil {
		return nil, err
	}

	breakdown, err := fees.Compute(m.ShareAmount, s.policy)
	if err != nil {
		return nil, err
	}

	rec, err := s.executor.Release(ctx, m, sch.RecipientRef, breakdown)
	if err != nil {
		return nil, err
	}

	if err := s.repo.MarkMilestoneAccepted(ctx, m.ID, rec.LedgerTxRef); err != nil {
		return nil, err
	}
	m.Status = model.MilestoneStatusAccepted
	m.ReleaseTxRef = rec.LedgerTxRef

	s.logger.Info("milestone accepted",
		zap.String("milestoneID", m.ID),
		zap.String("scholarshipID", m.ScholarshipID),
		zap.String("ledgerTxRef", rec.LedgerTxRef))

	return m, nil
}

// GetScholarshipState возвращает программу с этапами и действующими вердиктами.
func (s *Service) GetScholarshipState(ctx context.Context, id string) (*model.Scholarship, error) {
	sch, err := s.repo.GetScholarship(ctx, id)
	if err != nil {
		return nil, err
	}

	for i := range sch.Milestones {
		m := &sch.Milestones[i]
		if m.EvidenceRef == "" {
			continue
		}
		history, err := s.repo.ListVerdicts(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Verdict = model.EffectiveVerdict(history, m.EvidenceRef)
	}

	return sch, nil
}

// GetSettlementHistory возвращает расчёты по этапам программы.
func (s *Service) GetSettlementHistory(ctx context.Context, scholarshipID string) ([]model.SettlementRecord, error) {
	if _, err := s.repo.GetScholarship(ctx, scholarshipID); err != nil {
		return nil, err
	}
	return s.repo.ListSettlements(ctx, scholarshipID)
}

// lockMilestone пытается захватить этап для обработки. Возвращает функцию
// освобождения и признак успеха.
func (s *Service) lockMilestone(id string) (func(), bool) {
	v, _ := s.milestoneLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// StartVerdictUpdates запускает фоновый процесс дообработки этапов,
// находящихся на рассмотрении: применяет вердикты, не доведённые до
// смены статуса, и повторно опрашивает оракула после таймаута.
func (s *Service) StartVerdictUpdates(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReviewBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReviewBatch(ctx context.Context) {
	milestones, err := s.repo.ListMilestonesUnderReview(ctx, 100)
	if err != nil {
		return
	}

	for i := range milestones {
		m := &milestones[i]
		if m.EvidenceRef == "" {
			continue
		}

		unlock, ok := s.lockMilestone(m.ID)
		if !ok {
			continue
		}

		s.refreshMilestone(ctx, m)
		unlock()
	}
}

// refreshMilestone повторно запрашивает оракула, если действующего вердикта
// нет или он синтетический после таймаута, и применяет результат.
func (s *Service) refreshMilestone(ctx context.Context, m *model.Milestone) {
	history, err := s.repo.ListVerdicts(ctx, m.ID)
	if err != nil {
		return
	}

	verdict := model.EffectiveVerdict(history, m.EvidenceRef)
	if verdict != nil && verdict.Decision == model.DecisionReview && !isRetryable(verdict) {
		// Ожидается ручное решение, опрашивать оракула бессмысленно.
		return
	}

	if verdict == nil || isRetryable(verdict) {
		if _, err := s.gateway.SubmitEvidence(ctx, m.ID, m.EvidenceRef); err != nil {
			if !errors.Is(err, verifier.ErrReviewInFlight) {
				s.logger.Warn("background review failed",
					zap.Error(err),
					zap.String("milestoneID", m.ID))
			}
			return
		}
	}

	if _, err := s.applyEffectiveVerdict(ctx, m); err != nil {
		s.logger.Warn("applying verdict failed",
			zap.Error(err),
			zap.String("milestoneID", m.ID))
	}
}

// isRetryable сообщает, является ли вердикт синтетическим ответом на сбой
// оракула, который имеет смысл перепроверить.
func isRetryable(v *model.VerificationVerdict) bool {
	if v.Source != model.SourceAutomated || v.Decision != model.DecisionReview {
		return false
	}
	for _, code := range v.ReasonCodes {
		if code == model.ReasonTimeoutAwaitingVerifier {
			return true
		}
	}
	return false
}

// StartIssuanceUpdates запускает фоновый процесс досылки выпуска активов
// по подтверждённым расчётам.
func (s *Service) StartIssuanceUpdates(ctx context.Context) {
	if s.executor == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.executor.IssuePending(ctx, 100)
			}
		}
	}()
}
