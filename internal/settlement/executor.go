// Package settlement выполняет расчёты по принятым этапам через внешний леджер.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/edugrant-system/internal/fees"
	"github.com/mmeshcher/edugrant-system/internal/model"
	"github.com/mmeshcher/edugrant-system/internal/repository"
)

// ErrSettlementFailed возвращается после исчерпания попыток перевода.
// Этап остаётся на проверке, повторный запуск безопасен благодаря ключу
// идемпотентности (идентификатору этапа).
var ErrSettlementFailed = errors.New("settlement failed")

// Ledger описывает контракт внешнего леджера, используемый исполнителем расчётов.
// Выпуск значка дедуплицируется леджером по идентификатору этапа, выпуск
// кредита по ключу идемпотентности, поэтому повтор выпуска безопасен.
type Ledger interface {
	SubmitTransfer(ctx context.Context, recipientRef string, amount decimal.Decimal, idempotencyKey string) (string, error)
	AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (string, error)
	IssueBadge(ctx context.Context, recipientRef, milestoneID string) (string, error)
	IssueCredit(ctx context.Context, recipientRef string, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// Store описывает контракт хранилища, используемый исполнителем расчётов.
type Store interface {
	GetScholarship(ctx context.Context, id string) (*model.Scholarship, error)
	GetSettlement(ctx context.Context, milestoneID string) (*model.SettlementRecord, error)
	ReserveSettlement(ctx context.Context, rec *model.SettlementRecord) error
	ConfirmSettlement(ctx context.Context, milestoneID, ledgerTxRef string, confirmedAt time.Time) error
	FailSettlement(ctx context.Context, milestoneID string) error
	ListDonations(ctx context.Context, scholarshipID string) ([]model.Donation, error)
	ListSettlementsAwaitingIssuance(ctx context.Context, limit int) ([]model.SettlementRecord, error)
	MarkSettlementIssued(ctx context.Context, milestoneID string, issuedAt time.Time) error
}

// Executor проводит перевод средств по принятому этапу и выпуск активов.
type Executor struct {
	store  Store
	ledger Ledger
	logger *zap.Logger

	maxAttempts    uint64
	retryBase      time.Duration
	confirmTimeout time.Duration
}

// NewExecutor создаёт исполнитель расчётов с ограниченным числом попыток перевода.
func NewExecutor(store Store, ledger Ledger, logger *zap.Logger, maxAttempts int) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{
		store:          store,
		ledger:         ledger,
		logger:         logger,
		maxAttempts:    uint64(maxAttempts),
		retryBase:      500 * time.Millisecond,
		confirmTimeout: 30 * time.Second,
	}
}

// Release проводит расчёт по этапу: резервирует долю, переводит средства через
// внешний леджер и подтверждает запись о расчёте. Повторный вызов для уже
// подтверждённого этапа возвращает существующую запись без второго перевода.
func (e *Executor) Release(ctx context.Context, m *model.Milestone, recipientRef string, breakdown fees.Breakdown) (*model.SettlementRecord, error) {
	existing, err := e.store.GetSettlement(ctx, m.ID)
	if err != nil && !errors.Is(err, repository.ErrSettlementNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == model.SettlementStatusConfirmed {
		return existing, nil
	}

	rec := &model.SettlementRecord{
		MilestoneID:    m.ID,
		ScholarshipID:  m.ScholarshipID,
		GrossAmount:    breakdown.GrossAmount,
		PlatformFee:    breakdown.PlatformFee,
		ReservePoolFee: breakdown.ReservePoolFee,
		NetToRecipient: breakdown.NetToRecipient,
		Status:         model.SettlementStatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	// Незавершённый расчёт уже удерживает резерв: перевод возобновляется
	// с тем же ключом идемпотентности без повторного резервирования.
	if existing == nil || existing.Status != model.SettlementStatusPending {
		if err := e.store.ReserveSettlement(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		rec = existing
	}

	// Сумма перевода берётся из записи о расчёте: при возобновлении она
	// совпадает с тем, что было зарезервировано, даже если комиссии изменились.
	txRef, err := e.transfer(ctx, m.ID, recipientRef, rec.NetToRecipient)
	if err != nil {
		// Резервирование снимается, чтобы этап можно было принять повторно.
		if failErr := e.store.FailSettlement(context.WithoutCancel(ctx), m.ID); failErr != nil {
			e.logger.Error("failed to release settlement reservation",
				zap.Error(failErr),
				zap.String("milestoneID", m.ID))
		}
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	confirmedAt := time.Now().UTC()
	if err := e.store.ConfirmSettlement(context.WithoutCancel(ctx), m.ID, txRef, confirmedAt); err != nil {
		// Средства уже переведены: запись о расчёте обязана зафиксироваться.
		return nil, fmt.Errorf("confirm settlement after transfer %s: %w", txRef, err)
	}

	rec.Status = model.SettlementStatusConfirmed
	rec.LedgerTxRef = txRef
	rec.ConfirmedAt = &confirmedAt

	// Выпуск значка и кредитов не влияет на судьбу перевода: неудача
	// логируется и досылается фоновым процессом.
	if err := e.issue(ctx, rec, recipientRef); err != nil {
		e.logger.Warn("issuance failed, will retry in background",
			zap.Error(err),
			zap.String("milestoneID", m.ID))
	}

	return rec, nil
}

// transfer выполняет перевод с экспоненциальной выдержкой между попытками.
func (e *Executor) transfer(ctx context.Context, milestoneID, recipientRef string, amount decimal.Decimal) (string, error) {
	var txRef string

	backoff := retry.WithMaxRetries(e.maxAttempts-1, retry.NewExponential(e.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		handle, err := e.ledger.SubmitTransfer(ctx, recipientRef, amount, milestoneID)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("submit transfer: %w", err))
		}

		ref, err := e.ledger.AwaitConfirmation(ctx, handle, e.confirmTimeout)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("await confirmation: %w", err))
		}

		txRef = ref
		return nil
	})
	if err != nil {
		return "", err
	}

	return txRef, nil
}

// issue выпускает запись о достижении для студента и импакт-кредиты донорам
// пропорционально их доле пожертвований в стипендию. Повтор после частичного
// сбоя не порождает дубликатов: каждый актив выпускается со стабильным ключом
// идемпотентности, и леджер отдаёт уже выпущенный актив повторно.
func (e *Executor) issue(ctx context.Context, rec *model.SettlementRecord, recipientRef string) error {
	if _, err := e.ledger.IssueBadge(ctx, recipientRef, rec.MilestoneID); err != nil {
		return fmt.Errorf("issue badge: %w", err)
	}

	donations, err := e.store.ListDonations(ctx, rec.ScholarshipID)
	if err != nil {
		return fmt.Errorf("list donations: %w", err)
	}

	total := decimal.Zero
	for _, d := range donations {
		total = total.Add(d.Amount)
	}

	if total.GreaterThan(decimal.Zero) {
		for _, d := range donations {
			credit := rec.GrossAmount.Mul(d.Amount).Div(total).RoundFloor(2)
			if credit.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if _, err := e.ledger.IssueCredit(ctx, d.SourceRef, credit, rec.MilestoneID+":"+d.ID); err != nil {
				return fmt.Errorf("issue credit to %s: %w", d.SourceRef, err)
			}
		}
	}

	if err := e.store.MarkSettlementIssued(ctx, rec.MilestoneID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark issued: %w", err)
	}

	return nil
}

// IssuePending досылает выпуск активов по подтверждённым расчётам,
// у которых предыдущая попытка выпуска не удалась.
func (e *Executor) IssuePending(ctx context.Context, limit int) {
	records, err := e.store.ListSettlementsAwaitingIssuance(ctx, limit)
	if err != nil {
		e.logger.Error("list settlements awaiting issuance", zap.Error(err))
		return
	}

	for _, rec := range records {
		s, err := e.store.GetScholarship(ctx, rec.ScholarshipID)
		if err != nil {
			e.logger.Error("get scholarship for issuance",
				zap.Error(err),
				zap.String("scholarshipID", rec.ScholarshipID))
			continue
		}

		if err := e.issue(ctx, &rec, s.RecipientRef); err != nil {
			e.logger.Warn("issuance retry failed",
				zap.Error(err),
				zap.String("milestoneID", rec.MilestoneID))
		}
	}
}
