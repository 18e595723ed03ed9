// Package model содержит доменные сущности сервиса стипендий.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScholarshipStatus описывает состояние стипендиальной программы.
type ScholarshipStatus string

const (
	ScholarshipStatusActive   ScholarshipStatus = "ACTIVE"
	ScholarshipStatusArchived ScholarshipStatus = "ARCHIVED"
)

// Scholarship представляет стипендиальную программу с целевой суммой сбора.
type Scholarship struct {
	ID             string
	RecipientRef   string
	GoalAmount     decimal.Decimal
	RaisedAmount   decimal.Decimal
	ReleasedAmount decimal.Decimal
	Status         ScholarshipStatus
	Milestones     []Milestone
	CreatedAt      time.Time
}

// AvailableToRelease возвращает сумму, доступную для высвобождения.
func (s *Scholarship) AvailableToRelease() decimal.Decimal {
	return s.RaisedAmount.Sub(s.ReleasedAmount)
}

// MilestoneStatus описывает статус обработки этапа стипендии.
type MilestoneStatus string

const (
	MilestoneStatusPending     MilestoneStatus = "PENDING"
	MilestoneStatusSubmitted   MilestoneStatus = "SUBMITTED"
	MilestoneStatusUnderReview MilestoneStatus = "UNDER_REVIEW"
	MilestoneStatusAccepted    MilestoneStatus = "ACCEPTED"
	MilestoneStatusRejected    MilestoneStatus = "REJECTED"
)

// Milestone описывает этап стипендии, высвобождаемый после проверки доказательств.
type Milestone struct {
	ID            string
	ScholarshipID string
	Title         string
	ShareAmount   decimal.Decimal
	TargetDate    time.Time
	Status        MilestoneStatus
	EvidenceRef   string
	// Verdict содержит эффективный вердикт по текущим доказательствам, nil до подачи.
	Verdict      *VerificationVerdict
	ReleaseTxRef string
	CreatedAt    time.Time
}

// Donation описывает пожертвование в пользу стипендии. Запись неизменяема.
type Donation struct {
	ID            string
	ScholarshipID string
	Amount        decimal.Decimal
	SourceRef     string
	CreatedAt     time.Time
}

// Decision описывает решение проверяющего оракула.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionReject  Decision = "REJECT"
)

// VerdictSource описывает источник вердикта: автоматический или ручное решение.
type VerdictSource string

const (
	SourceAutomated      VerdictSource = "AUTOMATED"
	SourceManualOverride VerdictSource = "MANUAL_OVERRIDE"
)

// ReasonTimeoutAwaitingVerifier добавляется к синтетическому вердикту при
// отсутствии ответа оракула в отведённый срок.
const ReasonTimeoutAwaitingVerifier = "TimeoutAwaitingVerifier"

// ReasonUnrecognizedVerdict добавляется, когда ответ оракула не удалось распознать.
const ReasonUnrecognizedVerdict = "UnrecognizedVerdict"

// VerificationVerdict описывает результат проверки доказательств этапа.
// Для одного этапа хранится история вердиктов; действует последний
// с учётом приоритета источника (ручное решение выше автоматического).
type VerificationVerdict struct {
	ID          string
	MilestoneID string
	// EvidenceRef фиксирует, для каких доказательств выдан вердикт: вердикт,
	// пришедший после повторной подачи, не влияет на новые доказательства.
	EvidenceRef string
	RiskScore   int
	Confidence  int
	Decision    Decision
	ReasonCodes []string
	Source      VerdictSource
	ReviewerRef string
	DecidedAt   time.Time
}

// SettlementStatus описывает состояние расчёта по этапу.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "PENDING"
	SettlementStatusConfirmed SettlementStatus = "CONFIRMED"
	SettlementStatusFailed    SettlementStatus = "FAILED"
)

// SettlementRecord описывает расчёт по принятому этапу. Ключ идемпотентности —
// идентификатор этапа: повторный запуск возвращает существующую запись.
type SettlementRecord struct {
	MilestoneID    string
	ScholarshipID  string
	GrossAmount    decimal.Decimal
	PlatformFee    decimal.Decimal
	ReservePoolFee decimal.Decimal
	NetToRecipient decimal.Decimal
	LedgerTxRef    string
	Status         SettlementStatus
	// IssuedAt заполняется после выпуска значка и донорских кредитов;
	// выпуск не влияет на подтверждённый перевод средств.
	IssuedAt    *time.Time
	ConfirmedAt *time.Time
	CreatedAt   time.Time
}
