package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/edugrant-system/internal/model"
)

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

type verdictResponse struct {
	Decision    string   `json:"decision"`
	Source      string   `json:"source"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
	ReviewerRef string   `json:"reviewer_ref,omitempty"`
	DecidedAt   string   `json:"decided_at"`
	// Оценки оракула раскрываются только проверяющему.
	RiskScore  *int `json:"risk_score,omitempty"`
	Confidence *int `json:"confidence,omitempty"`
}

type milestoneResponse struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	ShareAmount  decimal.Decimal  `json:"share_amount"`
	TargetDate   string           `json:"target_date"`
	Status       string           `json:"status"`
	EvidenceRef  string           `json:"evidence_ref,omitempty"`
	ReleaseTxRef string           `json:"release_tx_ref,omitempty"`
	Verdict      *verdictResponse `json:"verdict,omitempty"`
}

type scholarshipResponse struct {
	ID             string              `json:"id"`
	RecipientRef   string              `json:"recipient_ref"`
	GoalAmount     decimal.Decimal     `json:"goal_amount"`
	RaisedAmount   decimal.Decimal     `json:"raised_amount"`
	ReleasedAmount decimal.Decimal     `json:"released_amount"`
	Available      decimal.Decimal     `json:"available"`
	Status         string              `json:"status"`
	CreatedAt      string              `json:"created_at"`
	Milestones     []milestoneResponse `json:"milestones,omitempty"`
}

type donationResponse struct {
	ID        string          `json:"id"`
	SourceRef string          `json:"source_ref"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt string          `json:"created_at"`
}

type settlementResponse struct {
	MilestoneID    string          `json:"milestone_id"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	ReservePoolFee decimal.Decimal `json:"reserve_pool_fee"`
	NetToRecipient decimal.Decimal `json:"net_to_recipient"`
	LedgerTxRef    string          `json:"ledger_tx_ref,omitempty"`
	Status         string          `json:"status"`
	ConfirmedAt    string          `json:"confirmed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

func verdictToResponse(v *model.VerificationVerdict, reviewer bool) *verdictResponse {
	if v == nil {
		return nil
	}

	resp := &verdictResponse{
		Decision:    string(v.Decision),
		Source:      string(v.Source),
		ReasonCodes: v.ReasonCodes,
		ReviewerRef: v.ReviewerRef,
		DecidedAt:   v.DecidedAt.Format(time.RFC3339),
	}
	if reviewer {
		risk := v.RiskScore
		confidence := v.Confidence
		resp.RiskScore = &risk
		resp.Confidence = &confidence
	}
	return resp
}

func milestoneToResponse(m *model.Milestone, reviewer bool) milestoneResponse {
	return milestoneResponse{
		ID:           m.ID,
		Title:        m.Title,
		ShareAmount:  m.ShareAmount,
		TargetDate:   m.TargetDate.Format(time.RFC3339),
		Status:       string(m.Status),
		EvidenceRef:  m.EvidenceRef,
		ReleaseTxRef: m.ReleaseTxRef,
		Verdict:      verdictToResponse(m.Verdict, reviewer),
	}
}

func scholarshipToResponse(s *model.Scholarship, reviewer bool) scholarshipResponse {
	resp := scholarshipResponse{
		ID:             s.ID,
		RecipientRef:   s.RecipientRef,
		GoalAmount:     s.GoalAmount,
		RaisedAmount:   s.RaisedAmount,
		ReleasedAmount: s.ReleasedAmount,
		Available:      s.AvailableToRelease(),
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
	}
	for i := range s.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneToResponse(&s.Milestones[i], reviewer))
	}
	return resp
}

func settlementToResponse(rec *model.SettlementRecord) settlementResponse {
	resp := settlementResponse{
		MilestoneID:    rec.MilestoneID,
		GrossAmount:    rec.GrossAmount,
		PlatformFee:    rec.PlatformFee,
		ReservePoolFee: rec.ReservePoolFee,
		NetToRecipient: rec.NetToRecipient,
		LedgerTxRef:    rec.LedgerTxRef,
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ConfirmedAt != nil {
		resp.ConfirmedAt = rec.ConfirmedAt.Format(time.RFC3339)
	}
	return resp
}
