// Package handler содержит HTTP-обработчики API сервиса стипендий.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/edugrant-system/internal/middleware"
	"github.com/mmeshcher/edugrant-system/internal/model"
	"github.com/mmeshcher/edugrant-system/internal/repository"
	"github.com/mmeshcher/edugrant-system/internal/service"
	"github.com/mmeshcher/edugrant-system/internal/settlement"
	"github.com/mmeshcher/edugrant-system/internal/verifier"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AuthenticateReviewer(login, password string) error
	CreateScholarship(ctx context.Context, recipientRef string, goal decimal.Decimal) (*model.Scholarship, error)
	AddMilestone(ctx context.Context, scholarshipID, title string, share decimal.Decimal, targetDate time.Time) (*model.Milestone, error)
	ArchiveScholarship(ctx context.Context, id string) error
	SubmitDonation(ctx context.Context, scholarshipID, sourceRef string, amount decimal.Decimal) (*model.Donation, error)
	SubmitMilestoneEvidence(ctx context.Context, milestoneID, evidenceRef string) (*model.Milestone, error)
	OverrideMilestoneVerdict(ctx context.Context, milestoneID string, decision model.Decision, reviewerRef string) (*model.Milestone, error)
	GetScholarshipState(ctx context.Context, id string) (*model.Scholarship, error)
	GetSettlementHistory(ctx context.Context, scholarshipID string) ([]model.SettlementRecord, error)
}

// Handler реализует HTTP-обработчики API сервиса стипендий.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// ReviewerLogin выполняет аутентификацию проверяющего и установку cookie.
func (h *Handler) ReviewerLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AuthenticateReviewer(req.Login, req.Password); err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Login)
	w.WriteHeader(http.StatusOK)
}

type createScholarshipRequest struct {
	RecipientRef string          `json:"recipient_ref"`
	GoalAmount   decimal.Decimal `json:"goal_amount"`
}

// CreateScholarship создаёт новую стипендиальную программу.
func (h *Handler) CreateScholarship(w http.ResponseWriter, r *http.Request) {
	var req createScholarshipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sch, err := h.service.CreateScholarship(r.Context(), req.RecipientRef, req.GoalAmount)
	if err != nil {
		if errors.Is(err, service.ErrInvalidReference) || errors.Is(err, service.ErrInvalidAmount) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create scholarship error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(scholarshipToResponse(sch, false)); err != nil {
		h.logger.Error("encode scholarship error", zap.Error(err))
	}
}

type addMilestoneRequest struct {
	Title       string          `json:"title"`
	ShareAmount decimal.Decimal `json:"share_amount"`
	TargetDate  time.Time       `json:"target_date"`
}

// AddMilestone добавляет этап в стипендиальную программу.
func (h *Handler) AddMilestone(w http.ResponseWriter, r *http.Request) {
	scholarshipID := pathParam(r, "scholarshipID")

	var req addMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.AddMilestone(r.Context(), scholarshipID, req.Title, req.ShareAmount, req.TargetDate)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrScholarshipNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrGoalExceeded),
			errors.Is(err, service.ErrInvalidReference),
			errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("add milestone error", zap.Error(err), zap.String("scholarshipID", scholarshipID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(milestoneToResponse(m, false)); err != nil {
		h.logger.Error("encode milestone error", zap.Error(err))
	}
}

// ArchiveScholarship закрывает программу для новых пожертвований.
func (h *Handler) ArchiveScholarship(w http.ResponseWriter, r *http.Request) {
	scholarshipID := pathParam(r, "scholarshipID")

	if err := h.service.ArchiveScholarship(r.Context(), scholarshipID); err != nil {
		if errors.Is(err, repository.ErrScholarshipNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("archive scholarship error", zap.Error(err), zap.String("scholarshipID", scholarshipID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type donationRequest struct {
	SourceRef string          `json:"source_ref"`
	Amount    decimal.Decimal `json:"amount"`
}

// SubmitDonation записывает пожертвование в пользу стипендии.
func (h *Handler) SubmitDonation(w http.ResponseWriter, r *http.Request) {
	scholarshipID := pathParam(r, "scholarshipID")

	var req donationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.SubmitDonation(r.Context(), scholarshipID, req.SourceRef, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrScholarshipNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrScholarshipClosed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrGoalOverflow),
			errors.Is(err, service.ErrInvalidReference),
			errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("donation error", zap.Error(err), zap.String("scholarshipID", scholarshipID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := donationResponse{
		ID:        d.ID,
		SourceRef: d.SourceRef,
		Amount:    d.Amount,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode donation error", zap.Error(err))
	}
}

type evidenceRequest struct {
	EvidenceRef string `json:"evidence_ref"`
}

// SubmitEvidence подаёт доказательства выполнения этапа на проверку. Ответ
// может задерживаться до вердикта оракула или истечения таймаута ожидания.
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	milestoneID := pathParam(r, "milestoneID")

	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.SubmitMilestoneEvidence(r.Context(), milestoneID, req.EvidenceRef)
	if err != nil {
		h.writeMilestoneError(w, err, milestoneID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(milestoneToResponse(m, h.isReviewer(r))); err != nil {
		h.logger.Error("encode milestone error", zap.Error(err))
	}
}

type overrideRequest struct {
	Decision string `json:"decision"`
}

// OverrideVerdict фиксирует ручное решение проверяющего по этапу.
func (h *Handler) OverrideVerdict(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := middleware.GetReviewerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	milestoneID := pathParam(r, "milestoneID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	decision := model.Decision(req.Decision)
	switch decision {
	case model.DecisionApprove, model.DecisionReview, model.DecisionReject:
	default:
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	m, err := h.service.OverrideMilestoneVerdict(r.Context(), milestoneID, decision, reviewer)
	if err != nil {
		h.writeMilestoneError(w, err, milestoneID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(milestoneToResponse(m, true)); err != nil {
		h.logger.Error("encode milestone error", zap.Error(err))
	}
}

// GetScholarship возвращает состояние программы с этапами и вердиктами.
// Оценки риска в вердиктах видны только аутентифицированному проверяющему.
func (h *Handler) GetScholarship(w http.ResponseWriter, r *http.Request) {
	scholarshipID := pathParam(r, "scholarshipID")

	sch, err := h.service.GetScholarshipState(r.Context(), scholarshipID)
	if err != nil {
		if errors.Is(err, repository.ErrScholarshipNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get scholarship error", zap.Error(err), zap.String("scholarshipID", scholarshipID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(scholarshipToResponse(sch, h.isReviewer(r))); err != nil {
		h.logger.Error("encode scholarship error", zap.Error(err))
	}
}

// GetSettlements возвращает историю расчётов по этапам программы.
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	scholarshipID := pathParam(r, "scholarshipID")

	recs, err := h.service.GetSettlementHistory(r.Context(), scholarshipID)
	if err != nil {
		if errors.Is(err, repository.ErrScholarshipNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get settlements error", zap.Error(err), zap.String("scholarshipID", scholarshipID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(recs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]settlementResponse, 0, len(recs))
	for i := range recs {
		resp = append(resp, settlementToResponse(&recs[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode settlements error", zap.Error(err))
	}
}

// writeMilestoneError отображает ошибки операций над этапом в HTTP-статусы.
func (h *Handler) writeMilestoneError(w http.ResponseWriter, err error, milestoneID string) {
	switch {
	case errors.Is(err, repository.ErrMilestoneNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidReference):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrMilestoneAccepted),
		errors.Is(err, service.ErrEvidenceNotSubmitted),
		errors.Is(err, service.ErrConcurrentModification),
		errors.Is(err, verifier.ErrReviewInFlight):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrInsufficientFunds):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, settlement.ErrSettlementFailed):
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	case errors.Is(err, service.ErrVerifierUnavailable), errors.Is(err, service.ErrLedgerUnavailable):
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error("milestone operation error", zap.Error(err), zap.String("milestoneID", milestoneID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) isReviewer(r *http.Request) bool {
	if _, ok := middleware.GetReviewerFromContext(r.Context()); ok {
		return true
	}
	_, ok := h.authMiddleware.ReviewerFromRequest(r)
	return ok
}
