package verifier

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/edugrant-system/internal/model"
)

// ErrReviewInFlight возвращается при повторной подаче тех же доказательств,
// пока предыдущая заявка ещё не разрешилась.
var ErrReviewInFlight = errors.New("review already in flight for this evidence")

// VerdictStore описывает контракт записи истории вердиктов.
type VerdictStore interface {
	AppendVerdict(ctx context.Context, verdict *model.VerificationVerdict) error
}

// Gateway нормализует ответы оракула в канонический вердикт и ведёт историю.
// Статус этапа шлюз не меняет — это ответственность машины состояний.
type Gateway struct {
	client  *Client
	store   VerdictStore
	timeout time.Duration
	logger  *zap.Logger

	// inflight хранит ключи milestoneID+evidenceRef заявок, ожидающих ответа
	// оракула, чтобы одна подача доказательств порождала не более одного
	// обращения к оракулу.
	inflight sync.Map

	pollInterval time.Duration
}

// NewGateway создаёт шлюз проверки с указанным клиентом оракула и хранилищем вердиктов.
func NewGateway(client *Client, store VerdictStore, timeout time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		client:       client,
		store:        store,
		timeout:      timeout,
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
	}
}

// SubmitEvidence отправляет доказательства оракулу и возвращает нормализованный
// вердикт. Вызов может приостанавливаться до ответа оракула, но не дольше
// настроенного таймаута: по его истечении возвращается синтетический вердикт
// Review с кодом TimeoutAwaitingVerifier — без молчаливого принятия.
func (g *Gateway) SubmitEvidence(ctx context.Context, milestoneID, evidenceRef string) (*model.VerificationVerdict, error) {
	key := milestoneID + "|" + evidenceRef
	if _, loaded := g.inflight.LoadOrStore(key, struct{}{}); loaded {
		return nil, ErrReviewInFlight
	}
	defer g.inflight.Delete(key)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	verdict := g.awaitOracle(ctx, milestoneID, evidenceRef)

	// История пишется с неотменяемым контекстом: вердикт уже получен,
	// истечение таймаута ожидания оракула не должно его терять.
	if err := g.store.AppendVerdict(context.WithoutCancel(ctx), verdict); err != nil {
		return nil, err
	}

	return verdict, nil
}

func (g *Gateway) awaitOracle(ctx context.Context, milestoneID, evidenceRef string) *model.VerificationVerdict {
	result, statusCode, err := g.client.SubmitForReview(ctx, milestoneID, evidenceRef)
	if err != nil {
		g.logger.Warn("verifier submit failed",
			zap.Error(err),
			zap.String("milestoneID", milestoneID))
		return g.timeoutVerdict(milestoneID, evidenceRef)
	}

	if statusCode == http.StatusOK {
		return g.normalize(milestoneID, evidenceRef, result)
	}

	// Заявка принята в обработку: опрашиваем до готовности или таймаута.
	reviewID := result.ReviewID
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.timeoutVerdict(milestoneID, evidenceRef)
		case <-ticker.C:
		}

		result, statusCode, retryAfter, err := g.client.GetReview(ctx, reviewID)
		if err != nil {
			if ctx.Err() != nil {
				return g.timeoutVerdict(milestoneID, evidenceRef)
			}
			g.logger.Warn("verifier poll failed",
				zap.Error(err),
				zap.String("reviewID", reviewID))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return g.timeoutVerdict(milestoneID, evidenceRef)
				case <-timer.C:
				}
			}
			continue
		}

		if statusCode == http.StatusAccepted {
			continue
		}

		return g.normalize(milestoneID, evidenceRef, result)
	}
}

// ApplyOverride записывает ручной вердикт проверяющего. Ручное решение имеет
// приоритет над любым автоматическим вердиктом независимо от порядка времени.
func (g *Gateway) ApplyOverride(ctx context.Context, milestoneID, evidenceRef string, decision model.Decision, reviewerRef string) (*model.VerificationVerdict, error) {
	switch decision {
	case model.DecisionApprove, model.DecisionReview, model.DecisionReject:
	default:
		return nil, errors.New("unknown override decision")
	}

	verdict := &model.VerificationVerdict{
		ID:          uuid.NewString(),
		MilestoneID: milestoneID,
		EvidenceRef: evidenceRef,
		Decision:    decision,
		Source:      model.SourceManualOverride,
		ReviewerRef: reviewerRef,
		DecidedAt:   time.Now().UTC(),
	}

	if err := g.store.AppendVerdict(ctx, verdict); err != nil {
		return nil, err
	}

	return verdict, nil
}

// normalize приводит ответ оракула к каноническому вердикту. Нераспознанный
// ответ трактуется как Review, но никогда как Approve.
func (g *Gateway) normalize(milestoneID, evidenceRef string, result *ReviewResult) *model.VerificationVerdict {
	verdict := &model.VerificationVerdict{
		ID:          uuid.NewString(),
		MilestoneID: milestoneID,
		EvidenceRef: evidenceRef,
		RiskScore:   clampScore(result.RiskScore),
		Confidence:  clampScore(result.Confidence),
		ReasonCodes: result.ReasonCodes,
		Source:      model.SourceAutomated,
		DecidedAt:   time.Now().UTC(),
	}

	switch result.Status {
	case "APPROVED", "APPROVE":
		verdict.Decision = model.DecisionApprove
	case "REJECTED", "REJECT":
		verdict.Decision = model.DecisionReject
	case "NEEDS_REVIEW", "REVIEW":
		verdict.Decision = model.DecisionReview
	default:
		verdict.Decision = model.DecisionReview
		verdict.ReasonCodes = append(verdict.ReasonCodes, model.ReasonUnrecognizedVerdict)
	}

	return verdict
}

func (g *Gateway) timeoutVerdict(milestoneID, evidenceRef string) *model.VerificationVerdict {
	return &model.VerificationVerdict{
		ID:          uuid.NewString(),
		MilestoneID: milestoneID,
		EvidenceRef: evidenceRef,
		Decision:    model.DecisionReview,
		ReasonCodes: []string{model.ReasonTimeoutAwaitingVerifier},
		Source:      model.SourceAutomated,
		DecidedAt:   time.Now().UTC(),
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
