package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/edugrant-system/internal/middleware"
	"github.com/mmeshcher/edugrant-system/internal/model"
	"github.com/mmeshcher/edugrant-system/internal/repository"
	"github.com/mmeshcher/edugrant-system/internal/service"
	"github.com/mmeshcher/edugrant-system/internal/verifier"
)

type stubService struct {
	scholarship *model.Scholarship
	milestone   *model.Milestone
	donation    *model.Donation
	settlements []model.SettlementRecord

	createErr   error
	donateErr   error
	evidenceErr error
	overrideErr error

	overrideReviewer string
}

func (s *stubService) AuthenticateReviewer(login, password string) error {
	if login == "reviewer" && password == "secret" {
		return nil
	}
	return service.ErrInvalidCredentials
}

func (s *stubService) CreateScholarship(ctx context.Context, recipientRef string, goal decimal.Decimal) (*model.Scholarship, error) {
	return s.scholarship, s.createErr
}

func (s *stubService) AddMilestone(ctx context.Context, scholarshipID, title string, share decimal.Decimal, targetDate time.Time) (*model.Milestone, error) {
	return s.milestone, s.createErr
}

func (s *stubService) ArchiveScholarship(ctx context.Context, id string) error {
	return s.createErr
}

func (s *stubService) SubmitDonation(ctx context.Context, scholarshipID, sourceRef string, amount decimal.Decimal) (*model.Donation, error) {
	return s.donation, s.donateErr
}

func (s *stubService) SubmitMilestoneEvidence(ctx context.Context, milestoneID, evidenceRef string) (*model.Milestone, error) {
	return s.milestone, s.evidenceErr
}

func (s *stubService) OverrideMilestoneVerdict(ctx context.Context, milestoneID string, decision model.Decision, reviewerRef string) (*model.Milestone, error) {
	s.overrideReviewer = reviewerRef
	return s.milestone, s.overrideErr
}

func (s *stubService) GetScholarshipState(ctx context.Context, id string) (*model.Scholarship, error) {
	return s.scholarship, s.createErr
}

func (s *stubService) GetSettlementHistory(ctx context.Context, scholarshipID string) ([]model.SettlementRecord, error) {
	return s.settlements, s.createErr
}

func newTestServer(t *testing.T, svc *stubService) (*httptest.Server, *middleware.AuthMiddleware) {
	t.Helper()
	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, zap.NewNop(), auth)
	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)
	return srv, auth
}

func reviewerCookie(auth *middleware.AuthMiddleware) *http.Cookie {
	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, "reviewer")
	return rec.Result().Cookies()[0]
}

func sampleMilestone() *model.Milestone {
	return &model.Milestone{
		ID:            "ms-1",
		ScholarshipID: "sch-1",
		Title:         "first semester",
		ShareAmount:   decimal.NewFromInt(400),
		TargetDate:    time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		Status:        model.MilestoneStatusUnderReview,
		EvidenceRef:   "doc://transcript",
		Verdict: &model.VerificationVerdict{
			Decision:   model.DecisionReview,
			Source:     model.SourceAutomated,
			RiskScore:  42,
			Confidence: 80,
			DecidedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReviewerLogin(t *testing.T) {
	srv, _ := newTestServer(t, &stubService{})

	resp, err := http.Post(srv.URL+"/api/reviewer/login", "application/json",
		strings.NewReader(`{"login":"reviewer","password":"secret"}`))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(resp.Cookies()) == 0 {
		t.Fatal("expected auth cookie to be set")
	}

	resp, err = http.Post(srv.URL+"/api/reviewer/login", "application/json",
		strings.NewReader(`{"login":"reviewer","password":"wrong"}`))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateScholarship(t *testing.T) {
	svc := &stubService{
		scholarship: &model.Scholarship{
			ID:           "sch-1",
			RecipientRef: "acct:student-1",
			GoalAmount:   decimal.NewFromInt(1000),
			Status:       model.ScholarshipStatusActive,
			CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	srv, _ := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/scholarships", "application/json",
		strings.NewReader(`{"recipient_ref":"acct:student-1","goal_amount":"1000"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var got scholarshipResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "sch-1" {
		t.Fatalf("id = %q, want sch-1", got.ID)
	}
}

func TestCreateScholarshipValidation(t *testing.T) {
	svc := &stubService{createErr: service.ErrInvalidReference}
	srv, _ := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/scholarships", "application/json",
		strings.NewReader(`{"recipient_ref":"","goal_amount":"1000"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestSubmitDonationErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", repository.ErrScholarshipNotFound, http.StatusNotFound},
		{"archived", repository.ErrScholarshipClosed, http.StatusConflict},
		{"over goal", repository.ErrGoalOverflow, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubService{donateErr: tt.err})

			resp, err := http.Post(srv.URL+"/api/scholarships/sch-1/donations", "application/json",
				strings.NewReader(`{"source_ref":"acct:donor-1","amount":"50"}`))
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSubmitEvidenceErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"milestone missing", repository.ErrMilestoneNotFound, http.StatusNotFound},
		{"already accepted", service.ErrMilestoneAccepted, http.StatusConflict},
		{"review in flight", verifier.ErrReviewInFlight, http.StatusConflict},
		{"no funds", repository.ErrInsufficientFunds, http.StatusPaymentRequired},
		{"bad evidence ref", service.ErrInvalidReference, http.StatusUnprocessableEntity},
		{"no verifier", service.ErrVerifierUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubService{evidenceErr: tt.err})

			resp, err := http.Post(srv.URL+"/api/milestones/ms-1/evidence", "application/json",
				strings.NewReader(`{"evidence_ref":"doc://transcript"}`))
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestOverrideRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubService{milestone: sampleMilestone()})

	resp, err := http.Post(srv.URL+"/api/milestones/ms-1/override", "application/json",
		strings.NewReader(`{"decision":"APPROVE"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestOverrideVerdict(t *testing.T) {
	svc := &stubService{milestone: sampleMilestone()}
	srv, auth := newTestServer(t, svc)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/milestones/ms-1/override",
		strings.NewReader(`{"decision":"APPROVE"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(reviewerCookie(auth))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if svc.overrideReviewer != "reviewer" {
		t.Fatalf("reviewerRef = %q, want %q", svc.overrideReviewer, "reviewer")
	}
}

func TestOverrideUnknownDecision(t *testing.T) {
	srv, auth := newTestServer(t, &stubService{milestone: sampleMilestone()})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/milestones/ms-1/override",
		strings.NewReader(`{"decision":"MAYBE"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(reviewerCookie(auth))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestGetScholarshipMasksRiskScores(t *testing.T) {
	svc := &stubService{
		scholarship: &model.Scholarship{
			ID:           "sch-1",
			RecipientRef: "acct:student-1",
			GoalAmount:   decimal.NewFromInt(1000),
			Status:       model.ScholarshipStatusActive,
			Milestones:   []model.Milestone{*sampleMilestone()},
			CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	srv, auth := newTestServer(t, svc)

	// Анонимный клиент не видит оценок оракула.
	resp, err := http.Get(srv.URL + "/api/scholarships/sch-1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var anon scholarshipResponse
	if err := json.NewDecoder(resp.Body).Decode(&anon); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(anon.Milestones) != 1 || anon.Milestones[0].Verdict == nil {
		t.Fatalf("unexpected milestones: %+v", anon.Milestones)
	}
	if anon.Milestones[0].Verdict.RiskScore != nil {
		t.Fatal("risk score must be hidden from anonymous clients")
	}

	// Проверяющий видит полный вердикт.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/scholarships/sch-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(reviewerCookie(auth))

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var full scholarshipResponse
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if full.Milestones[0].Verdict.RiskScore == nil || *full.Milestones[0].Verdict.RiskScore != 42 {
		t.Fatalf("risk score = %v, want 42", full.Milestones[0].Verdict.RiskScore)
	}
}

func TestGetSettlementsEmpty(t *testing.T) {
	srv, _ := newTestServer(t, &stubService{})

	resp, err := http.Get(srv.URL + "/api/scholarships/sch-1/settlements")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}
