package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/edugrant-system/internal/fees"
	"github.com/mmeshcher/edugrant-system/internal/model"
	"github.com/mmeshcher/edugrant-system/internal/repository"
)

// fakeLedger дедуплицирует выпуск активов по ключу идемпотентности,
// как это делает настоящий леджер.
type fakeLedger struct {
	mu sync.Mutex

	submitCalls   int
	confirmCalls  int
	submitAmounts []decimal.Decimal
	badges        []string
	credits       map[string]decimal.Decimal
	issuedKeys    map[string]int

	submitErr     error
	confirmErr    error
	badgeErr      error
	failCreditRef string
	failSubmits   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		credits:    make(map[string]decimal.Decimal),
		issuedKeys: make(map[string]int),
	}
}

func (f *fakeLedger) SubmitTransfer(ctx context.Context, recipientRef string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil && f.submitCalls <= f.failSubmits {
		return "", f.submitErr
	}
	if f.submitErr != nil && f.failSubmits == 0 {
		return "", f.submitErr
	}
	f.submitAmounts = append(f.submitAmounts, amount)
	return "handle-" + idempotencyKey, nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, handle string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	return "tx-" + handle, nil
}

func (f *fakeLedger) IssueBadge(ctx context.Context, recipientRef, milestoneID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badgeErr != nil {
		return "", f.badgeErr
	}
	key := "badge:" + milestoneID
	f.issuedKeys[key]++
	if f.issuedKeys[key] == 1 {
		f.badges = append(f.badges, milestoneID)
	}
	return "badge-" + milestoneID, nil
}

func (f *fakeLedger) IssueCredit(ctx context.Context, recipientRef string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreditRef != "" && f.failCreditRef == recipientRef {
		return "", errors.New("credit mint unavailable")
	}
	key := "credit:" + idempotencyKey
	f.issuedKeys[key]++
	if f.issuedKeys[key] == 1 {
		f.credits[recipientRef] = f.credits[recipientRef].Add(amount)
	}
	return "credit-" + idempotencyKey, nil
}

func seedScholarship(t *testing.T, repo *repository.MemoryRepository, raised decimal.Decimal) (*model.Scholarship, *model.Milestone) {
	t.Helper()
	ctx := context.Background()

	s := &model.Scholarship{
		ID:           "sch-1",
		RecipientRef: "acct:student-1",
		GoalAmount:   decimal.NewFromInt(1000),
		Status:       model.ScholarshipStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.CreateScholarship(ctx, s); err != nil {
		t.Fatalf("create scholarship: %v", err)
	}

	m := &model.Milestone{
		ID:            "ms-1",
		ScholarshipID: s.ID,
		Title:         "first semester",
		ShareAmount:   decimal.NewFromInt(400),
		TargetDate:    time.Now().UTC().Add(30 * 24 * time.Hour),
		Status:        model.MilestoneStatusUnderReview,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.AddMilestone(ctx, m); err != nil {
		t.Fatalf("add milestone: %v", err)
	}

	if raised.GreaterThan(decimal.Zero) {
		d := &model.Donation{
			ID:            "don-1",
			ScholarshipID: s.ID,
			SourceRef:     "acct:donor-1",
			Amount:        raised,
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.RecordDonation(ctx, d); err != nil {
			t.Fatalf("record donation: %v", err)
		}
	}

	return s, m
}

func testBreakdown(t *testing.T, gross decimal.Decimal) fees.Breakdown {
	t.Helper()
	b, err := fees.Compute(gross, fees.NewPolicy(0.05, 0.02, 0))
	if err != nil {
		t.Fatalf("compute breakdown: %v", err)
	}
	return b
}

func newTestExecutor(repo *repository.MemoryRepository, ledger Ledger, attempts int) *Executor {
	e := NewExecutor(repo, ledger, zap.NewNop(), attempts)
	e.retryBase = time.Millisecond
	e.confirmTimeout = time.Second
	return e
}

func TestExecutor_Release(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	_, m := seedScholarship(t, repo, decimal.NewFromInt(500))

	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	rec, err := exec.Release(context.Background(), m, "acct:student-1", b)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.Status != model.SettlementStatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", rec.Status)
	}
	if rec.LedgerTxRef == "" {
		t.Fatal("expected ledger tx ref to be set")
	}
	if ledger.submitCalls != 1 {
		t.Fatalf("submitCalls = %d, want 1", ledger.submitCalls)
	}

	// Средства списаны из доступных: выпуск увеличил released и снял резерв.
	funded, released, reserved, err := repo.FundingTotals(context.Background(), m.ScholarshipID)
	if err != nil {
		t.Fatalf("funding totals: %v", err)
	}
	if !funded.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("funded = %s, want 500", funded)
	}
	if !released.Equal(m.ShareAmount) {
		t.Fatalf("released = %s, want %s", released, m.ShareAmount)
	}
	if !reserved.Equal(decimal.Zero) {
		t.Fatalf("reserved = %s, want 0", reserved)
	}
}

func TestExecutor_ReleaseIdempotent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	_, m := seedScholarship(t, repo, decimal.NewFromInt(500))

	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	first, err := exec.Release(context.Background(), m, "acct:student-1", b)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}

	second, err := exec.Release(context.Background(), m, "acct:student-1", b)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}

	if second.LedgerTxRef != first.LedgerTxRef {
		t.Fatalf("tx ref changed on repeat: %s != %s", second.LedgerTxRef, first.LedgerTxRef)
	}
	if ledger.submitCalls != 1 {
		t.Fatalf("submitCalls = %d, want 1 (no second transfer)", ledger.submitCalls)
	}
}

func TestExecutor_ReleaseInsufficientFunds(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	_, m := seedScholarship(t, repo, decimal.NewFromInt(100))

	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	_, err := exec.Release(context.Background(), m, "acct:student-1", b)
	if !errors.Is(err, repository.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if ledger.submitCalls != 0 {
		t.Fatal("transfer must not be attempted without reserved funds")
	}
}

func TestExecutor_ReleaseRetriesTransfer(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	ledger.submitErr = errors.New("ledger unavailable")
	ledger.failSubmits = 2
	_, m := seedScholarship(t, repo, decimal.NewFromInt(500))

	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	rec, err := exec.Release(context.Background(), m, "acct:student-1", b)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.Status != model.SettlementStatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", rec.Status)
	}
	if ledger.submitCalls != 3 {
		t.Fatalf("submitCalls = %d, want 3", ledger.submitCalls)
	}
}

func TestExecutor_ReleaseFailsAfterRetries(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	ledger.submitErr = errors.New("ledger unavailable")
	_, m := seedScholarship(t, repo, decimal.NewFromInt(500))

	exec := newTestExecutor(repo, ledger, 2)
	b := testBreakdown(t, m.ShareAmount)

	_, err := exec.Release(context.Background(), m, "acct:student-1", b)
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if ledger.submitCalls != 2 {
		t.Fatalf("submitCalls = %d, want 2", ledger.submitCalls)
	}

	// Резерв снят, этап можно принять повторно.
	_, _, reserved, err := repo.FundingTotals(context.Background(), m.ScholarshipID)
	if err != nil {
		t.Fatalf("funding totals: %v", err)
	}
	if !reserved.Equal(decimal.Zero) {
		t.Fatalf("reserved = %s, want 0 after failed settlement", reserved)
	}

	rec, err := repo.GetSettlement(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if rec.Status != model.SettlementStatusFailed {
		t.Fatalf("status = %s, want FAILED", rec.Status)
	}

	// После восстановления леджера повторный запуск завершается успешно.
	ledger.submitErr = nil
	rec, err = exec.Release(context.Background(), m, "acct:student-1", b)
	if err != nil {
		t.Fatalf("release after recovery: %v", err)
	}
	if rec.Status != model.SettlementStatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", rec.Status)
	}
}

func TestExecutor_IssuesCreditsProportionally(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	ctx := context.Background()

	s, m := seedScholarship(t, repo, decimal.NewFromInt(300))
	second := &model.Donation{
		ID:            "don-2",
		ScholarshipID: s.ID,
		SourceRef:     "acct:donor-2",
		Amount:        decimal.NewFromInt(100),
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.RecordDonation(ctx, second); err != nil {
		t.Fatalf("record donation: %v", err)
	}

	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	if _, err := exec.Release(ctx, m, s.RecipientRef, b); err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(ledger.badges) != 1 || ledger.badges[0] != m.ID {
		t.Fatalf("badges = %v, want [%s]", ledger.badges, m.ID)
	}

	// 400 валовых при долях 300/100 дают кредиты 300 и 100.
	if got := ledger.credits["acct:donor-1"]; !got.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("donor-1 credit = %s, want 300", got)
	}
	if got := ledger.credits["acct:donor-2"]; !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("donor-2 credit = %s, want 100", got)
	}
}

func TestExecutor_ResumedSettlementKeepsReservedAmount(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	ctx := context.Background()

	_, m := seedScholarship(t, repo, decimal.NewFromInt(500))

	// Расчёт был зарезервирован, но перевод не завершился до перезапуска.
	stale := testBreakdown(t, m.ShareAmount)
	if err := repo.ReserveSettlement(ctx, &model.SettlementRecord{
		MilestoneID:    m.ID,
		ScholarshipID:  m.ScholarshipID,
		GrossAmount:    stale.GrossAmount,
		PlatformFee:    stale.PlatformFee,
		ReservePoolFee: stale.ReservePoolFee,
		NetToRecipient: stale.NetToRecipient,
		Status:         model.SettlementStatusPending,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("reserve settlement: %v", err)
	}

	// К моменту возобновления комиссии изменились.
	fresh, err := fees.Compute(m.ShareAmount, fees.NewPolicy(0.10, 0.02, 0))
	if err != nil {
		t.Fatalf("compute breakdown: %v", err)
	}
	if fresh.NetToRecipient.Equal(stale.NetToRecipient) {
		t.Fatal("test requires a changed fee policy")
	}

	exec := newTestExecutor(repo, ledger, 3)
	rec, err := exec.Release(ctx, m, "acct:student-1", fresh)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	// Переводится сумма из сохранённой записи, а не из нового расчёта.
	if !rec.NetToRecipient.Equal(stale.NetToRecipient) {
		t.Fatalf("net = %s, want %s from the reserved record", rec.NetToRecipient, stale.NetToRecipient)
	}
	if len(ledger.submitAmounts) != 1 || !ledger.submitAmounts[0].Equal(stale.NetToRecipient) {
		t.Fatalf("transferred = %v, want [%s]", ledger.submitAmounts, stale.NetToRecipient)
	}
}

func TestExecutor_IssuanceRetryDoesNotDuplicateAssets(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	ctx := context.Background()

	s, m := seedScholarship(t, repo, decimal.NewFromInt(300))
	second := &model.Donation{
		ID:            "don-2",
		ScholarshipID: s.ID,
		SourceRef:     "acct:donor-2",
		Amount:        decimal.NewFromInt(100),
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.RecordDonation(ctx, second); err != nil {
		t.Fatalf("record donation: %v", err)
	}

	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	// Значок и кредит первому донору выпускаются, кредит второму падает.
	ledger.failCreditRef = "acct:donor-2"
	if _, err := exec.Release(ctx, m, s.RecipientRef, b); err != nil {
		t.Fatalf("release: %v", err)
	}

	pending, err := repo.ListSettlementsAwaitingIssuance(ctx, 10)
	if err != nil {
		t.Fatalf("list awaiting issuance: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("awaiting issuance = %d, want 1", len(pending))
	}

	ledger.failCreditRef = ""
	exec.IssuePending(ctx, 10)

	// Повтор шёл с теми же ключами, поэтому уже выпущенные активы не задвоились.
	if got := ledger.issuedKeys["badge:"+m.ID]; got != 2 {
		t.Fatalf("badge requests = %d, want 2 (retry reuses the key)", got)
	}
	if len(ledger.badges) != 1 {
		t.Fatalf("badges minted = %d, want 1", len(ledger.badges))
	}
	if got := ledger.credits["acct:donor-1"]; !got.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("donor-1 credit = %s, want 300", got)
	}
	if got := ledger.credits["acct:donor-2"]; !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("donor-2 credit = %s, want 100", got)
	}

	pending, err = repo.ListSettlementsAwaitingIssuance(ctx, 10)
	if err != nil {
		t.Fatalf("list awaiting issuance: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("awaiting issuance = %d, want 0 after retry", len(pending))
	}
}

func TestExecutor_IssuePendingRetries(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ledger := newFakeLedger()
	ledger.badgeErr = errors.New("mint unavailable")
	ctx := context.Background()

	s, m := seedScholarship(t, repo, decimal.NewFromInt(500))
	exec := newTestExecutor(repo, ledger, 3)
	b := testBreakdown(t, m.ShareAmount)

	// Перевод проходит, выпуск активов падает и остаётся в очереди.
	if _, err := exec.Release(ctx, m, s.RecipientRef, b); err != nil {
		t.Fatalf("release: %v", err)
	}

	pending, err := repo.ListSettlementsAwaitingIssuance(ctx, 10)
	if err != nil {
		t.Fatalf("list awaiting issuance: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("awaiting issuance = %d, want 1", len(pending))
	}

	ledger.badgeErr = nil
	exec.IssuePending(ctx, 10)

	pending, err = repo.ListSettlementsAwaitingIssuance(ctx, 10)
	if err != nil {
		t.Fatalf("list awaiting issuance: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("awaiting issuance = %d, want 0 after retry", len(pending))
	}
	if len(ledger.badges) != 1 {
		t.Fatalf("badges = %d, want 1", len(ledger.badges))
	}
}
