// Package repository содержит реализации хранилища данных сервиса стипендий.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/edugrant-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrScholarshipNotFound возвращается, если стипендия не найдена.
var (
	ErrScholarshipNotFound = errors.New("scholarship not found")
	// ErrMilestoneNotFound возвращается, если этап не найден.
	ErrMilestoneNotFound = errors.New("milestone not found")
	// ErrScholarshipClosed возвращается при операции над архивированной стипендией.
	ErrScholarshipClosed = errors.New("scholarship is archived")
	// ErrScholarshipExists возвращается при попытке создать стипендию с занятым идентификатором.
	ErrScholarshipExists = errors.New("scholarship already exists")
	// ErrInsufficientFunds возвращается, когда собранных средств не хватает
	// для высвобождения доли этапа.
	ErrInsufficientFunds = errors.New("insufficient funds to release milestone share")
	// ErrGoalExceeded возвращается, когда сумма долей этапов превышает цель сбора.
	ErrGoalExceeded = errors.New("milestone shares exceed scholarship goal")
	// ErrGoalOverflow возвращается, когда пожертвование превысило бы цель сбора.
	ErrGoalOverflow = errors.New("donation exceeds scholarship goal")
	// ErrSettlementNotFound возвращается, если расчёт по этапу не найден.
	ErrSettlementNotFound = errors.New("settlement not found")
	// ErrSettlementInFlight возвращается при попытке начать второй расчёт,
	// пока первый не подтверждён и не отменён.
	ErrSettlementInFlight = errors.New("settlement already in flight")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateScholarship создаёт новую стипендию.
func (r *PostgresRepository) CreateScholarship(ctx context.Context, s *model.Scholarship) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO scholarships (id, recipient_ref, goal_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.RecipientRef, s.GoalAmount, string(s.Status), s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrScholarshipExists, s.ID)
		}
		return fmt.Errorf("create scholarship: %w", err)
	}
	return nil
}

// GetScholarship возвращает стипендию с этапами, упорядоченными по целевой дате.
func (r *PostgresRepository) GetScholarship(ctx context.Context, id string) (*model.Scholarship, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, recipient_ref, goal_amount, raised_amount, released_amount, status, created_at
		 FROM scholarships WHERE id = $1`,
		id,
	)

	var s model.Scholarship
	var status string
	err := row.Scan(&s.ID, &s.RecipientRef, &s.GoalAmount, &s.RaisedAmount, &s.ReleasedAmount, &status, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScholarshipNotFound
		}
		return nil, fmt.Errorf("get scholarship: %w", err)
	}
	s.Status = model.ScholarshipStatus(status)

	rows, err := r.pool.Query(ctx,
		`SELECT id, scholarship_id, title, share_amount, target_date, status, evidence_ref, release_tx_ref, created_at
		 FROM milestones
		 WHERE scholarship_id = $1
		 ORDER BY target_date ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		s.Milestones = append(s.Milestones, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &s, nil
}

// ArchiveScholarship переводит стипендию в архивное состояние.
func (r *PostgresRepository) ArchiveScholarship(ctx context.Context, id string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE scholarships SET status = $2 WHERE id = $1`,
		id, string(model.ScholarshipStatusArchived),
	)
	if err != nil {
		return fmt.Errorf("archive scholarship: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrScholarshipNotFound
	}
	return nil
}

// AddMilestone добавляет этап к стипендии. Сумма долей всех этапов
// не может превышать целевую сумму сбора.
func (r *PostgresRepository) AddMilestone(ctx context.Context, m *model.Milestone) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var goal decimal.Decimal
	var status string
	err = tx.QueryRow(ctx,
		`SELECT goal_amount, status FROM scholarships WHERE id = $1 FOR UPDATE`,
		m.ScholarshipID,
	).Scan(&goal, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrScholarshipNotFound
		}
		return fmt.Errorf("lock scholarship: %w", err)
	}

	if model.ScholarshipStatus(status) == model.ScholarshipStatusArchived {
		return ErrScholarshipClosed
	}

	var sharesTotal decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(share_amount), 0) FROM milestones WHERE scholarship_id = $1`,
		m.ScholarshipID,
	).Scan(&sharesTotal)
	if err != nil {
		return fmt.Errorf("sum milestone shares: %w", err)
	}

	if sharesTotal.Add(m.ShareAmount).GreaterThan(goal) {
		return ErrGoalExceeded
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO milestones (id, scholarship_id, title, share_amount, target_date, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ScholarshipID, m.Title, m.ShareAmount, m.TargetDate, string(m.Status), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}

	return tx.Commit(ctx)
}

// GetMilestone возвращает этап по идентификатору.
func (r *PostgresRepository) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, scholarship_id, title, share_amount, target_date, status, evidence_ref, release_tx_ref, created_at
		 FROM milestones WHERE id = $1`,
		id,
	)

	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMilestoneNotFound
		}
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row rowScanner) (*model.Milestone, error) {
	var m model.Milestone
	var status string
	err := row.Scan(&m.ID, &m.ScholarshipID, &m.Title, &m.ShareAmount, &m.TargetDate,
		&status, &m.EvidenceRef, &m.ReleaseTxRef, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan milestone: %w", err)
	}
	m.Status = model.MilestoneStatus(status)
	return &m, nil
}

// UpdateMilestoneEvidence записывает ссылку на доказательства и новый статус этапа.
func (r *PostgresRepository) UpdateMilestoneEvidence(ctx context.Context, id, evidenceRef string, status model.MilestoneStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones SET evidence_ref = $2, status = $3 WHERE id = $1`,
		id, evidenceRef, string(status),
	)
	if err != nil {
		return fmt.Errorf("update milestone evidence: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// UpdateMilestoneStatus обновляет статус этапа.
func (r *PostgresRepository) UpdateMilestoneStatus(ctx context.Context, id string, status model.MilestoneStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update milestone status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// MarkMilestoneAccepted помечает этап принятым и фиксирует ссылку на транзакцию леджера.
func (r *PostgresRepository) MarkMilestoneAccepted(ctx context.Context, id, releaseTxRef string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones SET status = $2, release_tx_ref = $3 WHERE id = $1`,
		id, string(model.MilestoneStatusAccepted), releaseTxRef,
	)
	if err != nil {
		return fmt.Errorf("mark milestone accepted: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// ListMilestonesUnderReview возвращает этапы, ожидающие вердикта проверки.
func (r *PostgresRepository) ListMilestonesUnderReview(ctx context.Context, limit int) ([]model.Milestone, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, scholarship_id, title, share_amount, target_date, status, evidence_ref, release_tx_ref, created_at
		 FROM milestones
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.MilestoneStatusUnderReview), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select milestones under review: %w", err)
	}
	defer rows.Close()

	var res []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordDonation записывает пожертвование и увеличивает собранную сумму стипендии.
// Запись и изменение суммы выполняются в одной транзакции под блокировкой строки.
func (r *PostgresRepository) RecordDonation(ctx context.Context, d *model.Donation) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var status string
		var goal, raised decimal.Decimal
		err = tx.QueryRow(ctx,
			`SELECT status, goal_amount, raised_amount FROM scholarships WHERE id = $1 FOR UPDATE`,
			d.ScholarshipID,
		).Scan(&status, &goal, &raised)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrScholarshipNotFound
			}
			return fmt.Errorf("lock scholarship: %w", err)
		}

		if model.ScholarshipStatus(status) == model.ScholarshipStatusArchived {
			return ErrScholarshipClosed
		}

		if raised.Add(d.Amount).GreaterThan(goal) {
			return ErrGoalOverflow
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO donations (id, scholarship_id, amount, source_ref, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			d.ID, d.ScholarshipID, d.Amount, d.SourceRef, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert donation: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE scholarships SET raised_amount = raised_amount + $2 WHERE id = $1`,
			d.ScholarshipID, d.Amount,
		)
		if err != nil {
			return fmt.Errorf("update raised amount: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// ListDonations возвращает пожертвования стипендии в порядке поступления.
func (r *PostgresRepository) ListDonations(ctx context.Context, scholarshipID string) ([]model.Donation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, scholarship_id, amount, source_ref, created_at
		 FROM donations
		 WHERE scholarship_id = $1
		 ORDER BY created_at`,
		scholarshipID,
	)
	if err != nil {
		return nil, fmt.Errorf("select donations: %w", err)
	}
	defer rows.Close()

	var res []model.Donation
	for rows.Next() {
		var d model.Donation
		if err := rows.Scan(&d.ID, &d.ScholarshipID, &d.Amount, &d.SourceRef, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// FundingTotals возвращает собранную, высвобожденную и зарезервированную суммы стипендии.
func (r *PostgresRepository) FundingTotals(ctx context.Context, scholarshipID string) (funded, released, reserved decimal.Decimal, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT raised_amount, released_amount, reserved_amount FROM scholarships WHERE id = $1`,
		scholarshipID,
	).Scan(&funded, &released, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, decimal.Zero, decimal.Zero, ErrScholarshipNotFound
		}
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("funding totals: %w", err)
	}
	return funded, released, reserved, nil
}

// AppendVerdict добавляет вердикт в историю проверок этапа.
func (r *PostgresRepository) AppendVerdict(ctx context.Context, v *model.VerificationVerdict) error {
	reasonCodes := v.ReasonCodes
	if reasonCodes == nil {
		reasonCodes = []string{}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO verdicts (id, milestone_id, evidence_ref, risk_score, confidence, decision, reason_codes, source, reviewer_ref, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.MilestoneID, v.EvidenceRef, v.RiskScore, v.Confidence,
		string(v.Decision), reasonCodes, string(v.Source), v.ReviewerRef, v.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("append verdict: %w", err)
	}
	return nil
}

// ListVerdicts возвращает историю вердиктов этапа в порядке получения.
func (r *PostgresRepository) ListVerdicts(ctx context.Context, milestoneID string) ([]model.VerificationVerdict, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, milestone_id, evidence_ref, risk_score, confidence, decision, reason_codes, source, reviewer_ref, decided_at
		 FROM verdicts
		 WHERE milestone_id = $1
		 ORDER BY decided_at`,
		milestoneID,
	)
	if err != nil {
		return nil, fmt.Errorf("select verdicts: %w", err)
	}
	defer rows.Close()

	var res []model.VerificationVerdict
	for rows.Next() {
		var v model.VerificationVerdict
		var decision, source string
		if err := rows.Scan(&v.ID, &v.MilestoneID, &v.EvidenceRef, &v.RiskScore, &v.Confidence,
			&decision, &v.ReasonCodes, &source, &v.ReviewerRef, &v.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Decision = model.Decision(decision)
		v.Source = model.VerdictSource(source)
		res = append(res, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReserveSettlement резервирует долю этапа под расчёт. Проверка доступных
// средств и запись намерения выполняются под блокировкой строки стипендии,
// поэтому два одновременных принятия не могут увидеть один и тот же капитал.
func (r *PostgresRepository) ReserveSettlement(ctx context.Context, rec *model.SettlementRecord) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var raised, released, reserved decimal.Decimal
		err = tx.QueryRow(ctx,
			`SELECT raised_amount, released_amount, reserved_amount FROM scholarships WHERE id = $1 FOR UPDATE`,
			rec.ScholarshipID,
		).Scan(&raised, &released, &reserved)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrScholarshipNotFound
			}
			return fmt.Errorf("lock scholarship: %w", err)
		}

		var existingStatus string
		err = tx.QueryRow(ctx,
			`SELECT status FROM settlements WHERE milestone_id = $1`,
			rec.MilestoneID,
		).Scan(&existingStatus)
		switch {
		case err == nil:
			switch model.SettlementStatus(existingStatus) {
			case model.SettlementStatusPending, model.SettlementStatusConfirmed:
				return ErrSettlementInFlight
			case model.SettlementStatusFailed:
				// Повторная попытка после неудачи: возвращаем запись в PENDING.
				available := raised.Sub(released).Sub(reserved)
				if rec.GrossAmount.GreaterThan(available) {
					return ErrInsufficientFunds
				}
				_, err = tx.Exec(ctx,
					`UPDATE settlements
					 SET status = $2, gross_amount = $3, platform_fee = $4, reserve_pool_fee = $5, net_to_recipient = $6, created_at = $7
					 WHERE milestone_id = $1`,
					rec.MilestoneID, string(model.SettlementStatusPending),
					rec.GrossAmount, rec.PlatformFee, rec.ReservePoolFee, rec.NetToRecipient, rec.CreatedAt,
				)
				if err != nil {
					return fmt.Errorf("reset settlement: %w", err)
				}
			}
		case errors.Is(err, pgx.ErrNoRows):
			available := raised.Sub(released).Sub(reserved)
			if rec.GrossAmount.GreaterThan(available) {
				return ErrInsufficientFunds
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO settlements (milestone_id, scholarship_id, gross_amount, platform_fee, reserve_pool_fee, net_to_recipient, status, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				rec.MilestoneID, rec.ScholarshipID, rec.GrossAmount, rec.PlatformFee,
				rec.ReservePoolFee, rec.NetToRecipient, string(model.SettlementStatusPending), rec.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert settlement: %w", err)
			}
		default:
			return fmt.Errorf("select settlement: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE scholarships SET reserved_amount = reserved_amount + $2 WHERE id = $1`,
			rec.ScholarshipID, rec.GrossAmount,
		)
		if err != nil {
			return fmt.Errorf("reserve funds: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// ConfirmSettlement подтверждает расчёт: перевод зарезервированной доли
// в высвобожденную и фиксация ссылки на транзакцию леджера.
func (r *PostgresRepository) ConfirmSettlement(ctx context.Context, milestoneID, ledgerTxRef string, confirmedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var scholarshipID string
	var gross decimal.Decimal
	err = tx.QueryRow(ctx,
		`UPDATE settlements SET status = $2, ledger_tx_ref = $3, confirmed_at = $4
		 WHERE milestone_id = $1 AND status = $5
		 RETURNING scholarship_id, gross_amount`,
		milestoneID, string(model.SettlementStatusConfirmed), ledgerTxRef, confirmedAt,
		string(model.SettlementStatusPending),
	).Scan(&scholarshipID, &gross)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSettlementNotFound
		}
		return fmt.Errorf("confirm settlement: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE scholarships
		 SET released_amount = released_amount + $2, reserved_amount = reserved_amount - $2
		 WHERE id = $1`,
		scholarshipID, gross,
	)
	if err != nil {
		return fmt.Errorf("release funds: %w", err)
	}

	return tx.Commit(ctx)
}

// FailSettlement помечает расчёт неудачным и снимает резервирование средств.
func (r *PostgresRepository) FailSettlement(ctx context.Context, milestoneID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var scholarshipID string
	var gross decimal.Decimal
	err = tx.QueryRow(ctx,
		`UPDATE settlements SET status = $2
		 WHERE milestone_id = $1 AND status = $3
		 RETURNING scholarship_id, gross_amount`,
		milestoneID, string(model.SettlementStatusFailed), string(model.SettlementStatusPending),
	).Scan(&scholarshipID, &gross)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSettlementNotFound
		}
		return fmt.Errorf("fail settlement: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE scholarships SET reserved_amount = reserved_amount - $2 WHERE id = $1`,
		scholarshipID, gross,
	)
	if err != nil {
		return fmt.Errorf("unreserve funds: %w", err)
	}

	return tx.Commit(ctx)
}

// GetSettlement возвращает расчёт по этапу.
func (r *PostgresRepository) GetSettlement(ctx context.Context, milestoneID string) (*model.SettlementRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT milestone_id, scholarship_id, gross_amount, platform_fee, reserve_pool_fee, net_to_recipient, ledger_tx_ref, status, issued_at, confirmed_at, created_at
		 FROM settlements WHERE milestone_id = $1`,
		milestoneID,
	)

	rec, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanSettlement(row rowScanner) (*model.SettlementRecord, error) {
	var rec model.SettlementRecord
	var status string
	err := row.Scan(&rec.MilestoneID, &rec.ScholarshipID, &rec.GrossAmount, &rec.PlatformFee,
		&rec.ReservePoolFee, &rec.NetToRecipient, &rec.LedgerTxRef, &status,
		&rec.IssuedAt, &rec.ConfirmedAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	rec.Status = model.SettlementStatus(status)
	return &rec, nil
}

// ListSettlements возвращает историю расчётов стипендии.
func (r *PostgresRepository) ListSettlements(ctx context.Context, scholarshipID string) ([]model.SettlementRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT milestone_id, scholarship_id, gross_amount, platform_fee, reserve_pool_fee, net_to_recipient, ledger_tx_ref, status, issued_at, confirmed_at, created_at
		 FROM settlements
		 WHERE scholarship_id = $1
		 ORDER BY created_at`,
		scholarshipID,
	)
	if err != nil {
		return nil, fmt.Errorf("select settlements: %w", err)
	}
	defer rows.Close()

	var res []model.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListSettlementsAwaitingIssuance возвращает подтверждённые расчёты,
// по которым ещё не выпущены значок и донорские кредиты.
func (r *PostgresRepository) ListSettlementsAwaitingIssuance(ctx context.Context, limit int) ([]model.SettlementRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT milestone_id, scholarship_id, gross_amount, platform_fee, reserve_pool_fee, net_to_recipient, ledger_tx_ref, status, issued_at, confirmed_at, created_at
		 FROM settlements
		 WHERE status = $1 AND issued_at IS NULL
		 ORDER BY confirmed_at
		 LIMIT $2`,
		string(model.SettlementStatusConfirmed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select settlements awaiting issuance: %w", err)
	}
	defer rows.Close()

	var res []model.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkSettlementIssued фиксирует выпуск значка и донорских кредитов по расчёту.
func (r *PostgresRepository) MarkSettlementIssued(ctx context.Context, milestoneID string, issuedAt time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE settlements SET issued_at = $2 WHERE milestone_id = $1`,
		milestoneID, issuedAt,
	)
	if err != nil {
		return fmt.Errorf("mark settlement issued: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}
