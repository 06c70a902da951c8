package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duelgo/models"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrCodeTaken reports a join-code collision with another active duel.
	ErrCodeTaken = errors.New("join code already taken by an active duel")
	// ErrDuplicateAnswer reports a ledger uniqueness violation: this
	// (duel, user, round) already holds a graded answer.
	ErrDuplicateAnswer = errors.New("answer already recorded for this round")
	// ErrDuelClosed reports a ledger write against a duel that left the
	// playing state between the caller's read and the write.
	ErrDuelClosed = errors.New("duel is no longer accepting answers")
)

// DuelRepository is the durable store of the Duel aggregate and its
// answer ledger. All race-sensitive writes (guest claim, ledger append,
// finish transition) live here as single conditional statements.
type DuelRepository interface {
	Create(ctx context.Context, duel *models.Duel) error
	GetByID(ctx context.Context, id uint) (*models.Duel, error)
	FindActiveByCode(ctx context.Context, code string) (*models.Duel, error)
	// ClaimGuestSlot admits guestID iff the duel is still waiting with an
	// empty guest slot. Returns false when the conditional update matched
	// no row (slot lost to a concurrent joiner or state moved on).
	ClaimGuestSlot(ctx context.Context, duelID, guestID uint, startedAt, deadline time.Time) (bool, error)
	CancelWaiting(ctx context.Context, duelID uint) (bool, error)
	RoundsForDuel(ctx context.Context, duelID uint) ([]models.DuelRound, error)
	RoundForDuel(ctx context.Context, duelID uint, roundNumber int) (*models.DuelRound, error)
	AnswerFor(ctx context.Context, duelID, userID uint, roundNumber int) (*models.AnswerRecord, error)
	CountAnswers(ctx context.Context, duelID, userID uint) (int64, error)
	SumPoints(ctx context.Context, duelID, userID uint) (int, error)
	// AppendAnswer inserts the ledger row and bumps the owning player's
	// score column in one transaction. The score update is guarded on
	// status=playing, so a submission racing a finish leaves no trace.
	// Returns ErrDuplicateAnswer when the ledger constraint fires and
	// ErrDuelClosed when the duel already reached a terminal status;
	// nothing is written in either case.
	AppendAnswer(ctx context.Context, rec *models.AnswerRecord, scoreColumn string) error
	// FinishDuel performs the guarded playing->finished transition and,
	// when it wins the guard, stamps finished_at and winner_id. Returns
	// false when another finalize already claimed the transition.
	FinishDuel(ctx context.Context, duelID uint, finishedAt time.Time) (bool, error)
	ListStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]models.Duel, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Duel, error)
}

type gormDuelRepository struct {
	db *gorm.DB
}

func NewDuelRepository(db *gorm.DB) DuelRepository {
	return &gormDuelRepository{db: db}
}

func (r *gormDuelRepository) Create(ctx context.Context, duel *models.Duel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		err := tx.Model(&models.Duel{}).
			Where("code = ? AND status IN ?", duel.Code,
				[]models.DuelStatus{models.DuelWaiting, models.DuelPlaying}).
			Count(&taken).Error
		if err != nil {
			return err
		}
		if taken > 0 {
			return ErrCodeTaken
		}
		// Rounds and options ride along as associations. The partial
		// unique index on active codes backstops this check under
		// concurrent creates drawing the same code.
		if err := tx.Create(duel).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrCodeTaken
			}
			return err
		}
		return nil
	})
}

func (r *gormDuelRepository) GetByID(ctx context.Context, id uint) (*models.Duel, error) {
	var duel models.Duel
	if err := r.db.WithContext(ctx).First(&duel, id).Error; err != nil {
		return nil, err
	}
	return &duel, nil
}

func (r *gormDuelRepository) FindActiveByCode(ctx context.Context, code string) (*models.Duel, error) {
	var duel models.Duel
	err := r.db.WithContext(ctx).
		Where("code = ? AND status IN ?", code,
			[]models.DuelStatus{models.DuelWaiting, models.DuelPlaying}).
		First(&duel).Error
	if err != nil {
		return nil, err
	}
	return &duel, nil
}

func (r *gormDuelRepository) ClaimGuestSlot(ctx context.Context, duelID, guestID uint, startedAt, deadline time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Duel{}).
		Where("id = ? AND status = ? AND guest_id IS NULL", duelID, models.DuelWaiting).
		Updates(map[string]interface{}{
			"guest_id":   guestID,
			"status":     models.DuelPlaying,
			"started_at": startedAt,
			"deadline":   deadline,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormDuelRepository) CancelWaiting(ctx context.Context, duelID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Duel{}).
		Where("id = ? AND status = ?", duelID, models.DuelWaiting).
		Update("status", models.DuelCancelled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormDuelRepository) RoundsForDuel(ctx context.Context, duelID uint) ([]models.DuelRound, error) {
	var rounds []models.DuelRound
	err := r.db.WithContext(ctx).
		Where("duel_id = ?", duelID).
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("round_options.order ASC")
		}).
		Order("round_number ASC").
		Find(&rounds).Error
	return rounds, err
}

func (r *gormDuelRepository) RoundForDuel(ctx context.Context, duelID uint, roundNumber int) (*models.DuelRound, error) {
	var round models.DuelRound
	err := r.db.WithContext(ctx).
		Where("duel_id = ? AND round_number = ?", duelID, roundNumber).
		Preload("Options").
		First(&round).Error
	if err != nil {
		return nil, err
	}
	return &round, nil
}

func (r *gormDuelRepository) AnswerFor(ctx context.Context, duelID, userID uint, roundNumber int) (*models.AnswerRecord, error) {
	var rec models.AnswerRecord
	err := r.db.WithContext(ctx).
		Where("duel_id = ? AND user_id = ? AND round_number = ?", duelID, userID, roundNumber).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormDuelRepository) CountAnswers(ctx context.Context, duelID, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AnswerRecord{}).
		Where("duel_id = ? AND user_id = ?", duelID, userID).
		Count(&n).Error
	return n, err
}

func (r *gormDuelRepository) SumPoints(ctx context.Context, duelID, userID uint) (int, error) {
	var sum int
	err := r.db.WithContext(ctx).Model(&models.AnswerRecord{}).
		Where("duel_id = ? AND user_id = ?", duelID, userID).
		Select("COALESCE(SUM(points_earned), 0)").
		Scan(&sum).Error
	return sum, err
}

func (r *gormDuelRepository) AppendAnswer(ctx context.Context, rec *models.AnswerRecord, scoreColumn string) error {
	if scoreColumn != "host_score" && scoreColumn != "guest_score" {
		return fmt.Errorf("invalid score column %q", scoreColumn)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateAnswer
			}
			return err
		}
		res := tx.Model(&models.Duel{}).
			Where("id = ? AND status = ?", rec.DuelID, models.DuelPlaying).
			UpdateColumn(scoreColumn, gorm.Expr(scoreColumn+" + ?", rec.PointsEarned))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// The duel went terminal between the caller's status check
			// and this write; roll the ledger insert back with it.
			return ErrDuelClosed
		}
		return nil
	})
}

func (r *gormDuelRepository) FinishDuel(ctx context.Context, duelID uint, finishedAt time.Time) (bool, error) {
	var claimed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Duel{}).
			Where("id = ? AND status = ?", duelID, models.DuelPlaying).
			Updates(map[string]interface{}{
				"status":      models.DuelFinished,
				"finished_at": finishedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true

		// The guard won, so no further submissions can move the scores;
		// the winner read below is stable.
		var duel models.Duel
		if err := tx.First(&duel, duelID).Error; err != nil {
			return err
		}
		return tx.Model(&models.Duel{}).
			Where("id = ?", duelID).
			Update("winner_id", duel.ComputeWinner()).
			Error
	})
	return claimed, err
}

func (r *gormDuelRepository) ListStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]models.Duel, error) {
	var duels []models.Duel
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.DuelWaiting, cutoff).
		Limit(limit).
		Find(&duels).Error
	return duels, err
}

func (r *gormDuelRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.Duel, error) {
	var duels []models.Duel
	err := r.db.WithContext(ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline < ?", models.DuelPlaying, now).
		Limit(limit).
		Find(&duels).Error
	return duels, err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
