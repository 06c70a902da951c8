package models

import (
	"time"
)

// AnswerRecord is one row of the append-only answer ledger. The unique
// index on (duel_id, user_id, round_number) doubles as the
// per-(player,round) write mutex: a retried submission hits the
// constraint instead of scoring twice.
type AnswerRecord struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	DuelID         uint      `json:"duel_id" gorm:"not null;uniqueIndex:idx_duel_user_round"`
	UserID         uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_duel_user_round"`
	RoundNumber    int       `json:"round_number" gorm:"not null;uniqueIndex:idx_duel_user_round"`
	SelectedOption string    `json:"selected_option"` // empty = timed out, no answer
	IsCorrect      bool      `json:"is_correct" gorm:"not null"`
	PointsEarned   int       `json:"points_earned" gorm:"not null"`
	AnswerTimeMs   int       `json:"answer_time_ms" gorm:"not null"` // server-clamped
	CreatedAt      time.Time `json:"created_at"`
}
