package models

import (
	"time"
)

// DuelRound is one entry of a duel's frozen question sequence. Rows are
// written once at duel creation and never mutated afterwards.
type DuelRound struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	DuelID      uint   `json:"duel_id" gorm:"not null;uniqueIndex:idx_duel_round"`
	RoundNumber int    `json:"round_number" gorm:"not null;uniqueIndex:idx_duel_round"`
	QuestionID  uint   `json:"question_id" gorm:"not null"`
	Text        string `json:"text" gorm:"not null"`
	// CorrectKey never leaves the server unserialized; clients learn it
	// only through the submit response.
	CorrectKey string    `json:"-" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`

	// Relationships
	Options []RoundOption `json:"options,omitempty" gorm:"foreignKey:DuelRoundID"`
}

// HasOption reports whether key labels one of the round's options.
func (r *DuelRound) HasOption(key string) bool {
	for _, o := range r.Options {
		if o.Key == key {
			return true
		}
	}
	return false
}

type RoundOption struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	DuelRoundID uint      `json:"duel_round_id" gorm:"not null;index"`
	Key         string    `json:"key" gorm:"size:1;not null"`
	Text        string    `json:"text" gorm:"not null"`
	Order       int       `json:"order" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}
