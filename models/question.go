package models

import (
	"time"

	"gorm.io/gorm"
)

// Category and Question form the bank the coordinator draws on when it
// freezes a duel's round set. The bank is owned elsewhere; this service
// only reads it (plus a bootstrap seeder).
type Category struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Name      string         `json:"name" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relationships
	Questions []Question `json:"questions,omitempty" gorm:"foreignKey:CategoryID"`
}

type Question struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	CategoryID uint           `json:"category_id" gorm:"not null;index"`
	Text       string         `json:"text" gorm:"not null"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-" gorm:"index"`

	// Relationships
	Category Category `json:"category,omitempty"`
	Options  []Option `json:"options,omitempty" gorm:"foreignKey:QuestionID"`
}

// CorrectKey returns the key of the correct option, or "" if the row
// set is malformed.
func (q *Question) CorrectKey() string {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o.Key
		}
	}
	return ""
}
