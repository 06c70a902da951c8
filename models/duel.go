package models

import (
	"time"

	"gorm.io/gorm"
)

type DuelStatus string

const (
	DuelWaiting   DuelStatus = "waiting"
	DuelPlaying   DuelStatus = "playing"
	DuelFinished  DuelStatus = "finished"
	DuelCancelled DuelStatus = "cancelled"
)

// Terminal reports whether no further mutation of the duel is allowed.
func (s DuelStatus) Terminal() bool {
	return s == DuelFinished || s == DuelCancelled
}

type Duel struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	Code        string     `json:"code" gorm:"size:6;not null;index"`
	HostID      uint       `json:"host_id" gorm:"not null;index"`
	GuestID     *uint      `json:"guest_id" gorm:"index"`
	Status      DuelStatus `json:"status" gorm:"type:varchar(16);not null;default:'waiting';index"`
	Category    string     `json:"category" gorm:"not null"`
	RoundsTotal int        `json:"rounds_total" gorm:"not null"`
	HostScore   int        `json:"host_score" gorm:"not null;default:0"`
	GuestScore  int        `json:"guest_score" gorm:"not null;default:0"`
	WinnerID    *uint      `json:"winner_id"`
	// Deadline is stamped at join time; a playing duel past it is fair
	// game for the reaper and rejects further submissions.
	Deadline   *time.Time     `json:"deadline" gorm:"index"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	DeletedAt  gorm.DeletedAt `json:"-" gorm:"index"`

	// Relationships
	Rounds  []DuelRound    `json:"rounds,omitempty" gorm:"foreignKey:DuelID"`
	Answers []AnswerRecord `json:"answers,omitempty" gorm:"foreignKey:DuelID"`
}

// IsParticipant reports whether userID is the host or the joined guest.
func (d *Duel) IsParticipant(userID uint) bool {
	if d.HostID == userID {
		return true
	}
	return d.GuestID != nil && *d.GuestID == userID
}

// ScoreColumn names the score column owned by userID. Host and guest
// write disjoint columns so concurrent submissions never contend.
func (d *Duel) ScoreColumn(userID uint) string {
	if d.HostID == userID {
		return "host_score"
	}
	return "guest_score"
}

// ComputeWinner applies the winner rule to the current scores.
// Nil means a tie.
func (d *Duel) ComputeWinner() *uint {
	switch {
	case d.HostScore > d.GuestScore:
		id := d.HostID
		return &id
	case d.GuestScore > d.HostScore:
		return d.GuestID
	default:
		return nil
	}
}
