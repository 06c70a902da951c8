package services

import (
	"time"

	"duelgo/models"

	"github.com/google/uuid"
)

// OptionView and RoundView are the public question payload. They carry
// no correct-answer field at all, so a serialized round cannot leak the
// key regardless of handler discipline.
type OptionView struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

type RoundView struct {
	RoundNumber int          `json:"round_number"`
	QuestionID  uint         `json:"question_id"`
	Text        string       `json:"text"`
	Options     []OptionView `json:"options"`
}

// AnswerReveal is the grading outcome returned from a submission. It is
// the only payload that carries the correct key to a client.
type AnswerReveal struct {
	IsCorrect     bool   `json:"is_correct"`
	CorrectOption string `json:"correct_answer"`
	PointsEarned  int    `json:"points_earned"`
}

// DuelSnapshot is the authoritative view of a duel broadcast on every
// mutation. Consumers treat it as the full state, never as a delta.
type DuelSnapshot struct {
	EventID     string            `json:"event_id"`
	DuelID      uint              `json:"duel_id"`
	Code        string            `json:"code"`
	Status      models.DuelStatus `json:"status"`
	HostID      uint              `json:"host_id"`
	GuestID     *uint             `json:"guest_id"`
	Category    string            `json:"category"`
	RoundsTotal int               `json:"rounds_total"`
	HostScore   int               `json:"host_score"`
	GuestScore  int               `json:"guest_score"`
	WinnerID    *uint             `json:"winner_id"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at"`
	EmittedAt   time.Time         `json:"emitted_at"`
}

// DuelResult is the outcome of a finalize attempt. Status is only
// "finished" once both ledgers are complete and the guarded transition
// has run; callers seeing anything else keep listening on the feed.
type DuelResult struct {
	DuelID     uint              `json:"duel_id"`
	Status     models.DuelStatus `json:"status"`
	WinnerID   *uint             `json:"winner_id"`
	HostScore  int               `json:"host_score"`
	GuestScore int               `json:"guest_score"`
}

// SnapshotOf builds a snapshot of the duel row as it stands.
func SnapshotOf(duel *models.Duel) *DuelSnapshot {
	return &DuelSnapshot{
		EventID:     uuid.NewString(),
		DuelID:      duel.ID,
		Code:        duel.Code,
		Status:      duel.Status,
		HostID:      duel.HostID,
		GuestID:     duel.GuestID,
		Category:    duel.Category,
		RoundsTotal: duel.RoundsTotal,
		HostScore:   duel.HostScore,
		GuestScore:  duel.GuestScore,
		WinnerID:    duel.WinnerID,
		CreatedAt:   duel.CreatedAt,
		StartedAt:   duel.StartedAt,
		FinishedAt:  duel.FinishedAt,
		EmittedAt:   time.Now(),
	}
}

// RoundViewOf strips a frozen round down to its public shape.
func RoundViewOf(round *models.DuelRound) RoundView {
	view := RoundView{
		RoundNumber: round.RoundNumber,
		QuestionID:  round.QuestionID,
		Text:        round.Text,
		Options:     make([]OptionView, len(round.Options)),
	}
	for i, o := range round.Options {
		view.Options[i] = OptionView{Key: o.Key, Text: o.Text}
	}
	return view
}
