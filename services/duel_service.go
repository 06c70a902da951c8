package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"duelgo/models"
	"duelgo/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	CodeLength = 6
	// No 0/O/1/I, codes get read aloud between players.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	maxCodeAttempts = 5
	MaxRoundsTotal  = 20

	basePoints   = 100
	maxTimeBonus = 50
)

// ChangePublisher propagates duel mutations to both participants.
// Delivery is at-least-once and unordered; payloads are full snapshots.
type ChangePublisher interface {
	Publish(ctx context.Context, snap *DuelSnapshot) error
}

// DuelService is the match coordinator: matchmaking, authoritative
// grading, and idempotent finalization over the duel store.
type DuelService struct {
	duels     repository.DuelRepository
	questions repository.QuestionRepository
	publisher ChangePublisher
	log       *logrus.Entry

	roundBudget time.Duration
	roundGrace  time.Duration
}

func NewDuelService(
	duels repository.DuelRepository,
	questions repository.QuestionRepository,
	publisher ChangePublisher,
	log *logrus.Logger,
	roundBudget, roundGrace time.Duration,
) *DuelService {
	return &DuelService{
		duels:       duels,
		questions:   questions,
		publisher:   publisher,
		log:         log.WithField("component", "duel_service"),
		roundBudget: roundBudget,
		roundGrace:  roundGrace,
	}
}

// RoundBudgetMs is the per-round time budget clients count down against.
func (s *DuelService) RoundBudgetMs() int {
	return int(s.roundBudget / time.Millisecond)
}

// CreateDuel opens a duel in waiting state with a frozen round set and a
// join code unique among active duels.
func (s *DuelService) CreateDuel(ctx context.Context, hostID uint, categoryName string, roundsTotal int) (*DuelSnapshot, error) {
	if roundsTotal < 1 || roundsTotal > MaxRoundsTotal {
		return nil, fmt.Errorf("%w: rounds_total must be between 1 and %d", ErrValidation, MaxRoundsTotal)
	}

	category, err := s.questions.CategoryByName(ctx, strings.TrimSpace(categoryName))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, categoryName)
		}
		return nil, err
	}

	available, err := s.questions.CountByCategory(ctx, category.ID)
	if err != nil {
		return nil, err
	}
	if available < int64(roundsTotal) {
		return nil, fmt.Errorf("%w: category %q has only %d questions", ErrValidation, category.Name, available)
	}

	picked, err := s.questions.PickRandom(ctx, category.ID, roundsTotal)
	if err != nil {
		return nil, err
	}
	if len(picked) < roundsTotal {
		return nil, fmt.Errorf("%w: category %q has only %d questions", ErrValidation, category.Name, len(picked))
	}

	rounds := make([]models.DuelRound, roundsTotal)
	for i, q := range picked {
		key := q.CorrectKey()
		if key == "" {
			return nil, fmt.Errorf("question %d has no correct option", q.ID)
		}
		options := make([]models.RoundOption, len(q.Options))
		for j, o := range q.Options {
			options[j] = models.RoundOption{Key: o.Key, Text: o.Text, Order: o.Order}
		}
		rounds[i] = models.DuelRound{
			RoundNumber: i + 1,
			QuestionID:  q.ID,
			Text:        q.Text,
			CorrectKey:  key,
			Options:     options,
		}
	}

	duel := &models.Duel{
		HostID:      hostID,
		Status:      models.DuelWaiting,
		Category:    category.Name,
		RoundsTotal: roundsTotal,
		Rounds:      rounds,
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		duel.Code = generateCode()
		err = s.duels.Create(ctx, duel)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrCodeTaken) {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: could not allocate a join code", ErrConflict)
	}

	s.log.WithFields(logrus.Fields{
		"duel_id": duel.ID,
		"host_id": hostID,
		"code":    duel.Code,
	}).Info("duel created")

	snap := SnapshotOf(duel)
	s.publish(ctx, snap)
	return snap, nil
}

// JoinDuel admits guestID into the duel behind code. Under a race of two
// simultaneous joiners the conditional guest-slot claim lets exactly one
// through; the loser sees ErrConflict.
func (s *DuelService) JoinDuel(ctx context.Context, code string, guestID uint) (*DuelSnapshot, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))

	duel, err := s.duels.FindActiveByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no open duel with code %s", ErrNotFound, normalized)
		}
		return nil, err
	}
	if duel.HostID == guestID {
		return nil, fmt.Errorf("%w: cannot join your own duel", ErrValidation)
	}
	if duel.Status != models.DuelWaiting || duel.GuestID != nil {
		return nil, fmt.Errorf("%w: duel is already full", ErrConflict)
	}

	now := time.Now()
	deadline := now.Add(time.Duration(duel.RoundsTotal) * (s.roundBudget + s.roundGrace))
	claimed, err := s.duels.ClaimGuestSlot(ctx, duel.ID, guestID, now, deadline)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the slot to a concurrent joiner.
		return nil, fmt.Errorf("%w: duel is already full", ErrConflict)
	}

	fresh, err := s.duels.GetByID(ctx, duel.ID)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"duel_id":  fresh.ID,
		"guest_id": guestID,
	}).Info("guest joined, duel playing")

	snap := SnapshotOf(fresh)
	s.publish(ctx, snap)
	return snap, nil
}

// CancelDuel lets the host abandon a duel nobody has joined yet.
func (s *DuelService) CancelDuel(ctx context.Context, duelID, callerID uint) error {
	duel, err := s.getDuel(ctx, duelID)
	if err != nil {
		return err
	}
	if duel.HostID != callerID {
		return fmt.Errorf("%w: only the host can cancel", ErrUnauthorized)
	}
	if duel.Status != models.DuelWaiting {
		return fmt.Errorf("%w: duel is %s, only waiting duels can be cancelled", ErrConflict, duel.Status)
	}

	cancelled, err := s.duels.CancelWaiting(ctx, duelID)
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("%w: duel is no longer waiting", ErrConflict)
	}

	s.log.WithField("duel_id", duelID).Info("duel cancelled by host")

	if fresh, err := s.duels.GetByID(ctx, duelID); err == nil {
		s.publish(ctx, SnapshotOf(fresh))
	}
	return nil
}

// GetDuel returns the authoritative snapshot of a duel.
func (s *DuelService) GetDuel(ctx context.Context, duelID uint) (*DuelSnapshot, error) {
	duel, err := s.getDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	return SnapshotOf(duel), nil
}

// GetQuestions returns the frozen, ordered round list in its public
// shape. The correct keys stay server-side.
func (s *DuelService) GetQuestions(ctx context.Context, duelID uint) ([]RoundView, error) {
	if _, err := s.getDuel(ctx, duelID); err != nil {
		return nil, err
	}
	rounds, err := s.duels.RoundsForDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	views := make([]RoundView, len(rounds))
	for i := range rounds {
		views[i] = RoundViewOf(&rounds[i])
	}
	return views, nil
}

// SubmitAnswer grades one round for one player. Replays of an already
// graded round return the recorded outcome without re-scoring.
func (s *DuelService) SubmitAnswer(ctx context.Context, duelID, userID uint, roundNumber int, selected string, clientElapsedMs int) (*AnswerReveal, error) {
	duel, err := s.getDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !duel.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of this duel", ErrUnauthorized)
	}
	if duel.Status != models.DuelPlaying {
		return nil, fmt.Errorf("%w: duel is %s, not accepting answers", ErrConflict, duel.Status)
	}
	if roundNumber < 1 || roundNumber > duel.RoundsTotal {
		return nil, fmt.Errorf("%w: round %d out of range 1..%d", ErrValidation, roundNumber, duel.RoundsTotal)
	}
	if duel.Deadline != nil && time.Now().After(*duel.Deadline) {
		return nil, fmt.Errorf("%w: duel deadline has passed", ErrValidation)
	}

	round, err := s.duels.RoundForDuel(ctx, duelID, roundNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: round %d not found", ErrValidation, roundNumber)
		}
		return nil, err
	}
	// An empty selection is the timeout sentinel: always valid, never correct.
	if selected != "" && !round.HasOption(selected) {
		return nil, fmt.Errorf("%w: option %q is not part of round %d", ErrValidation, selected, roundNumber)
	}

	if prior, err := s.duels.AnswerFor(ctx, duelID, userID, roundNumber); err == nil {
		return s.revealOf(prior, round), nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	elapsed := clampElapsed(clientElapsedMs, s.RoundBudgetMs())
	isCorrect := selected != "" && selected == round.CorrectKey
	points := scorePoints(isCorrect, elapsed, s.RoundBudgetMs())

	rec := &models.AnswerRecord{
		DuelID:         duelID,
		UserID:         userID,
		RoundNumber:    roundNumber,
		SelectedOption: selected,
		IsCorrect:      isCorrect,
		PointsEarned:   points,
		AnswerTimeMs:   elapsed,
	}
	if err := s.duels.AppendAnswer(ctx, rec, duel.ScoreColumn(userID)); err != nil {
		if errors.Is(err, repository.ErrDuplicateAnswer) {
			// Lost a retry race; the first write is the outcome.
			prior, err := s.duels.AnswerFor(ctx, duelID, userID, roundNumber)
			if err != nil {
				return nil, err
			}
			return s.revealOf(prior, round), nil
		}
		if errors.Is(err, repository.ErrDuelClosed) {
			// The duel went terminal under us; the store rejected the write.
			return nil, fmt.Errorf("%w: duel is no longer accepting answers", ErrConflict)
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"duel_id": duelID,
		"user_id": userID,
		"round":   roundNumber,
		"correct": isCorrect,
		"points":  points,
	}).Info("answer recorded")

	if fresh, err := s.duels.GetByID(ctx, duelID); err == nil {
		s.publish(ctx, SnapshotOf(fresh))
	}

	return &AnswerReveal{IsCorrect: isCorrect, CorrectOption: round.CorrectKey, PointsEarned: points}, nil
}

// FinishDuel attempts the terminal transition. The caller's own ledger
// must be complete; the transition itself only runs once both ledgers
// are, so the first finisher gets a non-terminal result back and keeps
// listening. Safe to call from both players concurrently: one wins the
// guard, the other reads back the identical result.
func (s *DuelService) FinishDuel(ctx context.Context, duelID, userID uint) (*DuelResult, error) {
	duel, err := s.getDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if duel.Status == models.DuelFinished {
		return resultOf(duel), nil
	}
	if !duel.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of this duel", ErrUnauthorized)
	}
	if duel.Status != models.DuelPlaying {
		return nil, fmt.Errorf("%w: duel is %s, cannot finish", ErrConflict, duel.Status)
	}

	answered, err := s.duels.CountAnswers(ctx, duelID, userID)
	if err != nil {
		return nil, err
	}
	if answered < int64(duel.RoundsTotal) {
		return nil, fmt.Errorf("%w: %d of %d rounds answered", ErrConflict, answered, duel.RoundsTotal)
	}

	opponentDone, err := s.opponentComplete(ctx, duel, userID)
	if err != nil {
		return nil, err
	}
	if !opponentDone {
		// Opponent still playing; nothing to finalize yet.
		return resultOf(duel), nil
	}

	claimed, err := s.duels.FinishDuel(ctx, duelID, time.Now())
	if err != nil {
		return nil, err
	}

	fresh, err := s.duels.GetByID(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if claimed {
		s.log.WithFields(logrus.Fields{
			"duel_id":     duelID,
			"host_score":  fresh.HostScore,
			"guest_score": fresh.GuestScore,
		}).Info("duel finished")
		s.publish(ctx, SnapshotOf(fresh))
	}
	return resultOf(fresh), nil
}

// VerifyParticipant gates the change-feed subscription.
func (s *DuelService) VerifyParticipant(ctx context.Context, duelID, userID uint) error {
	duel, err := s.getDuel(ctx, duelID)
	if err != nil {
		return err
	}
	if !duel.IsParticipant(userID) {
		return fmt.Errorf("%w: not a participant of this duel", ErrUnauthorized)
	}
	return nil
}

// AuditScores checks the ledger-sum invariant for a duel. A mismatch
// means the store is corrupt; call sites log it loudly.
func (s *DuelService) AuditScores(ctx context.Context, duelID uint) error {
	duel, err := s.getDuel(ctx, duelID)
	if err != nil {
		return err
	}
	hostSum, err := s.duels.SumPoints(ctx, duelID, duel.HostID)
	if err != nil {
		return err
	}
	if hostSum != duel.HostScore {
		return fmt.Errorf("duel %d: host_score %d != ledger sum %d", duelID, duel.HostScore, hostSum)
	}
	if duel.GuestID != nil {
		guestSum, err := s.duels.SumPoints(ctx, duelID, *duel.GuestID)
		if err != nil {
			return err
		}
		if guestSum != duel.GuestScore {
			return fmt.Errorf("duel %d: guest_score %d != ledger sum %d", duelID, duel.GuestScore, guestSum)
		}
	}
	return nil
}

func (s *DuelService) opponentComplete(ctx context.Context, duel *models.Duel, userID uint) (bool, error) {
	opponent := duel.HostID
	if userID == duel.HostID {
		if duel.GuestID == nil {
			return false, nil
		}
		opponent = *duel.GuestID
	}
	answered, err := s.duels.CountAnswers(ctx, duel.ID, opponent)
	if err != nil {
		return false, err
	}
	return answered >= int64(duel.RoundsTotal), nil
}

func (s *DuelService) getDuel(ctx context.Context, duelID uint) (*models.Duel, error) {
	duel, err := s.duels.GetByID(ctx, duelID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: duel %d", ErrNotFound, duelID)
		}
		return nil, err
	}
	return duel, nil
}

// publish is soft: a notifier hiccup never fails the mutation, clients
// reconcile on their next snapshot.
func (s *DuelService) publish(ctx context.Context, snap *DuelSnapshot) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, snap); err != nil {
		s.log.WithError(err).WithField("duel_id", snap.DuelID).Warn("snapshot publish failed")
	}
}

func (s *DuelService) revealOf(rec *models.AnswerRecord, round *models.DuelRound) *AnswerReveal {
	return &AnswerReveal{
		IsCorrect:     rec.IsCorrect,
		CorrectOption: round.CorrectKey,
		PointsEarned:  rec.PointsEarned,
	}
}

func resultOf(duel *models.Duel) *DuelResult {
	return &DuelResult{
		DuelID:     duel.ID,
		Status:     duel.Status,
		WinnerID:   duel.WinnerID,
		HostScore:  duel.HostScore,
		GuestScore: duel.GuestScore,
	}
}

func clampElapsed(ms, budgetMs int) int {
	if ms < 0 {
		return 0
	}
	if ms > budgetMs {
		return budgetMs
	}
	return ms
}

// scorePoints: 100 for a hit plus up to 50 time bonus, scaled linearly
// by the time left in the budget.
func scorePoints(isCorrect bool, elapsedMs, budgetMs int) int {
	if !isCorrect {
		return 0
	}
	return basePoints + (budgetMs-elapsedMs)*maxTimeBonus/budgetMs
}

func generateCode() string {
	buf := make([]byte, CodeLength)
	rand.Read(buf)
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}
