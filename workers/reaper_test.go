package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"duelgo/models"
	"duelgo/services"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// sweepRepo stubs just the store surface the reaper touches.
type sweepRepo struct {
	mu            sync.Mutex
	duels         map[uint]*models.Duel
	joinTTLCutoff time.Time
}

func newSweepRepo(duels ...*models.Duel) *sweepRepo {
	r := &sweepRepo{duels: make(map[uint]*models.Duel)}
	for _, d := range duels {
		r.duels[d.ID] = d
	}
	return r
}

func (r *sweepRepo) Create(context.Context, *models.Duel) error { panic("unused") }

func (r *sweepRepo) GetByID(_ context.Context, id uint) (*models.Duel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.duels[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *sweepRepo) FindActiveByCode(context.Context, string) (*models.Duel, error) {
	panic("unused")
}

func (r *sweepRepo) ClaimGuestSlot(context.Context, uint, uint, time.Time, time.Time) (bool, error) {
	panic("unused")
}

func (r *sweepRepo) CancelWaiting(_ context.Context, duelID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.duels[duelID]
	if !ok || d.Status != models.DuelWaiting {
		return false, nil
	}
	d.Status = models.DuelCancelled
	return true, nil
}

func (r *sweepRepo) RoundsForDuel(context.Context, uint) ([]models.DuelRound, error) {
	panic("unused")
}

func (r *sweepRepo) RoundForDuel(context.Context, uint, int) (*models.DuelRound, error) {
	panic("unused")
}

func (r *sweepRepo) AnswerFor(context.Context, uint, uint, int) (*models.AnswerRecord, error) {
	panic("unused")
}

func (r *sweepRepo) CountAnswers(context.Context, uint, uint) (int64, error) { panic("unused") }

func (r *sweepRepo) SumPoints(context.Context, uint, uint) (int, error) { panic("unused") }

func (r *sweepRepo) AppendAnswer(context.Context, *models.AnswerRecord, string) error {
	panic("unused")
}

func (r *sweepRepo) FinishDuel(_ context.Context, duelID uint, finishedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.duels[duelID]
	if !ok || d.Status != models.DuelPlaying {
		return false, nil
	}
	d.Status = models.DuelFinished
	f := finishedAt
	d.FinishedAt = &f
	d.WinnerID = d.ComputeWinner()
	return true, nil
}

func (r *sweepRepo) ListStaleWaiting(_ context.Context, cutoff time.Time, limit int) ([]models.Duel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinTTLCutoff = cutoff
	var out []models.Duel
	for _, d := range r.duels {
		if d.Status == models.DuelWaiting && d.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *sweepRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]models.Duel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Duel
	for _, d := range r.duels {
		if d.Status == models.DuelPlaying && d.Deadline != nil && d.Deadline.Before(now) && len(out) < limit {
			out = append(out, *d)
		}
	}
	return out, nil
}

type capturePublisher struct {
	mu    sync.Mutex
	snaps []*services.DuelSnapshot
}

func (p *capturePublisher) Publish(_ context.Context, snap *services.DuelSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return nil
}

func newTestReaper(repo *sweepRepo, clock clockwork.Clock) (*Reaper, *capturePublisher) {
	pub := &capturePublisher{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewReaper(repo, pub, clock, log, 15*time.Minute, time.Minute), pub
}

func TestSweepCancelsStaleWaiting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()

	stale := &models.Duel{ID: 1, Status: models.DuelWaiting, HostID: 1, CreatedAt: now.Add(-20 * time.Minute)}
	fresh := &models.Duel{ID: 2, Status: models.DuelWaiting, HostID: 2, CreatedAt: now.Add(-5 * time.Minute)}
	repo := newSweepRepo(stale, fresh)
	reaper, pub := newTestReaper(repo, clock)

	reaper.Sweep(context.Background())

	assert.Equal(t, now.Add(-15*time.Minute), repo.joinTTLCutoff)

	got, err := repo.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.DuelCancelled, got.Status)

	got, err = repo.GetByID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.DuelWaiting, got.Status, "TTL not reached yet")

	require.Len(t, pub.snaps, 1)
	assert.Equal(t, uint(1), pub.snaps[0].DuelID)
	assert.Equal(t, models.DuelCancelled, pub.snaps[0].Status)
}

func TestSweepForceFinishesOverdue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()

	guest := uint(2)
	pastDeadline := now.Add(-time.Minute)
	futureDeadline := now.Add(time.Hour)
	overdue := &models.Duel{
		ID: 1, Status: models.DuelPlaying, HostID: 1, GuestID: &guest,
		HostScore: 300, GuestScore: 150, Deadline: &pastDeadline,
	}
	inFlight := &models.Duel{
		ID: 2, Status: models.DuelPlaying, HostID: 3, GuestID: &guest,
		Deadline: &futureDeadline,
	}
	repo := newSweepRepo(overdue, inFlight)
	reaper, pub := newTestReaper(repo, clock)

	reaper.Sweep(context.Background())

	got, err := repo.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.DuelFinished, got.Status)
	require.NotNil(t, got.WinnerID, "scores as they stand decide the winner")
	assert.Equal(t, uint(1), *got.WinnerID)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, now, *got.FinishedAt)

	got, err = repo.GetByID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.DuelPlaying, got.Status, "deadline not reached")

	require.Len(t, pub.snaps, 1)
	assert.Equal(t, models.DuelFinished, pub.snaps[0].Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()

	pastDeadline := now.Add(-time.Minute)
	guest := uint(2)
	repo := newSweepRepo(
		&models.Duel{ID: 1, Status: models.DuelWaiting, HostID: 1, CreatedAt: now.Add(-time.Hour)},
		&models.Duel{ID: 2, Status: models.DuelPlaying, HostID: 1, GuestID: &guest, Deadline: &pastDeadline},
	)
	reaper, pub := newTestReaper(repo, clock)

	reaper.Sweep(context.Background())
	reaper.Sweep(context.Background())

	assert.Len(t, pub.snaps, 2, "terminal duels are not re-reaped")
}

func TestSweepSkipsDuelFinishedMeanwhile(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()

	pastDeadline := now.Add(-time.Minute)
	guest := uint(2)
	duel := &models.Duel{ID: 1, Status: models.DuelPlaying, HostID: 1, GuestID: &guest, Deadline: &pastDeadline}
	repo := newSweepRepo(duel)
	reaper, pub := newTestReaper(repo, clock)

	// The players finish between the listing and the guarded transition.
	repo.mu.Lock()
	repo.duels[1].Status = models.DuelFinished
	repo.mu.Unlock()

	reaper.Sweep(context.Background())
	assert.Empty(t, pub.snaps)
}
