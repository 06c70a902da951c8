// Package workers holds background jobs running beside the API.
package workers

import (
	"context"
	"time"

	"duelgo/repository"
	"duelgo/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const sweepBatch = 100

// Reaper closes the abandonment gap: duels nobody joined get cancelled
// after the join TTL, and playing duels past their deadline get
// force-finished with the scores as they stand. Both paths reuse the
// store's guarded transitions, so a sweep racing a live player is safe.
type Reaper struct {
	duels     repository.DuelRepository
	publisher services.ChangePublisher
	clock     clockwork.Clock
	log       *logrus.Entry

	joinTTL  time.Duration
	interval time.Duration

	scheduler gocron.Scheduler
}

func NewReaper(
	duels repository.DuelRepository,
	publisher services.ChangePublisher,
	clock clockwork.Clock,
	log *logrus.Logger,
	joinTTL, interval time.Duration,
) *Reaper {
	return &Reaper{
		duels:     duels,
		publisher: publisher,
		clock:     clock,
		log:       log.WithField("component", "reaper"),
		joinTTL:   joinTTL,
		interval:  interval,
	}
}

// Start schedules the periodic sweep. Stop with Shutdown.
func (r *Reaper) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(r.clock))
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			r.Sweep(ctx)
		}),
	)
	if err != nil {
		return err
	}
	scheduler.Start()
	r.scheduler = scheduler
	r.log.WithField("interval", r.interval).Info("reaper started")
	return nil
}

func (r *Reaper) Shutdown() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}

// Sweep runs one pass. Exported so tests can drive it directly.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock.Now()
	r.cancelStaleWaiting(ctx, now)
	r.finishOverdue(ctx, now)
}

func (r *Reaper) cancelStaleWaiting(ctx context.Context, now time.Time) {
	stale, err := r.duels.ListStaleWaiting(ctx, now.Add(-r.joinTTL), sweepBatch)
	if err != nil {
		r.log.WithError(err).Error("stale-waiting query failed")
		return
	}
	for _, duel := range stale {
		cancelled, err := r.duels.CancelWaiting(ctx, duel.ID)
		if err != nil {
			r.log.WithError(err).WithField("duel_id", duel.ID).Error("expire cancel failed")
			continue
		}
		if !cancelled {
			continue // joined or cancelled since the listing
		}
		r.log.WithField("duel_id", duel.ID).Info("expired unjoined duel")
		r.publishFresh(ctx, duel.ID)
	}
}

func (r *Reaper) finishOverdue(ctx context.Context, now time.Time) {
	overdue, err := r.duels.ListOverdue(ctx, now, sweepBatch)
	if err != nil {
		r.log.WithError(err).Error("overdue query failed")
		return
	}
	for _, duel := range overdue {
		claimed, err := r.duels.FinishDuel(ctx, duel.ID, now)
		if err != nil {
			r.log.WithError(err).WithField("duel_id", duel.ID).Error("forfeit finish failed")
			continue
		}
		if !claimed {
			continue // players finished it themselves
		}
		r.log.WithFields(logrus.Fields{
			"duel_id":  duel.ID,
			"deadline": duel.Deadline,
		}).Info("force-finished overdue duel")
		r.publishFresh(ctx, duel.ID)
	}
}

func (r *Reaper) publishFresh(ctx context.Context, duelID uint) {
	fresh, err := r.duels.GetByID(ctx, duelID)
	if err != nil {
		r.log.WithError(err).WithField("duel_id", duelID).Warn("post-sweep read failed")
		return
	}
	if err := r.publisher.Publish(ctx, services.SnapshotOf(fresh)); err != nil {
		r.log.WithError(err).WithField("duel_id", duelID).Warn("post-sweep publish failed")
	}
}
