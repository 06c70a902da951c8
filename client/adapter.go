// Package client reconciles a participant's local timers and input with
// the authoritative duel state. It talks to the coordinator only through
// the DuelAPI and the change feed; there is no channel to the opponent.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"duelgo/models"
	"duelgo/services"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Phase is the adapter's tagged state. Reconciliation is a total
// function of (phase, incoming snapshot); there are no side flags.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseWaiting   Phase = "waiting"
	PhasePlaying   Phase = "playing"
	PhaseFinished  Phase = "finished"
	PhaseCancelled Phase = "cancelled"
	PhaseErrored   Phase = "errored"
)

func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseCancelled || p == PhaseErrored
}

// DuelAPI is the server surface the adapter drives. *services.DuelService
// satisfies it directly; an RPC client would too.
type DuelAPI interface {
	GetDuel(ctx context.Context, duelID uint) (*services.DuelSnapshot, error)
	GetQuestions(ctx context.Context, duelID uint) ([]services.RoundView, error)
	SubmitAnswer(ctx context.Context, duelID, userID uint, roundNumber int, selected string, clientElapsedMs int) (*services.AnswerReveal, error)
	FinishDuel(ctx context.Context, duelID, userID uint) (*services.DuelResult, error)
}

// ChangeFeed is the subscription side of the notifier.
type ChangeFeed interface {
	Subscribe(ctx context.Context, duelID uint) (<-chan services.DuelSnapshot, func(), error)
}

var (
	ErrNotPlaying      = errors.New("no round is accepting input")
	ErrAlreadyAnswered = errors.New("round already answered")
)

// Adapter runs one participant's side of a duel.
type Adapter struct {
	api    DuelAPI
	feed   ChangeFeed
	clock  clockwork.Clock
	log    *logrus.Entry
	duelID uint
	userID uint
	budget time.Duration

	mu         sync.Mutex
	phase      Phase
	rounds     []services.RoundView
	current    int // index into rounds
	submitted  bool
	roundStart time.Time
	timer      clockwork.Timer
	snapshot   *services.DuelSnapshot
	result     *services.DuelResult
	lastErr    error
	cancelFeed func()
	done       chan struct{}
}

func NewAdapter(api DuelAPI, feed ChangeFeed, clock clockwork.Clock, log *logrus.Logger, duelID, userID uint, budget time.Duration) *Adapter {
	return &Adapter{
		api:    api,
		feed:   feed,
		clock:  clock,
		log: log.WithFields(logrus.Fields{
			"component": "client_adapter",
			"duel_id":   duelID,
			"user_id":   userID,
		}),
		duelID: duelID,
		userID: userID,
		budget: budget,
		phase:  PhaseIdle,
		done:   make(chan struct{}),
	}
}

// Start performs the initial full fetch, subscribes to the change feed,
// and begins reconciling. The subscription is opened before the fetch
// so no mutation can fall between the two.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.phase != PhaseIdle {
		a.mu.Unlock()
		return errors.New("adapter already started")
	}
	a.phase = PhaseLoading
	a.mu.Unlock()

	snaps, cancel, err := a.feed.Subscribe(ctx, a.duelID)
	if err != nil {
		a.fail(err)
		return err
	}
	a.mu.Lock()
	a.cancelFeed = cancel
	a.mu.Unlock()

	snap, err := a.api.GetDuel(ctx, a.duelID)
	if err != nil {
		cancel()
		a.fail(err)
		return err
	}
	a.Apply(ctx, snap)

	go a.pump(ctx, snaps)
	return nil
}

func (a *Adapter) pump(ctx context.Context, snaps <-chan services.DuelSnapshot) {
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			a.Apply(ctx, &snap)
			if a.Phase().Terminal() {
				a.shutdown()
				return
			}
		}
	}
}

// Apply reconciles one authoritative snapshot into the local state.
// Notifications are treated as "something changed" signals; a stale or
// out-of-order snapshot for an earlier status is ignored once the local
// phase has moved past it.
func (a *Adapter) Apply(ctx context.Context, snap *services.DuelSnapshot) {
	a.mu.Lock()
	if a.phase.Terminal() {
		a.mu.Unlock()
		return
	}
	a.snapshot = snap

	switch snap.Status {
	case models.DuelWaiting:
		if a.phase == PhaseLoading {
			a.phase = PhaseWaiting
		}
		a.mu.Unlock()

	case models.DuelPlaying:
		alreadyPlaying := a.phase == PhasePlaying
		a.phase = PhasePlaying
		a.mu.Unlock()
		if !alreadyPlaying {
			a.enterPlaying(ctx)
		}

	case models.DuelFinished:
		a.stopTimerLocked()
		a.phase = PhaseFinished
		a.result = &services.DuelResult{
			DuelID:     snap.DuelID,
			Status:     snap.Status,
			WinnerID:   snap.WinnerID,
			HostScore:  snap.HostScore,
			GuestScore: snap.GuestScore,
		}
		a.mu.Unlock()
		a.log.WithField("winner_id", snap.WinnerID).Info("duel finished")

	case models.DuelCancelled:
		a.stopTimerLocked()
		a.phase = PhaseCancelled
		a.mu.Unlock()

	default:
		a.mu.Unlock()
	}
}

// enterPlaying fetches the frozen question list once and opens round 1.
func (a *Adapter) enterPlaying(ctx context.Context) {
	rounds, err := a.api.GetQuestions(ctx, a.duelID)
	if err != nil {
		a.fail(err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhasePlaying || a.rounds != nil {
		return
	}
	a.rounds = rounds
	a.openRoundLocked(ctx, 0)
}

// openRoundLocked arms the countdown for round index i. The timer is a
// separate task: it keeps running while any network call is in flight.
func (a *Adapter) openRoundLocked(ctx context.Context, i int) {
	a.current = i
	a.submitted = false
	a.roundStart = a.clock.Now()
	round := a.rounds[i].RoundNumber
	a.timer = a.clock.AfterFunc(a.budget, func() {
		a.timeout(ctx, round)
	})
}

// Select submits the player's choice for the active round. Exactly one
// selection per round; later calls return ErrAlreadyAnswered.
func (a *Adapter) Select(ctx context.Context, optionKey string) error {
	a.mu.Lock()
	if a.phase != PhasePlaying || a.rounds == nil || a.current >= len(a.rounds) {
		a.mu.Unlock()
		return ErrNotPlaying
	}
	if a.submitted {
		a.mu.Unlock()
		return ErrAlreadyAnswered
	}
	// Input is disabled the moment a submission is attempted; the ledger
	// constraint remains the real duplicate guard.
	a.submitted = true
	a.stopTimerLocked()
	round := a.rounds[a.current].RoundNumber
	elapsed := int(a.clock.Since(a.roundStart) / time.Millisecond)
	a.mu.Unlock()

	a.submit(ctx, round, optionKey, elapsed)
	return nil
}

// timeout fires when the countdown expires with no selection: submit
// the no-answer sentinel with the full budget elapsed.
func (a *Adapter) timeout(ctx context.Context, round int) {
	a.mu.Lock()
	if a.phase != PhasePlaying || a.submitted || a.rounds == nil ||
		a.current >= len(a.rounds) || a.rounds[a.current].RoundNumber != round {
		a.mu.Unlock()
		return
	}
	a.submitted = true
	a.mu.Unlock()

	a.log.WithField("round", round).Info("round timed out")
	a.submit(ctx, round, "", int(a.budget/time.Millisecond))
}

// submit posts the answer and advances. A failed submission is a soft
// failure: log it, move on, and let the next snapshot reconcile.
func (a *Adapter) submit(ctx context.Context, round int, selected string, elapsedMs int) {
	reveal, err := a.api.SubmitAnswer(ctx, a.duelID, a.userID, round, selected, elapsedMs)
	if err != nil {
		a.log.WithError(err).WithField("round", round).Warn("submission failed, continuing")
	} else {
		a.log.WithFields(logrus.Fields{
			"round":   round,
			"correct": reveal.IsCorrect,
			"points":  reveal.PointsEarned,
		}).Info("answer graded")
	}

	a.mu.Lock()
	if a.phase != PhasePlaying {
		a.mu.Unlock()
		return
	}
	last := a.current >= len(a.rounds)-1
	if !last {
		a.openRoundLocked(ctx, a.current+1)
		a.mu.Unlock()
		return
	}
	a.current = len(a.rounds)
	a.mu.Unlock()

	a.maybeFinish(ctx)
}

// maybeFinish runs after the final round resolves. A non-terminal
// result means the opponent is still playing; keep listening.
func (a *Adapter) maybeFinish(ctx context.Context) {
	result, err := a.api.FinishDuel(ctx, a.duelID, a.userID)
	if err != nil {
		a.log.WithError(err).Warn("finish attempt failed, waiting on feed")
		return
	}
	if result.Status != models.DuelFinished {
		a.log.Info("all rounds answered, waiting for opponent")
		return
	}

	a.mu.Lock()
	if a.phase.Terminal() {
		a.mu.Unlock()
		return
	}
	a.stopTimerLocked()
	a.phase = PhaseFinished
	a.result = result
	a.mu.Unlock()
	a.log.WithField("winner_id", result.WinnerID).Info("duel finished")
}

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	if a.phase.Terminal() {
		a.mu.Unlock()
		return
	}
	a.stopTimerLocked()
	a.phase = PhaseErrored
	a.lastErr = err
	a.mu.Unlock()
	a.log.WithError(err).Error("adapter errored")
}

func (a *Adapter) shutdown() {
	a.mu.Lock()
	cancel := a.cancelFeed
	a.cancelFeed = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

func (a *Adapter) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Phase returns the current tagged state.
func (a *Adapter) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// CurrentRound returns the public view of the round awaiting input, or
// nil when none is.
func (a *Adapter) CurrentRound() *services.RoundView {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhasePlaying || a.rounds == nil || a.current >= len(a.rounds) || a.submitted {
		return nil
	}
	round := a.rounds[a.current]
	return &round
}

// Result returns the terminal outcome once the adapter is Finished.
func (a *Adapter) Result() *services.DuelResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Snapshot returns the last reconciled authoritative snapshot.
func (a *Adapter) Snapshot() *services.DuelSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// Err returns the error that moved the adapter to Errored.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Done closes when the adapter reaches a terminal phase and has
// released its feed subscription.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}
