package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/gokatarajesh/daily-quiz/internal/broadcast"
	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/metrics"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
	"github.com/gokatarajesh/daily-quiz/internal/session"
)

// Sessions is the part of the session state machine the driver owns.
type Sessions interface {
	Start(ctx context.Context, quizID uuid.UUID) (bool, error)
	Advance(ctx context.Context, quizID uuid.UUID) (session.AdvanceResult, error)
	Snapshot(ctx context.Context, quizID uuid.UUID) (*quiz.Quiz, error)
	Recover(ctx context.Context) ([]uuid.UUID, error)
	Forget(quizID uuid.UUID)
}

// Finalizer ends quizzes and announces results. Both calls are idempotent.
type Finalizer interface {
	Finalize(ctx context.Context, quizID uuid.UUID) (bool, error)
	Announce(ctx context.Context, quizID uuid.UUID) (bool, error)
}

// Notifier emits the driver's own client messages.
type Notifier interface {
	TimeRemaining(ctx context.Context, quizID uuid.UUID, index int, remaining time.Duration)
	QuizAlert(ctx context.Context, q *quiz.Quiz, now time.Time)
	QuizReady(ctx context.Context, q *quiz.Quiz, now time.Time)
}

// Controller relays control actions to other instances.
type Controller interface {
	Control(ctx context.Context, quizID uuid.UUID, action string)
}

// DriverOptions tune the per-quiz question loop.
type DriverOptions struct {
	TickInterval   time.Duration
	AdvanceRetries uint64
	RetryBase      time.Duration
	// Grace keeps a question open past its duration; it must match the answer intake's.
	Grace time.Duration
	// EndPadding is added to the expected end before an end job may finalize a running quiz.
	EndPadding time.Duration
}

func (o DriverOptions) withDefaults() DriverOptions {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.AdvanceRetries == 0 {
		o.AdvanceRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	return o
}

type chain struct {
	cancel context.CancelFunc
}

// Driver handles lifecycle jobs and owns one question loop per live quiz it holds the
// lease for.
type Driver struct {
	repo      quiz.Repository
	sessions  Sessions
	finalizer Finalizer
	notifier  Notifier
	control   Controller
	lease     Lease
	clock     clock.Clock
	opts      DriverOptions
	logger    zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	chains map[uuid.UUID]*chain
}

// NewDriver wires a lifecycle driver. control may be nil in single-instance setups.
func NewDriver(repo quiz.Repository, sessions Sessions, finalizer Finalizer, notifier Notifier, control Controller, lease Lease, clk clock.Clock, opts DriverOptions, logger zerolog.Logger) *Driver {
	if clk == nil {
		clk = clock.Real{}
	}
	if lease == nil {
		lease = LocalLease{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Driver{
		repo:      repo,
		sessions:  sessions,
		finalizer: finalizer,
		notifier:  notifier,
		control:   control,
		lease:     lease,
		clock:     clk,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "driver").Logger(),
		base:      base,
		cancel:    cancel,
		chains:    make(map[uuid.UUID]*chain),
	}
}

// Handle is the Handler given to the scheduling strategy.
func (d *Driver) Handle(ctx context.Context, job Job) error {
	outcome, err := d.handle(ctx, job)
	var deferred *DeferError
	if err != nil && !errors.As(err, &deferred) {
		outcome = "error"
	}
	metrics.LifecycleJobs.WithLabelValues(string(job.Kind), outcome).Inc()
	return err
}

func (d *Driver) handle(ctx context.Context, job Job) (string, error) {
	log := d.logger.With().Str("job_id", job.ID).Logger()

	switch job.Kind {
	case KindAlert, KindReady:
		q, err := d.repo.GetQuiz(ctx, job.QuizID)
		if errors.Is(err, quiz.ErrQuizNotFound) {
			log.Debug().Msg("misfire: quiz not found")
			return "misfire", nil
		}
		if err != nil {
			return "", err
		}
		if q.Status != quiz.StatusScheduled {
			log.Debug().Str("status", string(q.Status)).Msg("misfire: quiz no longer scheduled")
			return "misfire", nil
		}
		if job.Kind == KindAlert {
			d.notifier.QuizAlert(ctx, q, d.clock.Now())
		} else {
			d.notifier.QuizReady(ctx, q, d.clock.Now())
		}
		return "ok", nil

	case KindStart:
		started, err := d.ManualStart(ctx, job.QuizID)
		switch {
		case errors.Is(err, quiz.ErrMalformedQuiz):
			return "failed", nil
		case errors.Is(err, quiz.ErrQuizNotFound):
			log.Debug().Msg("misfire: quiz not found")
			return "misfire", nil
		case err != nil:
			return "", err
		case !started:
			// Redelivered after a crash: the quiz may be live with nobody driving it.
			d.resume(ctx, job.QuizID)
			return "misfire", nil
		}
		return "ok", nil

	case KindEnd:
		q, err := d.repo.GetQuiz(ctx, job.QuizID)
		if errors.Is(err, quiz.ErrQuizNotFound) {
			log.Debug().Msg("misfire: quiz not found")
			return "misfire", nil
		}
		if err != nil {
			return "", err
		}
		if q.Status != quiz.StatusScheduled && q.Status != quiz.StatusLive {
			log.Debug().Str("status", string(q.Status)).Msg("misfire: quiz already finalized")
			return "misfire", nil
		}
		if until := d.endDue(q); until.After(d.clock.Now()) {
			log.Info().Time("until", until).Msg("quiz still running; end deferred")
			return "deferred", Defer(until)
		}
		ended, err := d.EndNow(ctx, job.QuizID)
		if err != nil {
			return "", err
		}
		if !ended {
			log.Debug().Msg("misfire: quiz already finalized")
			return "misfire", nil
		}
		return "ok", nil

	case KindResults:
		announced, err := d.finalizer.Announce(ctx, job.QuizID)
		if err != nil {
			return "", err
		}
		if !announced {
			log.Debug().Msg("misfire: results already announced")
			return "misfire", nil
		}
		return "ok", nil
	}

	log.Warn().Str("kind", string(job.Kind)).Msg("unknown job kind")
	return "unknown", nil
}

// endDue is the earliest instant an end job may finalize q. A live quiz is measured from its
// open question, so late starts and recovery restarts move the end back. A quiz still
// waiting for its start job is measured from now.
func (d *Driver) endDue(q *quiz.Quiz) time.Time {
	o := Offsets{Grace: d.opts.Grace, EndPadding: d.opts.EndPadding}
	if q.Status == quiz.StatusScheduled {
		pending := *q
		if now := d.clock.Now(); now.After(pending.ScheduledAt) {
			pending.ScheduledAt = now
		}
		return EndOf(&pending, o)
	}
	return EndOf(q, o)
}

// ManualStart goes through the same claim as the scheduled start and begins driving the
// quiz when this call won the claim.
func (d *Driver) ManualStart(ctx context.Context, quizID uuid.UUID) (bool, error) {
	started, err := d.sessions.Start(ctx, quizID)
	if err != nil || !started {
		return started, err
	}
	d.drive(quizID)
	return true, nil
}

// EndNow stops the quiz wherever it is driven and finalizes it immediately.
func (d *Driver) EndNow(ctx context.Context, quizID uuid.UUID) (bool, error) {
	d.stop(quizID)
	if d.control != nil {
		d.control.Control(ctx, quizID, broadcast.ActionStop)
	}
	return d.finalizer.Finalize(ctx, quizID)
}

// HandleControl reacts to control messages from other instances.
func (d *Driver) HandleControl(_ context.Context, quizID uuid.UUID, action string) {
	if action != broadcast.ActionStop {
		return
	}
	if d.stop(quizID) {
		d.logger.Info().Str("quiz_id", quizID.String()).Msg("question loop stopped remotely")
	}
	d.sessions.Forget(quizID)
}

// Recover resumes live quizzes that have no local loop, taking the lease for each.
func (d *Driver) Recover(ctx context.Context) error {
	ids, err := d.sessions.Recover(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if d.Running(id) {
			continue
		}
		d.drive(id)
	}
	return nil
}

// Running reports whether this process drives quizID.
func (d *Driver) Running(quizID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.chains[quizID]
	return ok
}

// Stop cancels every loop and waits for them to exit. Quizzes stay live in the store and
// are recovered by whichever instance takes their lease next.
func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Driver) resume(ctx context.Context, quizID uuid.UUID) {
	if d.Running(quizID) {
		return
	}
	q, err := d.sessions.Snapshot(ctx, quizID)
	if err != nil || !q.IsLive() {
		return
	}
	d.drive(quizID)
}

func (d *Driver) drive(quizID uuid.UUID) {
	if d.Running(quizID) || d.base.Err() != nil {
		return
	}

	held, err := d.lease.Acquire(d.base, quizID)
	if err != nil {
		d.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("lease unavailable; will retry on next pass")
		d.sessions.Forget(quizID)
		return
	}
	if !held {
		d.logger.Debug().Str("quiz_id", quizID.String()).Msg("quiz driven by another instance")
		d.sessions.Forget(quizID)
		return
	}

	d.mu.Lock()
	if _, ok := d.chains[quizID]; ok {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.base)
	c := &chain{cancel: cancel}
	d.chains[quizID] = c
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info().Str("quiz_id", quizID.String()).Msg("driving quiz")
	go d.loop(ctx, quizID, c)
}

// stop cancels the local loop of quizID. Reports whether one was running.
func (d *Driver) stop(quizID uuid.UUID) bool {
	d.mu.Lock()
	c, ok := d.chains[quizID]
	delete(d.chains, quizID)
	d.mu.Unlock()
	if ok {
		c.cancel()
	}
	return ok
}

func (d *Driver) release(quizID uuid.UUID, c *chain) {
	d.mu.Lock()
	if d.chains[quizID] == c {
		delete(d.chains, quizID)
	}
	d.mu.Unlock()
	c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.lease.Release(ctx, quizID); err != nil {
		d.logger.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("lease release failed")
	}
	d.wg.Done()
}

// loop closes each question at its own start instant plus the duration and grace, so
// processing delays never accumulate across questions.
func (d *Driver) loop(ctx context.Context, quizID uuid.UUID, c *chain) {
	defer d.release(quizID, c)
	log := d.logger.With().Str("quiz_id", quizID.String()).Logger()

	for {
		q, err := d.sessions.Snapshot(ctx, quizID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, quiz.ErrQuizNotFound):
			log.Debug().Msg("quiz vanished; loop aborted")
			return
		case err != nil:
			log.Warn().Err(err).Msg("snapshot failed; retrying")
			if !d.sleep(ctx, d.opts.TickInterval) {
				return
			}
			continue
		}
		if !q.IsLive() || q.QuestionStartedAt == nil {
			return
		}

		if !d.await(ctx, q) {
			return
		}

		res, err := d.advance(ctx, quizID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, quiz.ErrQuizNotLive), errors.Is(err, quiz.ErrQuizNotFound):
			log.Debug().Msg("quiz no longer live; loop aborted")
			return
		case err != nil:
			log.Error().Err(err).Msg("advance failed after retries; ending quiz")
			d.finalize(quizID)
			return
		case res.Done:
			d.finalize(quizID)
			return
		}
	}
}

// await blocks until the current question's deadline plus grace while emitting countdown
// ticks and refreshing the lease. Answers arriving in the grace window still find the
// question open. Returns false when the loop must stop.
func (d *Driver) await(ctx context.Context, q *quiz.Quiz) bool {
	closeAt := q.QuestionDeadline().Add(d.opts.Grace)
	timer := time.NewTimer(max(0, closeAt.Sub(d.clock.Now())))
	ticker := time.NewTicker(d.opts.TickInterval)
	defer timer.Stop()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			held, err := d.lease.Refresh(ctx, q.ID)
			if err != nil {
				d.logger.Warn().Err(err).Str("quiz_id", q.ID.String()).Msg("lease refresh failed")
			} else if !held {
				d.logger.Warn().Str("quiz_id", q.ID.String()).Msg("lease lost; handing quiz over")
				d.sessions.Forget(q.ID)
				return false
			}
			remaining := quiz.Remaining(q.QuestionDuration, *q.QuestionStartedAt, d.clock.Now())
			d.notifier.TimeRemaining(ctx, q.ID, q.CurrentQuestionIndex, remaining)
		}
	}
}

func (d *Driver) advance(ctx context.Context, quizID uuid.UUID) (session.AdvanceResult, error) {
	var res session.AdvanceResult
	backoff := retry.WithMaxRetries(d.opts.AdvanceRetries, retry.NewExponential(d.opts.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := d.sessions.Advance(ctx, quizID)
		if err != nil {
			if errors.Is(err, quiz.ErrQuizNotLive) || errors.Is(err, quiz.ErrQuizNotFound) {
				return err
			}
			metrics.StoreRetries.WithLabelValues("advance").Inc()
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	return res, err
}

func (d *Driver) finalize(quizID uuid.UUID) {
	if d.base.Err() != nil {
		return
	}
	ended, err := d.finalizer.Finalize(d.base, quizID)
	if err != nil {
		d.logger.Error().Err(err).Str("quiz_id", quizID.String()).Msg("finalize failed; end job will retry")
		return
	}
	d.logger.Info().Str("quiz_id", quizID.String()).Bool("ended", ended).Msg("question loop finished")
}

func (d *Driver) sleep(ctx context.Context, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
