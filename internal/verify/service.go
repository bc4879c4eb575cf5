package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classattend/internal/classkey"
	"classattend/internal/metrics"
	"classattend/internal/notify"
	"classattend/internal/presence"
	"classattend/internal/session"
)

// ErrTimeout marks collaborator unavailability during claim evaluation.
// Unlike a rejection it is retryable: no definitive decision was made.
var ErrTimeout = errors.New("claim evaluation timed out")

// SessionSource is the slice of the session store claims read from.
type SessionSource interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	FindActiveOverlapping(ctx context.Context, key classkey.Key, now time.Time) (*session.Session, error)
}

// PresenceStore is the slice of the presence store claims write to.
type PresenceStore interface {
	Exists(ctx context.Context, studentID string, date time.Time, period string) (bool, error)
	Insert(ctx context.Context, rec presence.Record) (presence.Record, error)
}

// Directory resolves claimant identity data from the external directory.
type Directory interface {
	LookupTemplate(ctx context.Context, studentID string) ([]float64, error)
	LookupClassKey(ctx context.Context, studentID string) (classkey.Key, error)
}

// Service runs the pipeline against live stores and records accepted
// claims. The in-memory checks never suspend; the store and directory
// lookups are the only suspension points and share one short deadline.
type Service struct {
	sessions SessionSource
	presence PresenceStore
	dir      Directory
	notifier notify.Notifier
	logger   *zap.Logger
	clock    func() time.Time
	timeout  time.Duration
}

// NewService wires a claim service.
func NewService(sessions SessionSource, pres PresenceStore, dir Directory, notifier notify.Notifier, logger *zap.Logger, timeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{
		sessions: sessions,
		presence: pres,
		dir:      dir,
		notifier: notifier,
		logger:   logger,
		clock:    time.Now,
		timeout:  timeout,
	}
}

// SetClock injects a time source for tests.
func (s *Service) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Result is the outcome of a submitted claim. Record is set when a new
// presence row was written for this claim.
type Result struct {
	Decision Decision
	Record   *presence.Record
}

// SubmitTokenClaim evaluates a claim carrying a scanned rotating token.
func (s *Service) SubmitTokenClaim(ctx context.Context, claim Claim) (Result, error) {
	claim.Kind = KindToken
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.sessions.Get(ctx, claim.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		// A claim against a vanished session is a definitive rejection,
		// not a lookup failure.
		return s.finish(ctx, claim, reject(Rejection{Reason: ReasonInvalidOrExpiredToken}), nil), nil
	}
	if err != nil {
		return Result{}, s.collaboratorErr("session lookup", err)
	}
	return s.evaluate(ctx, claim, sess)
}

// SubmitAmbientClaim evaluates a direct self-service capture. The governing
// session, if any, is the active one overlapping the claimant's class key.
func (s *Service) SubmitAmbientClaim(ctx context.Context, claim Claim) (Result, error) {
	claim.Kind = KindAmbient
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, err := s.dir.LookupClassKey(ctx, claim.StudentID)
	if err != nil {
		return Result{}, s.collaboratorErr("class key lookup", err)
	}
	sess, err := s.sessions.FindActiveOverlapping(ctx, key, s.clock())
	if err != nil {
		return Result{}, s.collaboratorErr("session lookup", err)
	}
	return s.evaluateWithKey(ctx, claim, sess, key)
}

func (s *Service) evaluate(ctx context.Context, claim Claim, sess *session.Session) (Result, error) {
	key, err := s.dir.LookupClassKey(ctx, claim.StudentID)
	if err != nil {
		return Result{}, s.collaboratorErr("class key lookup", err)
	}
	return s.evaluateWithKey(ctx, claim, sess, key)
}

func (s *Service) evaluateWithKey(ctx context.Context, claim Claim, sess *session.Session, key classkey.Key) (Result, error) {
	template, err := s.dir.LookupTemplate(ctx, claim.StudentID)
	if err != nil {
		return Result{}, s.collaboratorErr("template lookup", err)
	}

	now := s.clock()
	date := presence.DateOf(now)
	period := presence.GeneralPeriod
	if sess != nil {
		period = presence.ResolvePeriod(sess.Period)
	}

	marked, err := s.presence.Exists(ctx, claim.StudentID, date, period)
	if err != nil {
		return Result{}, s.collaboratorErr("duplicate check", err)
	}

	decision := Evaluate(claim, sess, template, key, marked, now)
	if !decision.Accepted {
		return s.finish(ctx, claim, decision, nil), nil
	}

	rec, err := s.presence.Insert(ctx, presence.Record{
		StudentID:  claim.StudentID,
		Date:       date,
		RecordedAt: now,
		Period:     period,
		Status:     presence.StatusPresent,
		PhotoURL:   claim.PhotoURL,
		Liveness:   claim.Liveness,
		Verified:   true,
		Manual:     false,
	})
	if errors.Is(err, presence.ErrDuplicate) {
		// Lost the insert race (typically to a reconcile back-fill). The
		// claimant's accept stands; the existing row is authoritative.
		s.logger.Info("claim insert raced an existing record",
			zap.String("student", claim.StudentID), zap.String("period", period))
		return s.finish(ctx, claim, decision, nil), nil
	}
	if err != nil {
		return Result{}, s.collaboratorErr("presence insert", err)
	}
	return s.finish(ctx, claim, decision, &rec), nil
}

// finish records metrics and pushes the student-facing confirmation.
func (s *Service) finish(ctx context.Context, claim Claim, decision Decision, rec *presence.Record) Result {
	if decision.Accepted {
		metrics.Claims.WithLabelValues("accepted").Inc()
		payload := map[string]any{"event": "presence_recorded", "student_id": claim.StudentID}
		if rec != nil {
			payload["record_id"] = rec.ID
			payload["period"] = rec.Period
		}
		if s.notifier != nil {
			if err := s.notifier.Publish(ctx, notify.StudentTopic(claim.StudentID), payload); err != nil {
				s.logger.Warn("notify publish failed", zap.Error(err))
			}
		}
	} else {
		metrics.Claims.WithLabelValues("rejected").Inc()
		metrics.ClaimRejections.WithLabelValues(string(decision.Rejection.Reason)).Inc()
	}
	return Result{Decision: decision, Record: rec}
}

func (s *Service) collaboratorErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.Claims.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	metrics.Claims.WithLabelValues("error").Inc()
	return fmt.Errorf("%s: %w", op, err)
}
