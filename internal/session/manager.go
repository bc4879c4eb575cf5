package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/classkey"
	"classattend/internal/metrics"
	"classattend/internal/notify"
	"classattend/internal/presence"
)

// Store is the session persistence contract the manager operates against.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	FindActiveOverlapping(ctx context.Context, key classkey.Key, now time.Time) (*Session, error)
	Create(ctx context.Context, sess *Session) error
	Close(ctx context.Context, id, closedBy, reason string, at time.Time) (bool, error)
	UpdateToken(ctx context.Context, id, token string, expiry time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Session, error)
}

// PresenceStore is the slice of the presence store reconciliation needs.
type PresenceStore interface {
	Insert(ctx context.Context, rec presence.Record) (presence.Record, error)
	StudentsMarked(ctx context.Context, date time.Time, period string) (map[string]struct{}, error)
}

// Roster resolves class membership from the identity directory.
type Roster interface {
	ListRoster(ctx context.Context, key classkey.Key) ([]string, error)
}

// Authorizer decides whether an actor may override someone else's session.
type Authorizer interface {
	HasElevatedAuthorityOver(ctx context.Context, actor Actor, key classkey.Key) (bool, error)
}

// Manager orchestrates the session lifecycle: open with conflict
// resolution, token rotation, closure and expiry with reconciliation.
type Manager struct {
	store        Store
	presence     PresenceStore
	roster       Roster
	authz        Authorizer
	notifier     notify.Notifier
	logger       *zap.Logger
	clock        func() time.Time
	tokenRefresh time.Duration
}

// NewManager wires a manager. clock may be nil for wall time.
func NewManager(store Store, pres PresenceStore, roster Roster, authz Authorizer, notifier notify.Notifier, logger *zap.Logger, tokenRefresh time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokenRefresh <= 0 {
		tokenRefresh = 30 * time.Second
	}
	return &Manager{
		store:        store,
		presence:     pres,
		roster:       roster,
		authz:        authz,
		notifier:     notifier,
		logger:       logger,
		clock:        time.Now,
		tokenRefresh: tokenRefresh,
	}
}

// SetClock injects a time source; used by expiry and rotation tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// OpenRequest carries the parameters for opening an attendance window.
type OpenRequest struct {
	Actor               Actor
	Key                 classkey.Key
	Period              string
	Duration            time.Duration
	Geofence            *Geofence
	RequireVerification bool
	EnableToken         bool
	Override            bool
}

// Open creates a new active session for the class key. A competing active
// session owned by the same actor is silently replaced; one owned by
// another actor yields a ConflictError unless override is requested and
// the actor holds elevated authority over the class.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalid)
	}

	now := m.clock()
	existing, err := m.store.FindActiveOverlapping(ctx, req.Key, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := m.displace(ctx, req, existing, now); err != nil {
			return nil, err
		}
	}

	sess := &Session{
		ID:                  uuid.NewString(),
		Owner:               req.Actor.ID,
		Key:                 req.Key,
		Period:              req.Period,
		StartTime:           now,
		EndTime:             now.Add(req.Duration),
		Status:              StatusActive,
		Geofence:            req.Geofence,
		RequireVerification: req.RequireVerification,
	}
	if req.EnableToken {
		sess.Token = uuid.NewString()
		sess.TokenExpiry = now.Add(m.tokenRefresh)
		sess.TokenEnabled = true
	}

	if err := m.store.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrActiveExists) {
			// Lost a race with another open between our lookup and the
			// store's atomic re-validation.
			return nil, m.conflictFor(ctx, req, now)
		}
		return nil, err
	}

	metrics.SessionsOpened.Inc()
	m.publish(ctx, sess.Key.Topic(), openedEvent(sess))
	m.publish(ctx, notify.TopicStaff, openedEvent(sess))
	m.logger.Info("session opened",
		zap.String("session", sess.ID),
		zap.String("class", sess.Key.String()),
		zap.String("owner", sess.Owner),
		zap.Time("ends", sess.EndTime))
	return sess, nil
}

// displace resolves the conflict with an existing active session before a
// new one is created.
func (m *Manager) displace(ctx context.Context, req OpenRequest, existing *Session, now time.Time) error {
	if existing.Owner == req.Actor.ID {
		if _, err := m.store.Close(ctx, existing.ID, req.Actor.ID, CloseReasonReplaced, now); err != nil {
			return err
		}
		metrics.SessionsClosed.WithLabelValues(CloseReasonReplaced).Inc()
		return nil
	}

	canOverride, err := m.authz.HasElevatedAuthorityOver(ctx, req.Actor, existing.Key)
	if err != nil {
		return err
	}
	if !req.Override {
		return &ConflictError{Existing: summarize(existing), CanOverride: canOverride}
	}
	if !canOverride {
		return fmt.Errorf("%w: override requires elevated authority over %s", ErrForbidden, existing.Key.String())
	}
	if _, err := m.store.Close(ctx, existing.ID, req.Actor.ID, CloseReasonOverridden, now); err != nil {
		return err
	}
	metrics.SessionsClosed.WithLabelValues(CloseReasonOverridden).Inc()
	m.publish(ctx, existing.Key.Topic(), closedEvent(existing, CloseReasonOverridden))
	return nil
}

func (m *Manager) conflictFor(ctx context.Context, req OpenRequest, now time.Time) error {
	existing, err := m.store.FindActiveOverlapping(ctx, req.Key, now)
	if err != nil || existing == nil {
		return &ConflictError{CanOverride: false}
	}
	canOverride, _ := m.authz.HasElevatedAuthorityOver(ctx, req.Actor, existing.Key)
	return &ConflictError{Existing: summarize(existing), CanOverride: canOverride}
}

// Close reconciles and closes a session on explicit staff request. Only
// the owner may close; closing an already-closed session is a no-op.
func (m *Manager) Close(ctx context.Context, id string, actor Actor) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Owner != actor.ID {
		return ErrForbidden
	}
	if sess.Status == StatusClosed {
		return nil
	}

	m.reconcile(ctx, sess)

	now := m.clock()
	closed, err := m.store.Close(ctx, id, actor.ID, CloseReasonClosed, now)
	if err != nil {
		return err
	}
	if closed {
		metrics.SessionsClosed.WithLabelValues(CloseReasonClosed).Inc()
		m.publish(ctx, sess.Key.Topic(), closedEvent(sess, CloseReasonClosed))
		m.publish(ctx, notify.TopicStaff, closedEvent(sess, CloseReasonClosed))
		m.logger.Info("session closed", zap.String("session", id), zap.String("by", actor.ID))
	}
	return nil
}

// ExpireOverdue reconciles and closes every active session whose deadline
// has passed. Safe to run concurrently with Close: both converge on the
// closed status through the store's conditional transition.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	now := m.clock()
	overdue, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range overdue {
		m.reconcile(ctx, sess)
		closed, err := m.store.Close(ctx, sess.ID, "", CloseReasonExpired, now)
		if err != nil {
			m.logger.Warn("expire close failed", zap.String("session", sess.ID), zap.Error(err))
			continue
		}
		if !closed {
			continue // raced with a manual close; already converged
		}
		expired++
		metrics.SessionsClosed.WithLabelValues(CloseReasonExpired).Inc()
		m.publish(ctx, sess.Key.Topic(), closedEvent(sess, CloseReasonExpired))
		m.logger.Info("session expired", zap.String("session", sess.ID), zap.String("class", sess.Key.String()))
	}
	return expired, nil
}

// RotateToken issues a fresh rotating token on an active session and
// returns the tuple for external rendering as a scannable code.
func (m *Manager) RotateToken(ctx context.Context, id string) (TokenPayload, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return TokenPayload{}, err
	}
	now := m.clock()
	if !sess.ActiveAt(now) {
		return TokenPayload{}, ErrNotActive
	}

	token := uuid.NewString()
	expiry := now.Add(m.tokenRefresh)
	ok, err := m.store.UpdateToken(ctx, id, token, expiry)
	if err != nil {
		return TokenPayload{}, err
	}
	if !ok {
		return TokenPayload{}, ErrNotActive
	}
	metrics.TokenRotations.Inc()
	return TokenPayload{SessionID: id, Token: token, ExpiresAt: expiry}, nil
}

// reconcile back-fills an absent record for every roster member with no
// presence outcome for the session's day and period. Individual insert
// failures are absorbed so one bad row never aborts the sweep; a duplicate
// means a claim landed first and the student is covered.
func (m *Manager) reconcile(ctx context.Context, sess *Session) {
	roster, err := m.roster.ListRoster(ctx, sess.Key)
	if err != nil {
		m.logger.Warn("reconcile roster lookup failed",
			zap.String("session", sess.ID), zap.String("class", sess.Key.String()), zap.Error(err))
		return
	}

	date := presence.DateOf(sess.StartTime)
	period := presence.ResolvePeriod(sess.Period)
	marked, err := m.presence.StudentsMarked(ctx, date, period)
	if err != nil {
		m.logger.Warn("reconcile marked lookup failed", zap.String("session", sess.ID), zap.Error(err))
		return
	}

	now := m.clock()
	absents, failures := 0, 0
	for _, student := range roster {
		if _, ok := marked[student]; ok {
			continue
		}
		_, err := m.presence.Insert(ctx, presence.Record{
			StudentID:  student,
			Date:       date,
			RecordedAt: now,
			Period:     period,
			Status:     presence.StatusAbsent,
			Verified:   true,
			MarkedBy:   sess.Owner,
			Manual:     true,
		})
		if errors.Is(err, presence.ErrDuplicate) {
			continue // a claim won the race; student is covered
		}
		if err != nil {
			failures++
			continue
		}
		absents++
	}

	metrics.ReconcileAbsents.Add(float64(absents))
	metrics.ReconcileFailures.Add(float64(failures))
	m.logger.Info("session reconciled",
		zap.String("session", sess.ID),
		zap.String("class", sess.Key.String()),
		zap.Int("roster", len(roster)),
		zap.Int("absent", absents),
		zap.Int("failures", failures))
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) {
	if m.notifier == nil {
		return
	}
	// Delivery is best effort; correctness never depends on it.
	if err := m.notifier.Publish(ctx, topic, payload); err != nil {
		m.logger.Warn("notify publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func summarize(sess *Session) Summary {
	return Summary{ID: sess.ID, Owner: sess.Owner, Key: sess.Key, Period: sess.Period, EndTime: sess.EndTime}
}

func openedEvent(sess *Session) map[string]any {
	return map[string]any{
		"event":      "session_opened",
		"session_id": sess.ID,
		"class":      sess.Key,
		"period":     sess.Period,
		"ends_at":    sess.EndTime,
	}
}

func closedEvent(sess *Session, reason string) map[string]any {
	return map[string]any{
		"event":      "session_closed",
		"session_id": sess.ID,
		"class":      sess.Key,
		"reason":     reason,
	}
}
