package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"classattend/internal/classkey"
	"classattend/internal/notify"
	"classattend/internal/presence"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func (s *memStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) FindActiveOverlapping(_ context.Context, key classkey.Key, now time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(key, now), nil
}

func (s *memStore) findLocked(key classkey.Key, now time.Time) *Session {
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && sess.EndTime.After(now) && sess.Key.Overlaps(key) {
			cp := *sess
			return &cp
		}
	}
	return nil
}

func (s *memStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.findLocked(sess.Key, sess.StartTime); existing != nil {
		return ErrActiveExists
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) Close(_ context.Context, id, closedBy, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusActive {
		return false, nil
	}
	sess.Status = StatusClosed
	sess.EndTime = at
	sess.ClosedBy = closedBy
	sess.CloseReason = reason
	return true, nil
}

func (s *memStore) UpdateToken(_ context.Context, id, token string, expiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusActive {
		return false, nil
	}
	sess.Token = token
	sess.TokenExpiry = expiry
	sess.TokenEnabled = true
	return true, nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && !sess.EndTime.After(now) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memPresence struct {
	mu      sync.Mutex
	records map[string]presence.Record // keyed by student|date|period
	failFor map[string]error           // injected insert failures
}

func newMemPresence() *memPresence {
	return &memPresence{records: make(map[string]presence.Record), failFor: make(map[string]error)}
}

func tripleKey(student string, date time.Time, period string) string {
	return student + "|" + presence.DateOf(date).Format("2006-01-02") + "|" + presence.ResolvePeriod(period)
}

func (p *memPresence) Insert(_ context.Context, rec presence.Record) (presence.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failFor[rec.StudentID]; ok {
		return presence.Record{}, err
	}
	key := tripleKey(rec.StudentID, rec.Date, rec.Period)
	if _, exists := p.records[key]; exists {
		return presence.Record{}, presence.ErrDuplicate
	}
	p.records[key] = rec
	return rec, nil
}

func (p *memPresence) StudentsMarked(_ context.Context, date time.Time, period string) (map[string]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]struct{})
	suffix := "|" + presence.DateOf(date).Format("2006-01-02") + "|" + presence.ResolvePeriod(period)
	for key, rec := range p.records {
		if key == rec.StudentID+suffix {
			out[rec.StudentID] = struct{}{}
		}
	}
	return out, nil
}

type fakeRoster struct {
	students []string
	err      error
}

func (f *fakeRoster) ListRoster(context.Context, classkey.Key) ([]string, error) {
	return f.students, f.err
}

type fakeAuthz struct {
	elevated map[string]bool
}

func (f *fakeAuthz) HasElevatedAuthorityOver(_ context.Context, actor Actor, _ classkey.Key) (bool, error) {
	return f.elevated[actor.ID], nil
}

type fixture struct {
	store    *memStore
	presence *memPresence
	roster   *fakeRoster
	authz    *fakeAuthz
	notifier *notify.InMemory
	manager  *Manager
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		presence: newMemPresence(),
		roster:   &fakeRoster{students: []string{"s1", "s2", "s3"}},
		authz:    &fakeAuthz{elevated: map[string]bool{}},
		notifier: notify.NewInMemory(),
		now:      time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC),
	}
	f.manager = NewManager(f.store, f.presence, f.roster, f.authz, f.notifier, zap.NewNop(), 30*time.Second)
	f.manager.SetClock(func() time.Time { return f.now })
	return f
}

var csKey = classkey.Key{Department: "CS", Year: 2, Section: "A"}

func (f *fixture) open(t *testing.T, req OpenRequest) *Session {
	t.Helper()
	sess, err := f.manager.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return sess
}

func TestOpenSetsExactEndTime(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, OpenRequest{
		Actor: Actor{ID: "staff-a", Role: "staff"}, Key: csKey, Period: "Period1", Duration: 60 * time.Minute,
	})

	if !sess.StartTime.Equal(f.now) {
		t.Fatalf("start = %v, want %v", sess.StartTime, f.now)
	}
	if want := f.now.Add(60 * time.Minute); !sess.EndTime.Equal(want) {
		t.Fatalf("end = %v, want %v", sess.EndTime, want)
	}
	if sess.Status != StatusActive {
		t.Fatalf("status = %v", sess.Status)
	}
}

func TestOpenInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Open(context.Background(), OpenRequest{
		Actor: Actor{ID: "staff-a"}, Key: classkey.Key{Department: "", Year: 2}, Duration: time.Hour,
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	_, err = f.manager.Open(context.Background(), OpenRequest{
		Actor: Actor{ID: "staff-a"}, Key: csKey, Duration: 0,
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestOpenConflictAndOverride(t *testing.T) {
	f := newFixture(t)
	first := f.open(t, OpenRequest{
		Actor: Actor{ID: "staff-a", Role: "staff"}, Key: csKey, Period: "Period1", Duration: 60 * time.Minute,
	})

	// five minutes later staff B tries the same class
	f.now = f.now.Add(5 * time.Minute)

	_, err := f.manager.Open(context.Background(), OpenRequest{
		Actor: Actor{ID: "staff-b", Role: "staff"}, Key: csKey, Period: "Period1", Duration: 60 * time.Minute,
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.Existing.ID != first.ID || conflict.Existing.Owner != "staff-a" {
		t.Fatalf("conflict summary = %+v", conflict.Existing)
	}
	if conflict.CanOverride {
		t.Fatal("staff-b should not be able to override without authority")
	}

	// override without authority is forbidden
	_, err = f.manager.Open(context.Background(), OpenRequest{
		Actor: Actor{ID: "staff-b", Role: "staff"}, Key: csKey, Duration: 60 * time.Minute, Override: true,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	// as faculty advisor, override closes A's session and opens B's
	f.authz.elevated["staff-b"] = true
	replacement := f.open(t, OpenRequest{
		Actor: Actor{ID: "staff-b", Role: "staff"}, Key: csKey, Period: "Period1",
		Duration: 60 * time.Minute, Override: true,
	})

	old, _ := f.store.Get(context.Background(), first.ID)
	if old.Status != StatusClosed || old.CloseReason != CloseReasonOverridden || old.ClosedBy != "staff-b" {
		t.Fatalf("displaced session = %+v", old)
	}
	if !old.EndTime.Equal(f.now) {
		t.Fatalf("displaced end = %v, want %v", old.EndTime, f.now)
	}
	if !replacement.StartTime.Equal(f.now) || !replacement.EndTime.Equal(f.now.Add(60*time.Minute)) {
		t.Fatalf("replacement window = %v..%v", replacement.StartTime, replacement.EndTime)
	}
}

func TestOpenSelfReplace(t *testing.T) {
	f := newFixture(t)
	actor := Actor{ID: "staff-a", Role: "staff"}
	first := f.open(t, OpenRequest{Actor: actor, Key: csKey, Duration: time.Hour})

	f.now = f.now.Add(10 * time.Minute)
	second := f.open(t, OpenRequest{Actor: actor, Key: csKey, Duration: time.Hour})

	old, _ := f.store.Get(context.Background(), first.ID)
	if old.Status != StatusClosed || old.CloseReason != CloseReasonReplaced {
		t.Fatalf("old session = %+v", old)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh session")
	}
}

func TestWildcardSectionConflicts(t *testing.T) {
	f := newFixture(t)
	// a section-less session blocks every concrete section of CS year 2
	f.open(t, OpenRequest{
		Actor: Actor{ID: "staff-a", Role: "staff"},
		Key:   classkey.Key{Department: "CS", Year: 2}, Duration: time.Hour,
	})

	_, err := f.manager.Open(context.Background(), OpenRequest{
		Actor: Actor{ID: "staff-b", Role: "staff"}, Key: csKey, Duration: time.Hour,
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestSingleActivePerKeyUnderRace(t *testing.T) {
	f := newFixture(t)
	// bypass the manager's pre-check by hitting the store's conditional
	// create from two goroutines
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.Open(context.Background(), OpenRequest{
				Actor: Actor{ID: "staff-" + string(rune('a'+i)), Role: "staff"},
				Key:   csKey, Duration: time.Hour,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d opens succeeded, want exactly 1", succeeded)
	}

	active := 0
	for _, sess := range f.store.sessions {
		if sess.Status == StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d active sessions, want 1", active)
	}
}

func TestCloseAuthorization(t *testing.T) {
	f := newFixture(t)
	owner := Actor{ID: "staff-a", Role: "staff"}
	sess := f.open(t, OpenRequest{Actor: owner, Key: csKey, Duration: time.Hour})

	if err := f.manager.Close(context.Background(), "missing", owner); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := f.manager.Close(context.Background(), sess.ID, Actor{ID: "staff-b"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if err := f.manager.Close(context.Background(), sess.ID, owner); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// closing again is a no-op
	if err := f.manager.Close(context.Background(), sess.ID, owner); err != nil {
		t.Fatalf("second close = %v", err)
	}
}

func TestCloseReconcilesAbsences(t *testing.T) {
	f := newFixture(t)
	owner := Actor{ID: "staff-a", Role: "staff"}
	sess := f.open(t, OpenRequest{Actor: owner, Key: csKey, Period: "Period1", Duration: time.Hour})

	// s1 checked in during the window
	_, err := f.presence.Insert(context.Background(), presence.Record{
		StudentID: "s1", Date: f.now, Period: "Period1", Status: presence.StatusPresent,
	})
	if err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(30 * time.Minute)
	if err := f.manager.Close(context.Background(), sess.ID, owner); err != nil {
		t.Fatal(err)
	}

	date := presence.DateOf(sess.StartTime)
	marked, _ := f.presence.StudentsMarked(context.Background(), date, "Period1")
	if len(marked) != 3 {
		t.Fatalf("marked = %v, want all 3 roster members", marked)
	}

	// s1 keeps the present record; s2/s3 get absent back-fills
	s1 := f.presence.records[tripleKey("s1", date, "Period1")]
	if s1.Status != presence.StatusPresent {
		t.Fatalf("s1 status = %v, reconcile must not overwrite", s1.Status)
	}
	for _, id := range []string{"s2", "s3"} {
		rec := f.presence.records[tripleKey(id, date, "Period1")]
		if rec.Status != presence.StatusAbsent || !rec.Manual || rec.MarkedBy != "staff-a" || !rec.Verified {
			t.Fatalf("%s back-fill = %+v", id, rec)
		}
	}
}

func TestReconcileAbsorbsFailures(t *testing.T) {
	f := newFixture(t)
	owner := Actor{ID: "staff-a", Role: "staff"}
	sess := f.open(t, OpenRequest{Actor: owner, Key: csKey, Duration: time.Hour})

	// one student's insert blows up; the sweep must still cover the rest
	f.presence.failFor["s2"] = errors.New("connection reset")

	if err := f.manager.Close(context.Background(), sess.ID, owner); err != nil {
		t.Fatalf("close should absorb per-student failures, got %v", err)
	}
	date := presence.DateOf(sess.StartTime)
	for _, id := range []string{"s1", "s3"} {
		if _, ok := f.presence.records[tripleKey(id, date, sess.Period)]; !ok {
			t.Fatalf("%s not back-filled", id)
		}
	}
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	owner := Actor{ID: "staff-a", Role: "staff"}
	sess := f.open(t, OpenRequest{Actor: owner, Key: csKey, Period: "Period1", Duration: 60 * time.Minute})

	// 11:06, one minute past the deadline
	f.now = f.now.Add(66 * time.Minute)

	expired, err := f.manager.ExpireOverdue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	closed, _ := f.store.Get(context.Background(), sess.ID)
	if closed.Status != StatusClosed || closed.CloseReason != CloseReasonExpired {
		t.Fatalf("session = %+v", closed)
	}

	date := presence.DateOf(sess.StartTime)
	marked, _ := f.presence.StudentsMarked(context.Background(), date, "Period1")
	if len(marked) != 3 {
		t.Fatalf("marked = %d, want 3 absent back-fills", len(marked))
	}

	// sweeping again finds nothing
	expired, err = f.manager.ExpireOverdue(context.Background())
	if err != nil || expired != 0 {
		t.Fatalf("second sweep = (%d, %v), want (0, nil)", expired, err)
	}
}

func TestRotateToken(t *testing.T) {
	f := newFixture(t)
	owner := Actor{ID: "staff-a", Role: "staff"}
	sess := f.open(t, OpenRequest{Actor: owner, Key: csKey, Duration: time.Hour, EnableToken: true})

	first, err := f.manager.RotateToken(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Token == sess.Token {
		t.Fatal("rotation must produce a new token")
	}
	if want := f.now.Add(30 * time.Second); !first.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", first.ExpiresAt, want)
	}

	second, err := f.manager.RotateToken(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token == first.Token {
		t.Fatal("successive rotations must differ")
	}

	// rotation on a closed session fails
	if err := f.manager.Close(context.Background(), sess.ID, owner); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.RotateToken(context.Background(), sess.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestOpenPublishesNotifications(t *testing.T) {
	f := newFixture(t)
	f.open(t, OpenRequest{
		Actor: Actor{ID: "staff-a", Role: "staff"}, Key: csKey, Duration: time.Hour,
	})

	events := f.notifier.Events()
	topics := make(map[string]bool)
	for _, e := range events {
		topics[e.Topic] = true
	}
	if !topics["class:CS:2:A"] {
		t.Fatalf("class topic not published, got %v", topics)
	}
	if !topics[notify.TopicStaff] {
		t.Fatalf("staff topic not published, got %v", topics)
	}
}
