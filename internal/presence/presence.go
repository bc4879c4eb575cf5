package presence

import (
	"errors"
	"time"
)

// Status is the attendance outcome recorded for one student, day and period.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLeave   Status = "leave"
	StatusHalfDay Status = "halfday"
)

// GeneralPeriod is the bucket used when no session governs a claim. A
// session with an empty period label shares this bucket with ambient
// self-service claims, so the two can collide on the same day.
const GeneralPeriod = "General"

var (
	// ErrDuplicate signals the (student, date, period) uniqueness constraint fired.
	ErrDuplicate = errors.New("presence record already exists")
	// ErrNotFound signals the record is absent.
	ErrNotFound = errors.New("presence record not found")
	// ErrForbidden signals a mutation by someone other than the marking actor.
	ErrForbidden = errors.New("presence record owned by another actor")
)

// Record is one attendance outcome. The triple (StudentID, Date, Period)
// is unique, enforced by the store.
type Record struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	Date       time.Time `json:"date"`
	RecordedAt time.Time `json:"recorded_at"`
	Period     string    `json:"period"`
	Status     Status    `json:"status"`
	PhotoURL   string    `json:"photo_url,omitempty"`
	Liveness   *float64  `json:"liveness,omitempty"`
	Verified   bool      `json:"verified"`
	MarkedBy   string    `json:"marked_by,omitempty"`
	Manual     bool      `json:"manual"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidStatus reports whether s is one of the recordable outcomes.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLeave, StatusHalfDay:
		return true
	}
	return false
}

// ResolvePeriod maps an empty period label to the General bucket.
func ResolvePeriod(period string) string {
	if period == "" {
		return GeneralPeriod
	}
	return period
}

// DateOf truncates t to calendar-day granularity in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
