package session

import (
	"errors"
	"time"

	"classattend/internal/classkey"
	"classattend/internal/geo"
)

// Status of an attendance window. Transitions only active→closed.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Close reasons written to the audit fields.
const (
	CloseReasonClosed     = "closed"
	CloseReasonReplaced   = "replaced"
	CloseReasonOverridden = "overridden"
	CloseReasonExpired    = "expired"
)

var (
	// ErrNotFound signals the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden signals the actor lacks authority for the operation.
	ErrForbidden = errors.New("actor not authorized for session")
	// ErrNotActive signals an operation that requires an active session.
	ErrNotActive = errors.New("session is not active")
	// ErrInvalid signals malformed open parameters.
	ErrInvalid = errors.New("invalid session parameters")
	// ErrActiveExists is returned by the store when the conditional create
	// loses to a concurrent open for an overlapping class key.
	ErrActiveExists = errors.New("an active session already exists for this class")
)

// Geofence is the accepted physical area for ambient claims.
type Geofence struct {
	Center  geo.Point `json:"center"`
	RadiusM float64   `json:"radius_m"`
}

// Session is one scheduled attendance window for a class key, owned by one
// staff actor. Closed sessions are retained for reporting, never deleted.
type Session struct {
	ID                  string       `json:"id"`
	Owner               string       `json:"owner"`
	Key                 classkey.Key `json:"class_key"`
	Period              string       `json:"period,omitempty"`
	StartTime           time.Time    `json:"start_time"`
	EndTime             time.Time    `json:"end_time"`
	Status              Status       `json:"status"`
	Geofence            *Geofence    `json:"geofence,omitempty"`
	Token               string       `json:"-"`
	TokenExpiry         time.Time    `json:"-"`
	TokenEnabled        bool         `json:"token_enabled"`
	RequireVerification bool         `json:"require_verification"`
	ClosedBy            string       `json:"closed_by,omitempty"`
	CloseReason         string       `json:"close_reason,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// ActiveAt reports whether the window is open at the given instant.
func (s *Session) ActiveAt(now time.Time) bool {
	return s != nil && s.Status == StatusActive && s.EndTime.After(now)
}

// Summary is the view of a competing session carried in a Conflict outcome.
type Summary struct {
	ID      string       `json:"id"`
	Owner   string       `json:"owner"`
	Key     classkey.Key `json:"class_key"`
	Period  string       `json:"period,omitempty"`
	EndTime time.Time    `json:"end_time"`
}

// ConflictError reports a competing active session for the class key.
// CanOverride tells the caller whether retrying with override would succeed.
type ConflictError struct {
	Existing    Summary `json:"existing"`
	CanOverride bool    `json:"can_override"`
}

func (e *ConflictError) Error() string {
	return "active session " + e.Existing.ID + " already open for " + e.Existing.Key.String()
}

// Actor is the staff identity performing a lifecycle operation.
type Actor struct {
	ID   string
	Role string
}

// TokenPayload is the tuple handed to an external encoder for rendering as
// a scannable code.
type TokenPayload struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
