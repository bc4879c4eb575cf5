package verify

import (
	"time"

	"classattend/internal/classkey"
	"classattend/internal/geo"
	"classattend/internal/session"
)

// Thresholds governing the pipeline. Token-based claims get a stricter
// biometric bar: possessing a scanned code is weaker proof of physical
// presence than a direct capture, so the face match compensates.
const (
	LivenessThreshold       = 0.8
	BiometricThresholdToken = 0.45
	BiometricThresholdSelf  = 0.6
	EnrollmentThreshold     = 0.4
	GeofenceToleranceFactor = 1.2
)

// Kind distinguishes the two claim paths.
type Kind string

const (
	// KindToken claims carry a scanned rotating token tied to a session.
	KindToken Kind = "token"
	// KindAmbient claims are direct self-service captures.
	KindAmbient Kind = "ambient"
)

// Reason is a definitive, non-retryable rejection cause.
type Reason string

const (
	ReasonInvalidOrExpiredToken Reason = "InvalidOrExpiredToken"
	ReasonWrongClass            Reason = "WrongClass"
	ReasonTemplateNotRegistered Reason = "TemplateNotRegistered"
	ReasonLivenessFailed        Reason = "LivenessFailed"
	ReasonBiometricRequired     Reason = "BiometricRequired"
	ReasonBiometricMismatch     Reason = "BiometricMismatch"
	ReasonOutOfRange            Reason = "OutOfRange"
	ReasonAlreadyMarked         Reason = "AlreadyMarked"
)

// Claim is an unverified assertion of presence by a student.
type Claim struct {
	StudentID string     `json:"student_id"`
	Kind      Kind       `json:"kind"`
	SessionID string     `json:"session_id,omitempty"`
	Token     string     `json:"token,omitempty"`
	Embedding []float64  `json:"embedding,omitempty"`
	Liveness  *float64   `json:"liveness,omitempty"`
	Location  *geo.Point `json:"location,omitempty"`
	PhotoURL  string     `json:"photo_url,omitempty"`
}

// Rejection carries the reason plus enough structured detail for the
// caller to render an actionable message.
type Rejection struct {
	Reason         Reason   `json:"reason"`
	Distance       *float64 `json:"distance,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	MeasuredMeters *float64 `json:"measured_meters,omitempty"`
	AllowedMeters  *float64 `json:"allowed_meters,omitempty"`
}

// Decision is the pipeline outcome: accept, or reject with a reason.
type Decision struct {
	Accepted  bool       `json:"accepted"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

func reject(r Rejection) Decision {
	return Decision{Rejection: &r}
}

func f(v float64) *float64 { return &v }

// Evaluate runs the ordered checks against a claim, the governing session
// snapshot (nil when none), the claimant's stored template and class key.
// It is a pure function of its inputs and the supplied clock instant:
// identical inputs always yield the identical decision. alreadyMarked is
// the advisory duplicate snapshot; the store's uniqueness constraint
// remains authoritative at insert time.
func Evaluate(claim Claim, sess *session.Session, template []float64, claimantKey classkey.Key, alreadyMarked bool, now time.Time) Decision {
	if claim.Kind == KindToken {
		if !sess.ActiveAt(now) || !sess.TokenEnabled ||
			sess.Token == "" || claim.Token != sess.Token || !sess.TokenExpiry.After(now) {
			return reject(Rejection{Reason: ReasonInvalidOrExpiredToken})
		}
		if !claimantKey.Overlaps(sess.Key) {
			return reject(Rejection{Reason: ReasonWrongClass})
		}
	}

	if len(template) == 0 {
		return reject(Rejection{Reason: ReasonTemplateNotRegistered})
	}

	if claim.Liveness != nil && *claim.Liveness < LivenessThreshold {
		return reject(Rejection{Reason: ReasonLivenessFailed, Score: claim.Liveness, Threshold: f(LivenessThreshold)})
	}

	threshold := BiometricThresholdSelf
	if claim.Kind == KindToken {
		threshold = BiometricThresholdToken
	}
	switch {
	case len(claim.Embedding) == 0:
		// A session may waive the face check for claims that omit it.
		if sess == nil || sess.RequireVerification {
			return reject(Rejection{Reason: ReasonBiometricRequired})
		}
	default:
		distance, err := geo.Euclidean(claim.Embedding, template)
		if err != nil {
			return reject(Rejection{Reason: ReasonBiometricMismatch, Threshold: f(threshold)})
		}
		if distance > threshold {
			return reject(Rejection{Reason: ReasonBiometricMismatch, Distance: f(distance), Threshold: f(threshold)})
		}
	}

	// Scanning a short-lived rotating code already proves co-location, so
	// the geofence is waived entirely on the token path.
	if sess != nil && sess.Geofence != nil && claim.Kind != KindToken {
		allowed := sess.Geofence.RadiusM * GeofenceToleranceFactor
		if claim.Location == nil {
			return reject(Rejection{Reason: ReasonOutOfRange, AllowedMeters: f(allowed)})
		}
		measured := geo.SurfaceDistance(sess.Geofence.Center, *claim.Location)
		if measured > allowed {
			return reject(Rejection{Reason: ReasonOutOfRange, MeasuredMeters: f(measured), AllowedMeters: f(allowed)})
		}
	}

	if alreadyMarked {
		return reject(Rejection{Reason: ReasonAlreadyMarked})
	}

	return Decision{Accepted: true}
}

// CollisionError reports an enrollment candidate matching an already
// registered template too closely.
type CollisionError struct {
	Index    int
	Distance float64
}

func (e *CollisionError) Error() string {
	return "candidate embedding collides with a registered template"
}

// CheckEnrollment guards template registration: the candidate must not sit
// within the enrollment threshold of any other registered template. This is
// a one-time check, separate from the per-claim pipeline, and deliberately
// looser than the match thresholds.
func CheckEnrollment(candidate []float64, registered [][]float64) error {
	for i, other := range registered {
		distance, err := geo.Euclidean(candidate, other)
		if err != nil {
			continue // differently sized templates cannot collide
		}
		if distance <= EnrollmentThreshold {
			return &CollisionError{Index: i, Distance: distance}
		}
	}
	return nil
}
