package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classattend/internal/auth"
	"classattend/internal/classkey"
	"classattend/internal/config"
	"classattend/internal/directory"
	"classattend/internal/geo"
	"classattend/internal/photos"
	"classattend/internal/presence"
	"classattend/internal/session"
	"classattend/internal/verify"
)

// API owns the HTTP handlers for the attendance core.
type API struct {
	cfg      config.App
	log      *zap.Logger
	manager  *session.Manager
	sessions *session.PgStore
	claims   *verify.Service
	presence *presence.Store
	dir      *directory.Client
	photos   *photos.Client
}

// New wires the handler set. photos may be nil when snapshot storage is
// not configured.
func New(cfg config.App, log *zap.Logger, manager *session.Manager, sessions *session.PgStore,
	claims *verify.Service, pres *presence.Store, dir *directory.Client, ph *photos.Client) *API {
	return &API{
		cfg:      cfg,
		log:      log,
		manager:  manager,
		sessions: sessions,
		claims:   claims,
		presence: pres,
		dir:      dir,
		photos:   ph,
	}
}

// Register mounts the authenticated v1 routes.
func (a *API) Register(r *gin.Engine) {
	v1 := r.Group("/v1", auth.Require(a.cfg.JWTSigningKey, a.cfg.JWTIssuer))

	staff := v1.Group("", auth.RequireStaff())
	staff.POST("/sessions", a.openSession)
	staff.GET("/sessions/mine", a.listMySessions)
	staff.POST("/sessions/:id/close", a.closeSession)
	staff.POST("/sessions/:id/rotate", a.rotateToken)
	staff.POST("/presence", a.manualMark)
	staff.PATCH("/presence/:id", a.updatePresence)
	staff.POST("/enroll/check", a.enrollCheck)

	v1.GET("/sessions/active", a.activeSession)
	v1.POST("/claims/token", a.tokenClaim)
	v1.POST("/claims/ambient", a.ambientClaim)
	v1.GET("/presence", a.listPresence)
}

type geofenceBody struct {
	Lat     float64 `json:"lat" binding:"required"`
	Lng     float64 `json:"lng" binding:"required"`
	RadiusM float64 `json:"radius_m" binding:"required,gt=0"`
}

type openSessionRequest struct {
	Department          string        `json:"department" binding:"required"`
	Year                int           `json:"year" binding:"required,gt=0"`
	Section             string        `json:"section"`
	Period              string        `json:"period"`
	DurationMinutes     int           `json:"duration_minutes" binding:"required,gt=0"`
	Geofence            *geofenceBody `json:"geofence"`
	RequireVerification bool          `json:"require_verification"`
	EnableToken         bool          `json:"enable_token"`
	Override            bool          `json:"override"`
}

func (a *API) openSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	open := session.OpenRequest{
		Actor:               actorFrom(c),
		Key:                 classkey.Key{Department: req.Department, Year: req.Year, Section: req.Section},
		Period:              req.Period,
		Duration:            time.Duration(req.DurationMinutes) * time.Minute,
		RequireVerification: req.RequireVerification,
		EnableToken:         req.EnableToken,
		Override:            req.Override,
	}
	if req.Geofence != nil {
		open.Geofence = &session.Geofence{
			Center:  geo.Point{Lat: req.Geofence.Lat, Lng: req.Geofence.Lng},
			RadiusM: req.Geofence.RadiusM,
		}
	}

	sess, err := a.manager.Open(c.Request.Context(), open)
	if err != nil {
		a.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (a *API) closeSession(c *gin.Context) {
	if err := a.manager.Close(c.Request.Context(), c.Param("id"), actorFrom(c)); err != nil {
		a.writeSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) rotateToken(c *gin.Context) {
	payload, err := a.manager.RotateToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (a *API) activeSession(c *gin.Context) {
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "numeric year required"})
		return
	}
	key := classkey.Key{Department: c.Query("department"), Year: year, Section: c.Query("section")}
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := a.sessions.FindActiveOverlapping(c.Request.Context(), key, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) listMySessions(c *gin.Context) {
	limit, offset := pagination(c)
	sessions, err := a.sessions.ListByOwner(c.Request.Context(), actorFrom(c).ID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type claimRequest struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	Embedding []float64 `json:"embedding"`
	Liveness  *float64  `json:"liveness"`
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Photo     string    `json:"photo"`
}

func (a *API) buildClaim(c *gin.Context, req claimRequest) verify.Claim {
	claim := verify.Claim{
		StudentID: auth.FromContext(c).Subject,
		SessionID: req.SessionID,
		Token:     req.Token,
		Embedding: req.Embedding,
		Liveness:  req.Liveness,
	}
	if req.Lat != nil && req.Lng != nil {
		claim.Location = &geo.Point{Lat: *req.Lat, Lng: *req.Lng}
	}
	if req.Photo != "" && a.photos != nil {
		if uploaded, err := a.photos.UploadBase64(req.Photo); err != nil {
			a.log.Warn("snapshot upload failed", zap.Error(err))
		} else {
			claim.PhotoURL = uploaded.SecureURL
		}
	}
	return claim
}

func (a *API) tokenClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
		return
	}
	result, err := a.claims.SubmitTokenClaim(c.Request.Context(), a.buildClaim(c, req))
	a.writeClaimResult(c, result, err)
}

func (a *API) ambientClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := a.claims.SubmitAmbientClaim(c.Request.Context(), a.buildClaim(c, req))
	a.writeClaimResult(c, result, err)
}

func (a *API) writeClaimResult(c *gin.Context, result verify.Result, err error) {
	if err != nil {
		if errors.Is(err, verify.ErrTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "lookup timed out", "retryable": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !result.Decision.Accepted {
		status := http.StatusUnprocessableEntity
		if result.Decision.Rejection.Reason == verify.ReasonAlreadyMarked {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"rejection": result.Decision.Rejection})
		return
	}
	resp := gin.H{"status": "accepted"}
	if result.Record != nil {
		resp["record"] = result.Record
	}
	c.JSON(http.StatusCreated, resp)
}

type manualMarkRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	Date      string `json:"date" binding:"required"`
	Period    string `json:"period"`
	Status    string `json:"status" binding:"required"`
}

func (a *API) manualMark(c *gin.Context) {
	var req manualMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	status := presence.Status(req.Status)
	if !presence.ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	rec, err := a.presence.Insert(c.Request.Context(), presence.Record{
		StudentID:  req.StudentID,
		Date:       date,
		RecordedAt: time.Now().UTC(),
		Period:     req.Period,
		Status:     status,
		Verified:   true,
		MarkedBy:   actorFrom(c).ID,
		Manual:     true,
	})
	if errors.Is(err, presence.ErrDuplicate) {
		c.JSON(http.StatusConflict, gin.H{"error": "already marked for this day and period"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (a *API) updatePresence(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := presence.Status(req.Status)
	if !presence.ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	err := a.presence.UpdateStatus(c.Request.Context(), c.Param("id"), status, actorFrom(c).ID)
	switch {
	case errors.Is(err, presence.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, presence.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "record marked by another actor"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (a *API) listPresence(c *gin.Context) {
	claims := auth.FromContext(c)
	studentID := c.Query("student_id")
	// Students may only read their own history.
	if !auth.StaffRole(claims.Role) {
		studentID = claims.Subject
	}
	if studentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "student_id required"})
		return
	}

	limit, offset := pagination(c)
	records, err := a.presence.ListForStudent(c.Request.Context(), studentID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (a *API) enrollCheck(c *gin.Context) {
	var req struct {
		Embedding []float64 `json:"embedding" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	registered, err := a.dir.ListTemplates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "directory unavailable"})
		return
	}
	if err := verify.CheckEnrollment(req.Embedding, registered); err != nil {
		var collision *verify.CollisionError
		if errors.As(err, &collision) {
			c.JSON(http.StatusConflict, gin.H{"error": "embedding collides with a registered template", "distance": collision.Distance})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) writeSessionError(c *gin.Context, err error) {
	var conflict *session.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":        "conflict",
			"existing":     conflict.Existing,
			"can_override": conflict.CanOverride,
		})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
	case errors.Is(err, session.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not active"})
	case errors.Is(err, session.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.log.Error("session operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actorFrom(c *gin.Context) session.Actor {
	claims := auth.FromContext(c)
	return session.Actor{ID: claims.Subject, Role: claims.Role}
}

func pagination(c *gin.Context) (int, int) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}
