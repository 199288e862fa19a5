package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/trace-crm/internal/auth"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

const userKey = "user"

// SyncService is the part of sync.Manager the HTTP surface drives
type SyncService interface {
	Sync(ctx context.Context, userID string, provider sync.ProviderName) (*sync.Summary, error)
	Connect(ctx context.Context, userID string, provider sync.ProviderName, code string) (*sync.Connection, error)
	Disconnect(ctx context.Context, userID string, provider sync.ProviderName) error
	Connections(ctx context.Context, userID string) ([]sync.Connection, error)
	AuthCodeURL(provider sync.ProviderName, state string) (string, error)
}

// Verifier authenticates a request's bearer token
type Verifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

type SyncRequest struct {
	Provider string `json:"provider" binding:"required"`
}

type ConnectRequest struct {
	Provider string `json:"provider" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// ConnectionView is a connection without its credentials
type ConnectionView struct {
	Provider       sync.ProviderName `json:"provider"`
	Email          string            `json:"email"`
	LastSyncAt     *time.Time        `json:"last_sync_at"`
	LastSyncStatus sync.RunState     `json:"last_sync_status,omitempty"`
	LastSyncError  string            `json:"last_sync_error,omitempty"`
	NeedsReauth    bool              `json:"needs_reauth"`
	ConnectedAt    time.Time         `json:"connected_at"`
}

// NewConnectionView strips credentials from c
func NewConnectionView(c *sync.Connection) ConnectionView {
	return ConnectionView{
		Provider:       c.Provider,
		Email:          c.Mailbox,
		LastSyncAt:     c.LastSyncAt,
		LastSyncStatus: c.LastStatus,
		LastSyncError:  c.LastError,
		NeedsReauth:    c.NeedsReauth,
		ConnectedAt:    c.CreatedAt,
	}
}

// Server exposes email sync over HTTP
type Server struct {
	svc      SyncService
	verifier Verifier
	log      logrus.FieldLogger
	engine   *gin.Engine
}

// New builds the gin engine and registers routes
func New(svc SyncService, verifier Verifier, log logrus.FieldLogger) *Server {
	s := &Server{svc: svc, verifier: verifier, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	email := r.Group("/api/email")
	email.Use(s.authMiddleware())
	email.POST("/sync", s.handleSync)
	email.GET("/connections", s.handleListConnections)
	email.POST("/connections", s.handleConnect)
	email.DELETE("/connections/:provider", s.handleDisconnect)
	email.GET("/:provider/auth", s.handleAuthURL)

	s.engine = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			s.log.WithError(err).Debug("rejecting request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet(userKey).(*auth.User)
}

func (s *Server) handleSync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider, err := sync.ParseProviderName(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_kind": sync.KindUnknownProvider})
		return
	}

	user := currentUser(c)
	sum, err := s.svc.Sync(c.Request.Context(), user.ID, provider)
	if err != nil {
		s.writeSyncError(c, sum, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// writeSyncError maps a failed run onto a status. The body always carries the
// partial summary.
func (s *Server) writeSyncError(c *gin.Context, sum *sync.Summary, err error) {
	kind := sync.ErrorKind(err)
	body := gin.H{
		"error":      err.Error(),
		"error_kind": kind,
		"summary":    sum,
	}

	status := http.StatusInternalServerError
	switch kind {
	case sync.KindConnectionNotFound:
		status = http.StatusNotFound
	case sync.KindAuthExpired:
		status = http.StatusUnauthorized
		body["needs_reauth"] = true
	case sync.KindProviderUnavailable, sync.KindCanceled:
		status = http.StatusServiceUnavailable
		retry := sync.DefaultRetryAfter
		if sum != nil && sum.RetryAfter > 0 {
			retry = sum.RetryAfter
		}
		secs := int(math.Ceil(retry.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retry_after_seconds"] = secs
	case sync.KindSyncInProgress:
		status = http.StatusConflict
	case sync.KindUnknownProvider:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		body["error"] = "sync failed"
		s.log.WithError(err).Error("sync request failed")
	}
	c.JSON(status, body)
}

func (s *Server) handleListConnections(c *gin.Context) {
	user := currentUser(c)
	conns, err := s.svc.Connections(c.Request.Context(), user.ID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("list connections")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list connections"})
		return
	}

	views := make([]ConnectionView, 0, len(conns))
	for i := range conns {
		views = append(views, NewConnectionView(&conns[i]))
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

func (s *Server) handleAuthURL(c *gin.Context) {
	provider, err := sync.ParseProviderName(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state := uuid.NewString()
	url, err := s.svc.AuthCodeURL(provider, state)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "state": state})
}

func (s *Server) handleConnect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider, err := sync.ParseProviderName(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := currentUser(c)
	conn, err := s.svc.Connect(c.Request.Context(), user.ID, provider, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrUnknownProvider):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, sync.ErrAuthExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "error_kind": sync.KindAuthExpired})
		case errors.Is(err, sync.ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "error_kind": sync.KindProviderUnavailable})
		default:
			s.log.WithError(err).WithField("user_id", user.ID).Error("connect mailbox")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to connect mailbox"})
		}
		return
	}
	c.JSON(http.StatusCreated, NewConnectionView(conn))
}

func (s *Server) handleDisconnect(c *gin.Context) {
	provider, err := sync.ParseProviderName(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := currentUser(c)
	if err := s.svc.Disconnect(c.Request.Context(), user.ID, provider); err != nil {
		if errors.Is(err, sync.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.WithError(err).WithField("user_id", user.ID).Error("disconnect mailbox")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect mailbox"})
		return
	}
	c.Status(http.StatusNoContent)
}
