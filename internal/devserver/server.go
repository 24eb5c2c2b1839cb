package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"

	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/identity"
	"github.com/TheMichaelB/tasksync/internal/models"
)

const (
	subjectContextKey = "tasksync_subject"

	defaultIdempotencyTTL = 10 * time.Minute
	idempotencyCapacity   = 10000
	shutdownTimeout       = 5 * time.Second
)

var (
	errMissingStore         = errors.New("document store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(token string) (*identity.Identity, error)
}

// unverifiedTokens accepts any well-formed token. Used when the server runs
// without a signing secret.
type unverifiedTokens struct{}

func (unverifiedTokens) Validate(token string) (*identity.Identity, error) {
	return identity.ParseUnverified(token)
}

// Dependencies wires a Server.
type Dependencies struct {
	Store          *Store
	Tokens         TokenValidator
	IdempotencyTTL time.Duration
	Logger         *events.Logger
}

// Server is the development remote store.
type Server struct {
	store   *Store
	tokens  TokenValidator
	hub     *hub
	applied *ttlcache.Cache[string, models.WriteResponse]
	logger  *events.Logger

	upgrader websocket.Upgrader
	handler  http.Handler

	// Serializes writes so request id replays see the first result.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New builds a Server. A nil Tokens accepts unverified tokens.
func New(deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = events.NewNopLogger()
	}
	logger = logger.WithField("component", "devserver")

	tokens := deps.Tokens
	if tokens == nil {
		logger.Warn("No signing secret configured, accepting unverified tokens")
		tokens = unverifiedTokens{}
	}

	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	applied := ttlcache.New[string, models.WriteResponse](
		ttlcache.WithTTL[string, models.WriteResponse](ttl),
		ttlcache.WithCapacity[string, models.WriteResponse](idempotencyCapacity),
	)
	go applied.Start()

	s := &Server{
		store:   deps.Store,
		tokens:  tokens,
		hub:     newHub(),
		applied: applied,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.handler = s.routes()

	return s, nil
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", s.handleHealth)

	protected := router.Group("/v1")
	protected.Use(s.authorizeRequest)
	protected.POST("/collections/:collection/write", s.handleWrite)
	protected.GET("/subscribe", s.handleSubscribe)

	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("Dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down dev server")
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// DropConnections closes every open subscription connection. Clients see
// a lost connection and redial.
func (s *Server) DropConnections() {
	s.hub.closeAll()
}

// Connections returns the number of open subscription connections.
func (s *Server) Connections() int {
	return s.hub.Len()
}

// Close stops background work and drops open connections. The store is
// owned by the caller.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.applied.Stop()
		s.hub.closeAll()
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithError(c, http.StatusUnauthorized, models.ErrCodeAuth, errInvalidAuthorization.Error())
		return
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	id, err := s.tokens.Validate(token)
	if err != nil {
		s.logger.WithError(err).Debug("Rejected token")
		abortWithError(c, http.StatusUnauthorized, models.ErrCodeAuth, "unauthorized")
		return
	}

	c.Set(subjectContextKey, id.Subject)
	c.Next()
}

func (s *Server) handleWrite(c *gin.Context) {
	subject := c.GetString(subjectContextKey)

	collection, err := models.ParseCollection(c.Param("collection"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, models.ErrCodeNotFound, err.Error())
		return
	}

	var req models.WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, models.ErrCodeInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		abortWithError(c, http.StatusBadRequest, models.ErrCodeInvalid, "request_id is required")
		return
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"subject":    subject,
		"collection": collection,
		"kind":       req.Kind,
		"target":     req.TargetID,
		"request_id": req.RequestID,
	})

	key := subject + "/" + string(collection) + "/" + req.RequestID

	s.writeMu.Lock()
	if item := s.applied.Get(key); item != nil {
		s.writeMu.Unlock()
		logger.Debug("Replayed write")
		c.JSON(http.StatusOK, item.Value())
		return
	}

	resp, err := s.store.Apply(c.Request.Context(), subject, collection, req)
	if err == nil {
		s.applied.Set(key, *resp, ttlcache.DefaultTTL)
	}
	s.writeMu.Unlock()

	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			logger.WithError(err).Error("Write failed")
		} else {
			logger.WithError(err).Debug("Write rejected")
		}
		abortWithError(c, status, code, err.Error())
		return
	}

	logger.WithField("revision", resp.Revision).Info("Write applied")
	s.hub.Publish(collection)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	subject := c.GetString(subjectContextKey)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	sub := newSubscriber(conn, subject, s.store, s.logger.WithField("subject", subject))
	s.hub.register(sub)
	sub.logger.Debug("Subscription connection opened")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.writeLoop(ctx)
	}()

	sub.readLoop()

	cancel()
	<-done
	s.hub.unregister(sub)
	_ = conn.Close()
	sub.logger.Debug("Subscription connection closed")
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound, models.ErrCodeNotFound
	case errors.Is(err, ErrDocumentExists):
		return http.StatusConflict, models.ErrCodeInvalid
	case errors.Is(err, ErrInvalidDocument), errors.Is(err, models.ErrInvalidOperation):
		return http.StatusBadRequest, models.ErrCodeInvalid
	default:
		return http.StatusInternalServerError, models.ErrCodeServerError
	}
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.APIError{
		Code:       code,
		Message:    message,
		StatusCode: status,
	})
}
