package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-core/internal/credentials"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/internal/queue"
	"order-core/internal/reconciliation"
	"order-core/pkg/config"
	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

// OrderExecutor is the slice of order.Engine the API drives.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, o order.Order) order.Result
	QueueStatus() map[queue.Lane]queue.LaneStatus
	Metrics() *monitor.DispatchMetrics
}

// Reconciler is the slice of reconciliation.Service the API drives.
type Reconciler interface {
	ReconcileUser(ctx context.Context, userID string) reconciliation.UserReport
	Stats() reconciliation.Stats
}

// PositionReader serves a user's open tracked positions.
type PositionReader interface {
	OpenPositions(ctx context.Context, userID string) ([]db.TrackedPosition, error)
}

// History reads closed positions and past reconciliation runs.
type History interface {
	PositionsByUser(ctx context.Context, userID, status string, limit int) ([]db.TrackedPosition, error)
	RecentReconciliationRuns(ctx context.Context, limit int) ([]db.ReconciliationRun, error)
}

// CredentialStore stores and lists a user's exchange key sets.
type CredentialStore interface {
	Save(ctx context.Context, req credentials.SaveRequest) error
	AccountsByUser(ctx context.Context, userID string) ([]credentials.Account, error)
	Deactivate(ctx context.Context, userID, exchange string, env common.Environment) error
}

// WSHub holds per-user websocket connections.
type WSHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string) error
}

// Deps are the components behind the HTTP surface. Nil members disable the
// routes that need them.
type Deps struct {
	Orders      OrderExecutor
	Reconciler  Reconciler
	Positions   PositionReader
	History     History
	Credentials CredentialStore
	Hub         WSHub
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	DryRun    bool
	Exchanges []string
	Version   string
}

// Server wires HTTP endpoints around the order core.
type Server struct {
	Router    *gin.Engine
	deps      Deps
	meta      SystemMeta
	jwtSecret string
	limiters  *ipLimiters
	logger    *zap.Logger
	started   time.Time
	http      *http.Server
}

func NewServer(cfg *config.Config, deps Deps, meta SystemMeta, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	s := &Server{
		Router:    r,
		deps:      deps,
		meta:      meta,
		jwtSecret: cfg.JWTSecret,
		limiters:  newIPLimiters(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst),
		logger:    logger.Named("api"),
		started:   time.Now(),
	}
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Middleware stack (order matters!)
	r.Use(RequestIDMiddleware())
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	r.Use(RateLimitMiddleware(s.limiters, s.logger))
	r.Use(CORSMiddleware(cfg.API.AllowedOrigins))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", AuthMiddleware(s.jwtSecret, true), s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(60 * time.Second))
	api.Use(AuthMiddleware(s.jwtSecret, false))
	{
		api.POST("/orders", s.executeOrder)
		api.GET("/queue/status", s.queueStatus)

		api.GET("/reconciliation/stats", s.reconciliationStats)
		api.POST("/reconciliation/users/:id", s.reconcileUser)
		api.GET("/reconciliation/runs", s.reconciliationRuns)

		api.GET("/users/:id/positions", s.userPositions)

		api.GET("/credentials", s.listCredentials)
		api.PUT("/credentials", s.saveCredentials)
		api.DELETE("/credentials/:exchange/:environment", s.deactivateCredentials)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"dry_run":   s.meta.DryRun,
		"exchanges": s.meta.Exchanges,
		"version":   s.meta.Version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// Start serves on the configured port until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
