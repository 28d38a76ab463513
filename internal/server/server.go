package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterledger/internal/apikey"
	apikeydomain "github.com/smallbiznis/meterledger/internal/apikey/domain"
	"github.com/smallbiznis/meterledger/internal/authorization"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	consumptiondomain "github.com/smallbiznis/meterledger/internal/consumption/domain"
	creditdomain "github.com/smallbiznis/meterledger/internal/credit/domain"
	"github.com/smallbiznis/meterledger/internal/observability"
	obslogger "github.com/smallbiznis/meterledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/meterledger/internal/observability/tracing"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	"github.com/smallbiznis/meterledger/internal/reporting"
	reportingdomain "github.com/smallbiznis/meterledger/internal/reporting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the HTTP API. The ledger services it calls (balance,
// catalog, consumption, credit, rate limiting) are supplied by the caller.
var Module = fx.Module("http.server",
	reporting.Module,
	apikey.Module,
	authorization.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	apiKeySvc      apikeydomain.Service
	authzSvc       authorization.Service
	store          balancedomain.Store
	catalogSvc     catalogdomain.Service
	consumptionSvc consumptiondomain.Service
	creditSvc      creditdomain.Service
	reportingSvc   reportingdomain.Service
	limiter        *ratelimit.Limiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	APIKeySvc      apikeydomain.Service
	AuthzSvc       authorization.Service
	Store          balancedomain.Store
	CatalogSvc     catalogdomain.Service
	ConsumptionSvc consumptiondomain.Service
	CreditSvc      creditdomain.Service
	ReportingSvc   reportingdomain.Service
	Limiter        *ratelimit.Limiter  `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		clock:          p.Clock,
		apiKeySvc:      p.APIKeySvc,
		authzSvc:       p.AuthzSvc,
		store:          p.Store,
		catalogSvc:     p.CatalogSvc,
		consumptionSvc: p.ConsumptionSvc,
		creditSvc:      p.CreditSvc,
		reportingSvc:   p.ReportingSvc,
		limiter:        p.Limiter,
		obsMetrics:     p.ObsMetrics,
	}
	if svc.clock == nil {
		svc.clock = clock.New()
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.APIKeyRequired())

	// -------- Accounts --------
	api.POST("/accounts", s.authorize(authorization.ObjectAccount, authorization.ActionAccountCreate), s.CreateAccount)
	api.GET("/accounts/:account_id/balance", s.authorize(authorization.ObjectBalance, authorization.ActionBalanceView), s.GetBalance)
	api.POST("/accounts/:account_id/check", s.authorize(authorization.ObjectBalance, authorization.ActionBalanceCheck), s.CheckBalance)
	api.POST("/accounts/:account_id/consume", s.authorize(authorization.ObjectBalance, authorization.ActionBalanceConsume), s.ConsumeRateLimit(), s.Consume)
	api.POST("/accounts/:account_id/bonus", s.authorize(authorization.ObjectAccount, authorization.ActionAccountBonus), s.GrantDailyBonus)

	// -------- Reservations --------
	api.POST("/accounts/:account_id/reservations", s.authorize(authorization.ObjectReservation, authorization.ActionReservationCreate), s.ConsumeRateLimit(), s.CreateReservation)
	api.POST("/reservations/:reservation_id/complete", s.authorize(authorization.ObjectReservation, authorization.ActionReservationSettle), s.CompleteReservation)
	api.POST("/reservations/:reservation_id/cancel", s.authorize(authorization.ObjectReservation, authorization.ActionReservationSettle), s.CancelReservation)

	// -------- Reporting --------
	api.GET("/accounts/:account_id/usage", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsage)
	api.GET("/accounts/:account_id/events", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.ListEvents)
	api.GET("/accounts/:account_id/statement.pdf", s.authorize(authorization.ObjectUsage, authorization.ActionUsageStatement), s.GetStatement)

	// -------- API keys --------
	api.GET("/api-keys", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	api.POST("/api-keys", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	api.POST("/api-keys/:key_id/rotate", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	api.POST("/api-keys/:key_id/revoke", s.authorize(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/v1/webhooks")
	hooks.POST("/credits", s.WebhookRateLimit(), s.WebhookSignatureRequired(), s.CreditWebhook)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
