package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/broadcast"
	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/escalation"
	"github.com/minasoft/vital-alerts/internal/ingest"
	"github.com/minasoft/vital-alerts/internal/metrics"
	embedded "github.com/minasoft/vital-alerts/internal/nats"
)

const (
	version     = "1.0.0"
	claimsKey   = "claims"
	maxBodySize = "1M"
)

// AlertService is the engine surface the API exposes.
type AlertService interface {
	OpenAlerts(ctx context.Context) ([]*db.Alert, error)
	Get(ctx context.Context, alertID string) (*db.Alert, error)
	Acknowledge(ctx context.Context, alertID, userID string) (escalation.Result, error)
	Resolve(ctx context.Context, alertID, userID string) (escalation.Result, error)
	Stats() escalation.Stats
}

type Subscriptions interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Count() int
}

type Deps struct {
	JetStream jetstream.JetStream
	Alerts    AlertService
	Submitter *ingest.Submitter
	Hub       Subscriptions
	// Auth protects the alert routes when set.
	Auth    *broadcast.Authenticator
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Server struct {
	echo   *echo.Echo
	port   int
	deps   Deps
	logger *zap.Logger
}

func NewServer(port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, port: port, deps: deps, logger: deps.Logger.Named("web")}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogMethod:  true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("request", fields...)
			return nil
		},
	}))

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("web server starting", zap.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/streams", s.handleGetStreams)
	api.GET("/consumers", s.handleGetConsumers)
	api.POST("/measurements", s.handleMeasurements)

	alerts := api.Group("/alerts")
	if s.deps.Auth != nil {
		alerts.Use(s.authenticate)
	}
	alerts.GET("", s.handleGetAlerts)
	alerts.GET("/:id", s.handleGetAlert)
	alerts.POST("/:id/acknowledge", s.handleAcknowledge)
	alerts.POST("/:id/resolve", s.handleResolve)

	if s.deps.Hub != nil {
		s.echo.GET("/ws", echo.WrapHandler(http.HandlerFunc(s.deps.Hub.ServeWS)))
	}
	if h := s.deps.Metrics.Handler(); h != nil {
		s.echo.GET("/metrics", echo.WrapHandler(h))
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := s.deps.Auth.Authenticate(broadcast.TokenFromRequest(c.Request()))
		if err != nil {
			return echo.NewHTTPError(broadcast.StatusFor(err), err.Error())
		}
		c.Set(claimsKey, claims)
		return next(c)
	}
}

func claimsFrom(c echo.Context) *broadcast.Claims {
	claims, _ := c.Get(claimsKey).(*broadcast.Claims)
	return claims
}

func visible(c echo.Context, alert *db.Alert) bool {
	claims := claimsFrom(c)
	return claims == nil || claims.CanSee(alert)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if s.deps.JetStream == nil {
		components["nats"] = "unhealthy: not initialized"
		overallStatus = "unhealthy"
	} else {
		if _, err := s.deps.JetStream.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			components["nats"] = "healthy"
		}

		for _, name := range []string{embedded.StreamAlerts, embedded.StreamAudit} {
			key := strings.ToLower(name)
			stream, err := s.deps.JetStream.Stream(ctx, name)
			if err != nil {
				components[key] = "unhealthy: stream not found"
				overallStatus = degrade(overallStatus)
				continue
			}
			if info, err := stream.Info(ctx); err == nil {
				components[key] = fmt.Sprintf("healthy (messages: %d)", info.State.Msgs)
			} else {
				components[key] = "healthy"
			}
		}

		kv, err := s.deps.JetStream.KeyValue(ctx, embedded.BucketRules)
		if err != nil {
			components["rules_store"] = "unhealthy"
			overallStatus = degrade(overallStatus)
		} else if status, err := kv.Status(ctx); err == nil {
			components["rules_store"] = fmt.Sprintf("healthy (values: %d)", status.Values())
		} else {
			components["rules_store"] = "healthy"
		}
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now().UTC(),
		"components": components,
		"version":    version,
	}
	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, health)
}

func degrade(status string) string {
	if status == "healthy" {
		return "degraded"
	}
	return status
}

func (s *Server) handleStats(c echo.Context) error {
	stats := map[string]interface{}{
		"alerts": s.deps.Alerts.Stats(),
	}
	if s.deps.Hub != nil {
		stats["subscribers"] = s.deps.Hub.Count()
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetAlerts(c echo.Context) error {
	patientID := c.QueryParam("patientId")
	status := c.QueryParam("status")

	open, err := s.deps.Alerts.OpenAlerts(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to load open alerts", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "open alerts unavailable")
	}

	alerts := []*db.Alert{}
	for _, a := range open {
		if patientID != "" && a.PatientID != patientID {
			continue
		}
		if status != "" && !strings.EqualFold(string(a.Status), status) {
			continue
		}
		if !visible(c, a) {
			continue
		}
		alerts = append(alerts, a)
	}
	return c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(c echo.Context) error {
	alert, err := s.deps.Alerts.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	}
	if err != nil {
		s.logger.Error("failed to load alert", zap.String("alert_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "alert unavailable")
	}
	if !visible(c, alert) {
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	}
	return c.JSON(http.StatusOK, alert)
}

type lifecycleRequest struct {
	UserID string `json:"userId"`
}

type lifecycleResponse struct {
	Code    escalation.ResultCode `json:"code"`
	Message string                `json:"message"`
	Alert   *db.Alert             `json:"alert,omitempty"`
}

func (s *Server) handleAcknowledge(c echo.Context) error {
	return s.lifecycle(c, s.deps.Alerts.Acknowledge)
}

func (s *Server) handleResolve(c echo.Context) error {
	return s.lifecycle(c, s.deps.Alerts.Resolve)
}

func (s *Server) lifecycle(c echo.Context, op func(context.Context, string, string) (escalation.Result, error)) error {
	var req lifecycleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if claims := claimsFrom(c); claims != nil {
		if req.UserID == "" {
			req.UserID = claims.UserID
		} else if req.UserID != claims.UserID && !claims.HasRole(broadcast.RoleAdmin) {
			return echo.NewHTTPError(http.StatusForbidden, "userId does not match token")
		}
		// Scope is checked before the transition; patient and facility never change on an alert.
		alert, err := s.deps.Alerts.Get(c.Request().Context(), c.Param("id"))
		if errors.Is(err, db.ErrNotFound) || (err == nil && !claims.CanSee(alert)) {
			return echo.NewHTTPError(http.StatusNotFound, "alert not found")
		}
		if err != nil {
			s.logger.Error("failed to load alert", zap.String("alert_id", c.Param("id")), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "alert unavailable")
		}
	}

	result, err := op(c.Request().Context(), c.Param("id"), req.UserID)
	switch {
	case errors.Is(err, escalation.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, escalation.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("lifecycle operation failed", zap.String("alert_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "operation failed")
	}

	resp := lifecycleResponse{Code: result.Code, Message: result.Message()}
	if result.Alert != nil && visible(c, result.Alert) {
		resp.Alert = result.Alert
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMeasurements(c echo.Context) error {
	if s.deps.Submitter == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measurement ingestion disabled")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ms, err := ingest.Decode(body)
	if err != nil {
		s.deps.Metrics.Measurement("http", "invalid")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.deps.Submitter.ValidateBatch("http", ms); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcomes := make([]escalation.Outcome, 0, len(ms))
	for _, m := range ms {
		out, err := s.deps.Submitter.Submit(c.Request().Context(), "http", m)
		if errors.Is(err, db.ErrInvalidMeasurement) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		outcomes = append(outcomes, out)
	}
	return c.JSON(http.StatusAccepted, outcomes)
}

func (s *Server) handleGetStreams(c echo.Context) error {
	ctx := c.Request().Context()
	streams := []db.StreamInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, streams)
	}

	for _, streamName := range []string{embedded.StreamAlerts, embedded.StreamAudit} {
		stream, err := s.deps.JetStream.Stream(ctx, streamName)
		if err != nil {
			continue
		}
		info, err := stream.Info(ctx)
		if err != nil {
			continue
		}
		streams = append(streams, db.StreamInfo{
			Name:          info.Config.Name,
			Messages:      info.State.Msgs,
			Bytes:         info.State.Bytes,
			FirstSequence: info.State.FirstSeq,
			LastSequence:  info.State.LastSeq,
		})
	}
	return c.JSON(http.StatusOK, streams)
}

func (s *Server) handleGetConsumers(c echo.Context) error {
	ctx := c.Request().Context()
	consumers := []db.ConsumerInfo{}
	if s.deps.JetStream == nil {
		return c.JSON(http.StatusOK, consumers)
	}

	for _, streamName := range []string{embedded.StreamAlerts, embedded.StreamAudit} {
		stream, err := s.deps.JetStream.Stream(ctx, streamName)
		if err != nil {
			continue
		}
		lister := stream.ListConsumers(ctx)
		for info := range lister.Info() {
			consumers = append(consumers, db.ConsumerInfo{
				Stream:          streamName,
				Name:            info.Name,
				Pending:         info.NumPending,
				Delivered:       info.Delivered.Consumer,
				AckPending:      uint64(info.NumAckPending),
				RedeliveryCount: uint64(info.NumRedelivered),
			})
		}
		if err := lister.Err(); err != nil {
			s.logger.Warn("failed to list consumers", zap.String("stream", streamName), zap.Error(err))
		}
	}
	return c.JSON(http.StatusOK, consumers)
}
