package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"feathergate/internal/config"
	"feathergate/internal/dispatch"
	"feathergate/internal/models"
	"feathergate/internal/provider"
	"feathergate/internal/router"
	"feathergate/internal/telemetry/metrics"
	"feathergate/internal/translator"
)

const (
	maxBodyBytes        = 8 << 20 // 8 MiB
	shutdownGracePeriod = 10 * time.Second
	serviceName         = "feathergate"
)

// Error types reported in the error body. They never echo upstream error types.
const (
	errTypeModelNotFound       = "feathergate.model_not_found"
	errTypeUnsupportedProvider = "feathergate.unsupported_provider"
	errTypeConversion          = "feathergate.conversion_error"
	errTypeUpstream            = "feathergate.upstream_error"
	errTypeInvalidRequest      = "feathergate.invalid_request"
	errTypeServer              = "feathergate.server_error"
)

type Server struct {
	cfg        config.Config
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	app        *echo.Echo
	address    string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, d *dispatch.Dispatcher, collector *metrics.Collector) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if d == nil {
		return nil, errors.New("dispatcher must not be nil")
	}
	if collector == nil {
		return nil, errors.New("metrics collector must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = proxyErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:        cfg,
		router:     rt,
		dispatcher: d,
		metrics:    collector,
		app:        e,
		address:    cfg.Server.Address(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server, s.router.Models(), s.metrics.Enabled())
	slog.Info("starting server", "addr", s.address, "models", len(s.router.Models()))

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	if s.metrics.Enabled() {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.NewModelList(s.router.Models()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	outcome, err := s.dispatcher.Handle(c.Request().Context(), req.ToCanonical())
	if err != nil {
		return toHTTPError(err)
	}

	if outcome.Stream != nil {
		return writeStream(c, outcome)
	}
	if outcome.Response == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    errTypeUpstream,
		}
	}
	return c.JSON(http.StatusOK, translator.FromCanonicalChat(outcome.Response))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    errTypeInvalidRequest,
			}
		case errors.As(err, &maxErr):
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				Type:    errTypeInvalidRequest,
			}
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("invalid JSON payload: %v", err),
				Type:    errTypeInvalidRequest,
			}
		default:
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("invalid request: %v", err),
				Type:    errTypeInvalidRequest,
			}
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    errTypeInvalidRequest,
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func proxyErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		slog.Warn("error after response was committed", "uri", c.Request().RequestURI, "err", err)
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, http.StatusText(he.Code), errTypeInvalidRequest, "")
		return
	}

	slog.Error("unhandled error", "uri", c.Request().RequestURI, "err", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", errTypeServer, "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var convErr *provider.ConversionError
	var upErr *provider.UpstreamError

	switch {
	case errors.Is(err, provider.ErrModelNotFound):
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    errTypeModelNotFound,
			Code:    "model_not_found",
		}
	case errors.Is(err, provider.ErrUnsupportedProvider):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    errTypeUnsupportedProvider,
		}
	case errors.As(err, &convErr):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: convErr.Error(),
			Type:    errTypeConversion,
		}
	case errors.As(err, &upErr):
		return requestError{
			Status:  http.StatusBadGateway,
			Message: upErr.Error(),
			Type:    errTypeUpstream,
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "request cancelled before the upstream responded",
			Type:    errTypeUpstream,
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    errTypeUpstream,
	}
}

// writeStream commits a 200 and relays frames until [DONE], a client disconnect or a write failure.
// Errors past this point cannot change the status, so they are only logged.
func writeStream(c echo.Context, outcome *dispatch.Outcome) error {
	frames := outcome.Stream
	defer frames.Close()

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    errTypeServer,
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	for {
		frame, err := frames.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			logStreamEnd(outcome, err)
			return nil
		}
		if _, err := c.Response().Write(frame); err != nil {
			slog.Warn("failed to write SSE frame", "provider", outcome.Provider, "model", outcome.Model, "err", err)
			return nil
		}
		flusher.Flush()
	}
}

func logStreamEnd(outcome *dispatch.Outcome, err error) {
	if errors.Is(err, context.Canceled) {
		slog.Debug("client disconnected mid-stream", "provider", outcome.Provider, "model", outcome.Model)
		return
	}
	slog.Warn("stream ended early", "provider", outcome.Provider, "model", outcome.Model, "err", err)
}

func printStartupBanner(server config.ServerConfig, configured []models.ModelConfig, metricsEnabled bool) {
	host := server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	fmt.Println()
	fmt.Println("feathergate ready")
	fmt.Printf("Listening on http://%s:%d\n", host, server.Port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	if metricsEnabled {
		fmt.Println("  GET  /metrics")
	}
	fmt.Println("Models:")
	for _, m := range configured {
		fmt.Printf("  %-24s %s/%s\n", m.LogicalName, m.Provider, m.UpstreamModelID)
	}
	if len(configured) > 0 {
		fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, server.Port, configured[0].LogicalName)
	}
}
