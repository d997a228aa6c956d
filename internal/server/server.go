package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/orchestrator"
)

// Commander runs operator commands.
type Commander interface {
	Execute(ctx context.Context, cmd orchestrator.Command) (orchestrator.Result, error)
	Status() orchestrator.Status
}

// ChangeLister lists config change requests.
type ChangeLister interface {
	List(statuses ...configchange.Status) []configchange.Request
}

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	CommandRatePerS float64
	CommandTimeout  time.Duration
}

// Server is the inbound operator channel: commands, status, change requests,
// metrics and health.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	cmd      Commander
	changes  ChangeLister
	rbac     *alerts.RBAC
	limiter  *rate.Limiter
	validate *validator.Validate
}

func New(cfg Config, cmd Commander, changes ChangeLister, rbac *alerts.RBAC) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.CommandRatePerS <= 0 {
		cfg.CommandRatePerS = 5
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if rbac == nil {
		rbac = alerts.NewRBAC(nil, nil, "", nil)
	}
	burst := int(cfg.CommandRatePerS)
	if burst < 1 {
		burst = 1
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(recoverMiddleware())
	e.Use(requestLogging())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		cmd:      cmd,
		changes:  changes,
		rbac:     rbac,
		limiter:  rate.NewLimiter(rate.Limit(cfg.CommandRatePerS), burst),
		validate: validator.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/api")
	g.POST("/commands", s.handleCommand)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/config-changes", s.handleChanges)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(observ.Handler()))
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		observ.Log("http_server_listening", map[string]any{"addr": s.cfg.Addr})
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Log("http_server_failed", map[string]any{"level": "error", "err": err})
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	observ.Log("http_server_stopped", nil)
	return nil
}

func recoverMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = fmt.Errorf("%v", r)
					}
					observ.Log("http_panic", map[string]any{"level": "error", "err": err, "stack": string(debug.Stack())})
					_ = dataResponse(c, http.StatusInternalServerError, nil)
				}
			}()
			return next(c)
		}
	}
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			req := c.Request()
			status := c.Response().Status
			observ.RecordDuration("http_request", time.Since(start), map[string]string{"path": c.Path()})
			observ.Log("http_request", map[string]any{
				"method":   req.Method,
				"path":     req.URL.Path,
				"status":   status,
				"duration": time.Since(start),
			})
			return err
		}
	}
}
