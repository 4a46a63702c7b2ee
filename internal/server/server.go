package server

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/redis/go-redis/v9"

    "github.com/gozle/accounts/internal/config"
    "github.com/gozle/accounts/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
    app     *fiber.App
    cfg     config.Config
    db      *pgxpool.Pool
    cache   *redis.Client
    runtime *routes.Runtime
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
    app := fiber.New(fiber.Config{
        AppName:      cfg.AppName,
        ReadTimeout:  30 * time.Second,
        WriteTimeout: 30 * time.Second,
        ErrorHandler: errorHandler(logger),
    })

    runtime, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
    if err != nil {
        return nil, err
    }

    return &Server{app: app, cfg: cfg, db: db, cache: cache, runtime: runtime}, nil
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
    return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
    return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then drains pending notifications.
func (s *Server) Shutdown(ctx context.Context) error {
    err := s.app.ShutdownWithContext(ctx)
    if s.runtime != nil && s.runtime.Dispatcher != nil {
        err = errors.Join(err, s.runtime.Dispatcher.Close(ctx))
    }
    return err
}

// errorHandler renders errors escaping handlers in the status/message
// envelope. Anything that is not a *fiber.Error is reported as a 500.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
    return func(c *fiber.Ctx, err error) error {
        var fe *fiber.Error
        if errors.As(err, &fe) {
            return c.Status(fe.Code).JSON(fiber.Map{"status": "error", "message": fe.Message})
        }
        if logger != nil {
            logger.Error("unhandled error", slog.String("path", c.Path()), slog.Any("error", err))
        }
        return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
            "status":  "error",
            "message": "internal server error",
        })
    }
}
