package routes

import (
    "fmt"
    "log/slog"
    "net/http"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/gofiber/fiber/v2/middleware/recover"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/redis/go-redis/v9"

    "github.com/gozle/accounts/internal/auth"
    "github.com/gozle/accounts/internal/avatar"
    "github.com/gozle/accounts/internal/config"
    "github.com/gozle/accounts/internal/identity"
    "github.com/gozle/accounts/internal/metrics"
    "github.com/gozle/accounts/internal/middleware"
    "github.com/gozle/accounts/internal/notification"
    "github.com/gozle/accounts/internal/registration"
    "github.com/gozle/accounts/internal/tokenstore"
)

const (
    committedPrefix = "registration:committed:"
    revokedPrefix   = "auth:revoked:"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
    Cfg    config.Config
    DB     *pgxpool.Pool
    Cache  *redis.Client
    Logger *slog.Logger
}

// Runtime holds the components that outlive route wiring and must be
// stopped on shutdown.
type Runtime struct {
    Dispatcher *notification.Dispatcher
    Metrics    *metrics.Metrics
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
    // Enforce DB/Redis presence outside of dev, even though config also checks.
    if !d.Cfg.IsDev() {
        if d.DB == nil {
            return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
        }
        if d.Cache == nil {
            return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
        }
    }
    if d.Logger == nil {
        d.Logger = slog.Default()
    }

    app.Use(recover.New())
    app.Use(middleware.RequestID())
    app.Use(middleware.Audit(d.Logger))

    m := metrics.New("accounts")
    RegisterHealthRoutes(app, d, m)

    var (
        identityRepo identity.Repository
        codes        registration.CodeStore
        committed    tokenstore.Set
        revoked      tokenstore.Set
    )
    if d.DB != nil {
        identityRepo = identity.NewPostgresRepository(d.DB)
    } else {
        identityRepo = identity.NewMemoryRepository()
    }
    if d.Cache != nil {
        codes = registration.NewRedisCodeStore(d.Cache)
        committed = tokenstore.NewRedisSet(d.Cache, committedPrefix)
        revoked = tokenstore.NewRedisSet(d.Cache, revokedPrefix)
    } else {
        codes = registration.NewMemoryCodeStore()
        committed = tokenstore.NewMemorySet()
        revoked = tokenstore.NewMemorySet()
    }

    avatars, err := avatar.NewStore(d.Cfg.Registration.MediaRoot)
    if err != nil {
        return nil, fmt.Errorf("media root: %w", err)
    }

    notifier, err := buildNotifier(d.Cfg.Notify, d.Logger)
    if err != nil {
        return nil, err
    }
    dispatcher := notification.NewDispatcher(notifier, d.Cfg.Notify.Workers, d.Cfg.Notify.QueueSize, d.Logger, m)

    reg := d.Cfg.Registration
    registrationSvc, err := registration.NewService(registration.Deps{
        Config: registration.Config{
            Secret:      []byte(reg.Secret),
            TokenTTL:    reg.TokenTTL,
            CodeTTL:     reg.CodeTTL,
            ProjectName: reg.ProjectName,
            EmailDomain: reg.EmailDomain,
            PhoneRegion: reg.PhoneRegion,
        },
        Codes:     codes,
        Users:     identityRepo,
        Committed: committed,
        Queue:     dispatcher,
        Avatars:   avatars,
        Observer:  m,
        Logger:    d.Logger,
    })
    if err != nil {
        return nil, err
    }

    identitySvc := identity.NewService(identityRepo)
    authSvc := auth.NewService(auth.Config{
        AccessSecret:  []byte(d.Cfg.Session.JWTSecret),
        RefreshSecret: []byte(d.Cfg.Session.RefreshSecret),
        AccessTTL:     d.Cfg.Session.AccessTokenTTL,
        RefreshTTL:    d.Cfg.Session.RefreshTokenTTL,
    }, identityRepo, revoked)

    api := app.Group("/api/v1")
    api.Get("/ping", func(c *fiber.Ctx) error {
        return c.Status(http.StatusOK).JSON(fiber.Map{
            "status":     "ok",
            "request_id": middleware.RequestIDFrom(c),
            "timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
        })
    })

    codeLimiter := middleware.RateLimit("code_send", d.Cache, d.Cfg.CodeSendPerMinute,
        middleware.BodyFieldKey("phone_number", "email"), m)
    var idempotency fiber.Handler
    if d.Cache != nil {
        idempotency = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger, reg.TokenHeader)
    }
    verifyLimiter := middleware.RateLimit("verify", d.Cache, d.Cfg.VerifyPerMinute,
        middleware.HeaderKey(reg.TokenHeader), m)
    RegisterRegistrationRoutes(api,
        registration.NewHandler(registrationSvc, reg.TokenHeader, m, d.Logger),
        codeLimiter, verifyLimiter, idempotency)

    loginLimiter := middleware.RateLimit("login", d.Cache, d.Cfg.LoginPerMinute,
        middleware.BodyFieldKey("email", "phone_number"), m)
    RegisterAuthRoutes(api, auth.NewHandler(identitySvc, authSvc), loginLimiter)

    protected := api.Group("", middleware.JWTAuth(authSvc))
    RegisterIdentityRoutes(protected, identity.NewHandler(identitySvc))

    return &Runtime{Dispatcher: dispatcher, Metrics: m}, nil
}

// buildNotifier routes email through SMTP and SMS through the gateway when
// they are configured. Unconfigured channels are logged instead.
func buildNotifier(cfg config.Notify, logger *slog.Logger) (notification.Notifier, error) {
    router := notification.NewRouter(notification.NewLoggerNotifier(logger))
    if cfg.SMTPHost != "" {
        router.Handle(notification.ChannelEmail,
            notification.NewMailNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.Sender))
    }
    if cfg.SMSAPIURL != "" {
        sms, err := notification.NewSMSNotifier(cfg.SMSAPIURL, cfg.SMSUser, cfg.SMSSecret,
            &http.Client{Timeout: 10 * time.Second})
        if err != nil {
            return nil, fmt.Errorf("sms notifier: %w", err)
        }
        router.Handle(notification.ChannelSMS, sms)
    }
    return router, nil
}
