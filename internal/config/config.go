package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "Gozle ID"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultDBMaxConns        = 10
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultTokenHeader       = "X-Registration-Token"
	defaultRegistrationTTL   = 30 * time.Minute
	defaultVerificationTTL   = 3 * time.Minute
	defaultAccessTokenTTL    = 15 * time.Minute
	defaultRefreshTokenTTL   = 7 * 24 * time.Hour
	defaultEmailDomain       = "gozle.com.tm"
	defaultPhoneRegion       = "TM"
	defaultMediaRoot         = "./media"
	defaultNotifyWorkers     = 4
	defaultNotifyQueueSize   = 256
	defaultSMTPPort          = 25
	defaultCodeSendPerMinute = 3
	defaultLoginPerMinute    = 5
	defaultVerifyPerMinute   = 5
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DBMaxConns     int
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	Registration Registration
	Notify       Notify
	Session      Session

	CodeSendPerMinute int
	LoginPerMinute    int
	VerifyPerMinute   int
}

// Registration holds the settings of the token-chained signup flow.
type Registration struct {
	Secret      string
	TokenHeader string
	TokenTTL    time.Duration
	CodeTTL     time.Duration
	ProjectName string
	EmailDomain string
	PhoneRegion string
	MediaRoot   string
}

// Notify configures outbound email/SMS delivery. Empty hosts fall back to
// the log notifier.
type Notify struct {
	Workers      int
	QueueSize    int
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	Sender       string
	SMSAPIURL    string
	SMSUser      string
	SMSSecret    string
}

// Session configures access/refresh tokens issued after login.
type Session struct {
	JWTSecret       string
	RefreshSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	appName := getEnv("APP_NAME", defaultAppName)
	cfg := Config{
		AppName:     appName,
		AppEnv:      getEnv("APP_ENV", defaultAppEnv),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Registration: Registration{
			Secret:      os.Getenv("REGISTRATION_TOKEN_SECRET"),
			TokenHeader: getEnv("REGISTRATION_TOKEN_HEADER", defaultTokenHeader),
			ProjectName: getEnv("PROJECT_NAME", appName),
			EmailDomain: strings.ToLower(getEnv("EMAIL_DOMAIN", defaultEmailDomain)),
			PhoneRegion: strings.ToUpper(getEnv("DEFAULT_PHONE_REGION", defaultPhoneRegion)),
			MediaRoot:   getEnv("MEDIA_ROOT", defaultMediaRoot),
		},
		Notify: Notify{
			SMTPHost:     os.Getenv("SMTP_HOST"),
			SMTPUser:     os.Getenv("SMTP_USER"),
			SMTPPassword: os.Getenv("SMTP_PASSWORD"),
			Sender:       os.Getenv("NOTIFIER_EMAIL"),
			SMSAPIURL:    os.Getenv("SMS_API_URL"),
			SMSUser:      os.Getenv("SMS_USER"),
			SMSSecret:    os.Getenv("SMS_SECRET"),
		},
		Session: Session{
			JWTSecret:     os.Getenv("JWT_SECRET"),
			RefreshSecret: os.Getenv("REFRESH_SECRET"),
		},
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		name     string
		fallback time.Duration
	}{
		{&cfg.ShutdownPeriod, "SHUTDOWN_TIMEOUT", defaultShutdownDelay},
		{&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", defaultIdempotencyTTL},
		{&cfg.Registration.TokenTTL, "REGISTRATION_TOKEN_TTL", defaultRegistrationTTL},
		{&cfg.Registration.CodeTTL, "VERIFICATION_CODE_TTL", defaultVerificationTTL},
		{&cfg.Session.AccessTokenTTL, "ACCESS_TOKEN_TTL", defaultAccessTokenTTL},
		{&cfg.Session.RefreshTokenTTL, "REFRESH_TOKEN_TTL", defaultRefreshTokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.name, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		dst      *int
		name     string
		fallback int
	}{
		{&cfg.DBMaxConns, "DB_MAX_CONNS", defaultDBMaxConns},
		{&cfg.Notify.Workers, "NOTIFY_WORKERS", defaultNotifyWorkers},
		{&cfg.Notify.QueueSize, "NOTIFY_QUEUE_SIZE", defaultNotifyQueueSize},
		{&cfg.Notify.SMTPPort, "SMTP_PORT", defaultSMTPPort},
		{&cfg.CodeSendPerMinute, "CODE_SEND_PER_MINUTE", defaultCodeSendPerMinute},
		{&cfg.LoginPerMinute, "LOGIN_PER_MINUTE", defaultLoginPerMinute},
		{&cfg.VerifyPerMinute, "VERIFY_PER_MINUTE", defaultVerifyPerMinute},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.name, i.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.Session.RefreshSecret == "" {
		cfg.Session.RefreshSecret = cfg.Session.JWTSecret
	}

	if cfg.Registration.Secret == "" {
		return Config{}, fmt.Errorf("REGISTRATION_TOKEN_SECRET must be set")
	}
	if cfg.Session.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must be set")
	}
	if cfg.Registration.CodeTTL <= 0 || cfg.Registration.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("registration token and verification code TTLs must be positive")
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the process runs in a local/development environment,
// where Postgres and Redis may be replaced by in-memory stores.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts either NAME_SECONDS (integer seconds) or NAME (Go duration).
func getDuration(name string, fallback time.Duration) (time.Duration, error) {
	secondsKey := name + "_SECONDS"
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
