package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	// BusinessTimezone is the single timezone all scheduling policy is
	// evaluated in (lead time, cutoffs). Not a per-client setting.
	BusinessTimezone string

	SlotInterval time.Duration
	Buffer       time.Duration
	MinLeadTime  time.Duration

	// PaymentDeadline is how long an appointment may sit in pending payment
	// before the sweeper releases its slot.
	PaymentDeadline time.Duration

	RescheduleCap         int
	RescheduleCutoff      time.Duration
	CancellationCutoff    time.Duration
	CancelCreditPercent   int
	NoShowCreditPercent   int
	CreditTTL             time.Duration
	CommissionPercent     int
	MaxActiveAppointments int

	LockTimeout          time.Duration
	SweepInterval        time.Duration
	IdempotencyRetention time.Duration

	PaymentWebhookSecret string

	// PublicBaseURL is the externally reachable base of this service, used
	// by the fake checkout provider to mint payment links in development.
	PublicBaseURL      string
	CheckoutBaseURL    string
	CheckoutAPIKey     string
	CheckoutSuccessURL string
	CheckoutCancelURL  string

	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string

	RedisAddr     string
	RedisPassword string
	UseRedisLocks bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		BusinessTimezone: getEnv("BUSINESS_TIMEZONE", "America/Bogota"),

		SlotInterval: getEnvAsDuration("SLOT_INTERVAL", 15*time.Minute),
		Buffer:       getEnvAsDuration("APPOINTMENT_BUFFER", 15*time.Minute),
		MinLeadTime:  getEnvAsDuration("MIN_LEAD_TIME", 30*time.Minute),

		PaymentDeadline: getEnvAsDuration("PAYMENT_DEADLINE", time.Hour),

		RescheduleCap:         getEnvAsInt("RESCHEDULE_CAP", 2),
		RescheduleCutoff:      getEnvAsDuration("RESCHEDULE_CUTOFF", 4*time.Hour),
		CancellationCutoff:    getEnvAsDuration("CANCELLATION_CUTOFF", 24*time.Hour),
		CancelCreditPercent:   getEnvAsInt("CANCEL_CREDIT_PERCENT", 100),
		NoShowCreditPercent:   getEnvAsInt("NO_SHOW_CREDIT_PERCENT", 25),
		CreditTTL:             getEnvAsDuration("CREDIT_TTL", 90*24*time.Hour),
		CommissionPercent:     getEnvAsInt("COMMISSION_PERCENT", 10),
		MaxActiveAppointments: getEnvAsInt("MAX_ACTIVE_APPOINTMENTS", 3),

		LockTimeout:          getEnvAsDuration("LOCK_TIMEOUT", 3*time.Second),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		IdempotencyRetention: getEnvAsDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),

		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),

		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		CheckoutBaseURL:    getEnv("CHECKOUT_BASE_URL", ""),
		CheckoutAPIKey:     getEnv("CHECKOUT_API_KEY", ""),
		CheckoutSuccessURL: getEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:  getEnv("CHECKOUT_CANCEL_URL", ""),

		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", "bookings@zenzspa.example"),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "ZenzSpa"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		UseRedisLocks: getEnvAsBool("USE_REDIS_LOCKS", false),
	}
}

// Location resolves the configured business timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
