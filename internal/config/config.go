package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values must come from env (or a .env file in local/dev).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Gateway   GatewayConfig
	Webhook   WebhookConfig
	Handover  HandoverConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration

	// MetricsPollInterval drives the queue-depth gauge refresh.
	MetricsPollInterval time.Duration
}

type SchedulerConfig struct {
	TickInterval time.Duration
	DueBatch     int
}

// GatewayConfig points at the outbound messaging gateway. One gateway
// serves every channel; the per-channel adapters share it.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type WebhookConfig struct {
	// Secret signs inbound provider callbacks. Empty disables
	// verification (local/dev only).
	Secret string
}

type HandoverConfig struct {
	BoberdooURL  string
	BoberdooSrc  string
	BoberdooType string
	BoberdooKey  string

	CRMURL string
	CRMKey string

	Timeout time.Duration
}

// Load reads configuration from the environment. In non-production
// environments a .env file in the working directory is merged in first,
// without overriding variables already set.
func Load() (Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Queue.Workers = optInt("QUEUE_WORKERS", 4)
	c.Queue.PollInterval = optDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond)
	c.Queue.LeaseTTL = optDuration("QUEUE_LEASE_TTL", 2*time.Minute)
	c.Queue.MetricsPollInterval = optDuration("QUEUE_METRICS_POLL_INTERVAL", 15*time.Second)

	c.Scheduler.TickInterval = optDuration("SCHEDULER_TICK_INTERVAL", time.Minute)
	c.Scheduler.DueBatch = optInt("SCHEDULER_DUE_BATCH", 500)

	c.Gateway.BaseURL = strings.TrimSpace(os.Getenv("GATEWAY_BASE_URL"))
	c.Gateway.APIKey = os.Getenv("GATEWAY_API_KEY")
	c.Gateway.Timeout = optDuration("GATEWAY_TIMEOUT", 15*time.Second)

	c.Webhook.Secret = os.Getenv("WEBHOOK_SECRET")

	c.Handover.BoberdooURL = strings.TrimSpace(os.Getenv("BOBERDOO_URL"))
	c.Handover.BoberdooSrc = strings.TrimSpace(os.Getenv("BOBERDOO_SRC"))
	c.Handover.BoberdooType = strings.TrimSpace(os.Getenv("BOBERDOO_TYPE"))
	c.Handover.BoberdooKey = os.Getenv("BOBERDOO_KEY")
	c.Handover.CRMURL = strings.TrimSpace(os.Getenv("CRM_URL"))
	c.Handover.CRMKey = os.Getenv("CRM_KEY")
	c.Handover.Timeout = optDuration("HANDOVER_TIMEOUT", 10*time.Second)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Queue.Workers <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.Queue.Workers))
	}
	if c.Scheduler.DueBatch <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_DUE_BATCH must be positive, got %d", c.Scheduler.DueBatch))
	}

	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("GATEWAY_BASE_URL is required"))
	}
	if c.IsProduction() {
		if c.Gateway.APIKey == "" {
			errs = append(errs, errors.New("GATEWAY_API_KEY is required in production"))
		}
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET is required in production"))
		}
	}

	// At least one handover destination must be configured.
	if c.Handover.BoberdooURL == "" && c.Handover.CRMURL == "" {
		errs = append(errs, errors.New("at least one of BOBERDOO_URL, CRM_URL is required"))
	}
	if c.Handover.BoberdooURL != "" && (c.Handover.BoberdooSrc == "" || c.Handover.BoberdooType == "" || c.Handover.BoberdooKey == "") {
		errs = append(errs, errors.New("BOBERDOO_SRC, BOBERDOO_TYPE and BOBERDOO_KEY are required with BOBERDOO_URL"))
	}
	if c.Handover.CRMURL != "" && c.Handover.CRMKey == "" {
		errs = append(errs, errors.New("CRM_KEY is required with CRM_URL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
