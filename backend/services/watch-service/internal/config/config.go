package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "chargewatch/backend/libs/config"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// Push drivers.
const (
	PushWebPush = "webpush"
	PushLog     = "log"
)

// Config defines watch service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Push      PushConfig      `yaml:"push"`
	Watch     WatchConfig     `yaml:"watch"`
	Polling   PollingConfig   `yaml:"polling"`
	Auth      AuthConfig      `yaml:"auth"`
	LiveFeed  LiveFeedConfig  `yaml:"liveFeed"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

type HTTPConfig struct {
	Port    string `yaml:"port" env:"WATCH_HTTP_PORT"`
	BaseURL string `yaml:"baseUrl" env:"WATCH_BASE_URL"`
}

type StorageConfig struct {
	Driver          string        `yaml:"driver" env:"WATCH_STORAGE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"WATCH_POSTGRES_DSN"`
	MaxOpenConns    int           `yaml:"maxOpenConns" env:"WATCH_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"maxIdleConns" env:"WATCH_POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" env:"WATCH_POSTGRES_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"WATCH_POSTGRES_MIGRATE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"WATCH_REDIS_ADDR"`
	Password string `yaml:"password" env:"WATCH_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"WATCH_REDIS_DB"`
}

type OutboxConfig struct {
	Driver      string        `yaml:"driver" env:"WATCH_OUTBOX_DRIVER"`
	Workers     int           `yaml:"workers" env:"WATCH_OUTBOX_WORKERS"`
	MaxAttempts int           `yaml:"maxAttempts" env:"WATCH_OUTBOX_MAX_ATTEMPTS"`
	RetryDelay  time.Duration `yaml:"retryDelay" env:"WATCH_OUTBOX_RETRY_DELAY"`
	CoalesceTTL time.Duration `yaml:"coalesceTtl" env:"WATCH_OUTBOX_COALESCE_TTL"`
	PollTimeout time.Duration `yaml:"pollTimeout" env:"WATCH_OUTBOX_POLL_TIMEOUT"`
	Capacity    int           `yaml:"capacity" env:"WATCH_OUTBOX_CAPACITY"`
}

type PushConfig struct {
	Driver          string        `yaml:"driver" env:"WATCH_PUSH_DRIVER"`
	VAPIDPublicKey  string        `yaml:"vapidPublicKey" env:"WATCH_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `yaml:"vapidPrivateKey" env:"WATCH_VAPID_PRIVATE_KEY"`
	Subscriber      string        `yaml:"subscriber" env:"WATCH_VAPID_SUBSCRIBER"`
	TTL             time.Duration `yaml:"ttl" env:"WATCH_PUSH_TTL"`
	Timeout         time.Duration `yaml:"timeout" env:"WATCH_PUSH_TIMEOUT"`
	Concurrency     int           `yaml:"concurrency" env:"WATCH_PUSH_CONCURRENCY"`
	RatePerSecond   float64       `yaml:"ratePerSecond" env:"WATCH_PUSH_RATE_PER_SECOND"`
}

type WatchConfig struct {
	Policy              string        `yaml:"policy" env:"WATCH_POLICY"`
	FailurePolicy       string        `yaml:"failurePolicy" env:"WATCH_FAILURE_POLICY"`
	MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts" env:"WATCH_MAX_DELIVERY_ATTEMPTS"`
	NotifyCooldown      time.Duration `yaml:"notifyCooldown" env:"WATCH_NOTIFY_COOLDOWN"`
	SnapshotCooldown    time.Duration `yaml:"snapshotCooldown" env:"WATCH_SNAPSHOT_COOLDOWN"`
	Duration            time.Duration `yaml:"duration" env:"WATCH_DURATION"`
	MaxPolls            int           `yaml:"maxPolls" env:"WATCH_MAX_POLLS"`
}

type PollingConfig struct {
	BatchSize         int           `yaml:"batchSize" env:"WATCH_POLLING_BATCH_SIZE"`
	DebounceThreshold int           `yaml:"debounceThreshold" env:"WATCH_POLLING_DEBOUNCE"`
	ClaimLease        time.Duration `yaml:"claimLease" env:"WATCH_POLLING_CLAIM_LEASE"`
	DispatchTimeout   time.Duration `yaml:"dispatchTimeout" env:"WATCH_POLLING_DISPATCH_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwtSecret" env:"WATCH_JWT_SECRET"`
	TokenTTL    time.Duration `yaml:"tokenTtl" env:"WATCH_TOKEN_TTL"`
	CronKeyHash string        `yaml:"cronKeyHash" env:"WATCH_CRON_KEY_HASH"`
}

type LiveFeedConfig struct {
	AllowedOrigins []string      `yaml:"allowedOrigins" env:"WATCH_WS_ALLOWED_ORIGINS"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"WATCH_WS_WRITE_TIMEOUT"`
	PingInterval   time.Duration `yaml:"pingInterval" env:"WATCH_WS_PING_INTERVAL"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond" env:"WATCH_RATE_LIMIT_PER_SECOND"`
	Burst     int     `yaml:"burst" env:"WATCH_RATE_LIMIT_BURST"`
	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trustedProxies" env:"WATCH_TRUSTED_PROXIES"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Port: "8080"},
		Storage: StorageConfig{Driver: DriverPostgres, MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute, Migrate: true},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Outbox: OutboxConfig{
			Driver:      DriverRedis,
			Workers:     2,
			MaxAttempts: 3,
			RetryDelay:  10 * time.Second,
			CoalesceTTL: time.Minute,
			PollTimeout: 5 * time.Second,
			Capacity:    1024,
		},
		Push: PushConfig{
			Driver:      PushWebPush,
			TTL:         time.Hour,
			Timeout:     10 * time.Second,
			Concurrency: 8,
		},
		Watch: WatchConfig{
			Policy:              "single",
			FailurePolicy:       "one_shot",
			MaxDeliveryAttempts: 3,
			NotifyCooldown:      5 * time.Minute,
			SnapshotCooldown:    5 * time.Minute,
			Duration:            24 * time.Hour,
		},
		Polling: PollingConfig{
			BatchSize:         100,
			DebounceThreshold: 2,
			ClaimLease:        2 * time.Minute,
			DispatchTimeout:   5 * time.Minute,
		},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
		LiveFeed:  LiveFeedConfig{WriteTimeout: 10 * time.Second, PingInterval: 30 * time.Second},
		RateLimit: RateLimitConfig{PerSecond: 5, Burst: 20},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings each driver depends on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("config: postgres dsn required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver))
	}

	switch c.Outbox.Driver {
	case DriverRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, errors.New("config: redis addr required for redis outbox"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown outbox driver %q", c.Outbox.Driver))
	}

	switch c.Push.Driver {
	case PushWebPush:
		if c.Push.VAPIDPublicKey == "" || c.Push.VAPIDPrivateKey == "" {
			errs = append(errs, errors.New("config: vapid keys required for web push"))
		}
		if strings.TrimSpace(c.Push.Subscriber) == "" {
			errs = append(errs, errors.New("config: vapid subscriber required for web push"))
		}
	case PushLog:
	default:
		errs = append(errs, fmt.Errorf("config: unknown push driver %q", c.Push.Driver))
	}

	switch c.Watch.Policy {
	case "single", "multi":
	default:
		errs = append(errs, fmt.Errorf("config: unknown watch policy %q", c.Watch.Policy))
	}
	switch c.Watch.FailurePolicy {
	case "one_shot", "retry_transient":
	default:
		errs = append(errs, fmt.Errorf("config: unknown failure policy %q", c.Watch.FailurePolicy))
	}

	if c.Auth.JWTSecret == "" && c.Auth.CronKeyHash == "" {
		errs = append(errs, errors.New("config: jwt secret or cron key hash required for internal endpoints"))
	}
	return errors.Join(errs...)
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
