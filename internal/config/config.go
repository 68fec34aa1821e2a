package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Worker     WorkerConfig
	Queue      QueueConfig
	Breaker    BreakerConfig
	RateLimit  RateLimitConfig
	Provider   ProviderConfig
	Metrics    MetricsConfig
	Auth       AuthConfig
	LogLevel   string
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig backs two logical clients built from the same options: one
// for fast hash/list/zset/eval calls, one dedicated to the Dispatcher's
// blocking pop so a saturated blocking pool can never stall heartbeat or
// metadata traffic.
type RedisConfig struct {
	Addr                string
	Password            string
	DB                  int
	PoolSize            int
	MinIdleConns        int
	MaxRetries          int
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	BlockingPoolSize    int
	BlockingReadTimeout time.Duration
}

type WorkerConfig struct {
	ID                    string
	Concurrency           int
	HeartbeatInterval     time.Duration
	HeartbeatTTL          time.Duration
	BlockTimeout          time.Duration
	ShutdownTimeout       time.Duration
	RetryWarningDepth     int64
	RetryCriticalDepth    int64
}

type QueueConfig struct {
	PrimaryKey        string
	RetryKey          string
	ScheduledKey      string
	DLQKey            string
	TaskKeyPrefix     string
	DLQTaskKeyPrefix  string
	EventChannel      string
	PromoteInterval   time.Duration
	PromoteBatchSize  int64
	TaskRetentionDays int
}

type BreakerConfig struct {
	FailureThreshold int64
	ResetTimeout     time.Duration
}

type RateLimitConfig struct {
	DefaultCapacity    int64
	DefaultRefillRate  float64
	AcquireTimeout     time.Duration
	AcquirePollMinimum time.Duration
}

type ProviderConfig struct {
	Name            string
	BaseURL         string
	APIKey          string
	Model           string
	Timeout         time.Duration
	FreshThreshold  time.Duration
	StaleThreshold  time.Duration
	LockTTL         time.Duration
}

type MetricsConfig struct {
	Enabled       bool
	Path          string
	Namespace     string
	RetentionDays int
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/fluxtask")

	setDefaults()

	viper.SetEnvPrefix("FLUXTASK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)
	viper.SetDefault("redis.blockingpoolsize", 20)
	viper.SetDefault("redis.blockingreadtimeout", 10*time.Second)

	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.heartbeatinterval", 30*time.Second)
	viper.SetDefault("worker.heartbeatttl", 90*time.Second)
	viper.SetDefault("worker.blocktimeout", 5*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)
	viper.SetDefault("worker.retrywarningdepth", 100)
	viper.SetDefault("worker.retrycriticaldepth", 500)

	viper.SetDefault("queue.primarykey", "tasks:pending:primary")
	viper.SetDefault("queue.retrykey", "tasks:pending:retry")
	viper.SetDefault("queue.scheduledkey", "tasks:scheduled")
	viper.SetDefault("queue.dlqkey", "dlq:tasks")
	viper.SetDefault("queue.taskkeyprefix", "task:")
	viper.SetDefault("queue.dlqtaskkeyprefix", "dlq:task:")
	viper.SetDefault("queue.eventchannel", "queue-updates")
	viper.SetDefault("queue.promoteinterval", 1*time.Second)
	viper.SetDefault("queue.promotebatchsize", 100)
	viper.SetDefault("queue.taskretentiondays", 7)

	viper.SetDefault("breaker.failurethreshold", 5)
	viper.SetDefault("breaker.resettimeout", 60*time.Second)

	viper.SetDefault("ratelimit.defaultcapacity", 60)
	viper.SetDefault("ratelimit.defaultrefillrate", 1.0)
	viper.SetDefault("ratelimit.acquiretimeout", 30*time.Second)
	viper.SetDefault("ratelimit.acquirepollminimum", 100*time.Millisecond)

	viper.SetDefault("provider.name", "openrouter")
	viper.SetDefault("provider.baseurl", "https://openrouter.ai/api/v1")
	viper.SetDefault("provider.apikey", "")
	viper.SetDefault("provider.model", "openai/gpt-4o-mini")
	viper.SetDefault("provider.timeout", 60*time.Second)
	viper.SetDefault("provider.freshthreshold", 60*time.Second)
	viper.SetDefault("provider.stalethreshold", 300*time.Second)
	viper.SetDefault("provider.lockttl", 10*time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "fluxtask")
	viper.SetDefault("metrics.retentiondays", 30)

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	viper.SetDefault("loglevel", "info")
}
