package config

import (
	"errors"
	"fmt"
	"launchpad/internal/app"
	"launchpad/internal/domain"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string                 `yaml:"addr"`
	RedisURL    string                 `yaml:"redis_url"`
	KeyPrefix   string                 `yaml:"key_prefix"`
	DatabaseURL string                 `yaml:"database_url"`
	LogLevel    string                 `yaml:"log_level"`
	LogFormat   string                 `yaml:"log_format"`
	Scheduler   SchedulerConfig        `yaml:"scheduler"`
	Worker      WorkerConfig           `yaml:"worker"`
	Queues      map[string]QueueConfig `yaml:"queues"`
}

type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	RecurrenceInterval time.Duration `yaml:"recurrence_interval"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	PromoteBatch       int           `yaml:"promote_batch"`
}

type WorkerConfig struct {
	// Queues limits the worker to the named queues; empty means all.
	Queues         []string      `yaml:"queues"`
	Concurrency    int           `yaml:"concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

// QueueConfig overrides a queue's default policy. Zero values keep the
// default.
type QueueConfig struct {
	Attempts         int           `yaml:"attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	KeepCompleted    int           `yaml:"keep_completed"`
	KeepCompletedAge time.Duration `yaml:"keep_completed_age"`
	KeepFailed       int           `yaml:"keep_failed"`
	KeepFailedAge    time.Duration `yaml:"keep_failed_age"`
	Recurrence       string        `yaml:"recurrence"`
}

// LoadConfig reads defaults from the environment and, when path is set,
// overlays the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Addr:        getEnv("LAUNCHPAD_ADDR", ":8080"),
		RedisURL:    getEnv("REDIS_URL", redisURLFromAddr(getEnv("REDIS_ADDR", "localhost:6379"))),
		KeyPrefix:   getEnv("LAUNCHPAD_KEY_PREFIX", "launchpad"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		Scheduler: SchedulerConfig{
			TickInterval:       app.DefaultTickInterval,
			RecurrenceInterval: app.DefaultRecurrenceInterval,
			StallTimeout:       app.DefaultStallTimeout,
			PromoteBatch:       app.DefaultPromoteBatch,
		},
		Worker: WorkerConfig{
			Concurrency:    app.DefaultConcurrency,
			PollInterval:   app.DefaultPollInterval,
			DequeueTimeout: app.DefaultDequeueTimeout,
			JobTimeout:     app.DefaultJobTimeout,
		},
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis_url is required"))
	} else if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		errs = append(errs, fmt.Errorf("redis_url %q must use the redis:// or rediss:// scheme", c.RedisURL))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if c.Scheduler.TickInterval < 0 || c.Scheduler.RecurrenceInterval < 0 || c.Scheduler.StallTimeout < 0 {
		errs = append(errs, errors.New("scheduler intervals must not be negative"))
	}
	if c.Scheduler.PromoteBatch < 0 {
		errs = append(errs, errors.New("scheduler.promote_batch must not be negative"))
	}
	if c.Worker.Concurrency < 0 {
		errs = append(errs, errors.New("worker.concurrency must not be negative"))
	}
	if c.Worker.PollInterval < 0 || c.Worker.DequeueTimeout < 0 || c.Worker.JobTimeout < 0 {
		errs = append(errs, errors.New("worker timeouts must not be negative"))
	}
	if _, err := c.WorkerQueues(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policies(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policies returns the default queue policies with the configured overrides
// applied.
func (c *Config) Policies() (map[domain.QueueName]domain.QueuePolicy, error) {
	policies := domain.DefaultPolicies()
	for name, qc := range c.Queues {
		queue, err := domain.ParseQueueName(name)
		if err != nil {
			return nil, fmt.Errorf("queues: %w", err)
		}
		p := policies[queue]
		if qc.Attempts != 0 {
			p.Attempts = qc.Attempts
		}
		if qc.Backoff != 0 {
			p.Backoff.Delay = qc.Backoff
		}
		if qc.KeepCompleted != 0 {
			p.KeepCompleted.Count = qc.KeepCompleted
		}
		if qc.KeepCompletedAge != 0 {
			p.KeepCompleted.Age = qc.KeepCompletedAge
		}
		if qc.KeepFailed != 0 {
			p.KeepFailed.Count = qc.KeepFailed
		}
		if qc.KeepFailedAge != 0 {
			p.KeepFailed.Age = qc.KeepFailedAge
		}
		if qc.Recurrence != "" {
			p.Recurrence = qc.Recurrence
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies[queue] = p
	}
	return policies, nil
}

func (c *Config) WorkerQueues() ([]domain.QueueName, error) {
	if len(c.Worker.Queues) == 0 {
		return domain.QueueNames, nil
	}
	out := make([]domain.QueueName, 0, len(c.Worker.Queues))
	for _, name := range c.Worker.Queues {
		q, err := domain.ParseQueueName(name)
		if err != nil {
			return nil, fmt.Errorf("worker.queues: %w", err)
		}
		out = append(out, q)
	}
	return out, nil
}

// ServiceOptions maps the configuration onto the scheduling service.
func (c *Config) ServiceOptions(logger *zap.Logger) (app.Options, error) {
	policies, err := c.Policies()
	if err != nil {
		return app.Options{}, err
	}
	return app.Options{
		Policies:           policies,
		StallTimeout:       c.Scheduler.StallTimeout,
		PollInterval:       c.Worker.PollInterval,
		PromoteBatch:       c.Scheduler.PromoteBatch,
		TickInterval:       c.Scheduler.TickInterval,
		RecurrenceInterval: c.Scheduler.RecurrenceInterval,
		Logger:             logger,
	}, nil
}

func (c *Config) WorkerOptions(logger *zap.Logger) app.WorkerOptions {
	return app.WorkerOptions{
		Concurrency:       c.Worker.Concurrency,
		DequeueTimeout:    c.Worker.DequeueTimeout,
		JobTimeout:        c.Worker.JobTimeout,
		HeartbeatInterval: c.Scheduler.StallTimeout / 4,
		Logger:            logger,
	}
}

func redisURLFromAddr(addr string) string {
	return "redis://" + addr
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
