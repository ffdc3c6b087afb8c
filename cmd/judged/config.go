package main

import (
	"fmt"
	"os"
	"time"

	"gavel/internal/common/cache"
	"gavel/internal/common/db"
	"gavel/internal/common/mq"
	"gavel/internal/common/storage"
	"gavel/internal/judge/admission"
	"gavel/internal/judge/engine"
	"gavel/internal/judge/language"
	"gavel/internal/judge/service"
	"gavel/internal/judge/sweeper"
	"gavel/internal/judge/testdata"
	"gavel/internal/judge/web"
	"gavel/internal/judge/worker"
	"gavel/pkg/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultEventTopic = "judge.submission.events"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	web.Config   `yaml:",inline"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AppConfig holds judged configuration.
type AppConfig struct {
	Server   ServerConfig               `yaml:"server"`
	Logger   logger.Config              `yaml:"logger"`
	Database db.MySQLConfig             `yaml:"database"`
	Redis    cache.RedisConfig          `yaml:"redis"`
	Kafka    mq.KafkaConfig             `yaml:"kafka"`
	MinIO    storage.MinIOConfig        `yaml:"minio"`
	TestData testdata.ObjectStoreConfig `yaml:"testdata"`

	Engine    engine.Config        `yaml:"engine"`
	Sandbox   engine.SandboxConfig `yaml:"sandbox"`
	Languages []language.Entry     `yaml:"languages"`

	Worker    worker.Config    `yaml:"worker"`
	Sweeper   sweeper.Config   `yaml:"sweeper"`
	Admission admission.Config `yaml:"admission"`
	Service   service.Config   `yaml:"service"`

	// EventTopic carries submission lifecycle events. Empty disables
	// publishing, as does an empty Kafka broker list.
	EventTopic string `yaml:"eventTopic"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the YAML config and fills server-level defaults.
// Component configs default inside their own constructors.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	def := web.DefaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Port
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = def.Mode
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	// The stuck pass resets running submissions regardless of worker
	// liveness, so it must never fire while a healthy worker can still be
	// judging. Workers claim only into free slots, so started_at marks
	// actual execution start and one judge timeout bounds the legitimate
	// running age of any claim.
	stuckAfter := cfg.Sweeper.StuckAfter
	if stuckAfter == 0 {
		stuckAfter = sweeper.DefaultConfig().StuckAfter
	}
	judgeTimeout := cfg.Worker.JudgeTimeout
	if judgeTimeout == 0 {
		judgeTimeout = worker.DefaultConfig().JudgeTimeout
	}
	if stuckAfter <= judgeTimeout {
		return nil, fmt.Errorf("sweeper.stuckAfter (%s) must exceed worker.judgeTimeout (%s)", stuckAfter, judgeTimeout)
	}

	if cfg.TestData.Bucket == "" {
		cfg.TestData.Bucket = cfg.MinIO.Bucket
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.EventTopic == "" {
		cfg.EventTopic = defaultEventTopic
	}

	return &cfg, nil
}
