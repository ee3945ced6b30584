package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Files       FilesConfig       `mapstructure:"files"`
	Backup      BackupConfig      `mapstructure:"backup"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Replication ReplicationConfig `mapstructure:"replication"`
	DRTest      DRTestConfig      `mapstructure:"drtest"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Perf        PerfConfig        `mapstructure:"perf"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	DryRun   bool   `mapstructure:"dry_run"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// RDBPath is where the server writes its dump.rdb; the snapshot
	// adapter copies it after BGSAVE completes.
	RDBPath string `mapstructure:"rdb_path"`
}

type FilesConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Paths are archived by the files component.
	Paths []string `mapstructure:"paths"`
	// CriticalPaths must exist for post-recovery validation to pass.
	CriticalPaths []string `mapstructure:"critical_paths"`
}

type BackupConfig struct {
	Dir             string        `mapstructure:"dir"`
	RetentionDays   int           `mapstructure:"retention_days"`
	Encrypt         bool          `mapstructure:"encrypt"`
	KeyFile         string        `mapstructure:"key_file"`
	MinFreeSpaceMB  int64         `mapstructure:"min_free_space_mb"`
	Schedule        string        `mapstructure:"schedule"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	VerifyAfter     bool          `mapstructure:"verify_after"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
}

type RecoveryConfig struct {
	// Point selects the backup to restore: "latest" or a filename token.
	Point         string        `mapstructure:"point"`
	ScratchDir    string        `mapstructure:"scratch_dir"`
	ScratchDB     string        `mapstructure:"scratch_db"`
	// RestoreRoot is where file archives are unpacked during recovery.
	// Archives store absolute paths with the leading slash stripped, so
	// the default "/" puts everything back where it came from.
	RestoreRoot   string        `mapstructure:"restore_root"`
	StopCommands  []string      `mapstructure:"stop_commands"`
	StartCommands []string      `mapstructure:"start_commands"`
	SampleQuery   string        `mapstructure:"sample_query"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	RTO           time.Duration `mapstructure:"rto"`
	RPO           time.Duration `mapstructure:"rpo"`
}

type ReplicationConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	WindowHours int             `mapstructure:"window_hours"`
	Concurrency int             `mapstructure:"concurrency"`
	Schedule    string          `mapstructure:"schedule"`
	Targets     []ReplicaTarget `mapstructure:"targets"`
}

type ReplicaTarget struct {
	// Type is one of "s3", "s3compat", "gcs".
	Type            string `mapstructure:"type"`
	Name            string `mapstructure:"name"`
	Enabled         bool   `mapstructure:"enabled"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type DRTestConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	ScratchDB  string        `mapstructure:"scratch_db"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type NotifyConfig struct {
	SlackWebhookURL   string         `mapstructure:"slack_webhook_url"`
	DiscordWebhookURL string         `mapstructure:"discord_webhook_url"`
	PagerDutyKey      string         `mapstructure:"pagerduty_routing_key"`
	WebhookURL        string         `mapstructure:"webhook_url"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
	Timeout           time.Duration  `mapstructure:"timeout"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
	ListenAddr     string `mapstructure:"listen_addr"`
}

type PerfConfig struct {
	BaselineFile string  `mapstructure:"baseline_file"`
	CurrentDir   string  `mapstructure:"current_dir"`
	Threshold    float64 `mapstructure:"threshold"`
	OutputFile   string  `mapstructure:"output_file"`
}

// Load reads configuration with environment variables as the primary
// channel: a .env file is applied first (best-effort), then SALVOR_*
// variables override anything read from the optional YAML file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SALVOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// A missing file is fine when env supplies the values; an unreadable
	// or malformed one is not.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "salvor")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_file", "")
	v.SetDefault("app.dry_run", false)

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.ssl_mode", "prefer")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.rdb_path", "/var/lib/redis/dump.rdb")

	v.SetDefault("files.enabled", false)
	v.SetDefault("files.paths", []string{})
	v.SetDefault("files.critical_paths", []string{})

	v.SetDefault("backup.dir", "/var/backups/salvor")
	v.SetDefault("backup.retention_days", 7)
	v.SetDefault("backup.encrypt", false)
	v.SetDefault("backup.key_file", "")
	v.SetDefault("backup.min_free_space_mb", 1024)
	v.SetDefault("backup.schedule", "0 0 2 * * *")
	v.SetDefault("backup.cleanup_schedule", "0 0 3 * * *")
	v.SetDefault("backup.verify_after", true)
	v.SetDefault("backup.step_timeout", 30*time.Minute)

	v.SetDefault("recovery.point", "latest")
	v.SetDefault("recovery.scratch_dir", "")
	v.SetDefault("recovery.scratch_db", "salvor_scratch")
	v.SetDefault("recovery.restore_root", "/")
	v.SetDefault("recovery.stop_commands", []string{})
	v.SetDefault("recovery.start_commands", []string{})
	v.SetDefault("recovery.sample_query", "SELECT 1")
	v.SetDefault("recovery.step_timeout", 30*time.Minute)
	v.SetDefault("recovery.rto", 60*time.Minute)
	v.SetDefault("recovery.rpo", 24*time.Hour)

	v.SetDefault("replication.enabled", false)
	v.SetDefault("replication.window_hours", 24)
	v.SetDefault("replication.concurrency", 4)
	v.SetDefault("replication.schedule", "0 30 4 * * *")

	v.SetDefault("drtest.enabled", false)
	v.SetDefault("drtest.schedule", "0 0 5 * * 0")
	v.SetDefault("drtest.scratch_db", "salvor_drtest")
	v.SetDefault("drtest.retries", 3)
	v.SetDefault("drtest.retry_delay", 10*time.Second)

	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.discord_webhook_url", "")
	v.SetDefault("notify.pagerduty_routing_key", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("notify.timeout", 15*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "salvor")
	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("perf.baseline_file", "")
	v.SetDefault("perf.current_dir", "")
	v.SetDefault("perf.threshold", 0.10)
	v.SetDefault("perf.output_file", "")
}

// Validate collects every configuration problem into a single error
// rather than stopping at the first.
func (c *Config) Validate() error {
	var errs error

	if c.App.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("app.name is required"))
	}
	if c.Backup.Dir == "" {
		errs = multierr.Append(errs, fmt.Errorf("backup.dir is required"))
	}
	if c.Backup.RetentionDays < 1 {
		errs = multierr.Append(errs, fmt.Errorf("backup.retention_days must be at least 1"))
	}
	if c.Backup.Encrypt && c.Backup.KeyFile == "" {
		errs = multierr.Append(errs, fmt.Errorf("backup.key_file is required when backup.encrypt is set"))
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("database.host is required"))
		}
		if c.Database.Database == "" {
			errs = multierr.Append(errs, fmt.Errorf("database.database is required"))
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("database.port %d is out of range", c.Database.Port))
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = multierr.Append(errs, fmt.Errorf("redis.addr is required when redis is enabled"))
	}

	if c.Files.Enabled && len(c.Files.Paths) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("files.paths is required when files backup is enabled"))
	}

	if c.Replication.Enabled {
		if len(c.EnabledReplicaTargets()) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("replication needs at least one enabled target"))
		}
		if c.Replication.Concurrency < 1 {
			errs = multierr.Append(errs, fmt.Errorf("replication.concurrency must be at least 1"))
		}
		for i, t := range c.Replication.Targets {
			if !t.Enabled {
				continue
			}
			switch t.Type {
			case "s3":
				if t.Bucket == "" || t.Region == "" {
					errs = multierr.Append(errs, fmt.Errorf("replication.targets[%d]: s3 target needs bucket and region", i))
				}
			case "s3compat":
				if t.Bucket == "" || t.Endpoint == "" {
					errs = multierr.Append(errs, fmt.Errorf("replication.targets[%d]: s3compat target needs bucket and endpoint", i))
				}
			case "gcs":
				if t.Bucket == "" {
					errs = multierr.Append(errs, fmt.Errorf("replication.targets[%d]: gcs target needs bucket", i))
				}
			default:
				errs = multierr.Append(errs, fmt.Errorf("replication.targets[%d]: unknown type %q", i, t.Type))
			}
		}
	}

	if c.DRTest.Enabled && c.DRTest.Retries < 1 {
		errs = multierr.Append(errs, fmt.Errorf("drtest.retries must be at least 1"))
	}

	return errs
}

func (c *Config) EnabledReplicaTargets() []ReplicaTarget {
	var enabled []ReplicaTarget
	for _, t := range c.Replication.Targets {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	return enabled
}

// EnabledComponents lists the backup components switched on in config.
func (c *Config) EnabledComponents() []string {
	var out []string
	if c.Database.Enabled {
		out = append(out, "database")
	}
	if c.Redis.Enabled {
		out = append(out, "redis")
	}
	if c.Files.Enabled {
		out = append(out, "files")
	}
	return out
}
