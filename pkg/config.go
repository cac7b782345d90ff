package pkg

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"

	"github.com/shono-io/pipex/exec"
	"github.com/shono-io/pipex/gate"
	sdknats "github.com/shono-io/pipex/sdk/nats"
)

const (
	EnvPrefix = "PIPEX"

	ReportOnCompletion = "on_completion"
	ReportPeriodic     = "periodic"
	ReportDisabled     = "disabled"
)

type (
	Config struct {
		Resources   ResourceConfig
		Subprocess  SubprocessConfig
		Profiling   ProfilingConfig
		Encryption  EncryptionConfig
		Execution   ExecutionConfig
		Report      ReportConfig
		Nats        NatsConfig
		Docker      exec.Config
		S3          S3Config
		MetricsFile string
		LogLevel    string
		// GlobalConfigsPrefix selects environment variables that are handed
		// to every pipeline as external config.
		GlobalConfigsPrefix string
	}

	ResourceConfig struct {
		Enabled          bool
		MaxConcurrent    int
		RequiredMemoryMB uint64
		QueueTimeout     time.Duration
	}

	SubprocessConfig struct {
		// Timeout bounds a single module run; zero means no bound.
		Timeout time.Duration
		Shell   bool
	}

	ProfilingConfig struct {
		Enabled  bool
		Interval time.Duration
	}

	EncryptionConfig struct {
		Enabled       bool
		FailOnMissing bool
		Timeout       time.Duration
	}

	ExecutionConfig struct {
		Url   string
		User  string
		Email string
	}

	ReportConfig struct {
		SendMode string
		Interval time.Duration
		// File receives a copy of every published report when set.
		File string
	}

	NatsConfig struct {
		Url               string
		Jwt               string
		Seed              string
		KeyValueBucket    string
		ObjectStoreBucket string
		Prefix            string
		ReportSubject     string
	}

	S3Config struct {
		Endpoint  string
		AccessKey string
		SecretKey string
		Bucket    string
		Region    string
		UseSSL    bool
	}
)

// SetDefaults registers the default of every key LoadConfig reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("resources.enabled", true)
	v.SetDefault("resources.max_concurrent", runtime.NumCPU())
	v.SetDefault("resources.required_memory_mb", gate.DefaultRequiredMemoryMB)
	v.SetDefault("resources.queue_timeout", gate.DefaultQueueTimeout)
	v.SetDefault("subprocess.timeout", time.Duration(0))
	v.SetDefault("subprocess.shell", true)
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.interval", 100*time.Millisecond)
	v.SetDefault("encryption.enabled", true)
	v.SetDefault("encryption.fail_on_missing", true)
	v.SetDefault("encryption.timeout", 10*time.Second)
	v.SetDefault("report.send_mode", ReportOnCompletion)
	v.SetDefault("report.interval", 5*time.Second)
	v.SetDefault("nats.prefix", "pipex")
	v.SetDefault("docker.from_env", true)
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("global_configs_prefix", "CUSTOM_GLOBAL_CONFIG")
}

// LoadConfig reads the runtime configuration out of v.
func LoadConfig(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	result := Config{
		Resources: ResourceConfig{
			Enabled:          v.GetBool("resources.enabled"),
			MaxConcurrent:    v.GetInt("resources.max_concurrent"),
			RequiredMemoryMB: v.GetUint64("resources.required_memory_mb"),
			QueueTimeout:     v.GetDuration("resources.queue_timeout"),
		},
		Subprocess: SubprocessConfig{
			Timeout: v.GetDuration("subprocess.timeout"),
			Shell:   v.GetBool("subprocess.shell"),
		},
		Profiling: ProfilingConfig{
			Enabled:  v.GetBool("profiling.enabled"),
			Interval: v.GetDuration("profiling.interval"),
		},
		Encryption: EncryptionConfig{
			Enabled:       v.GetBool("encryption.enabled"),
			FailOnMissing: v.GetBool("encryption.fail_on_missing"),
			Timeout:       v.GetDuration("encryption.timeout"),
		},
		Execution: ExecutionConfig{
			Url:   v.GetString("execution.url"),
			User:  v.GetString("execution.user"),
			Email: v.GetString("execution.email"),
		},
		Report: ReportConfig{
			SendMode: strings.ToLower(v.GetString("report.send_mode")),
			Interval: v.GetDuration("report.interval"),
			File:     v.GetString("report.file"),
		},
		Nats: NatsConfig{
			Url:               v.GetString("nats.url"),
			Jwt:               v.GetString("nats.jwt"),
			Seed:              v.GetString("nats.seed"),
			KeyValueBucket:    v.GetString("nats.kv_bucket"),
			ObjectStoreBucket: v.GetString("nats.object_bucket"),
			Prefix:            v.GetString("nats.prefix"),
			ReportSubject:     v.GetString("nats.report_subject"),
		},
		Docker: exec.Config{
			FromEnv: v.GetBool("docker.from_env"),
			Url:     v.GetString("docker.url"),
		},
		S3: S3Config{
			Endpoint:  v.GetString("s3.endpoint"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
			Bucket:    v.GetString("s3.bucket"),
			Region:    v.GetString("s3.region"),
			UseSSL:    v.GetBool("s3.use_ssl"),
		},
		MetricsFile:         v.GetString("metrics_file"),
		LogLevel:            v.GetString("log_level"),
		GlobalConfigsPrefix: v.GetString("global_configs_prefix"),
	}

	if result.Resources.MaxConcurrent < 1 {
		result.Resources.MaxConcurrent = 1
	}

	switch result.Report.SendMode {
	case ReportOnCompletion, ReportPeriodic, ReportDisabled:
	default:
		return Config{}, fmt.Errorf("unknown report send mode %q", result.Report.SendMode)
	}

	return result, nil
}

// Gate converts the resource settings into a gate configuration.
func (c Config) Gate() gate.Config {
	return gate.Config{
		Enabled:          c.Resources.Enabled,
		MaxConcurrent:    c.Resources.MaxConcurrent,
		RequiredMemoryMB: c.Resources.RequiredMemoryMB,
		QueueTimeout:     c.Resources.QueueTimeout,
		RecheckInterval:  gate.DefaultRecheckInterval,
	}
}

// NatsEnabled reports whether a NATS server was configured.
func (c Config) NatsEnabled() bool {
	return strings.TrimSpace(c.Nats.Url) != ""
}

func (c Config) Connect() (*nats.Conn, error) {
	natsOpts := []nats.Option{
		nats.Name("pipex"),
	}

	if c.Nats.Jwt != "" {
		natsOpts = append(natsOpts, nats.UserJWTAndSeed(c.Nats.Jwt, c.Nats.Seed))
	} else {
		natsOpts = append(natsOpts, sdknats.FromEnv("pipex", EnvPrefix))
	}

	url := c.Nats.Url
	if url == "" {
		url = sdknats.GetUrl(EnvPrefix)
	}
	if url == "" {
		url = nats.DefaultURL
	}

	return nats.Connect(url, natsOpts...)
}
