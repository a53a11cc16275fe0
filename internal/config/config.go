// Package config declares the replica engine's runtime configuration and
// binds it from flags/environment via viper and pflag, the way
// DataDog-datadog-agent's command packages bind a GlobalParams struct
// ahead of cobra's RunE (spec §4.F/§7: ports, rebuild step size, the
// checkpoint interval, and the etcd endpoints the volume registry
// watches).
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is populated once at startup and passed by reference; nothing
// deeper in the call stack reads viper ambiently (spec §5's ambient
// globals rule applies just as much to configuration as to timers).
type Config struct {
	IOPort        int           `mapstructure:"io-port"`
	RebuildPort   int           `mapstructure:"rebuild-port"`
	StepSize      uint64        `mapstructure:"step-size"`
	CheckpointMax time.Duration `mapstructure:"checkpoint-max-interval"`

	EtcdEndpoints []string `mapstructure:"etcd-endpoints"`
	EtcdPrefix    string   `mapstructure:"etcd-prefix"`
	EtcdDialTO    time.Duration `mapstructure:"etcd-dial-timeout"`

	WorkerCount int    `mapstructure:"worker-count"`
	MetricsAddr string `mapstructure:"metrics-addr"`
}

const (
	defaultIOPort      = 9000
	defaultRebuildPort = 9001
	defaultStepSize    = 10 << 30 // 10GiB, spec §4.E
	defaultEtcdPrefix  = "/replica-engine/volumes/"
	defaultWorkerCount = 8
)

// RegisterFlags adds this package's flags to fs, mirroring the
// teacher-adjacent DataDog command packages' convention of a Register
// method per flag group rather than a monolithic flag.Parse call site.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("io-port", defaultIOPort, "TCP port client data connections dial")
	fs.Int("rebuild-port", defaultRebuildPort, "TCP port rebuild-donor connections dial")
	fs.Uint64("step-size", defaultStepSize, "rebuild recipient step window, in bytes")
	fs.Duration("checkpoint-max-interval", 600*time.Second, "parsed into Config.CheckpointMax only; the checkpoint timer does not read it and always caps its sleep at 600s")
	fs.StringSlice("etcd-endpoints", nil, "etcd cluster endpoints backing the volume registry")
	fs.String("etcd-prefix", defaultEtcdPrefix, "etcd key prefix under which volume specs are stored")
	fs.Duration("etcd-dial-timeout", 5*time.Second, "etcd client dial timeout")
	fs.Int("worker-count", defaultWorkerCount, "maximum number of commands the shared worker executes concurrently")
	fs.String("metrics-addr", ":9090", "address the Prometheus /metrics endpoint listens on")
}

// Load binds v's flags and environment into a Config. v should already
// have had fs (the set RegisterFlags populated) bound via
// viper.BindPFlags, and fs.Parse(os.Args[1:]) already called by the
// caller (cmd/replica-engine's cobra RunE).
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("replica_engine")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.WithMessage(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration errors the daemon should fail fast on
// rather than discover during a handshake or rebuild.
func (c Config) Validate() error {
	if c.IOPort <= 0 || c.IOPort > 65535 {
		return errors.Errorf("config: invalid io_port %d", c.IOPort)
	}
	if c.RebuildPort <= 0 || c.RebuildPort > 65535 {
		return errors.Errorf("config: invalid rebuild_port %d", c.RebuildPort)
	}
	if c.IOPort == c.RebuildPort {
		return errors.New("config: io_port and rebuild_port must differ")
	}
	if c.StepSize == 0 {
		return errors.New("config: step_size must be non-zero")
	}
	if len(c.EtcdEndpoints) == 0 {
		return errors.New("config: at least one etcd endpoint is required")
	}
	if c.WorkerCount <= 0 {
		return errors.New("config: worker_count must be positive")
	}
	return nil
}
