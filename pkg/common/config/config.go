// Package config loads the plugin configuration from flags, environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. IMAGE_VOLUME_VOLUME_DB.
const EnvPrefix = "IMAGE_VOLUME"

const (
	KeyVolumeDB              = "volume-db"
	KeySocket                = "socket"
	KeySocketGroup           = "socket-group"
	KeyRuntime               = "runtime"
	KeyContainerdAddress     = "containerd-address"
	KeyContainerdNamespace   = "containerd-namespace"
	KeyContainerdSnapshotter = "containerd-snapshotter"
	KeyLockTimeout           = "lock-timeout"
	KeyListConcurrency       = "list-concurrency"
	KeyMetricsAddress        = "metrics-address"
	KeyDebug                 = "debug"
)

const (
	RuntimeDocker     = "docker"
	RuntimeContainerd = "containerd"
)

const (
	DefaultVolumeDB              = "/var/lib/image-volume/volumes.json"
	DefaultSocket                = "/run/docker/plugins/image-volume.sock"
	DefaultContainerdAddress     = "/run/containerd/containerd.sock"
	DefaultContainerdNamespace   = "moby"
	DefaultContainerdSnapshotter = "overlayfs"
	DefaultLockTimeout           = 10 * time.Second
	DefaultListConcurrency       = 8
)

type ContainerdConfig struct {
	Address     string
	Namespace   string
	Snapshotter string
}

type Config struct {
	VolumeDB        string
	Socket          string
	SocketGroup     int
	Runtime         string
	Containerd      ContainerdConfig
	LockTimeout     time.Duration
	ListConcurrency int
	MetricsAddress  string
	Debug           bool
}

// AddFlags registers every configuration flag on flags.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(KeyVolumeDB, DefaultVolumeDB, "Path of the volume registry file")
	flags.String(KeySocket, DefaultSocket, "Unix socket the plugin listens on when not socket activated")
	flags.Int(KeySocketGroup, -1, "Group owning the plugin socket, -1 keeps the process group")
	flags.String(KeyRuntime, RuntimeDocker, "Container runtime to resolve image layers with (docker|containerd)")
	flags.String(KeyContainerdAddress, DefaultContainerdAddress, "containerd socket address")
	flags.String(KeyContainerdNamespace, DefaultContainerdNamespace, "containerd namespace holding the images")
	flags.String(KeyContainerdSnapshotter, DefaultContainerdSnapshotter, "containerd snapshotter the images are unpacked with")
	flags.Duration(KeyLockTimeout, DefaultLockTimeout, "Maximum time to wait for the volume registry lock")
	flags.Int(KeyListConcurrency, DefaultListConcurrency, "Number of images resolved in parallel when listing volumes")
	flags.String(KeyMetricsAddress, "", "Optional TCP address serving Prometheus metrics")
}

// Load merges flags, environment and configFile (if set) into a Config. The
// debug key is read from the persistent --debug flag when flags carries it.
func Load(v *viper.Viper, flags *pflag.FlagSet, configFile string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	cfg := &Config{
		VolumeDB:    v.GetString(KeyVolumeDB),
		Socket:      v.GetString(KeySocket),
		SocketGroup: v.GetInt(KeySocketGroup),
		Runtime:     strings.ToLower(v.GetString(KeyRuntime)),
		Containerd: ContainerdConfig{
			Address:     v.GetString(KeyContainerdAddress),
			Namespace:   v.GetString(KeyContainerdNamespace),
			Snapshotter: v.GetString(KeyContainerdSnapshotter),
		},
		LockTimeout:     v.GetDuration(KeyLockTimeout),
		ListConcurrency: v.GetInt(KeyListConcurrency),
		MetricsAddress:  v.GetString(KeyMetricsAddress),
		Debug:           v.GetBool(KeyDebug),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.VolumeDB == "" {
		return errors.New("volume-db is required")
	}
	if c.LockTimeout <= 0 {
		return errors.Errorf("lock-timeout must be positive, got %s", c.LockTimeout)
	}
	if c.ListConcurrency < 1 {
		return errors.Errorf("list-concurrency must be at least 1, got %d", c.ListConcurrency)
	}
	switch c.Runtime {
	case RuntimeDocker:
	case RuntimeContainerd:
		if c.Containerd.Address == "" {
			return errors.New("containerd-address is required for the containerd runtime")
		}
		if c.Containerd.Snapshotter == "" {
			return errors.New("containerd-snapshotter is required for the containerd runtime")
		}
	default:
		return errors.Errorf("unsupported runtime: %s", c.Runtime)
	}
	return nil
}
