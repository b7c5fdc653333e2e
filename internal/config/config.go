package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Containers configures the container-instance manager. Zero-valued
// limits mean unlimited.
type Containers struct {
	Enabled                   bool   `yaml:"enabled"`
	MaxInstances              int    `yaml:"max_instances"`
	MaxInstancesPerUID        int    `yaml:"max_instances_per_uid"`
	MaxConnectionsPerInstance int    `yaml:"max_connections_per_instance"`
	MaxMetadataSize           string `yaml:"max_metadata_size"` // go-units syntax, e.g. "64KB"
	SocketDir                 string `yaml:"socket_dir"`        // empty: derived from XDG_RUNTIME_DIR or TMPDIR
	StopOnManagerDisconnect   bool   `yaml:"stop_on_manager_disconnect"`
	JanitorIntervalSeconds    int    `yaml:"janitor_interval_seconds"` // 0 disables the sweep

	// Parsed form of MaxMetadataSize, filled by Load.
	MaxMetadataBytes int64 `yaml:"-"`
}

type Config struct {
	Listen      string     `yaml:"listen"`
	BusName     string     `yaml:"bus_name"`
	AuditDBPath string     `yaml:"audit_db_path"` // empty disables auditing
	Containers  Containers `yaml:"containers"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:      "/run/busbahnhof/bus.sock",
		BusName:     "org.busbahnhof.Bus1",
		AuditDBPath: "",
		Containers: Containers{
			Enabled:                   true,
			MaxInstances:              64,
			MaxInstancesPerUID:        16,
			MaxConnectionsPerInstance: 256,
			MaxMetadataSize:           "64KB",
			StopOnManagerDisconnect:   true,
			JanitorIntervalSeconds:    300,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	size, err := units.RAMInBytes(cfg.Containers.MaxMetadataSize)
	if err != nil {
		return nil, fmt.Errorf("containers.max_metadata_size %q: %w", cfg.Containers.MaxMetadataSize, err)
	}
	cfg.Containers.MaxMetadataBytes = size

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUSBAHNHOF_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BUSBAHNHOF_BUS_NAME"); v != "" {
		cfg.BusName = v
	}
	if v := os.Getenv("BUSBAHNHOF_AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("BUSBAHNHOF_CONTAINERS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Containers.Enabled = b
		}
	}
	if v := os.Getenv("BUSBAHNHOF_MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Containers.MaxInstances = n
		}
	}
	if v := os.Getenv("BUSBAHNHOF_MAX_INSTANCES_PER_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Containers.MaxInstancesPerUID = n
		}
	}
	if v := os.Getenv("BUSBAHNHOF_MAX_CONNECTIONS_PER_INSTANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Containers.MaxConnectionsPerInstance = n
		}
	}
	if v := os.Getenv("BUSBAHNHOF_MAX_METADATA_SIZE"); v != "" {
		cfg.Containers.MaxMetadataSize = v
	}
	if v := os.Getenv("BUSBAHNHOF_SOCKET_DIR"); v != "" {
		cfg.Containers.SocketDir = v
	}
}
