package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"gopkg.in/yaml.v2"
)

// Properties is the complete runtime configuration of the backend.
type Properties struct {
	// EnginePath is the path to the xray binary.
	EnginePath string `yaml:"engine_path"`

	// ConfigPath is where the generated engine configuration is written and
	// read by the engine on start.
	ConfigPath string `yaml:"config_path"`

	// ListenPort is the VLESS inbound port.
	ListenPort int `yaml:"listen_port"`

	// ServerAddress is the public address clients connect to.
	ServerAddress string `yaml:"server_address"`

	// InboundTag identifies the VLESS inbound in control API calls.
	InboundTag string `yaml:"inbound_tag"`

	// APIServer is the loopback host:port of the engine's gRPC API.
	APIServer string `yaml:"api_server"`

	// LogLevel is the engine's own log level.
	LogLevel string `yaml:"log_level"`

	Reality   RealityProperties   `yaml:"reality"`
	Admission AdmissionProperties `yaml:"admission"`
	Registry  RegistryProperties  `yaml:"registry"`
}

// RealityProperties configures the TLS camouflage layer.
type RealityProperties struct {
	Enabled     bool     `yaml:"enabled"`
	Dest        string   `yaml:"dest"`
	ServerNames []string `yaml:"server_names"`
	ShortIDs    []string `yaml:"short_ids"`
	Fingerprint string   `yaml:"fingerprint"`
	Flow        string   `yaml:"flow"`

	// PrivateKey and PublicKey may be left empty; they are then loaded from
	// Vault or generated at startup and kept in memory only.
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`

	// VaultPath is an optional KV v2 path (mount/data/path) holding an
	// operator-persisted key pair.
	VaultPath string `yaml:"vault_path"`
}

// KeyPair returns the configured key pair.
func (r RealityProperties) KeyPair() interfaces.KeyPair {
	return interfaces.KeyPair{PrivateKey: r.PrivateKey, PublicKey: r.PublicKey}
}

// SetKeyPair replaces the in-memory key pair.
func (r *RealityProperties) SetKeyPair(keys interfaces.KeyPair) {
	r.PrivateKey = keys.PrivateKey
	r.PublicKey = keys.PublicKey
}

// AdmissionProperties configures the pending credential monitor.
type AdmissionProperties struct {
	// Horizon is the time a credential may stay unused before eviction.
	Horizon time.Duration `yaml:"horizon"`

	// RPCTimeout bounds every control API call made on behalf of a check.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// RetryInterval re-schedules a check that failed. Zero disables retries
	// and leaves failed credentials pending until an operator re-checks them.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxRetries caps automatic re-checks per credential.
	MaxRetries int `yaml:"max_retries"`
}

// Registry types.
const (
	RegistryMemory = "memory"
	RegistryFile   = "file"
	RegistryRedis  = "redis"
)

// RegistryProperties selects the persisted client store.
type RegistryProperties struct {
	// Type is "memory", "file" or "redis".
	Type          string `yaml:"type"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// FileDir holds one JSON record per client for the file registry.
	FileDir string `yaml:"file_dir"`
}

// Default returns properties matching a stock single-host deployment.
func Default() *Properties {
	return &Properties{
		EnginePath: "/usr/local/bin/xray",
		ConfigPath: "/etc/xray/config.json",
		ListenPort: 443,
		InboundTag: "vless-in",
		APIServer:  "127.0.0.1:10085",
		LogLevel:   "warning",
		Reality: RealityProperties{
			Enabled:     true,
			Dest:        "www.microsoft.com:443",
			ServerNames: []string{"www.microsoft.com"},
			ShortIDs:    []string{""},
			Fingerprint: "chrome",
			Flow:        interfaces.FlowVision,
		},
		Admission: AdmissionProperties{
			Horizon:    interfaces.DefaultAdmissionHorizon,
			RPCTimeout: 5 * time.Second,
		},
		Registry: RegistryProperties{
			Type:        RegistryMemory,
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "vless:",
			FileDir:     "/var/lib/vlessd/clients",
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (*Properties, error) {
	props := Default()
	if path == "" {
		return props, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, props); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfigValidation, err)
	}

	return props, nil
}

// Validate checks the properties needed to render and run the engine.
func (p *Properties) Validate() error {
	var errs []error

	if p.EnginePath == "" {
		errs = append(errs, errors.New("engine_path is required"))
	}
	if p.ConfigPath == "" {
		errs = append(errs, errors.New("config_path is required"))
	}
	if p.ListenPort <= 0 || p.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d is out of range", p.ListenPort))
	}
	if p.InboundTag == "" {
		errs = append(errs, errors.New("inbound_tag is required"))
	}
	if err := validateHostPort(p.APIServer); err != nil {
		errs = append(errs, fmt.Errorf("api_server: %w", err))
	}
	if p.Admission.Horizon <= 0 {
		errs = append(errs, errors.New("admission.horizon must be positive"))
	}
	if p.Admission.RetryInterval < 0 || p.Admission.MaxRetries < 0 {
		errs = append(errs, errors.New("admission retry settings must not be negative"))
	}

	switch p.Registry.Type {
	case RegistryMemory:
	case RegistryFile:
		if p.Registry.FileDir == "" {
			errs = append(errs, errors.New("registry.file_dir is required for the file registry"))
		}
	case RegistryRedis:
		if p.Registry.RedisAddr == "" {
			errs = append(errs, errors.New("registry.redis_addr is required for the redis registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry type %q", p.Registry.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", interfaces.ErrConfigValidation, errors.Join(errs...))
	}
	return nil
}

func validateHostPort(addr string) error {
	if addr == "" {
		return errors.New("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
