package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/vless-provisioning-backend/common"
	"github.com/ruteri/vless-provisioning-backend/config"
	"github.com/ruteri/vless-provisioning-backend/httpserver"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the common log flags.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer maps the server flags onto the ops server config.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadProperties reads the optional config file and applies every flag that
// was set explicitly, on the command line or through its environment
// variable.
func LoadProperties(cCtx *cli.Context) (*config.Properties, error) {
	props, err := config.Load(cCtx.String(ConfigFileFlag.Name))
	if err != nil {
		return nil, err
	}

	if cCtx.IsSet(EnginePathFlag.Name) {
		props.EnginePath = cCtx.String(EnginePathFlag.Name)
	}
	if cCtx.IsSet(EngineConfigFlag.Name) {
		props.ConfigPath = cCtx.String(EngineConfigFlag.Name)
	}
	if cCtx.IsSet(ListenPortFlag.Name) {
		props.ListenPort = cCtx.Int(ListenPortFlag.Name)
	}
	if cCtx.IsSet(ServerAddressFlag.Name) {
		props.ServerAddress = cCtx.String(ServerAddressFlag.Name)
	}
	if cCtx.IsSet(APIServerFlag.Name) {
		props.APIServer = cCtx.String(APIServerFlag.Name)
	}
	if cCtx.IsSet(RealityFlag.Name) {
		props.Reality.Enabled = cCtx.Bool(RealityFlag.Name)
	}
	if cCtx.IsSet(RealityPrivateKeyFlag.Name) {
		props.Reality.PrivateKey = cCtx.String(RealityPrivateKeyFlag.Name)
	}
	if cCtx.IsSet(RealityPublicKeyFlag.Name) {
		props.Reality.PublicKey = cCtx.String(RealityPublicKeyFlag.Name)
	}
	if cCtx.IsSet(VaultPathFlag.Name) {
		props.Reality.VaultPath = cCtx.String(VaultPathFlag.Name)
	}
	if cCtx.IsSet(HorizonFlag.Name) {
		props.Admission.Horizon = cCtx.Duration(HorizonFlag.Name)
	}
	if cCtx.IsSet(RegistryTypeFlag.Name) {
		props.Registry.Type = cCtx.String(RegistryTypeFlag.Name)
	}
	if cCtx.IsSet(RegistryDirFlag.Name) {
		props.Registry.FileDir = cCtx.String(RegistryDirFlag.Name)
	}
	if cCtx.IsSet(RedisAddrFlag.Name) {
		props.Registry.RedisAddr = cCtx.String(RedisAddrFlag.Name)
	}
	if cCtx.IsSet(RedisPasswordFlag.Name) {
		props.Registry.RedisPassword = cCtx.String(RedisPasswordFlag.Name)
	}

	return props, props.Validate()
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"VLESSD_CONFIG"},
	Usage:   "YAML configuration file, applied on top of the defaults",
}

var EnginePathFlag = &cli.StringFlag{
	Name:    "engine-path",
	EnvVars: []string{"VLESSD_ENGINE_PATH"},
	Usage:   "path to the xray binary",
}
var EngineConfigFlag = &cli.StringFlag{
	Name:    "engine-config",
	EnvVars: []string{"VLESSD_ENGINE_CONFIG"},
	Usage:   "where the generated engine configuration is written",
}
var ListenPortFlag = &cli.IntFlag{
	Name:    "listen-port",
	EnvVars: []string{"VLESSD_LISTEN_PORT"},
	Usage:   "VLESS inbound port",
}
var ServerAddressFlag = &cli.StringFlag{
	Name:    "server-address",
	EnvVars: []string{"VLESSD_SERVER_ADDRESS"},
	Usage:   "public address clients connect to",
}
var APIServerFlag = &cli.StringFlag{
	Name:    "api-server",
	EnvVars: []string{"VLESSD_API_SERVER"},
	Usage:   "loopback host:port of the engine gRPC API",
}
var RealityFlag = &cli.BoolFlag{
	Name:    "reality",
	EnvVars: []string{"VLESSD_REALITY"},
	Usage:   "enable Reality camouflage on the inbound",
}
var RealityPrivateKeyFlag = &cli.StringFlag{
	Name:    "reality-private-key",
	EnvVars: []string{"VLESSD_REALITY_PRIVATE_KEY"},
	Usage:   "Reality x25519 private key; generated at startup when empty",
}
var RealityPublicKeyFlag = &cli.StringFlag{
	Name:    "reality-public-key",
	EnvVars: []string{"VLESSD_REALITY_PUBLIC_KEY"},
	Usage:   "Reality x25519 public key; derived from the private key when empty",
}
var VaultPathFlag = &cli.StringFlag{
	Name:    "vault-path",
	EnvVars: []string{"VLESSD_VAULT_PATH"},
	Usage:   "Vault KV v2 path holding private_key and public_key",
}
var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	EnvVars: []string{"VAULT_ADDR"},
	Usage:   "Vault server address",
}
var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	EnvVars: []string{"VAULT_TOKEN"},
	Usage:   "Vault token",
}
var HorizonFlag = &cli.DurationFlag{
	Name:    "admission-horizon",
	EnvVars: []string{"VLESSD_ADMISSION_HORIZON"},
	Usage:   "time an issued credential may stay unused before eviction",
}
var RegistryTypeFlag = &cli.StringFlag{
	Name:    "registry",
	EnvVars: []string{"VLESSD_REGISTRY"},
	Usage:   "client registry: 'memory', 'file' or 'redis'",
}
var RegistryDirFlag = &cli.StringFlag{
	Name:    "registry-dir",
	EnvVars: []string{"VLESSD_REGISTRY_DIR"},
	Usage:   "directory for the file registry",
}
var RedisAddrFlag = &cli.StringFlag{
	Name:    "redis-addr",
	EnvVars: []string{"VLESSD_REDIS_ADDR"},
	Usage:   "Redis address for the redis registry",
}
var RedisPasswordFlag = &cli.StringFlag{
	Name:    "redis-password",
	EnvVars: []string{"VLESSD_REDIS_PASSWORD"},
	Usage:   "Redis password",
}

// EngineFlags configure the engine, admission and client registry.
var EngineFlags = []cli.Flag{
	ConfigFileFlag,
	EnginePathFlag,
	EngineConfigFlag,
	ListenPortFlag,
	ServerAddressFlag,
	APIServerFlag,
	RealityFlag,
	RealityPrivateKeyFlag,
	RealityPublicKeyFlag,
	VaultPathFlag,
	VaultAddrFlag,
	VaultTokenFlag,
	HorizonFlag,
	RegistryTypeFlag,
	RegistryDirFlag,
	RedisAddrFlag,
	RedisPasswordFlag,
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the operational API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "vlessd",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

// CommonFlags control logging.
var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

// ServerFlags configure the ops HTTP and metrics listeners.
var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
