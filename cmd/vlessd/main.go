package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/vless-provisioning-backend/cmd/flags"
	"github.com/ruteri/vless-provisioning-backend/common"
	"github.com/ruteri/vless-provisioning-backend/config"
	"github.com/ruteri/vless-provisioning-backend/controlplane"
	"github.com/ruteri/vless-provisioning-backend/engine"
	"github.com/ruteri/vless-provisioning-backend/httpserver"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/keystore"
	"github.com/ruteri/vless-provisioning-backend/registry"
	"github.com/ruteri/vless-provisioning-backend/service"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "vlessd",
		Usage:   "Provision VLESS/Reality credentials and admit only clients that carry traffic",
		Version: common.Version,
		Flags:   append(append(append([]cli.Flag{}, flags.EngineFlags...), flags.ServerFlags...), flags.CommonFlags...),
		Action:  runServer,
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Generate a Reality key pair with the engine binary and print it",
				Flags:  append(append([]cli.Flag{}, flags.EngineFlags...), flags.CommonFlags...),
				Action: runKeygen,
			},
			{
				Name:   "genconfig",
				Usage:  "Write the engine configuration for the persisted clients and exit",
				Flags:  append(append([]cli.Flag{}, flags.EngineFlags...), flags.CommonFlags...),
				Action: runGenConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	props, err := flags.LoadProperties(cCtx)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx := context.Background()
	svc, err := buildService(ctx, cCtx, props, logger)
	if err != nil {
		return err
	}

	if err := svc.Bootstrap(ctx); err != nil {
		logger.Error("Bootstrap failed", "err", err)
		svc.Shutdown()
		return err
	}

	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), svc)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		svc.Shutdown()
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Drain(ctx)
	server.Shutdown()
	svc.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}

func runKeygen(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	props, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		return err
	}
	if cCtx.IsSet(flags.EnginePathFlag.Name) {
		props.EnginePath = cCtx.String(flags.EnginePathFlag.Name)
	}

	keys, err := engine.NewKeyProvisioner(logger).GenerateKeys(cCtx.Context, props.EnginePath)
	if err != nil {
		return err
	}

	fmt.Fprintf(cCtx.App.Writer, "private_key: %s\npublic_key: %s\n", keys.PrivateKey, keys.PublicKey)
	return nil
}

func runGenConfig(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	props, err := flags.LoadProperties(cCtx)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx := context.Background()
	svc, err := buildService(ctx, cCtx, props, logger)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	return svc.GenerateConfig(ctx)
}

func buildService(ctx context.Context, cCtx *cli.Context, props *config.Properties, logger *slog.Logger) (*service.Service, error) {
	clientRegistry, err := registry.New(ctx, props.Registry, logger)
	if err != nil {
		logger.Error("Failed to create client registry", "err", err)
		return nil, err
	}

	var keySource interfaces.KeySource
	if props.Reality.VaultPath != "" {
		keySource, err = keystore.NewVaultKeySource(
			cCtx.String(flags.VaultAddrFlag.Name),
			cCtx.String(flags.VaultTokenFlag.Name),
			props.Reality.VaultPath,
			logger)
		if err != nil {
			logger.Error("Failed to create Vault key source", "err", err)
			return nil, err
		}
	}

	cp, err := controlplane.New(controlplane.Config{
		Address:        props.APIServer,
		InboundTag:     props.InboundTag,
		RealityEnabled: props.Reality.Enabled,
		Flow:           props.Reality.Flow,
		RPCTimeout:     props.Admission.RPCTimeout,
		Log:            logger,
	})
	if err != nil {
		logger.Error("Failed to create engine API client", "err", err)
		return nil, err
	}

	supervisor := engine.NewSupervisor(engine.SupervisorConfig{
		EnginePath: props.EnginePath,
		ConfigPath: props.ConfigPath,
		Log:        logger,
	})

	return service.New(props, service.Deps{
		Supervisor:   supervisor,
		ControlPlane: cp,
		KeyGenerator: engine.NewKeyProvisioner(logger),
		KeySource:    keySource,
		Issuer:       service.UUIDIssuer{},
		Registry:     clientRegistry,
	}, logger), nil
}
