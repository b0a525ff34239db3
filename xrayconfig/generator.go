package xrayconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ruteri/vless-provisioning-backend/config"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

const (
	protocolVLESS = "vless"
	apiTag        = "api"
)

// apiServices are the management services the backend relies on. Handler and
// Stats are required by the control plane client.
var apiServices = []string{"HandlerService", "StatsService", "LoggerService"}

// Generator renders the engine configuration from the backend properties and
// the current credential set.
type Generator struct {
	log *slog.Logger
}

// NewGenerator creates a configuration generator.
func NewGenerator(log *slog.Logger) *Generator {
	return &Generator{log: log}
}

// Generate builds the full configuration document. Credentials are sorted by
// id so identical inputs always render identical documents.
func (g *Generator) Generate(props *config.Properties, creds []interfaces.Credential) (*Config, error) {
	if err := validate(props); err != nil {
		return nil, err
	}

	reality := props.Reality.Enabled

	clients := make([]Client, 0, len(creds))
	seen := make(map[string]struct{}, len(creds))
	for _, cred := range creds {
		if _, dup := seen[cred.ID]; dup {
			continue
		}
		seen[cred.ID] = struct{}{}

		client := Client{ID: cred.ID, Email: cred.ID, Level: 0}
		if reality {
			// flow tags are only meaningful under Reality
			client.Flow = cred.Flow
			if client.Flow == "" {
				client.Flow = props.Reality.Flow
			}
		}
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })

	stream := StreamSettings{Network: "tcp", Security: "none"}
	if reality {
		stream.Security = "reality"
		stream.RealitySettings = &RealitySettings{
			Show:        false,
			Dest:        props.Reality.Dest,
			ServerNames: append([]string(nil), props.Reality.ServerNames...),
			PrivateKey:  props.Reality.PrivateKey,
			ShortIDs:    append([]string(nil), props.Reality.ShortIDs...),
			Fingerprint: props.Reality.Fingerprint,
		}
	} else {
		g.log.Warn("Reality is disabled, tunnel traffic is exposed to deep packet inspection")
	}

	logLevel := props.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}

	return &Config{
		Log: LogConfig{LogLevel: logLevel},
		API: APIConfig{
			Tag:      apiTag,
			Listen:   props.APIServer,
			Services: append([]string(nil), apiServices...),
		},
		Stats: StatsConfig{},
		Policy: PolicyConfig{
			Levels: map[string]PolicyLevel{
				"0": {StatsUserUplink: true, StatsUserDownlink: true},
			},
			System: PolicySystem{
				StatsInboundUplink:    true,
				StatsInboundDownlink:  true,
				StatsOutboundUplink:   true,
				StatsOutboundDownlink: true,
			},
		},
		Inbounds: []InboundConfig{{
			Tag:      props.InboundTag,
			Port:     props.ListenPort,
			Protocol: protocolVLESS,
			Settings: InboundSettings{
				Clients:    clients,
				Decryption: "none",
			},
			StreamSettings: stream,
		}},
		Outbounds: []OutboundConfig{
			{Protocol: "freedom", Tag: "direct"},
			{Protocol: "blackhole", Tag: "block"},
		},
	}, nil
}

// Write generates the configuration and atomically replaces the file at
// props.ConfigPath. Nothing is written when validation fails.
func (g *Generator) Write(props *config.Properties, creds []interfaces.Credential) error {
	cfg, err := g.Generate(props, creds)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConfigWrite, err)
	}

	if err := writeFileAtomic(props.ConfigPath, data); err != nil {
		g.log.Error("Failed to write engine config", "path", props.ConfigPath, "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrConfigWrite, err)
	}

	g.log.Info("Engine config written",
		slog.String("path", props.ConfigPath),
		slog.Int("clients", len(cfg.Inbounds[0].Settings.Clients)),
		slog.Bool("reality", props.Reality.Enabled),
		slog.String("api", props.APIServer))

	return nil
}

// Load reads a previously written configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(props *config.Properties) error {
	if props == nil {
		return fmt.Errorf("%w: no properties", interfaces.ErrConfigValidation)
	}

	var errs []error
	if props.ListenPort <= 0 || props.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d is out of range", props.ListenPort))
	}
	if props.InboundTag == "" {
		errs = append(errs, errors.New("inbound tag is required"))
	}
	if props.APIServer == "" {
		errs = append(errs, errors.New("control API address is required"))
	}
	if props.ConfigPath == "" {
		errs = append(errs, errors.New("config path is required"))
	}

	if props.Reality.Enabled {
		if props.Reality.Dest == "" {
			errs = append(errs, errors.New("reality dest is required"))
		}
		if len(props.Reality.ServerNames) == 0 {
			errs = append(errs, errors.New("reality server names are required"))
		}
		if props.Reality.PrivateKey == "" {
			errs = append(errs, errors.New("reality private key is required"))
		}
		if len(props.Reality.ShortIDs) == 0 {
			errs = append(errs, errors.New("reality short ids are required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", interfaces.ErrConfigValidation, errors.Join(errs...))
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	// the file holds the Reality private key
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
