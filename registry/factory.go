package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/vless-provisioning-backend/config"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

// New creates the registry selected by props.Type.
func New(ctx context.Context, props config.RegistryProperties, log *slog.Logger) (interfaces.ClientRegistry, error) {
	switch strings.ToLower(props.Type) {
	case "", config.RegistryMemory:
		log.Warn("Using in-memory client registry, admitted clients are lost on restart")
		return NewMemoryRegistry(), nil
	case config.RegistryFile:
		return NewFileRegistry(props.FileDir, log)
	case config.RegistryRedis:
		return NewRedisRegistry(ctx, RedisOptions{
			Addr:     props.RedisAddr,
			Password: props.RedisPassword,
			DB:       props.RedisDB,
			Prefix:   props.RedisPrefix,
		}, log)
	default:
		return nil, fmt.Errorf("%w: unsupported registry type %q", interfaces.ErrConfigValidation, props.Type)
	}
}
