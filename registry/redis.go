package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

// RedisRegistry stores each client as a JSON value under
// <prefix>client:<credentialID>. Active credential ids are indexed in the
// <prefix>clients:active set and numeric ids come from <prefix>clients:seq.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

var _ interfaces.ClientRegistry = (*RedisRegistry)(nil)

// RedisOptions locates the Redis database and namespaces the registry keys.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, e.g. "vless:".
	Prefix string
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(ctx context.Context, opts RedisOptions, log *slog.Logger) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	log.Info("Connected to Redis client registry", "addr", opts.Addr, "db", opts.DB, "prefix", opts.Prefix)
	return &RedisRegistry{client: rdb, prefix: opts.Prefix, log: log}, nil
}

func (r *RedisRegistry) clientKey(credentialID string) string {
	return r.prefix + "client:" + credentialID
}

func (r *RedisRegistry) activeKey() string { return r.prefix + "clients:active" }
func (r *RedisRegistry) seqKey() string    { return r.prefix + "clients:seq" }

// Record and active-index writes run as one script. The index is touched
// first, so a failing index write leaves no record behind.
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[2] == '1' then
	redis.call('SADD', KEYS[2], ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

	updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if ARGV[2] == '1' then
	redis.call('SADD', KEYS[2], ARGV[3])
else
	redis.call('SREM', KEYS[2], ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)
)

func (r *RedisRegistry) Create(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	if c.CredentialID == "" {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: empty credential id", interfaces.ErrIllegalState)
	}

	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("redis sequence: %w", err)
	}
	c.ID = id
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	created, err := r.write(ctx, createScript, c)
	if err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("redis create %s: %w", c.CredentialID, err)
	}
	if !created {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientExists, c.CredentialID)
	}

	r.log.Debug("Client stored", "id", c.ID, "credentialID", c.CredentialID)
	return c, nil
}

func (r *RedisRegistry) Update(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	stored, err := r.FindByCredentialID(ctx, c.CredentialID)
	if err != nil {
		return interfaces.PersistedClient{}, err
	}
	c.ID = stored.ID
	c.CreatedAt = stored.CreatedAt

	updated, err := r.write(ctx, updateScript, c)
	if err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("redis update %s: %w", c.CredentialID, err)
	}
	if !updated {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, c.CredentialID)
	}

	r.log.Debug("Client updated", "id", c.ID, "credentialID", c.CredentialID, "active", c.IsActive)
	return c, nil
}

// write runs a record script and reports whether it applied.
func (r *RedisRegistry) write(ctx context.Context, script *redis.Script, c interfaces.PersistedClient) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	active := "0"
	if c.IsActive {
		active = "1"
	}

	applied, err := script.Run(ctx, r.client,
		[]string{r.clientKey(c.CredentialID), r.activeKey()},
		data, active, c.CredentialID,
	).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

func (r *RedisRegistry) FindByCredentialID(ctx context.Context, credentialID string) (interfaces.PersistedClient, error) {
	data, err := r.client.Get(ctx, r.clientKey(credentialID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}
	if err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("redis get %s: %w", credentialID, err)
	}

	var c interfaces.PersistedClient
	if err := json.Unmarshal(data, &c); err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("corrupt client record %s: %w", credentialID, err)
	}
	return c, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, credentialID string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.clientKey(credentialID))
		pipe.SRem(ctx, r.activeKey(), credentialID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", credentialID, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}
	return nil
}

func (r *RedisRegistry) ListActive(ctx context.Context) ([]interfaces.PersistedClient, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis active index: %w", err)
	}
	if len(ids) == 0 {
		return []interfaces.PersistedClient{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.clientKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	active := make([]interfaces.PersistedClient, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// index entry without a record
			r.log.Warn("Dangling active index entry", "credentialID", ids[i])
			continue
		}
		var c interfaces.PersistedClient
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			r.log.Warn("Skipping corrupt client record", "credentialID", ids[i], "err", err)
			continue
		}
		active = append(active, c)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// Close releases the Redis connection pool.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
