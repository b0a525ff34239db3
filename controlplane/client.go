package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/metrics"
	handlercmd "github.com/xtls/xray-core/app/proxyman/command"
	statscmd "github.com/xtls/xray-core/app/stats/command"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// DefaultRPCTimeout bounds each engine API call when Config leaves it unset.
	DefaultRPCTimeout = 5 * time.Second
	closeGracePeriod  = 5 * time.Second
)

// Config describes how to reach the engine API and which inbound to manage.
type Config struct {
	// Address is the engine API endpoint, normally a loopback host:port.
	Address string
	// InboundTag names the VLESS inbound users are added to and removed from.
	InboundTag string

	// Flow is put on added accounts when RealityEnabled is set. A credential's
	// own Flow takes precedence.
	RealityEnabled bool
	Flow           string

	// RPCTimeout bounds each call. Zero means DefaultRPCTimeout.
	RPCTimeout time.Duration
	Log        *slog.Logger

	// DialOptions are appended after the default plaintext credentials.
	DialOptions []grpc.DialOption
}

// Client talks to the engine's HandlerService and StatsService over a single
// long-lived connection. It is safe for concurrent use.
type Client struct {
	cfg     Config
	log     *slog.Logger
	conn    *grpc.ClientConn
	handler handlercmd.HandlerServiceClient
	stats   statscmd.StatsServiceClient
}

var _ interfaces.ControlPlane = (*Client)(nil)

// New creates the client. The connection is established lazily by gRPC, so
// New succeeds while the engine is still starting.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("engine API address is required")
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create engine API client: %w", err)
	}

	cfg.Log.Info("Engine API client created", "address", cfg.Address, "inbound", cfg.InboundTag)

	return &Client{
		cfg:     cfg,
		log:     cfg.Log,
		conn:    conn,
		handler: handlercmd.NewHandlerServiceClient(conn),
		stats:   statscmd.NewStatsServiceClient(conn),
	}, nil
}

// AddCredential adds the credential to the inbound. The engine rejects
// duplicates itself; no local check is made.
func (c *Client) AddCredential(ctx context.Context, cred interfaces.Credential) error {
	err := c.alterInbound(ctx, "AddUser", AddUser{Credential: cred, Flow: c.flowFor(cred)})
	if err != nil {
		c.log.Error("Could not add credential to engine", "id", cred.ID, "err", err)
		return fmt.Errorf("%w: add user %s: %w", interfaces.ErrControlPlane, cred.ID, err)
	}
	c.log.Info("Credential added to engine", "id", cred.ID)
	return nil
}

// RemoveCredential removes the user keyed by the credential id.
func (c *Client) RemoveCredential(ctx context.Context, id string) error {
	err := c.alterInbound(ctx, "RemoveUser", RemoveUser{CredentialID: id})
	if err != nil {
		c.log.Error("Could not remove credential from engine", "id", id, "err", err)
		return fmt.Errorf("%w: remove user %s: %w", interfaces.ErrControlPlane, id, err)
	}
	c.log.Info("Credential removed from engine", "id", id)
	return nil
}

// QueryTraffic returns the credential's cumulative counters without resetting
// them. On failure the counters are zero and the error wraps
// interfaces.ErrControlPlaneReadDegraded.
func (c *Client) QueryTraffic(ctx context.Context, id string) (interfaces.TrafficCounters, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.stats.QueryStats(ctx, &statscmd.QueryStatsRequest{
		Pattern: userStatPattern(id),
		Reset_:  false,
	})
	observe("QueryStats", start, err)
	if err != nil {
		c.log.Warn("Could not query traffic", "id", id, "err", err)
		return interfaces.TrafficCounters{}, fmt.Errorf("%w: %s: %w", interfaces.ErrControlPlaneReadDegraded, id, err)
	}

	var counters interfaces.TrafficCounters
	for _, stat := range resp.GetStat() {
		switch name := stat.GetName(); {
		case strings.Contains(name, "uplink"):
			counters.Uplink = stat.GetValue()
		case strings.Contains(name, "downlink"):
			counters.Downlink = stat.GetValue()
		}
	}

	c.log.Debug("Traffic queried", "id", id, "uplink", counters.Uplink, "downlink", counters.Downlink)
	return counters, nil
}

// Close releases the connection, giving up after a grace period.
func (c *Client) Close() error {
	done := make(chan error, 1)
	go func() { done <- c.conn.Close() }()

	select {
	case err := <-done:
		return err
	case <-time.After(closeGracePeriod):
		c.log.Warn("Engine API connection did not close in time")
		return errors.New("engine API connection close timed out")
	}
}

func (c *Client) alterInbound(ctx context.Context, method string, op Operation) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.handler.AlterInbound(ctx, alterInboundRequest(c.cfg.InboundTag, op))
	observe(method, start, err)
	return err
}

func (c *Client) flowFor(cred interfaces.Credential) string {
	if !c.cfg.RealityEnabled {
		return ""
	}
	if cred.Flow != "" {
		return cred.Flow
	}
	return c.cfg.Flow
}

func userStatPattern(id string) string {
	return "user>>>" + id + ">>>"
}

func observe(method string, start time.Time, err error) {
	metrics.ControlPlaneDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ControlPlaneRequests.WithLabelValues(method, result).Inc()
}
