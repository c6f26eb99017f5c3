package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/vyrodovalexey/enforcer/internal/config"
	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// Client runs one Watcher per configured kind.
type Client struct {
	ads            discoveryv3.AggregatedDiscoveryServiceClient
	store          subscription.Store
	readiness      *Readiness
	nodeID         string
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         observability.Logger
	metrics        *observability.Metrics

	watchers []*Watcher
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option is a functional option for Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// Dial connects to the discovery server at cfg.Address.
func Dial(cfg config.DiscoveryConfig) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	return conn, nil
}

// New creates a client over conn. Every watched kind is registered with
// readiness before New returns.
func New(
	conn grpc.ClientConnInterface,
	cfg config.DiscoveryConfig,
	store subscription.Store,
	readiness *Readiness,
	opts ...Option,
) (*Client, error) {
	c := &Client{
		ads:            discoveryv3.NewAggregatedDiscoveryServiceClient(conn),
		store:          store,
		readiness:      readiness,
		nodeID:         cfg.NodeID,
		initialBackoff: cfg.InitialBackoff.Duration(),
		maxBackoff:     cfg.MaxBackoff.Duration(),
		logger:         observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetrics("")
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = config.DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = config.DefaultMaxBackoff
	}

	kinds := subscription.AllKinds()
	if len(cfg.Kinds) > 0 {
		kinds = kinds[:0:0]
		for _, name := range cfg.Kinds {
			kind, ok := subscription.ParseKind(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q", subscription.ErrUnknownKind, name)
			}
			kinds = append(kinds, kind)
		}
	}

	for _, kind := range kinds {
		c.watchers = append(c.watchers, newWatcher(kind, c))
		readiness.Expect(string(kind))
	}
	return c, nil
}

// Watchers returns the watchers in configuration order.
func (c *Client) Watchers() []*Watcher {
	return c.watchers
}

// Start launches every watcher. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	for _, w := range c.watchers {
		c.wg.Add(1)
		go func(w *Watcher) {
			defer c.wg.Done()
			w.Run(ctx)
		}(w)
	}
	c.logger.Info("discovery client started",
		observability.String("node", c.nodeID),
		observability.Int("watchers", len(c.watchers)),
	)
}

// Stop cancels every watcher and waits for them to return.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("discovery client stopped")
}
