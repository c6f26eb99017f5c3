package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/enforcer/internal/observability"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// ErrStreamClosed is returned when the server ends a stream.
var ErrStreamClosed = errors.New("discovery stream closed by server")

// Discovery update results used in metrics.
const (
	resultACK         = "ack"
	resultNACK        = "nack"
	resultStreamError = "stream_error"
)

// Watcher keeps one entity kind in sync over an ADS stream.
type Watcher struct {
	kind           subscription.Kind
	typeURL        string
	node           *corev3.Node
	client         discoveryv3.AggregatedDiscoveryServiceClient
	store          subscription.Store
	readiness      *Readiness
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         observability.Logger
	metrics        *observability.Metrics

	version atomic.Value // string
	applied atomic.Int64
}

func newWatcher(kind subscription.Kind, c *Client) *Watcher {
	w := &Watcher{
		kind:           kind,
		typeURL:        TypeURL(kind),
		node:           &corev3.Node{Id: c.nodeID},
		client:         c.ads,
		store:          c.store,
		readiness:      c.readiness,
		initialBackoff: c.initialBackoff,
		maxBackoff:     c.maxBackoff,
		logger:         c.logger.With(observability.String("kind", string(kind))),
		metrics:        c.metrics,
	}
	w.version.Store("")
	return w
}

// Kind returns the watched kind.
func (w *Watcher) Kind() subscription.Kind {
	return w.kind
}

// Version returns the version of the last accepted snapshot.
func (w *Watcher) Version() string {
	return w.version.Load().(string)
}

// Applied returns the number of accepted snapshots.
func (w *Watcher) Applied() int64 {
	return w.applied.Load()
}

// Run streams until ctx is done, reconnecting with exponential backoff.
func (w *Watcher) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.initialBackoff),
		backoff.WithMaxInterval(w.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		received, err := w.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			b.Reset()
		}
		w.metrics.RecordDiscoveryUpdate(string(w.kind), resultStreamError)

		wait := b.NextBackOff()
		w.logger.Warn("discovery stream ended, reconnecting",
			observability.Error(err),
			observability.Duration("backoff", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream runs one stream. received reports whether any response arrived.
func (w *Watcher) stream(ctx context.Context) (received bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := w.client.StreamAggregatedResources(streamCtx)
	if err != nil {
		return false, fmt.Errorf("failed to open stream: %w", err)
	}

	// The initial request carries the last accepted version so the server
	// can skip an unchanged snapshot.
	if err := s.Send(w.request("", nil)); err != nil {
		return false, fmt.Errorf("failed to send initial request: %w", err)
	}
	w.logger.Debug("discovery stream opened", observability.String("version", w.Version()))

	for {
		resp, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return received, ErrStreamClosed
			}
			if status.Code(err) == codes.Canceled && ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, fmt.Errorf("failed to receive: %w", err)
		}
		received = true

		if err := s.Send(w.handle(resp)); err != nil {
			return received, fmt.Errorf("failed to acknowledge: %w", err)
		}
	}
}

// handle applies a response and returns the ACK or NACK for it.
func (w *Watcher) handle(resp *discoveryv3.DiscoveryResponse) *discoveryv3.DiscoveryRequest {
	err := w.apply(resp)
	if err != nil {
		w.metrics.RecordDiscoveryUpdate(string(w.kind), resultNACK)
		w.logger.Error("rejected discovery response",
			observability.String("version", resp.GetVersionInfo()),
			observability.String("nonce", resp.GetNonce()),
			observability.Error(err),
		)
		return w.request(resp.GetNonce(), &rpcstatus.Status{
			Code:    int32(codes.InvalidArgument),
			Message: err.Error(),
		})
	}

	w.version.Store(resp.GetVersionInfo())
	w.applied.Add(1)
	w.metrics.RecordDiscoveryUpdate(string(w.kind), resultACK)
	w.readiness.MarkReady(string(w.kind))
	w.logger.Info("applied discovery snapshot",
		observability.String("version", resp.GetVersionInfo()),
		observability.Int("resources", len(resp.GetResources())),
	)
	return w.request(resp.GetNonce(), nil)
}

func (w *Watcher) apply(resp *discoveryv3.DiscoveryResponse) error {
	if resp.GetTypeUrl() != w.typeURL {
		return fmt.Errorf("unexpected type url %q", resp.GetTypeUrl())
	}
	items, err := DecodeResources(w.kind, resp.GetResources())
	if err != nil {
		return err
	}
	return w.store.ReplaceAll(subscription.Snapshot{Kind: w.kind, Items: items})
}

func (w *Watcher) request(nonce string, detail *rpcstatus.Status) *discoveryv3.DiscoveryRequest {
	return &discoveryv3.DiscoveryRequest{
		VersionInfo:   w.Version(),
		Node:          w.node,
		TypeUrl:       w.typeURL,
		ResponseNonce: nonce,
		ErrorDetail:   detail,
	}
}
