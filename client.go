package rescon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rescon/rescon/cluster"
	"github.com/go-rescon/rescon/resp"
)

// mode distinguishes which topology a Client was configured for.
type mode uint8

const (
	modeStandalone mode = iota
	modeSentinel
	modeCluster
)

// Client is the facade wiring standalone, sentinel, or cluster-mode
// routing behind a single submission API, per spec.md §6.
type Client struct {
	cfg  Config
	bus  *eventBus
	mode mode

	mgr    *manager       // standalone, sentinel
	router *cluster.Router // cluster

	tracking *trackingTable

	closeOnce sync.Once
}

// NewClient validates cfg and builds the appropriate resolver/manager or
// cluster router.
func NewClient(cfg Config) (*Client, error) {
	if cfg.SubmissionQueueCapacity <= 0 {
		cfg.SubmissionQueueCapacity = DefaultConfig().SubmissionQueueCapacity
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultConfig().MaxFrameSize
	}
	if cfg.MaxRetriesPerCommand <= 0 {
		cfg.MaxRetriesPerCommand = DefaultConfig().MaxRetriesPerCommand
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := newEventBus(nil, 64)
	c := &Client{cfg: cfg, bus: bus, tracking: newTrackingTable()}

	switch {
	case cfg.Cluster != nil:
		c.mode = modeCluster
		router, err := c.buildRouter()
		if err != nil {
			return nil, err
		}
		c.router = router
	case cfg.Sentinel != nil:
		c.mode = modeSentinel
		c.mgr = newManager(cfg, newSentinelResolver(cfg, *cfg.Sentinel, bus), bus)
	default:
		c.mode = modeStandalone
		c.mgr = newManager(cfg, newStandaloneResolver(cfg.Endpoints), bus)
	}
	return c, nil
}

// Events returns the channel of lifecycle notifications (Connected,
// Reconnecting, Failover, TopologyChanged, SubscriptionReplayed).
func (c *Client) Events() <-chan Event { return c.bus.Events() }

// Do submits a single command and waits for its reply.
func (c *Client) Do(ctx context.Context, cmd Command) (Value, error) {
	if c.cfg.CommandTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadlineOrZero(c.cfg.CommandTimeout))
			defer cancel()
		}
	}

	if c.mode == modeCluster {
		v, _, err := c.router.Dispatch(ctx, cmd)
		return v, convertClusterErr(err)
	}

	msg, ch := NewMessage(cmd)
	if err := c.mgr.Submit(ctx, msg); err != nil {
		return Value{}, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return Value{}, res.Err
		}
		return res.Value, nil
	case <-ctx.Done():
		return Value{}, ctx.Err()
	}
}

// DoReadOnly submits a read-only command. In cluster mode with
// Config.Cluster.ReadFromReplicas set it is routed to a shard replica
// (after a one-time READONLY on that connection); otherwise it behaves
// exactly like Do, per spec.md §9.
func (c *Client) DoReadOnly(ctx context.Context, cmd Command) (Value, error) {
	if c.mode != modeCluster {
		return c.Do(ctx, cmd)
	}
	if c.cfg.CommandTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadlineOrZero(c.cfg.CommandTimeout))
			defer cancel()
		}
	}
	v, _, err := c.router.DispatchReadOnly(ctx, cmd)
	return v, convertClusterErr(err)
}

// convertClusterErr converts a cluster.TooManyRetriesError into the root
// package's KindTooManyRetries Error so callers see one error type
// regardless of mode; everything else passes through unchanged.
func convertClusterErr(err error) error {
	if err == nil {
		return nil
	}
	var tmr *cluster.TooManyRetriesError
	if errors.As(err, &tmr) {
		return &Error{Kind: KindTooManyRetries, Message: "exceeded cluster retry bound", Reasons: tmr.Reasons}
	}
	return err
}

// DoBatch submits an atomically-ordered batch (e.g. MULTI/EXEC contents)
// and waits for the aligned reply vector.
func (c *Client) DoBatch(ctx context.Context, cmds []Command) ([]Value, error) {
	if c.mode == modeCluster {
		return nil, newError(KindCrossSlot, "batch submission is not supported in cluster mode", nil)
	}
	msg, ch := NewBatchMessage(cmds)
	if err := c.mgr.Submit(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers interest in a pub/sub channel or pattern, returning
// a channel of delivered messages that survives reconnects.
func (c *Client) Subscribe(ctx context.Context, channel string, pattern bool) (<-chan Value, error) {
	if c.mode == modeCluster {
		return nil, newError(KindConfig, "pub/sub subscriptions are not supported in cluster mode", nil)
	}
	sink := make(chan Value, 64)
	name := "SUBSCRIBE"
	if pattern {
		name = "PSUBSCRIBE"
	}
	msg, ch := NewMessage(resp.NewCommand(name, []byte(channel)))
	msg.WithPubSub(pubSubRegistration{Channel: []byte(channel), Pattern: pattern, Sink: sink})
	if err := c.mgr.Submit(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mgr.addSubscription(subscriptionEntry{channel: []byte(channel), pattern: pattern, sink: sink})
	return sink, nil
}

// Unsubscribe tears down a prior Subscribe. An empty channel removes all
// subscriptions of the given kind.
//
// A bare (empty-channel) UNSUBSCRIBE/PUNSUBSCRIBE gets one confirmation
// frame per currently-subscribed channel of that kind rather than one
// frame for the command itself, so the expected reply count is pinned to
// the manager's own subscription bookkeeping (falling back to 1 when
// nothing is subscribed, matching the server's single "no subscriptions"
// confirmation), per spec.md §4.3.
func (c *Client) Unsubscribe(ctx context.Context, channel string, pattern bool) error {
	name := "UNSUBSCRIBE"
	if pattern {
		name = "PUNSUBSCRIBE"
	}
	var args [][]byte
	expected := 1
	if channel != "" {
		args = [][]byte{[]byte(channel)}
	} else {
		expected = c.mgr.subscriptionCount(pattern)
		if expected == 0 {
			expected = 1
		}
	}
	msg, ch := NewMessage(resp.NewCommand(name, args...))
	msg.WithExpectedReplies(expected)
	if err := c.mgr.Submit(ctx, msg); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mgr.removeSubscription([]byte(channel), pattern, false)
	return nil
}

// EnableTracking issues CLIENT TRACKING ON BCAST (optionally scoped with
// PREFIX arguments) and routes subsequent invalidation pushes whose key
// matches a registered prefix to sink, per spec.md §6's CLIENT TRACKING
// startup step.
func (c *Client) EnableTracking(ctx context.Context, prefixes []string, sink chan<- Value) error {
	if c.mode == modeCluster {
		return newError(KindConfig, "client-side caching tracking is not supported in cluster mode", nil)
	}
	args := [][]byte{[]byte("TRACKING"), []byte("ON"), []byte("BCAST")}
	for _, p := range prefixes {
		args = append(args, []byte("PREFIX"), []byte(p))
	}
	msg, ch := NewMessage(resp.NewCommand("CLIENT", args...))
	invalidations := make(chan Value, 64)
	msg.WithPushSender(invalidations)
	if err := c.mgr.Submit(ctx, msg); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.tracking.Enable(prefixes, sink)
	go c.pumpInvalidations(invalidations)
	return nil
}

// pumpInvalidations filters the raw RESP3 "invalidate" push stream through
// the tracking table's prefix matcher before forwarding to the caller's
// sink, discarding keys outside the registered BCAST prefixes.
func (c *Client) pumpInvalidations(raw <-chan Value) {
	for v := range raw {
		if len(v.Array) < 2 {
			continue
		}
		keys := v.Array[1]
		for _, k := range keys.Array {
			if dst, ok := c.tracking.Matches(k.Bytes); ok {
				select {
				case dst <- v:
				default:
				}
			}
		}
	}
}

// Close shuts the client down: in standalone/sentinel mode the manager
// stops at once, closing its connection without flushing queued writes;
// commands already sent fail with Disconnected (retry-safe ones with
// ClientShuttingDown) and everything still queued fails with
// ClientShuttingDown. In cluster mode the router's worker pool is released.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.mgr != nil {
			c.mgr.Close()
		}
		if c.router != nil {
			c.router.Close()
		}
	})
}

// buildRouter wires a cluster.Router whose ConnFactory opens a standalone
// manager per shard address and adapts it to cluster.ShardConn.
func (c *Client) buildRouter() (*cluster.Router, error) {
	seeds := make([]string, len(c.cfg.Cluster.SeedAddrs))
	for i, ep := range c.cfg.Cluster.SeedAddrs {
		seeds[i] = ep.Address()
	}

	factory := func(addr string) (cluster.ShardConn, error) {
		ep, err := parseShardAddr(addr)
		if err != nil {
			return nil, err
		}
		shardCfg := c.cfg
		shardCfg.Cluster = nil
		shardCfg.Endpoints = []Endpoint{ep}
		mgr := newManager(shardCfg, newStandaloneResolver([]Endpoint{ep}), c.bus)
		return &shardConnAdapter{mgr: mgr}, nil
	}

	opts := cluster.RouterOptions{
		MaxRetries:       c.cfg.MaxRetriesPerCommand,
		ClusterDownWait:  c.cfg.Cluster.ClusterDownWait,
		ReadFromReplicas: c.cfg.Cluster.ReadFromReplicas,
		OnTopologyChanged: func() {
			c.bus.emit(Event{Kind: EventTopologyChanged})
		},
	}
	return cluster.NewRouter(seeds, factory, 32, opts)
}

// shardConnAdapter satisfies cluster.ShardConn on top of a manager.
type shardConnAdapter struct {
	mgr *manager
}

func (a *shardConnAdapter) Submit(ctx context.Context, cmd resp.Command) (resp.Value, error) {
	msg, ch := NewMessage(cmd)
	if err := a.mgr.Submit(ctx, msg); err != nil {
		return resp.Value{}, err
	}
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return resp.Value{}, ctx.Err()
	}
}

func parseShardAddr(addr string) (Endpoint, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return Endpoint{}, newError(KindConfig, "parsing shard address "+addr, err)
	}
	return TCPEndpoint(host, port), nil
}

func splitHostPort(addr string) (string, uint16, error) {
	idx := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", 0, fmt.Errorf("address %q missing port", addr)
	}
	var port uint16
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, err
	}
	return addr[:idx], port, nil
}
