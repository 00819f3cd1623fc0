package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/go-rescon/rescon/resp"
)

// ShardConn is the minimal surface the router needs from a per-shard
// connection manager: submit a command, get back its resolved value. The
// concrete implementation (a connection manager with reconnect and
// subscription replay) lives in the root package; Router only depends on
// this interface to avoid an import cycle.
type ShardConn interface {
	Submit(ctx context.Context, cmd resp.Command) (resp.Value, error)
}

// ConnFactory builds (or returns a cached) ShardConn for a shard address.
type ConnFactory func(addr string) (ShardConn, error)

// crossSlotSafe mirrors the root package's list; duplicated here rather
// than imported to keep Router free of a dependency on rescon.
var crossSlotSafe = map[string]bool{
	"MGET": true, "MSET": true, "DEL": true, "EXISTS": true, "UNLINK": true, "TOUCH": true,
}

// TooManyRetriesError reports that a command exceeded its redirection bound
// without resolving. It lives here, rather than as the root package's
// Error{Kind: KindTooManyRetries}, so Router stays free of an import cycle;
// the root package's Client converts it via errors.As.
type TooManyRetriesError struct {
	Command string
	Reasons []resp.RetryReason
}

func (e *TooManyRetriesError) Error() string {
	return fmt.Sprintf("cluster: %s exceeded its retry bound after %d attempts", e.Command, len(e.Reasons))
}

// RouterOptions configures redirection and read-routing policy, per
// spec.md §4.5 and §9.
type RouterOptions struct {
	// MaxRetries bounds the length of the retry-reason history accumulated
	// across MOVED/ASK/TRYAGAIN/CLUSTERDOWN redirections for one logical
	// command. 0 falls back to a conservative built-in default.
	MaxRetries int

	// ClusterDownWait is how long Dispatch waits before refreshing topology
	// and retrying after a CLUSTERDOWN reply. 0 falls back to a built-in
	// default.
	ClusterDownWait time.Duration

	// OnTopologyChanged, if set, is invoked after a successful full
	// RefreshTopology and after every MOVED-driven ReassignSlot patch, so
	// the caller can surface EventTopologyChanged.
	OnTopologyChanged func()

	// ReadFromReplicas opts DispatchReadOnly into routing to a shard
	// replica (issuing READONLY once per connection) instead of always
	// falling through to the master.
	ReadFromReplicas bool
}

// defaultMaxRetries is used when RouterOptions.MaxRetries is unset.
const defaultMaxRetries = 16

// defaultClusterDownWait is used when RouterOptions.ClusterDownWait is unset.
const defaultClusterDownWait = 100 * time.Millisecond

// Router dispatches commands to the shard owning their key, tracks
// topology, and resolves MOVED/ASK/TRYAGAIN/CLUSTERDOWN redirections, per
// spec.md §4.5. Fan-out for split multi-key commands runs on an
// ants.Pool, grounded on the teacher's own worker-pool dispatch pattern;
// concurrent topology refreshes are coalesced with singleflight; address
// dial attempts triggered by redirections are throttled with a rate
// limiter to avoid a reconnect storm against a flapping shard.
type Router struct {
	slots   *SlotMap
	factory ConnFactory
	seeds   []string

	maxRetries       int
	clusterDownWait  time.Duration
	onTopologyChange func()
	readFromReplicas bool

	mu             sync.Mutex
	conns          map[string]ShardConn
	readOnlyMarked map[string]bool

	pool        *ants.Pool
	refreshOnce singleflight.Group
	dialLimiter *rate.Limiter

	rrMu         sync.Mutex
	rrIdx        int
	rrReplicaIdx map[string]int
}

// NewRouter builds a Router. poolSize bounds the number of goroutines used
// to fan out a split multi-key command in parallel.
func NewRouter(seeds []string, factory ConnFactory, poolSize int, opts RouterOptions) (*Router, error) {
	if poolSize <= 0 {
		poolSize = 32
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	clusterDownWait := opts.ClusterDownWait
	if clusterDownWait <= 0 {
		clusterDownWait = defaultClusterDownWait
	}
	return &Router{
		slots:            NewSlotMap(),
		factory:          factory,
		seeds:            seeds,
		maxRetries:       maxRetries,
		clusterDownWait:  clusterDownWait,
		onTopologyChange: opts.OnTopologyChanged,
		readFromReplicas: opts.ReadFromReplicas,
		conns:            make(map[string]ShardConn),
		readOnlyMarked:   make(map[string]bool),
		pool:             pool,
		dialLimiter:      rate.NewLimiter(rate.Every(50*time.Millisecond), 5),
		rrReplicaIdx:     make(map[string]int),
	}, nil
}

func (r *Router) Close() { r.pool.Release() }

func (r *Router) notifyTopologyChanged() {
	if r.onTopologyChange != nil {
		r.onTopologyChange()
	}
}

func (r *Router) connFor(addr string) (ShardConn, error) {
	r.mu.Lock()
	if c, ok := r.conns[addr]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	if err := r.dialLimiter.Wait(context.Background()); err != nil {
		return nil, err
	}

	c, err := r.factory(addr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.conns[addr] = c
	r.mu.Unlock()
	return c, nil
}

// fetchTopology submits the given keyless topology command against a
// connected seed, trying each seed in turn until one answers.
func (r *Router) fetchTopology(ctx context.Context, cmd resp.Command) (resp.Value, error) {
	var lastErr error
	for _, seed := range r.seeds {
		c, err := r.connFor(seed)
		if err != nil {
			lastErr = err
			continue
		}
		v, err := c.Submit(ctx, cmd)
		if err != nil {
			lastErr = err
			continue
		}
		if isErr, serr := v.AsError(); isErr {
			lastErr = fmt.Errorf("cluster: %s: %s", cmd.Name, serr.Message)
			continue
		}
		return v, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("cluster: no seed addresses configured")
	}
	return resp.Value{}, lastErr
}

// RefreshTopology rebuilds the slot map from a connected seed. CLUSTER
// SHARDS is tried first (it carries full shard/replica membership in one
// reply); servers that don't support it (older Redis, some proxies) fall
// back to CLUSTER SLOTS. Concurrent callers collapse onto one in-flight
// refresh via singleflight.
func (r *Router) RefreshTopology(ctx context.Context) error {
	_, err, _ := r.refreshOnce.Do("refresh", func() (interface{}, error) {
		v, err := r.fetchTopology(ctx, resp.NewCommand("CLUSTER", []byte("SHARDS")))
		var shards []Shard
		var ranges map[string][][2]int
		if err == nil {
			shards, ranges, err = parseClusterShards(v)
		}
		if err != nil {
			v, ferr := r.fetchTopology(ctx, resp.NewCommand("CLUSTER", []byte("SLOTS")))
			if ferr != nil {
				return nil, ferr
			}
			shards, ranges, err = parseClusterSlots(v)
			if err != nil {
				return nil, err
			}
		}
		r.slots.Replace(shards, ranges)
		r.notifyTopologyChanged()
		return nil, nil
	})
	return err
}

// roundRobinAny returns a connection to an arbitrary connected shard,
// used for keyless commands.
func (r *Router) roundRobinAny(ctx context.Context) (ShardConn, error) {
	shards := r.slots.Shards()
	if len(shards) == 0 {
		return nil, fmt.Errorf("cluster: no known shards")
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ID < shards[j].ID })
	r.rrMu.Lock()
	idx := r.rrIdx % len(shards)
	r.rrIdx++
	r.rrMu.Unlock()
	master, _ := shards[idx].Master()
	return r.connFor(master.Addr)
}

// Dispatch routes a single command, retrying through redirections and
// cluster-down backoff according to spec.md §4.5. The returned reason slice
// is the accumulated MOVED/ASK/TRYAGAIN/CLUSTERDOWN history for this
// logical command, empty when it resolved on the first attempt.
func (r *Router) Dispatch(ctx context.Context, cmd resp.Command) (resp.Value, []resp.RetryReason, error) {
	keys := cmd.Keys()
	if len(keys) == 0 {
		c, err := r.roundRobinAny(ctx)
		if err != nil {
			return resp.Value{}, nil, err
		}
		return r.dispatchToShard(ctx, c, cmd, nil)
	}

	slot := KeySlot(keys[0])
	sameShardAll := true
	for _, k := range keys[1:] {
		if KeySlot(k) != slot {
			sameShardAll = false
			break
		}
	}

	if sameShardAll {
		shard, ok := r.slots.Lookup(slot)
		if !ok {
			if err := r.RefreshTopology(ctx); err != nil {
				return resp.Value{}, nil, err
			}
			shard, ok = r.slots.Lookup(slot)
			if !ok {
				return resp.Value{}, nil, fmt.Errorf("cluster: slot %d has no owner", slot)
			}
		}
		master, ok := shard.Master()
		if !ok {
			return resp.Value{}, nil, fmt.Errorf("cluster: shard %s has no master", shard.ID)
		}
		c, err := r.connFor(master.Addr)
		if err != nil {
			return resp.Value{}, nil, err
		}
		return r.dispatchToShard(ctx, c, cmd, nil)
	}

	if !crossSlotSafe[cmd.Name] {
		return resp.Value{}, nil, fmt.Errorf("cluster: CrossSlot: %s spans multiple shards", cmd.Name)
	}
	return r.dispatchSplit(ctx, cmd, keys)
}

// DispatchReadOnly routes a command to a replica of its owning shard when
// the router was built with ReadFromReplicas, issuing READONLY on that
// connection once. It falls back to Dispatch (the master) whenever
// ReadFromReplicas is off, the command is keyless, topology is unknown, or
// the shard has no replica, per spec.md §9's read-from-replicas note.
func (r *Router) DispatchReadOnly(ctx context.Context, cmd resp.Command) (resp.Value, []resp.RetryReason, error) {
	if !r.readFromReplicas {
		return r.Dispatch(ctx, cmd)
	}
	keys := cmd.Keys()
	if len(keys) == 0 {
		return r.Dispatch(ctx, cmd)
	}

	slot := KeySlot(keys[0])
	shard, ok := r.slots.Lookup(slot)
	if !ok {
		if err := r.RefreshTopology(ctx); err != nil {
			return resp.Value{}, nil, err
		}
		shard, ok = r.slots.Lookup(slot)
		if !ok {
			return r.Dispatch(ctx, cmd)
		}
	}

	replica, ok := r.pickReplica(shard)
	if !ok {
		return r.Dispatch(ctx, cmd)
	}
	c, err := r.connFor(replica.Addr)
	if err != nil {
		return resp.Value{}, nil, err
	}
	if err := r.ensureReadOnly(ctx, replica.Addr, c); err != nil {
		return r.Dispatch(ctx, cmd)
	}
	return r.dispatchToShard(ctx, c, cmd, nil)
}

// pickReplica round-robins across shard's replica members, keyed by shard
// ID so different shards don't share a cursor.
func (r *Router) pickReplica(shard Shard) (Member, bool) {
	var replicas []Member
	for _, m := range shard.Members {
		if m.Role == RoleReplica {
			replicas = append(replicas, m)
		}
	}
	if len(replicas) == 0 {
		return Member{}, false
	}
	r.rrMu.Lock()
	idx := r.rrReplicaIdx[shard.ID] % len(replicas)
	r.rrReplicaIdx[shard.ID]++
	r.rrMu.Unlock()
	return replicas[idx], true
}

// ensureReadOnly issues READONLY on c the first time addr is used for a
// replica read, then remembers it so later reads skip the round trip.
func (r *Router) ensureReadOnly(ctx context.Context, addr string, c ShardConn) error {
	r.mu.Lock()
	marked := r.readOnlyMarked[addr]
	r.mu.Unlock()
	if marked {
		return nil
	}
	v, err := c.Submit(ctx, resp.NewCommand("READONLY"))
	if err != nil {
		return err
	}
	if isErr, serr := v.AsError(); isErr {
		return fmt.Errorf("cluster: READONLY rejected by %s: %s", addr, serr.Message)
	}
	r.mu.Lock()
	r.readOnlyMarked[addr] = true
	r.mu.Unlock()
	return nil
}

func (r *Router) dispatchToShard(ctx context.Context, c ShardConn, cmd resp.Command, reasons []resp.RetryReason) (resp.Value, []resp.RetryReason, error) {
	if len(reasons) > r.maxRetries {
		return resp.Value{}, reasons, &TooManyRetriesError{Command: cmd.Name, Reasons: reasons}
	}
	v, err := c.Submit(ctx, cmd)
	if err != nil {
		return resp.Value{}, reasons, err
	}
	if isErr, serr := v.AsError(); isErr {
		switch serr.Kind {
		case "MOVED":
			slot, addr, perr := parseMovedAsk(serr.Message)
			if perr != nil {
				return v, reasons, nil
			}
			reasons = append(reasons, resp.RetryReason{Kind: resp.ReasonMoved, Slot: slot, Addr: addr})
			r.slots.ReassignSlot(slot, addr)
			r.notifyTopologyChanged()
			nc, err := r.connFor(addr)
			if err != nil {
				return resp.Value{}, reasons, err
			}
			return r.dispatchToShard(ctx, nc, cmd, reasons)
		case "ASK":
			slot, addr, perr := parseMovedAsk(serr.Message)
			if perr != nil {
				return v, reasons, nil
			}
			reasons = append(reasons, resp.RetryReason{Kind: resp.ReasonAsk, Slot: slot, Addr: addr})
			nc, err := r.connFor(addr)
			if err != nil {
				return resp.Value{}, reasons, err
			}
			if _, err := nc.Submit(ctx, resp.NewCommand("ASKING")); err != nil {
				return resp.Value{}, reasons, err
			}
			return r.dispatchToShard(ctx, nc, cmd, reasons)
		case "TRYAGAIN":
			reasons = append(reasons, resp.RetryReason{Kind: resp.ReasonTryAgain})
			time.Sleep(20 * time.Millisecond)
			return r.dispatchToShard(ctx, c, cmd, reasons)
		case "CLUSTERDOWN":
			reasons = append(reasons, resp.RetryReason{Kind: resp.ReasonClusterDown})
			if err := r.waitClusterDown(ctx); err != nil {
				return resp.Value{}, reasons, err
			}
			if err := r.RefreshTopology(ctx); err != nil {
				return resp.Value{}, reasons, err
			}
			return r.dispatchToShard(ctx, c, cmd, reasons)
		}
	}
	return v, reasons, nil
}

// waitClusterDown pauses before a CLUSTERDOWN-triggered refresh+retry, per
// spec.md §4.5 and §9 (a deadline avoids hammering a shard that's mid
// failover).
func (r *Router) waitClusterDown(ctx context.Context) error {
	select {
	case <-time.After(r.clusterDownWait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchSplit implements the cross-slot-safe split/merge behavior of
// spec.md §4.5: per-shard sub-commands run concurrently on the router's
// ants pool, and results are recombined in the caller's original key
// order. Per-shard retry-reason histories are unioned into the reason
// slice Dispatch returns for the whole split command.
func (r *Router) dispatchSplit(ctx context.Context, cmd resp.Command, keys [][]byte) (resp.Value, []resp.RetryReason, error) {
	byShard := map[string][]int{}
	for i, k := range keys {
		slot := KeySlot(k)
		shard, ok := r.slots.Lookup(slot)
		if !ok {
			return resp.Value{}, nil, fmt.Errorf("cluster: slot %d has no owner", slot)
		}
		master, _ := shard.Master()
		byShard[master.Addr] = append(byShard[master.Addr], i)
	}

	results := make(chan shardResult, len(byShard))
	var wg sync.WaitGroup
	for addr, indices := range byShard {
		addr, indices := addr, indices
		wg.Add(1)
		task := func() {
			defer wg.Done()
			sub := buildSubCommand(cmd, indices)
			c, err := r.connFor(addr)
			if err != nil {
				results <- shardResult{addr: addr, indices: indices, err: err}
				return
			}
			v, reasons, err := r.dispatchToShard(ctx, c, sub, nil)
			results <- shardResult{addr: addr, indices: indices, value: v, reasons: reasons, err: err}
		}
		if err := r.pool.Submit(task); err != nil {
			wg.Done()
			task()
		}
	}
	wg.Wait()
	close(results)

	return mergeSplitResults(cmd.Name, len(keys), results)
}

type shardResult struct {
	addr    string
	indices []int
	value   resp.Value
	reasons []resp.RetryReason
	err     error
}

func buildSubCommand(cmd resp.Command, indices []int) resp.Command {
	// indices are ranks within cmd.Keys(); cmd.KeySpan maps rank -> arg index.
	want := make(map[int]bool, len(indices))
	for _, rank := range indices {
		want[cmd.KeySpan[rank]] = true
	}

	sub := resp.Command{Name: cmd.Name}
	switch cmd.Name {
	case "MSET":
		for i := 0; i+1 < len(cmd.Args); i += 2 {
			if want[i] {
				sub.Args = append(sub.Args, cmd.Args[i], cmd.Args[i+1])
			}
		}
	default:
		for i, a := range cmd.Args {
			if want[i] {
				sub.Args = append(sub.Args, a)
			}
		}
	}
	return sub
}

func mergeSplitResults(name string, totalKeys int, results <-chan shardResult) (resp.Value, []resp.RetryReason, error) {
	var allReasons []resp.RetryReason
	switch name {
	case "MGET":
		merged := make([]resp.Value, totalKeys)
		for r := range results {
			allReasons = append(allReasons, r.reasons...)
			if r.err != nil {
				return resp.Value{}, allReasons, r.err
			}
			if isErr, serr := r.value.AsError(); isErr {
				return resp.Value{}, allReasons, serr
			}
			for j, idx := range r.indices {
				if j < len(r.value.Array) {
					merged[idx] = r.value.Array[j]
				}
			}
		}
		return resp.Value{Type: resp.ArrayType, Array: merged}, allReasons, nil
	case "MSET":
		for r := range results {
			allReasons = append(allReasons, r.reasons...)
			if r.err != nil {
				return resp.Value{}, allReasons, r.err
			}
			if isErr, serr := r.value.AsError(); isErr {
				return resp.Value{}, allReasons, serr
			}
		}
		return resp.Value{Type: resp.SimpleString, Str: "OK"}, allReasons, nil
	case "DEL", "EXISTS", "UNLINK", "TOUCH":
		var sum int64
		for r := range results {
			allReasons = append(allReasons, r.reasons...)
			if r.err != nil {
				return resp.Value{}, allReasons, r.err
			}
			if isErr, serr := r.value.AsError(); isErr {
				return resp.Value{}, allReasons, serr
			}
			sum += r.value.Int
		}
		return resp.Value{Type: resp.IntegerType, Int: sum}, allReasons, nil
	default:
		return resp.Value{}, nil, fmt.Errorf("cluster: %s is not a supported split command", name)
	}
}
