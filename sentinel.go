package rescon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rescon/rescon/resp"
)

// sentinelResolver implements resolver by asking the configured sentinels,
// in order, for the current master address (the first answer wins), per
// spec.md §4.4. It also watches +switch-master notifications on a
// dedicated subscriber connection and drops the cached master on each one,
// so the next Resolve call queries the sentinels again. A notification
// does not close the manager's current connection; Resolve is only called
// again when the manager reconnects.
type sentinelResolver struct {
	cfg  Config
	sc   SentinelConfig
	bus  *eventBus

	mu        sync.Mutex
	cached    Endpoint
	haveCache bool

	switchCh chan struct{}
}

func newSentinelResolver(cfg Config, sc SentinelConfig, bus *eventBus) *sentinelResolver {
	r := &sentinelResolver{cfg: cfg, sc: sc, bus: bus, switchCh: make(chan struct{}, 1)}
	go r.watchSwitchMaster()
	return r
}

func (r *sentinelResolver) Resolve(ctx context.Context) (Endpoint, error) {
	select {
	case <-r.switchCh:
		r.invalidate()
	default:
	}

	r.mu.Lock()
	if r.haveCache {
		ep := r.cached
		r.mu.Unlock()
		return ep, nil
	}
	r.mu.Unlock()

	deadline := r.sc.ResolveTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	resolveCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	for _, sentinel := range r.sc.Addrs {
		ep, err := r.queryMaster(resolveCtx, sentinel)
		if err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.cached = ep
		r.haveCache = true
		r.mu.Unlock()
		return ep, nil
	}
	if lastErr == nil {
		lastErr = newError(KindNoMasterAvailable, "no sentinel reachable", nil)
	}
	return Endpoint{}, newError(KindNoMasterAvailable, "sentinel resolution failed", lastErr)
}

func (r *sentinelResolver) invalidate() {
	r.mu.Lock()
	r.haveCache = false
	r.mu.Unlock()
}

// queryMaster issues SENTINEL GET-MASTER-ADDR-BY-NAME against a single
// sentinel node using a short-lived raw connection.
func (r *sentinelResolver) queryMaster(ctx context.Context, sentinel Endpoint) (Endpoint, error) {
	nc, err := dial(ctx, sentinel, r.cfg)
	if err != nil {
		return Endpoint{}, err
	}
	defer nc.Close()

	c := newConn(nc, r.cfg.MaxFrameSize, 1)
	cmd := resp.NewCommand("SENTINEL", []byte("GET-MASTER-ADDR-BY-NAME"), []byte(r.sc.ServiceName))
	data := resp.Encode(nil, cmd)
	if _, err := c.rw.Write(data); err != nil {
		return Endpoint{}, newError(KindIO, "sentinel write", err)
	}
	if err := c.rw.Flush(); err != nil {
		return Endpoint{}, newError(KindIO, "sentinel flush", err)
	}

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := c.rw.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			v, _, derr := c.dec.Decode(buf)
			if derr == nil {
				return parseMasterAddr(v)
			}
			if derr != resp.ErrIncomplete {
				return Endpoint{}, newError(KindProtocol, "sentinel decode", derr)
			}
		}
		if err != nil {
			return Endpoint{}, newError(KindIO, "sentinel read", err)
		}
	}
}

func parseMasterAddr(v resp.Value) (Endpoint, error) {
	if v.IsNil() {
		return Endpoint{}, newError(KindNoMasterAvailable, "sentinel has no master for service", nil)
	}
	if isErr, serr := v.AsError(); isErr {
		return Endpoint{}, &Error{Kind: KindNoMasterAvailable, Message: "sentinel error", Server: serr}
	}
	if len(v.Array) != 2 {
		return Endpoint{}, newError(KindProtocol, "unexpected GET-MASTER-ADDR-BY-NAME reply shape", nil)
	}
	host := string(v.Array[0].Bytes)
	var port uint16
	fmt.Sscanf(string(v.Array[1].Bytes), "%d", &port)
	return TCPEndpoint(host, port), nil
}

// watchSwitchMaster holds a subscriber connection to the first reachable
// sentinel and invalidates the cached master on every +switch-master
// notification, per spec.md §4.4.
func (r *sentinelResolver) watchSwitchMaster() {
	for {
		for _, sentinel := range r.sc.Addrs {
			if r.watchOnce(sentinel) {
				return
			}
		}
		time.Sleep(r.cfg.Reconnect.withDefaults().BaseDelay)
	}
}

func (r *sentinelResolver) watchOnce(sentinel Endpoint) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	nc, err := dial(ctx, sentinel, r.cfg)
	cancel()
	if err != nil {
		return false
	}
	defer nc.Close()

	c := newConn(nc, r.cfg.MaxFrameSize, 1)
	cmd := resp.NewCommand("SUBSCRIBE", []byte("+switch-master"))
	data := resp.Encode(nil, cmd)
	if _, err := c.rw.Write(data); err != nil {
		return false
	}
	if err := c.rw.Flush(); err != nil {
		return false
	}

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := c.rw.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				v, consumed, derr := c.dec.Decode(buf)
				if derr == resp.ErrIncomplete {
					break
				}
				if derr != nil {
					return false
				}
				buf = buf[consumed:]
				if isSwitchMasterPush(v) {
					select {
					case r.switchCh <- struct{}{}:
					default:
					}
					r.bus.emit(Event{Kind: EventFailover})
				}
			}
		}
		if err != nil {
			return false
		}
	}
}

func isSwitchMasterPush(v resp.Value) bool {
	if len(v.Array) < 2 {
		return false
	}
	kind := string(v.Array[0].Bytes)
	return (kind == "message" || kind == "pmessage") && string(v.Array[len(v.Array)-2].Bytes) == "+switch-master"
}
