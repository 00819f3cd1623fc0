package rescon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/go-rescon/rescon/resp"
)

// managerState reflects the manager's own lifecycle, independent of the
// underlying conn's.
type managerState uint8

const (
	stateConnecting managerState = iota
	stateReady
	stateFailed
	stateClosed
)

// subscriptionEntry is one member of the manager's canonical subscription
// set, replayed verbatim after every reconnect per spec.md §4.3.
type subscriptionEntry struct {
	channel []byte
	pattern bool
	shard   bool
	sink    chan<- Value
}

// manager owns exactly one healthy pipelined connection to a resolver-
// supplied endpoint, shielding callers from reconnects. Grounded on the
// teacher's accept-loop retry pattern, generalized with jpillora/backoff
// for the exponential/jittered delay schedule spec.md §4.3 calls for.
type manager struct {
	cfg      Config
	resolver resolver
	bus      *eventBus

	mu          sync.Mutex
	state       managerState
	cur         *conn
	curEndpoint Endpoint
	subs        []subscriptionEntry

	clientName string

	submitQueue chan *Message

	cancel context.CancelFunc
	done   chan struct{}
}

// resolver abstracts standalone/sentinel/cluster-seed address selection so
// the manager need not know which mode produced its endpoint.
type resolver interface {
	// Resolve returns the next candidate endpoint to try.
	Resolve(ctx context.Context) (Endpoint, error)
}

func newManager(cfg Config, res resolver, bus *eventBus) *manager {
	name := cfg.ClientName
	if name == "" {
		name = "rescon-" + uuid.NewString()[:8]
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{
		cfg:         cfg,
		resolver:    res,
		bus:         bus,
		clientName:  name,
		submitQueue: make(chan *Message, cfg.SubmissionQueueCapacity),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go m.loop(ctx)
	return m
}

// Submit hands a message to the manager's durable submission queue. If no
// connection is currently ready the message waits; it is failed with
// ClientShuttingDown once the manager's loop has stopped (after Close, a
// failed endpoint resolution, or exhausted reconnect attempts).
func (m *manager) Submit(ctx context.Context, msg *Message) error {
	select {
	case m.submitQueue <- msg:
		return nil
	case <-m.done:
		return ErrClientShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) Close() {
	m.cancel()
	<-m.done
}

// loop is the manager's top-level state machine: resolve an endpoint,
// connect, run the connection until it fails, reclassify, reconnect.
func (m *manager) loop(ctx context.Context) {
	defer close(m.done)
	b := &backoff.Backoff{
		Min:    m.cfg.Reconnect.BaseDelay,
		Max:    m.cfg.Reconnect.MaxDelay,
		Jitter: m.cfg.Reconnect.Jitter,
	}

	pending := make([]*Message, 0, 16)

	for {
		if ctx.Err() != nil {
			m.failPending(pending)
			return
		}

		ep, err := m.resolver.Resolve(ctx)
		if err != nil {
			m.setState(stateFailed)
			m.failPending(pending)
			return
		}

		c, err := m.connectAndHandshake(ctx, ep)
		if err != nil {
			if m.cfg.Reconnect.MaxAttempts > 0 && int(b.Attempt()) >= m.cfg.Reconnect.MaxAttempts {
				m.setState(stateFailed)
				m.failPending(pending)
				return
			}
			delay := b.Duration()
			m.bus.emit(Event{Kind: EventReconnecting, Attempt: int(b.Attempt()), Delay: delay})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				m.failPending(pending)
				return
			}
		}
		b.Reset()

		m.mu.Lock()
		m.cur = c
		m.curEndpoint = ep
		m.state = stateReady
		subsSnapshot := append([]subscriptionEntry(nil), m.subs...)
		m.mu.Unlock()

		m.bus.emit(Event{Kind: EventConnected, Endpoint: ep})

		if len(subsSnapshot) > 0 {
			m.replaySubscriptions(ctx, c, subsSnapshot)
		}

		for _, msg := range pending {
			c.Submit(ctx, msg)
		}
		pending = pending[:0]

		inFlight := m.runConnection(ctx, c)

		m.mu.Lock()
		m.cur = nil
		m.mu.Unlock()

		pending = m.classifyInFlight(inFlight, pending)
	}
}

// runConnection drains the shared submission queue into the live conn
// until the conn dies, then returns its in-flight reply queue.
func (m *manager) runConnection(ctx context.Context, c *conn) []replyQueueEntry {
	forward, cancelForward := context.WithCancel(ctx)
	defer cancelForward()
	go func() {
		for {
			select {
			case msg := <-m.submitQueue:
				if err := c.Submit(forward, msg); err != nil {
					msg.resolve(resp.Value{}, err)
				}
			case <-forward.Done():
				return
			}
		}
	}()
	return c.run(ctx)
}

// classifyInFlight applies spec.md §4.3's at-most-one-reply retry rule:
// resend messages that are retry-safe and received zero replies so far,
// fail the rest with Disconnected.
func (m *manager) classifyInFlight(inFlight []replyQueueEntry, pending []*Message) []*Message {
	for _, entry := range inFlight {
		if entry.msg.retryOnError && len(entry.partial) == 0 {
			if err := entry.msg.addRetryReason(RetryReason{Kind: ReasonDisconnect}, m.cfg.MaxRetriesPerCommand); err != nil {
				entry.msg.resolve(resp.Value{}, err)
				continue
			}
			pending = append(pending, entry.msg)
			continue
		}
		entry.msg.resolve(resp.Value{}, newError(KindDisconnected, "connection lost before reply", nil))
	}
	return pending
}

func (m *manager) failPending(pending []*Message) {
	m.mu.Lock()
	m.state = stateFailed
	m.mu.Unlock()
	for _, msg := range pending {
		msg.resolve(resp.Value{}, ErrClientShuttingDown)
	}
	for {
		select {
		case msg := <-m.submitQueue:
			msg.resolve(resp.Value{}, ErrClientShuttingDown)
		default:
			return
		}
	}
}

func (m *manager) setState(s managerState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// connectAndHandshake performs the startup sequence of spec.md §4.3:
// transport, HELLO/AUTH, CLIENT SETNAME, SELECT. CLIENT TRACKING is not
// part of it: tracking enabled through Client.EnableTracking is not
// re-issued on a new connection.
func (m *manager) connectAndHandshake(ctx context.Context, ep Endpoint) (*conn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	nc, err := dial(dialCtx, ep, m.cfg)
	if err != nil {
		return nil, err
	}

	c := newConn(nc, m.cfg.MaxFrameSize, m.cfg.SubmissionQueueCapacity)

	if err := m.handshake(ctx, c, ep); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake issues the ordered startup commands synchronously over the raw
// connection before any concurrent reader/writer loop is started, then
// hands off to conn.run for steady-state operation by the caller.
func (m *manager) handshake(ctx context.Context, c *conn, ep Endpoint) error {
	if m.cfg.ConnectTimeout > 0 {
		c.nc.SetDeadline(deadlineOrZero(m.cfg.ConnectTimeout))
		defer c.nc.SetDeadline(time.Time{})
	}

	send := func(cmd resp.Command) (resp.Value, error) {
		data := resp.Encode(nil, cmd)
		if _, err := c.rw.Write(data); err != nil {
			return resp.Value{}, newError(KindIO, "handshake write", err)
		}
		if err := c.rw.Flush(); err != nil {
			return resp.Value{}, newError(KindIO, "handshake flush", err)
		}
		var buf []byte
		tmp := make([]byte, 4096)
		for {
			n, err := c.rw.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				v, _, derr := c.dec.Decode(buf)
				if derr == nil {
					return v, nil
				}
				if derr != resp.ErrIncomplete {
					return resp.Value{}, newError(KindProtocol, "handshake decode", derr)
				}
			}
			if err != nil {
				return resp.Value{}, newError(KindIO, "handshake read", err)
			}
		}
	}

	helloArgs := [][]byte{[]byte(fmt.Sprintf("%d", m.cfg.ProtocolVersion))}
	if m.cfg.Username != "" || m.cfg.Password != "" {
		helloArgs = append(helloArgs, []byte("AUTH"), []byte(m.cfg.Username), []byte(m.cfg.Password))
	}
	v, err := send(resp.NewCommand("HELLO", helloArgs...))
	if err != nil {
		return err
	}
	if isErr, serr := v.AsError(); isErr {
		return &Error{Kind: KindAuth, Message: "HELLO rejected", Server: serr}
	}

	if m.cfg.ClientName != "" || m.clientName != "" {
		name := m.cfg.ClientName
		if name == "" {
			name = m.clientName
		}
		if v, err := send(resp.NewCommand("CLIENT", []byte("SETNAME"), []byte(name))); err != nil {
			return err
		} else if isErr, serr := v.AsError(); isErr {
			return &Error{Kind: KindConfig, Message: "CLIENT SETNAME rejected", Server: serr}
		}
	}

	if m.cfg.Database > 0 {
		if v, err := send(resp.NewCommand("SELECT", []byte(fmt.Sprintf("%d", m.cfg.Database)))); err != nil {
			return err
		} else if isErr, serr := v.AsError(); isErr {
			return &Error{Kind: KindConfig, Message: "SELECT rejected", Server: serr}
		}
	}

	return nil
}

// replaySubscriptions re-issues the canonical subscription set, one message
// per entry, queued on the new connection ahead of any user traffic so the
// writer pipelines them together, per spec.md §4.3.
func (m *manager) replaySubscriptions(ctx context.Context, c *conn, subs []subscriptionEntry) {
	for _, s := range subs {
		name := "SUBSCRIBE"
		switch {
		case s.pattern:
			name = "PSUBSCRIBE"
		case s.shard:
			name = "SSUBSCRIBE"
		}
		msg, _ := NewMessage(resp.NewCommand(name, s.channel))
		msg.WithPubSub(pubSubRegistration{Channel: s.channel, Pattern: s.pattern, Shard: s.shard, Sink: s.sink})
		c.Submit(ctx, msg)
	}
	m.bus.emit(Event{Kind: EventSubscriptionReplayed, Count: len(subs)})
}

// addSubscription records a newly acknowledged SUBSCRIBE/PSUBSCRIBE/
// SSUBSCRIBE so it survives future reconnects.
func (m *manager) addSubscription(e subscriptionEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, e)
}

// subscriptionCount reports how many non-shard channel (pattern=false) or
// pattern (pattern=true) subscriptions are currently active, the count a
// bare UNSUBSCRIBE/PUNSUBSCRIBE is expected to produce one confirmation
// frame per, per spec.md §4.3.
func (m *manager) subscriptionCount(pattern bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.pattern == pattern && !s.shard {
			n++
		}
	}
	return n
}

// removeSubscription drops entries matching channel/pattern/shard; an
// empty channel removes every entry of that kind (bare UNSUBSCRIBE).
func (m *manager) removeSubscription(channel []byte, pattern, shard bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.subs[:0]
	for _, s := range m.subs {
		if s.pattern == pattern && s.shard == shard {
			if len(channel) == 0 || string(s.channel) == string(channel) {
				continue
			}
		}
		out = append(out, s)
	}
	m.subs = out
}
