package rescon

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/go-rescon/rescon/resp"
)

// replyQueueEntry tracks one outstanding message: how many more frames
// must arrive before it is fully resolved, and the partial batch collected
// so far.
type replyQueueEntry struct {
	msg       *Message
	remaining int
	partial   []resp.Value
}

// pushSink receives out-of-band frames: pub/sub messages, invalidation
// pushes, MONITOR lines. Registered by channel name/pattern or globally.
type pushSink struct {
	channel []byte
	pattern bool
	shard   bool
	sink    chan<- Value
}

// conn is a single pipelined connection: one reader goroutine, one writer
// goroutine, and a reply queue, mirroring the teacher's split Reader/Writer
// loop over a single net.Conn.
type conn struct {
	nc     net.Conn
	rw     *bufio.ReadWriter
	dec    *resp.Decoder
	submit chan *Message

	mu        sync.Mutex
	queue     []replyQueueEntry
	pushSinks []pushSink
	monitor   chan<- Value

	closeOnce sync.Once
	closed    chan struct{}
	failure   error
}

func newConn(nc net.Conn, maxFrameSize, submitCapacity int) *conn {
	return &conn{
		nc:     nc,
		rw:     bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
		dec:    &resp.Decoder{MaxSize: maxFrameSize},
		submit: make(chan *Message, submitCapacity),
		closed: make(chan struct{}),
	}
}

// run starts the reader and writer loops and blocks until either exits on
// I/O error or the connection is closed. It returns the in-flight reply
// queue at the moment of failure so the caller (the connection manager)
// can decide which messages to retry versus fail.
func (c *conn) run(ctx context.Context) []replyQueueEntry {
	done := make(chan struct{}, 2)
	go func() {
		c.writeLoop(ctx)
		done <- struct{}{}
	}()
	go func() {
		c.readLoop()
		done <- struct{}{}
	}()
	<-done
	c.Close()
	<-done

	c.mu.Lock()
	inFlight := c.queue
	c.queue = nil
	c.mu.Unlock()
	return inFlight
}

// Submit enqueues a message for transmission. Returns ErrClientShuttingDown
// if the connection has already failed or been closed.
func (c *conn) Submit(ctx context.Context, m *Message) error {
	select {
	case c.submit <- m:
		return nil
	case <-c.closed:
		return ErrClientShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// registerPushSink installs a pub/sub or tracking sink, mirroring the
// teacher's b-tree based subscription bookkeeping but scoped per connection
// since replay ownership lives in the manager.
func (c *conn) registerPushSink(p pushSink) {
	c.mu.Lock()
	c.pushSinks = append(c.pushSinks, p)
	c.mu.Unlock()
}

func (c *conn) unregisterPushSink(channel []byte, pattern, shard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pushSinks[:0]
	for _, p := range c.pushSinks {
		if p.pattern == pattern && p.shard == shard && string(p.channel) == string(channel) {
			continue
		}
		out = append(out, p)
	}
	c.pushSinks = out
}

func (c *conn) writeLoop(ctx context.Context) {
	var scratch []byte
	for {
		var m *Message
		select {
		case m = <-c.submit:
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}

		scratch = scratch[:0]
		cmds := m.Commands.All()
		if len(cmds) == 0 {
			continue
		}
		for _, cmd := range cmds {
			scratch = resp.Encode(scratch, cmd)
		}

		c.mu.Lock()
		c.queue = append(c.queue, replyQueueEntry{msg: m, remaining: m.repliesExpected()})
		c.mu.Unlock()

		if m.pubSub != nil || m.pushSender != nil {
			c.mu.Lock()
			for _, reg := range m.pubSub {
				c.pushSinks = append(c.pushSinks, pushSink{channel: reg.Channel, pattern: reg.Pattern, shard: reg.Shard, sink: reg.Sink})
			}
			if m.pushSender != nil {
				c.pushSinks = append(c.pushSinks, pushSink{sink: m.pushSender})
			}
			c.mu.Unlock()
		}

		// Coalesce: drain any further immediately-available messages into
		// the same write buffer before flushing, same discipline as the
		// teacher's Writer.Flush batching.
	drain:
		for {
			select {
			case next := <-c.submit:
				nc := next.Commands.All()
				if len(nc) == 0 {
					continue
				}
				for _, cmd := range nc {
					scratch = resp.Encode(scratch, cmd)
				}
				c.mu.Lock()
				c.queue = append(c.queue, replyQueueEntry{msg: next, remaining: next.repliesExpected()})
				for _, reg := range next.pubSub {
					c.pushSinks = append(c.pushSinks, pushSink{channel: reg.Channel, pattern: reg.Pattern, shard: reg.Shard, sink: reg.Sink})
				}
				if next.pushSender != nil {
					c.pushSinks = append(c.pushSinks, pushSink{sink: next.pushSender})
				}
				c.mu.Unlock()
			default:
				break drain
			}
		}

		if _, err := c.rw.Write(scratch); err != nil {
			c.fail(newError(KindIO, "write", err))
			return
		}
		if err := c.rw.Flush(); err != nil {
			c.fail(newError(KindIO, "flush", err))
			return
		}
	}
}

func (c *conn) readLoop() {
	var buf []byte
	tmp := make([]byte, 32*1024)
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
					c.fail(newError(KindProtocol, "decode", derr))
					return
				}
				buf = buf[consumed:]
				c.route(v)
			}
		}
		if err != nil {
			if err == io.EOF {
				c.fail(newError(KindDisconnected, "connection closed by peer", err))
			} else {
				c.fail(newError(KindIO, "read", err))
			}
			return
		}
	}
}

// route delivers a single decoded frame either to a push sink or to the
// head of the reply queue, per spec.md §4.2.
func (c *conn) route(v resp.Value) {
	if v.Type == resp.PushType || isResp2PushShape(v) {
		c.routePush(v)
		return
	}

	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	head := &c.queue[0]
	head.partial = append(head.partial, v)
	head.remaining--
	if head.remaining > 0 {
		c.mu.Unlock()
		return
	}
	entry := *head
	c.queue = c.queue[1:]
	c.mu.Unlock()

	deliverEntry(entry)
}

func deliverEntry(entry replyQueueEntry) {
	if ok, serr := firstError(entry.partial); ok {
		entry.msg.resolve(resp.Value{}, &Error{Kind: KindServerError, Message: serr.Message, Server: serr})
		return
	}
	if len(entry.partial) == 1 && entry.msg.Commands.batch == nil {
		entry.msg.resolve(entry.partial[0], nil)
		return
	}
	entry.msg.resolveBatch(entry.partial, nil)
}

func firstError(vs []resp.Value) (bool, *resp.ServerError) {
	for _, v := range vs {
		if isErr, serr := v.AsError(); isErr {
			return true, serr
		}
	}
	return false, nil
}

// routePush dispatches a push frame to a matching sink: pub/sub by
// channel/pattern name in the first two array elements, otherwise to
// whichever message registered a catch-all push_sender (MONITOR,
// CLIENT TRACKING without a BCAST prefix match).
func (c *conn) routePush(v resp.Value) {
	if len(v.Array) < 2 {
		return
	}
	kind := string(v.Array[0].Bytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case "message", "smessage":
		channel := v.Array[1].Bytes
		for _, p := range c.pushSinks {
			if !p.pattern && string(p.channel) == string(channel) {
				trySend(p.sink, v)
			}
		}
	case "pmessage":
		if len(v.Array) < 2 {
			return
		}
		pattern := v.Array[1].Bytes
		for _, p := range c.pushSinks {
			if p.pattern && string(p.channel) == string(pattern) {
				trySend(p.sink, v)
			}
		}
	default:
		// invalidation pushes and MONITOR lines: deliver to every
		// registered catch-all sink (pattern == false, channel == nil).
		for _, p := range c.pushSinks {
			if p.channel == nil {
				trySend(p.sink, v)
			}
		}
	}
}

// isResp2PushShape reports whether v is a plain RESP2 array carrying a
// pub/sub delivery ("message"/"pmessage"/"smessage") rather than a command
// reply. RESP3 marks these with the dedicated '>' push type; RESP2 has no
// such marker, so a delivery is indistinguishable from any other three (or
// four, for pmessage) element array except by its first member, per
// spec.md §4.2's "content matches a subscription-delivery shape on RESP2".
// Subscribe/unsubscribe acknowledgements ("subscribe", "unsubscribe", ...)
// are deliberately excluded: those resolve the command that requested them.
func isResp2PushShape(v resp.Value) bool {
	if v.Type != resp.ArrayType || len(v.Array) < 3 {
		return false
	}
	head := v.Array[0]
	if head.Type != resp.BulkStringType {
		return false
	}
	switch head.Str {
	case "message", "pmessage", "smessage":
		return true
	default:
		return false
	}
}

func trySend(sink chan<- Value, v Value) {
	if sink == nil {
		return
	}
	select {
	case sink <- v:
	default:
	}
}

func (c *conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.failure = err
		close(c.closed)
		c.nc.Close()
	})
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
	return nil
}
