package rescon

import (
	"strings"

	"github.com/go-rescon/rescon/resp"
)

// Command and Value are re-exported from resp so that the typed
// builder layer (out of scope here, per spec.md §1) has a single import to
// construct requests against.
type Command = resp.Command
type Value = resp.Value

// RetryReasonKind and RetryReason are re-exported from resp so both this
// package's manager and the cluster package's router accumulate and bound
// the same reason history without an import cycle between them.
type RetryReasonKind = resp.RetryReasonKind
type RetryReason = resp.RetryReason

const (
	ReasonDisconnect  = resp.ReasonDisconnect
	ReasonMoved       = resp.ReasonMoved
	ReasonAsk         = resp.ReasonAsk
	ReasonTryAgain    = resp.ReasonTryAgain
	ReasonClusterDown = resp.ReasonClusterDown
	ReasonReadOnly    = resp.ReasonReadOnly
	ReasonMasterDown  = resp.ReasonMasterDown
)

// maxRetryReasons bounds the retry history kept per Message; exceeding it
// is a terminal TooManyRetries, per spec.md §3 and §9 (the bound is a soft
// diagnostic signal in the source material, but this implementation treats
// it as the policy threshold since nothing in the corpus contradicts that).
const maxRetryReasons = 10

// valueSender is the one-shot channel a Message uses to deliver its
// result. A Message resolves it exactly once: either a single Value, a
// batch []Value, or an error.
type valueSender chan valueResult

type valueResult struct {
	Value Value
	Batch []Value
	Err   error
}

// pubSubRegistration is installed on the connection's push-sink table when
// the message carrying the SUBSCRIBE/PSUBSCRIBE/SSUBSCRIBE command is
// written, before the server acknowledges it; a rejected subscribe leaves
// its sink installed on that connection.
type pubSubRegistration struct {
	Channel []byte
	Pattern bool
	Shard   bool
	Sink    chan<- Value
}

// commands is the union type backing Message.Commands: none, a single
// command, or an atomically-submitted batch. Mirrors the `Commands` enum
// in the original Rust source's client/message.rs.
type commands struct {
	single *Command
	batch  []Command
}

func singleCommand(c Command) commands { return commands{single: &c} }
func batchCommands(cs []Command) commands { return commands{batch: cs} }

func (c commands) Len() int {
	switch {
	case c.batch != nil:
		return len(c.batch)
	case c.single != nil:
		return 1
	default:
		return 0
	}
}

func (c commands) All() []Command {
	switch {
	case c.batch != nil:
		return c.batch
	case c.single != nil:
		return []Command{*c.single}
	default:
		return nil
	}
}

// first returns the single command backing c, if c wraps exactly one
// (never a batch).
func (c commands) first() (Command, bool) {
	if c.single != nil {
		return *c.single, true
	}
	return Command{}, false
}

// Message is the unit of work the connection manager and cluster router
// pass down to a pipelined connection.
type Message struct {
	Commands commands

	valueSender chan valueResult
	pubSub      []pubSubRegistration
	pushSender  chan<- Value

	retryReasons []RetryReason
	retryOnError bool

	// expectedReplies overrides the default "one reply per command" count
	// conn's reply queue uses to decide when this message is fully
	// resolved. It must be set explicitly for a bare (zero-argument)
	// UNSUBSCRIBE/PUNSUBSCRIBE, whose confirmation count equals the
	// caller's current subscription count rather than anything derivable
	// from the command itself, per spec.md §4.3.
	expectedReplies int
}

// NewMessage builds a single-command Message whose result is delivered on
// the returned channel.
func NewMessage(cmd Command) (*Message, <-chan valueResult) {
	ch := make(chan valueResult, 1)
	return &Message{Commands: singleCommand(cmd), valueSender: ch, retryOnError: cmd.RetryOnError}, ch
}

// NewBatchMessage builds a Message carrying an atomically-submitted batch
// (e.g. a MULTI/EXEC transaction), whose aligned reply vector is delivered
// on the returned channel.
func NewBatchMessage(cmds []Command) (*Message, <-chan valueResult) {
	ch := make(chan valueResult, 1)
	return &Message{Commands: batchCommands(cmds), valueSender: ch}, ch
}

// WithPubSub attaches subscription registrations that the connection
// installs as push sinks when this Message is written, without waiting for
// the acknowledgement.
func (m *Message) WithPubSub(regs ...pubSubRegistration) *Message {
	m.pubSub = regs
	return m
}

// WithPushSender attaches an out-of-band sink for push frames associated
// with this message (MONITOR, CLIENT TRACKING without a channel).
func (m *Message) WithPushSender(sink chan<- Value) *Message {
	m.pushSender = sink
	return m
}

// WithExpectedReplies overrides the reply-frame count conn waits for
// before resolving this message. See the field comment on expectedReplies
// for why only the bare-unsubscribe case needs this.
func (m *Message) WithExpectedReplies(n int) *Message {
	m.expectedReplies = n
	return m
}

// subscribeFamily commands reply once per channel/pattern argument rather
// than once per command, per spec.md §4.3.
var subscribeFamily = map[string]bool{
	"SUBSCRIBE": true, "UNSUBSCRIBE": true,
	"PSUBSCRIBE": true, "PUNSUBSCRIBE": true,
	"SSUBSCRIBE": true, "SUNSUBSCRIBE": true,
}

// repliesExpected reports how many reply frames conn's reply queue must
// collect before this message is fully resolved: an explicit override if
// one was set, one per argument for a non-empty SUBSCRIBE-family command
// (which replies once per channel/pattern, not once per command), or
// otherwise one reply per queued command.
func (m *Message) repliesExpected() int {
	if m.expectedReplies > 0 {
		return m.expectedReplies
	}
	if cmd, ok := m.Commands.first(); ok && subscribeFamily[cmd.Name] && len(cmd.Args) > 0 {
		return len(cmd.Args)
	}
	return m.Commands.Len()
}

// addRetryReason records one reattempt and enforces maxReasons (falling
// back to maxRetryReasons when the caller passes a non-positive bound,
// i.e. an unconfigured Config.MaxRetriesPerCommand), per spec.md §3/§9.
func (m *Message) addRetryReason(r RetryReason, maxReasons int) error {
	if maxReasons <= 0 {
		maxReasons = maxRetryReasons
	}
	m.retryReasons = append(m.retryReasons, r)
	if len(m.retryReasons) > maxReasons {
		return &Error{Kind: KindTooManyRetries, Message: "exceeded retry reason bound", Reasons: m.retryReasons}
	}
	return nil
}

func (m *Message) resolve(v Value, err error) {
	m.deliver(valueResult{Value: v, Err: err})
}

func (m *Message) resolveBatch(vs []Value, err error) {
	m.deliver(valueResult{Batch: vs, Err: err})
}

func (m *Message) deliver(res valueResult) {
	if m.valueSender == nil {
		return
	}
	select {
	case m.valueSender <- res:
	default:
		// Receiver already got a result or dropped the channel; never
		// block the connection's hot path on a slow/absent reader.
	}
}

// crossSlotSafeCommands is the fixed set of multi-key commands the cluster
// router is permitted to split across shards, per spec.md §4.5.
var crossSlotSafeCommands = map[string]bool{
	"MGET":   true,
	"MSET":   true,
	"DEL":    true,
	"EXISTS": true,
	"UNLINK": true,
	"TOUCH":  true,
}

// IsCrossSlotSafe reports whether name may be split across shards when its
// keys land on different slots.
func IsCrossSlotSafe(name string) bool {
	return crossSlotSafeCommands[strings.ToUpper(name)]
}
