package rescon

import (
	"testing"

	"github.com/go-rescon/rescon/resp"
)

func TestMessageResolveDeliversExactlyOnce(t *testing.T) {
	msg, ch := NewMessage(resp.NewCommand("GET", []byte("k")))
	msg.resolve(resp.Value{Type: resp.BulkStringType, Bytes: []byte("v")}, nil)
	msg.resolve(resp.Value{Type: resp.BulkStringType, Bytes: []byte("other")}, nil)

	select {
	case res := <-ch:
		if string(res.Value.Bytes) != "v" {
			t.Fatalf("expected first resolution to win, got %q", res.Value.Bytes)
		}
	default:
		t.Fatal("expected a delivered result")
	}

	select {
	case <-ch:
		t.Fatal("expected exactly one delivery")
	default:
	}
}

func TestRetryReasonBound(t *testing.T) {
	msg, _ := NewMessage(resp.NewCommand("GET", []byte("k")))
	var err error
	for i := 0; i < maxRetryReasons; i++ {
		if err = msg.addRetryReason(RetryReason{Kind: ReasonDisconnect}, maxRetryReasons); err != nil {
			t.Fatalf("unexpected error before bound reached: %v", err)
		}
	}
	if err = msg.addRetryReason(RetryReason{Kind: ReasonDisconnect}, maxRetryReasons); !IsKind(err, KindTooManyRetries) {
		t.Fatalf("expected TooManyRetries once bound exceeded, got %v", err)
	}
}

func TestRetryReasonBoundHonorsConfiguredMax(t *testing.T) {
	msg, _ := NewMessage(resp.NewCommand("GET", []byte("k")))
	const custom = 2
	if err := msg.addRetryReason(RetryReason{Kind: ReasonDisconnect}, custom); err != nil {
		t.Fatalf("unexpected error before custom bound reached: %v", err)
	}
	if err := msg.addRetryReason(RetryReason{Kind: ReasonDisconnect}, custom); err != nil {
		t.Fatalf("unexpected error before custom bound reached: %v", err)
	}
	if err := msg.addRetryReason(RetryReason{Kind: ReasonDisconnect}, custom); !IsKind(err, KindTooManyRetries) {
		t.Fatalf("expected TooManyRetries once the configured bound %d was exceeded, got %v", custom, err)
	}
}

func TestMessageRepliesExpected(t *testing.T) {
	get, _ := NewMessage(resp.NewCommand("GET", []byte("k")))
	if n := get.repliesExpected(); n != 1 {
		t.Fatalf("expected 1 reply for a plain command, got %d", n)
	}

	unsub, _ := NewMessage(resp.NewCommand("UNSUBSCRIBE", []byte("a"), []byte("b"), []byte("c")))
	if n := unsub.repliesExpected(); n != 3 {
		t.Fatalf("expected 3 replies for a 3-channel UNSUBSCRIBE, got %d", n)
	}

	bare, _ := NewMessage(resp.NewCommand("UNSUBSCRIBE"))
	bare.WithExpectedReplies(5)
	if n := bare.repliesExpected(); n != 5 {
		t.Fatalf("expected the explicit override of 5 for a bare UNSUBSCRIBE, got %d", n)
	}
}

func TestIsCrossSlotSafe(t *testing.T) {
	for _, name := range []string{"MGET", "mset", "Del", "EXISTS", "UNLINK", "TOUCH"} {
		if !IsCrossSlotSafe(name) {
			t.Fatalf("expected %s to be cross-slot safe", name)
		}
	}
	if IsCrossSlotSafe("LPUSH") {
		t.Fatal("expected LPUSH to not be cross-slot safe")
	}
}
