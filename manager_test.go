package rescon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-rescon/rescon/resp"
)

// fakeRedisListener accepts a single connection, performs a minimal
// HELLO handshake, then replies +PONG to every subsequent command. Good
// enough to exercise the manager's startup sequence and steady-state
// submission path without a real server.
func fakeRedisListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		dec := &resp.Decoder{}
		var buf []byte
		tmp := make([]byte, 4096)
		first := true
		for {
			v, consumed, derr := dec.Decode(buf)
			if derr == resp.ErrIncomplete {
				n, rerr := nc.Read(tmp)
				if rerr != nil {
					return
				}
				buf = append(buf, tmp[:n]...)
				continue
			}
			if derr != nil {
				return
			}
			buf = buf[consumed:]
			_ = v
			if first {
				nc.Write([]byte("+OK\r\n"))
				first = false
			} else {
				nc.Write([]byte("+PONG\r\n"))
			}
		}
	}()
	return ln
}

func TestManagerConnectAndSubmit(t *testing.T) {
	ln := fakeRedisListener(t)
	defer ln.Close()

	cfg := DefaultConfig()
	addr := ln.Addr().(*net.TCPAddr)
	cfg.Endpoints = []Endpoint{TCPEndpoint("127.0.0.1", uint16(addr.Port))}
	cfg.SubmissionQueueCapacity = 8

	bus := newEventBus(nil, 8)
	mgr := newManager(cfg, newStandaloneResolver(cfg.Endpoints), bus)
	defer mgr.Close()

	msg, ch := NewMessage(resp.NewCommand("PING"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := mgr.Submit(ctx, msg); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-ch:
		if res.Err != nil || res.Value.Str != "PONG" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
