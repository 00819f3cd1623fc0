package rescon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-rescon/rescon/resp"
)

// fakeServer reads encoded commands off one end of a net.Pipe and writes
// back scripted replies, enough to drive conn's reader/writer loops
// without a real Redis process.
type fakeServer struct {
	nc  net.Conn
	dec *resp.Decoder
}

func newFakeServer(nc net.Conn) *fakeServer {
	return &fakeServer{nc: nc, dec: &resp.Decoder{}}
}

func (f *fakeServer) readCommand(t *testing.T) resp.Value {
	t.Helper()
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		v, consumed, err := f.dec.Decode(buf)
		if err == nil {
			_ = consumed
			return v
		}
		if err != resp.ErrIncomplete {
			t.Fatalf("decode error: %v", err)
		}
		n, rerr := f.nc.Read(tmp)
		if rerr != nil {
			t.Fatalf("read error: %v", rerr)
		}
		buf = append(buf, tmp[:n]...)
	}
}

func (f *fakeServer) writeRaw(t *testing.T, data string) {
	t.Helper()
	if _, err := f.nc.Write([]byte(data)); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func TestConnPipelineOrdering(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := newConn(clientSide, DefaultConfig().MaxFrameSize, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.Close()

	go func() {
		c.run(ctx)
	}()

	srv := newFakeServer(serverSide)
	go func() {
		for i := 0; i < 3; i++ {
			srv.readCommand(t)
			srv.writeRaw(t, "+OK\r\n")
		}
	}()

	var channels []<-chan valueResult
	for i := 0; i < 3; i++ {
		msg, ch := NewMessage(resp.NewCommand("SET", []byte("k"), []byte("v")))
		if err := c.Submit(ctx, msg); err != nil {
			t.Fatal(err)
		}
		channels = append(channels, ch)
	}

	for i, ch := range channels {
		select {
		case res := <-ch:
			if res.Err != nil || res.Value.Str != "OK" {
				t.Fatalf("message %d: unexpected result %+v", i, res)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d: timed out waiting for reply", i)
		}
	}
}

func TestConnPushRoutedSeparatelyFromReplies(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := newConn(clientSide, DefaultConfig().MaxFrameSize, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.Close()
	go func() { c.run(ctx) }()

	sink := make(chan Value, 4)
	c.registerPushSink(pushSink{channel: []byte("ch1"), sink: sink})

	srv := newFakeServer(serverSide)
	go func() {
		srv.readCommand(t)
		// Interleave a push frame before the actual reply.
		srv.writeRaw(t, ">3\r\n$7\r\nmessage\r\n$3\r\nch1\r\n$5\r\nhello\r\n")
		srv.writeRaw(t, "+OK\r\n")
	}()

	msg, ch := NewMessage(resp.NewCommand("PING"))
	if err := c.Submit(ctx, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-ch:
		if res.Err != nil || res.Value.Str != "OK" {
			t.Fatalf("unexpected reply: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	select {
	case v := <-sink:
		if len(v.Array) != 3 || string(v.Array[2].Bytes) != "hello" {
			t.Fatalf("unexpected push payload: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
	}
}

// TestConnResp2MessageNotMistakenForReply pins down that a RESP2 server
// (no '>' push type available) can still deliver a pub/sub message between
// two command replies without it being consumed as the next reply or,
// worse, dropped when the reply queue happens to be empty.
func TestConnResp2MessageNotMistakenForReply(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	c := newConn(clientSide, DefaultConfig().MaxFrameSize, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer c.Close()
	go func() { c.run(ctx) }()

	sink := make(chan Value, 4)
	c.registerPushSink(pushSink{channel: []byte("ch1"), sink: sink})

	srv := newFakeServer(serverSide)
	go func() {
		// No command pending at all when this arrives: a RESP2 "message"
		// array must still reach the push sink rather than be dropped.
		srv.writeRaw(t, "*3\r\n$7\r\nmessage\r\n$3\r\nch1\r\n$5\r\nhello\r\n")
		srv.readCommand(t)
		srv.writeRaw(t, "+PONG\r\n")
	}()

	select {
	case v := <-sink:
		if len(v.Array) != 3 || string(v.Array[2].Bytes) != "hello" {
			t.Fatalf("unexpected push payload: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RESP2 push")
	}

	msg, ch := NewMessage(resp.NewCommand("PING"))
	if err := c.Submit(ctx, msg); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-ch:
		if res.Err != nil || res.Value.Str != "PONG" {
			t.Fatalf("unexpected reply: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
