package resp

import "testing"

func TestEncodeCommand(t *testing.T) {
	cmd := Command{Name: "SET", Args: []BulkString{Str("foo"), Str("bar")}}
	got := string(Encode(nil, cmd))
	want := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestEncodeCommandNoArgs(t *testing.T) {
	cmd := Command{Name: "PING"}
	got := string(Encode(nil, cmd))
	want := "*1\r\n$4\r\nPING\r\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestEncodeLazyInteger(t *testing.T) {
	cmd := Command{Name: "INCRBY", Args: []BulkString{Str("k"), Int(-42)}}
	got := string(Encode(nil, cmd))
	want := "*3\r\n$6\r\nINCRBY\r\n$1\r\nk\r\n$3\r\n-42\r\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

// TestRoundTrip exercises the universal round-trip property of §8:
// decode(encode(cmd)) reproduces the same argument bytes.
func TestRoundTrip(t *testing.T) {
	cmd := Command{Name: "MSET", Args: []BulkString{
		Str("a"), Binary([]byte{0, 1, 2, 255}), Str("b"), Double(3.5),
	}}
	data := Encode(nil, cmd)
	d := &Decoder{}
	v, n, err := d.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("expected to consume %d bytes, got %d", len(data), n)
	}
	if len(v.Array) != len(cmd.Args)+1 {
		t.Fatalf("expected %d elements, got %d", len(cmd.Args)+1, len(v.Array))
	}
	if string(v.Array[0].Bytes) != "MSET" {
		t.Fatalf("expected name first, got %q", v.Array[0].Bytes)
	}
}

func TestKeySpan(t *testing.T) {
	cmd := Command{
		Name:    "MGET",
		Args:    []BulkString{Str("k1"), Str("k2"), Str("k3")},
		KeySpan: []int{0, 1, 2},
	}
	keys := cmd.Keys()
	if len(keys) != 3 || string(keys[1]) != "k2" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
