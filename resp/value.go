package resp

import "fmt"

// Type identifies the shape of a decoded Value.
type Type uint8

const (
	SimpleString Type = iota
	BulkStringType
	IntegerType
	DoubleType
	BooleanType
	ArrayType
	MapType
	SetType
	PushType
	ErrorType
	NilType
)

// KV is a single key/value pair, used to preserve Map insertion order from
// the wire (a Go map would not).
type KV struct {
	Key Value
	Val Value
}

// Value is the decoding target for any RESP2 or RESP3 frame. Arrays, Maps,
// Sets and Push frames hold their children in wire order.
type Value struct {
	Type    Type
	Str     string  // SimpleString, BulkString (as UTF-8), ErrorKind+Message combined for Error
	Bytes   []byte  // BulkString raw bytes, nil for a nil bulk string
	Int     int64   // IntegerType
	Double  float64 // DoubleType
	Bool    bool    // BooleanType
	Array   []Value // ArrayType, SetType, PushType
	Map     []KV    // MapType
	ErrKind string  // ErrorType: first whitespace-delimited token, e.g. "MOVED"
	ErrMsg  string  // ErrorType: payload after the kind token, e.g. "866 10.0.0.2:6379"
	// Attrs holds an optional `|` attribute map that preceded this value on
	// the wire. Most callers ignore it; it is never nil-checked by the
	// decoder itself.
	Attrs []KV
}

// IsNil reports whether this Value represents a null bulk string, null
// array, or RESP3 `_` null.
func (v Value) IsNil() bool { return v.Type == NilType }

// AsError returns (true, error) when the Value is a server error, ready to
// surface to a typed caller as resp.ServerError.
func (v Value) AsError() (bool, *ServerError) {
	if v.Type != ErrorType {
		return false, nil
	}
	return true, &ServerError{Kind: v.ErrKind, Message: v.ErrMsg}
}

// ServerError is a verbatim error reply from the server, carrying its
// first-token kind (MOVED, ASK, WRONGTYPE, ...) the way the teacher's
// ServerError/Prefix pair exposes the same split on the server side.
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("resp: server error %q", e.Message)
}
