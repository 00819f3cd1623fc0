package resp

import "strconv"

// BulkString is a command argument. The Integer and Double variants let a
// command builder defer formatting the ASCII form until the argument is
// actually written to the wire, mirroring the way the teacher's Writer
// methods (WriteInt, WriteBulk, WriteBulkString) each append straight to a
// scratch buffer instead of building an intermediate string.
type BulkString struct {
	kind bulkKind
	bin  []byte
	str  string
	i    int64
	f    float64
}

type bulkKind uint8

const (
	bulkBinary bulkKind = iota
	bulkNil
	bulkInteger
	bulkDouble
	bulkString
)

// Binary wraps a raw byte slice argument.
func Binary(b []byte) BulkString { return BulkString{kind: bulkBinary, bin: b} }

// Str wraps a UTF-8 string argument, avoiding a []byte copy at the call
// site.
func Str(s string) BulkString { return BulkString{kind: bulkString, str: s} }

// Nil represents the RESP null bulk string used as an argument placeholder.
// It is rarely a valid request argument but is kept for symmetry with the
// decode side, and for commands that accept an explicit nil sentinel.
func Nil() BulkString { return BulkString{kind: bulkNil} }

// Int wraps an integer argument, formatted lazily at encode time.
func Int(n int64) BulkString { return BulkString{kind: bulkInteger, i: n} }

// Double wraps a floating point argument, formatted lazily at encode time.
func Double(f float64) BulkString { return BulkString{kind: bulkDouble, f: f} }

// IsNil reports whether the argument is the nil placeholder.
func (b BulkString) IsNil() bool { return b.kind == bulkNil }

// Bytes renders the argument's wire bytes. Integer and Double are formatted
// here, not at construction time.
func (b BulkString) Bytes() []byte {
	switch b.kind {
	case bulkBinary:
		return b.bin
	case bulkString:
		return []byte(b.str)
	case bulkInteger:
		return strconv.AppendInt(nil, b.i, 10)
	case bulkDouble:
		return strconv.AppendFloat(nil, b.f, 'f', -1, 64)
	default:
		return nil
	}
}

// AppendBytes appends the argument's wire bytes to dst, avoiding an
// intermediate allocation for the common case.
func (b BulkString) AppendBytes(dst []byte) []byte {
	switch b.kind {
	case bulkBinary:
		return append(dst, b.bin...)
	case bulkString:
		return append(dst, b.str...)
	case bulkInteger:
		return strconv.AppendInt(dst, b.i, 10)
	case bulkDouble:
		return strconv.AppendFloat(dst, b.f, 'f', -1, 64)
	default:
		return dst
	}
}

// Len returns the encoded byte length of the argument without allocating.
func (b BulkString) Len() int {
	switch b.kind {
	case bulkBinary:
		return len(b.bin)
	case bulkString:
		return len(b.str)
	case bulkInteger:
		return len(strconv.AppendInt(nil, b.i, 10))
	case bulkDouble:
		return len(strconv.AppendFloat(nil, b.f, 'f', -1, 64))
	default:
		return 0
	}
}
