package resp

import "strconv"

// Command is a request: a command name plus its ordered argument list.
// KeySpan optionally identifies which argument indices are keys, consumed
// by the cluster router to compute slots; RetryOnError marks a command
// safe to resend verbatim after a disconnect that produced zero replies.
type Command struct {
	Name         string
	Args         []BulkString
	KeySpan      []int
	RetryOnError bool
}

// NewCommand builds a Command from a name and raw byte arguments, the
// shape the (out-of-scope) typed builder layer is expected to use most.
func NewCommand(name string, args ...[]byte) Command {
	bs := make([]BulkString, len(args))
	for i, a := range args {
		bs[i] = Binary(a)
	}
	return Command{Name: name, Args: bs}
}

// Keys returns the argument values selected by KeySpan.
func (c Command) Keys() [][]byte {
	if len(c.KeySpan) == 0 {
		return nil
	}
	keys := make([][]byte, len(c.KeySpan))
	for i, idx := range c.KeySpan {
		keys[i] = c.Args[idx].Bytes()
	}
	return keys
}

// Encode appends the wire representation of a Command to dst. It always
// emits a RESP2-compatible array of bulk strings: `*<n>\r\n` followed by
// `$<len>\r\n<bytes>\r\n` per argument, contiguously, so that a pipeline
// writer flushing several encoded commands in one syscall never interleaves
// a partial frame — the same "build it all before Flush" discipline as the
// teacher's Writer.
func Encode(dst []byte, cmd Command) []byte {
	n := len(cmd.Args) + 1
	dst = appendArrayHeader(dst, n)
	dst = appendBulk(dst, []byte(cmd.Name))
	for _, a := range cmd.Args {
		dst = appendBulkArg(dst, a)
	}
	return dst
}

func appendArrayHeader(b []byte, n int) []byte {
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(n), 10)
	return append(b, '\r', '\n')
}

func appendBulk(b []byte, data []byte) []byte {
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(data)), 10)
	b = append(b, '\r', '\n')
	b = append(b, data...)
	return append(b, '\r', '\n')
}

func appendBulkArg(b []byte, a BulkString) []byte {
	n := a.Len()
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(n), 10)
	b = append(b, '\r', '\n')
	b = a.AppendBytes(b)
	return append(b, '\r', '\n')
}
