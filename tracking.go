package rescon

import (
	"sync"

	"github.com/tidwall/match"
)

// trackingTable records the BCAST prefixes a caller has registered for
// client-side caching invalidation (CLIENT TRACKING BCAST PREFIX p1 p2
// ...), matching arriving invalidation keys against them the same way the
// teacher matches PSUBSCRIBE patterns against published channel names,
// substituting tidwall/match's glob matcher for prefix matching by
// appending a trailing `*` to each registered prefix.
type trackingTable struct {
	mu       sync.Mutex
	prefixes []string
	sink     chan<- Value
}

func newTrackingTable() *trackingTable {
	return &trackingTable{}
}

// Enable installs the sink that receives invalidation push frames whose
// invalidated key matches one of prefixes.
func (t *trackingTable) Enable(prefixes []string, sink chan<- Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prefixes = append([]string(nil), prefixes...)
	t.sink = sink
}

func (t *trackingTable) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prefixes = nil
	t.sink = nil
}

// Matches reports whether key falls under any registered BCAST prefix. An
// empty prefix set means "track everything", matching CLIENT TRACKING
// BCAST with no PREFIX argument.
func (t *trackingTable) Matches(key []byte) (chan<- Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sink == nil {
		return nil, false
	}
	if len(t.prefixes) == 0 {
		return t.sink, true
	}
	for _, p := range t.prefixes {
		if match.Match(string(key), p+"*") {
			return t.sink, true
		}
	}
	return nil, false
}
